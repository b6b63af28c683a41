package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/crewloop/crew/internal/engine"
	"github.com/crewloop/crew/internal/output"
	"github.com/crewloop/crew/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui           *output.UI
	dataStore    store.Store
	reviewEngine *engine.Engine

	verbose bool
)

// Exit codes for scripted callers.
const (
	exitError        = 1
	exitConflict     = 3
	exitNotFound     = 4
	exitInvalidState = 5
)

var rootCmd = &cobra.Command{
	Use:   "crew",
	Short: "Human-in-the-loop review for agent content pipelines",
	Long: `crew manages human review checkpoints in a multi-stage agent pipeline.
Producing agents submit stage outputs for review; humans approve or reject
with feedback, and crew turns rejections into bounded revision cycles.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps sentinel errors onto distinct process exit codes.
func exitCode(err error) int {
	switch {
	case errors.Is(err, engine.ErrConflict):
		return exitConflict
	case errors.Is(err, engine.ErrNotFound):
		return exitNotFound
	case errors.Is(err, engine.ErrInvalidState):
		return exitInvalidState
	default:
		return exitError
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/crew/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(exitError)
		}

		configDir := filepath.Join(home, ".config", "crew")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("CREW")
	viper.AutomaticEnv()

	// Defaults via viper.SetDefault()
	home, _ := os.UserHomeDir()
	defaultConfigDir := filepath.Join(home, ".config", "crew")

	viper.SetDefault("state_dir", defaultConfigDir)
	viper.SetDefault("db_path", filepath.Join(defaultConfigDir, "crew.db"))
	viper.SetDefault("review.max_cycles", 5)
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose

	// Store and engine initialize lazily — only when commands need them.
	// This allows config/version commands to run without a db.
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(rootCmd.Context()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

// getEngine returns the shared review engine, initializing it on first call.
func getEngine() (*engine.Engine, error) {
	if reviewEngine != nil {
		return reviewEngine, nil
	}

	s, err := getStore()
	if err != nil {
		return nil, err
	}

	reviewEngine = engine.New(s, engine.Config{
		MaxCycles: viper.GetInt("review.max_cycles"),
	})
	return reviewEngine, nil
}
