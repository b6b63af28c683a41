package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewloop/crew/internal/engine"
	"github.com/crewloop/crew/internal/output"
)

// testEnv sets up isolated config dir, viper, and output for testing.
func testEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	// Override configDirFunc for tests
	origFunc := configDirFunc
	configDirFunc = func() (string, error) { return dir, nil }
	t.Cleanup(func() { configDirFunc = origFunc })

	// Reset viper
	viper.Reset()
	viper.SetDefault("state_dir", dir)
	viper.SetDefault("db_path", filepath.Join(dir, "crew.db"))
	viper.SetDefault("review.max_cycles", 5)
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")

	// Initialize output
	ui = output.New()

	return dir
}

func TestConfigInit_CreatesFile(t *testing.T) {
	dir := testEnv(t)

	err := configInitRun()
	require.NoError(t, err)

	cfgPath := filepath.Join(dir, "config.yaml")
	_, err = os.Stat(cfgPath)
	assert.NoError(t, err, "config file should exist")

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "crew configuration")
	assert.Contains(t, string(data), "max_cycles: 5")
	assert.Contains(t, string(data), "anthropic")
}

func TestConfigInit_RefusesOverwrite(t *testing.T) {
	dir := testEnv(t)

	// Create existing file
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("existing"), 0644))

	err := configInitRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	// File untouched
	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "existing", string(data))
}

func TestConfigInit_ForceOverwrites(t *testing.T) {
	dir := testEnv(t)

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("existing"), 0644))

	configForce = true
	t.Cleanup(func() { configForce = false })

	err := configInitRun()
	require.NoError(t, err)

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "crew configuration")
}

func TestConfigShow_NoFile(t *testing.T) {
	testEnv(t)

	err := configShowRun()
	assert.NoError(t, err)
}

func TestReadConfigFileValues(t *testing.T) {
	dir := testEnv(t)

	cfgPath := filepath.Join(dir, "config.yaml")
	content := "db_path: /tmp/crew.db\nreview:\n  max_cycles: 3\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0644))

	values := readConfigFileValues(cfgPath)
	assert.True(t, values["db_path"])
	assert.True(t, values["review.max_cycles"])
	assert.False(t, values["anthropic.model"])
}

func TestDetectSource(t *testing.T) {
	fileValues := map[string]bool{"db_path": true}

	assert.Equal(t, "(file)", detectSource("db_path", "CREW_DB_PATH", fileValues))
	assert.Equal(t, "(default)", detectSource("state_dir", "CREW_STATE_DIR", fileValues))

	t.Setenv("CREW_STATE_DIR", "/custom")
	assert.Equal(t, "(env: CREW_STATE_DIR)", detectSource("state_dir", "CREW_STATE_DIR", fileValues))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitConflict, exitCode(fmt.Errorf("submit: %w", engine.ErrConflict)))
	assert.Equal(t, exitNotFound, exitCode(fmt.Errorf("lookup: %w", engine.ErrNotFound)))
	assert.Equal(t, exitInvalidState, exitCode(fmt.Errorf("decide: %w", engine.ErrInvalidState)))
	assert.Equal(t, exitError, exitCode(os.ErrPermission))
}
