package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/crewloop/crew/internal/models"
)

var resetAgent string

var resetCmd = &cobra.Command{
	Use:   "reset <project> <stage>",
	Short: "Reset a stage's revision cycle budget",
	Long: `Reset the revision cycle count for one agent's work on a stage,
used when a project restarts the stage from scratch. The revision
history ledger is kept.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resetRun(args[0], args[1])
	},
}

func init() {
	resetCmd.Flags().StringVar(&resetAgent, "agent", "", "Producing agent ID (required)")
	_ = resetCmd.MarkFlagRequired("agent")
	rootCmd.AddCommand(resetCmd)
}

func resetRun(projectID, stageName string) error {
	e, err := getEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	key := models.RevisionKey{
		AgentID:   resetAgent,
		StageName: stageName,
		ProjectID: projectID,
	}
	if err := e.ResetStage(ctx, key); err != nil {
		return err
	}

	ui.Success("Cycle count reset for %s on %s/%s", resetAgent, projectID, stageName)
	return nil
}
