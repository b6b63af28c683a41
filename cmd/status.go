package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crewloop/crew/internal/output"
	"github.com/crewloop/crew/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status [project]",
	Short: "Show pipeline review status",
	Long: `Show the review status of a project's pipeline stages.

Without arguments, lists all projects with their pending review counts.
With a project ID, shows the latest request per stage in pipeline order.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return statusProjectRun(args[0])
		}
		return statusOverviewRun()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func statusOverviewRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	projects, err := s.ListProjects(ctx)
	if err != nil {
		return err
	}

	if len(projects) == 0 {
		ui.Info("No projects found. Use 'crew review submit' to get started.")
		return nil
	}

	table := ui.Table([]string{"Project", "Stages", "Pending"})
	for _, projectID := range projects {
		stages, err := s.ListStages(ctx, projectID)
		if err != nil {
			return err
		}
		pending, err := s.ListReviewRequests(ctx, store.ReviewListFilter{
			ProjectID: projectID,
			Status:    "pending",
		})
		if err != nil {
			return err
		}

		pendingStr := "-"
		if len(pending) > 0 {
			pendingStr = output.Yellow(fmt.Sprintf("%d", len(pending)))
		}

		_ = table.Append([]string{
			output.Cyan(projectID),
			fmt.Sprintf("%d", len(stages)),
			pendingStr,
		})
	}
	_ = table.Render()
	return nil
}

func statusProjectRun(projectID string) error {
	e, err := getEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	statuses, err := e.Status(ctx, projectID)
	if err != nil {
		return err
	}

	table := ui.Table([]string{"Stage", "Status", "Rev", "Cycles", "Agent", "Request"})
	for _, st := range statuses {
		_ = table.Append([]string{
			st.StageName,
			output.StatusColor(string(st.Status)),
			fmt.Sprintf("%d", st.RevisionNumber),
			output.CycleColor(st.CycleCount, st.MaxCycles),
			st.AgentID,
			shortID(st.RequestID),
		})
	}
	_ = table.Render()
	return nil
}
