package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/crewloop/crew/internal/models"
	"github.com/crewloop/crew/internal/output"
)

var (
	artifactRevision int
	artifactOut      string
)

var artifactCmd = &cobra.Command{
	Use:   "artifact",
	Short: "Inspect stage artifact versions",
	Long:  "List, show, and export the versioned artifacts produced by pipeline stages.",
}

var artifactListCmd = &cobra.Command{
	Use:     "list <project> <stage>",
	Aliases: []string{"ls"},
	Short:   "List artifact versions for a stage",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return artifactListRun(args[0], args[1])
	},
}

var artifactShowCmd = &cobra.Command{
	Use:   "show <project> <stage>",
	Short: "Show a stage artifact",
	Long: `Show a stage artifact.

Without --rev, shows the current approved version; with --rev, that exact
revision regardless of review outcome.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return artifactShowRun(args[0], args[1])
	},
}

var artifactExportCmd = &cobra.Command{
	Use:   "export <project> <stage>",
	Short: "Write the current approved artifact to a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return artifactExportRun(args[0], args[1])
	},
}

func init() {
	artifactShowCmd.Flags().IntVar(&artifactRevision, "rev", -1, "Exact revision number to show")
	artifactExportCmd.Flags().StringVarP(&artifactOut, "out", "o", "", "Output file path (required)")
	_ = artifactExportCmd.MarkFlagRequired("out")

	artifactCmd.AddCommand(artifactListCmd)
	artifactCmd.AddCommand(artifactShowCmd)
	artifactCmd.AddCommand(artifactExportCmd)
	rootCmd.AddCommand(artifactCmd)
}

func artifactListRun(projectID, stageName string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	versions, err := s.ListArtifactVersions(ctx, projectID, stageName)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		ui.Info("No artifact versions for %s/%s.", projectID, stageName)
		return nil
	}

	current := -1
	if cur, err := s.GetCurrentArtifact(ctx, projectID, stageName); err == nil {
		current = cur.RevisionNumber
	}

	table := ui.Table([]string{"Rev", "Size", "Created", "Current"})
	for _, v := range versions {
		marker := ""
		if v.RevisionNumber == current {
			marker = output.Green("*")
		}
		_ = table.Append([]string{
			fmt.Sprintf("%d", v.RevisionNumber),
			fmt.Sprintf("%d bytes", len(v.Content)),
			v.CreatedAt.Format(time.RFC3339),
			marker,
		})
	}
	_ = table.Render()
	return nil
}

func artifactShowRun(projectID, stageName string) error {
	ctx := context.Background()

	artifact, err := fetchArtifact(ctx, projectID, stageName)
	if err != nil {
		return err
	}

	fmt.Fprint(ui.Out, artifact.Content)
	return nil
}

// fetchArtifact resolves either the current approved version or, when --rev
// was given, that exact revision.
func fetchArtifact(ctx context.Context, projectID, stageName string) (*models.ArtifactVersion, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	if artifactRevision >= 0 {
		return s.GetArtifactVersion(ctx, projectID, stageName, artifactRevision)
	}
	return s.GetCurrentArtifact(ctx, projectID, stageName)
}

func artifactExportRun(projectID, stageName string) error {
	ctx := context.Background()

	artifact, err := fetchArtifact(ctx, projectID, stageName)
	if err != nil {
		return err
	}

	if err := os.WriteFile(artifactOut, []byte(artifact.Content), 0644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}

	ui.Success("Exported %s/%s revision %d to %s",
		projectID, stageName, artifact.RevisionNumber, artifactOut)
	return nil
}
