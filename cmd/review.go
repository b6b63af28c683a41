package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/crewloop/crew/internal/engine"
	"github.com/crewloop/crew/internal/models"
	"github.com/crewloop/crew/internal/output"
	"github.com/crewloop/crew/internal/producer"
)

var (
	reviewProject string
	reviewStage   string
	reviewAgent   string
	reviewFile    string
	reviewMsg     string
	reviewAll     bool
	reviewRevise  bool
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Manage review requests",
	Long:  "Submit stage outputs for review, inspect them, and record verdicts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewListRun()
	},
}

var reviewSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit stage output for review",
	Long: `Submit a stage's output for human review.

Content comes from --file, or from stdin when --file is omitted.
Fails while an earlier submission for the same project/stage is pending.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewSubmitRun()
	},
}

var reviewListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List review requests",
	Long:    "List pending review requests, oldest first. Use --all to include decided ones.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewListRun()
	},
}

var reviewShowCmd = &cobra.Command{
	Use:   "show <review-id>",
	Short: "Show review request details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewShowRun(args[0])
	},
}

var reviewApproveCmd = &cobra.Command{
	Use:   "approve <review-id>",
	Short: "Approve a pending review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewApproveRun(args[0])
	},
}

var reviewRejectCmd = &cobra.Command{
	Use:   "reject <review-id>",
	Short: "Reject a pending review with feedback",
	Long: `Reject a pending review. The feedback text (-m) is parsed into structured
items and a revision task is prepared for the producing agent. Once the
stage exhausts its revision cycles the artifact is auto-approved instead.

With --revise, crew immediately generates the revised artifact via the
configured LLM and submits it as the next revision.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewRejectRun(args[0])
	},
}

func init() {
	reviewSubmitCmd.Flags().StringVar(&reviewProject, "project", "", "Project ID (required)")
	reviewSubmitCmd.Flags().StringVar(&reviewStage, "stage", "", "Pipeline stage name (required)")
	reviewSubmitCmd.Flags().StringVar(&reviewAgent, "agent", "", "Producing agent ID (required)")
	reviewSubmitCmd.Flags().StringVar(&reviewFile, "file", "", "Read content from file instead of stdin")
	_ = reviewSubmitCmd.MarkFlagRequired("project")
	_ = reviewSubmitCmd.MarkFlagRequired("stage")
	_ = reviewSubmitCmd.MarkFlagRequired("agent")

	reviewListCmd.Flags().StringVar(&reviewProject, "project", "", "Filter by project")
	reviewListCmd.Flags().BoolVar(&reviewAll, "all", false, "Include decided requests")

	reviewRejectCmd.Flags().StringVarP(&reviewMsg, "message", "m", "", "Feedback text (required)")
	reviewRejectCmd.Flags().BoolVar(&reviewRevise, "revise", false, "Generate and submit the revision via the configured LLM")
	_ = reviewRejectCmd.MarkFlagRequired("message")

	reviewCmd.AddCommand(reviewSubmitCmd)
	reviewCmd.AddCommand(reviewListCmd)
	reviewCmd.AddCommand(reviewShowCmd)
	reviewCmd.AddCommand(reviewApproveCmd)
	reviewCmd.AddCommand(reviewRejectCmd)
	rootCmd.AddCommand(reviewCmd)
}

func reviewSubmitRun() error {
	e, err := getEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	var content []byte
	if reviewFile != "" {
		content, err = os.ReadFile(reviewFile)
		if err != nil {
			return fmt.Errorf("read content file: %w", err)
		}
	} else {
		content, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
	}

	req, err := e.Submit(ctx, reviewProject, reviewStage, reviewAgent, string(content))
	if err != nil {
		return err
	}

	ui.Success("Review %s submitted: %s/%s revision %d",
		shortID(req.ID), req.ProjectID, req.StageName, req.RevisionNumber)
	return nil
}

func reviewListRun() error {
	e, err := getEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	reqs, err := e.ListPending(ctx, reviewProject)
	if err != nil {
		return err
	}
	if reviewAll {
		done, err := e.ListCompleted(ctx, reviewProject)
		if err != nil {
			return err
		}
		reqs = append(reqs, done...)
	}

	if len(reqs) == 0 {
		ui.Info("No review requests found.")
		return nil
	}

	table := ui.Table([]string{"ID", "Project", "Stage", "Agent", "Rev", "Status", "Age"})
	for _, req := range reqs {
		_ = table.Append([]string{
			shortID(req.ID),
			req.ProjectID,
			req.StageName,
			req.AgentID,
			fmt.Sprintf("%d", req.RevisionNumber),
			output.StatusColor(string(req.Status)),
			timeAgo(req.CreatedAt),
		})
	}
	_ = table.Render()
	return nil
}

func reviewShowRun(id string) error {
	e, err := getEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	req, err := findRequest(ctx, e, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s  %s/%s revision %d\n",
		output.Cyan(shortID(req.ID)), req.ProjectID, req.StageName, req.RevisionNumber)
	fmt.Fprintf(ui.Out, "  Agent:      %s\n", req.AgentID)
	fmt.Fprintf(ui.Out, "  Status:     %s\n", output.StatusColor(string(req.Status)))
	fmt.Fprintf(ui.Out, "  Created:    %s\n", req.CreatedAt.Format(time.RFC3339))
	if req.DecidedAt != nil {
		fmt.Fprintf(ui.Out, "  Decided:    %s\n", req.DecidedAt.Format(time.RFC3339))
	}
	if len(req.Feedback) > 0 {
		fmt.Fprintf(ui.Out, "  Feedback:\n")
		for _, item := range req.Feedback {
			target := ""
			if item.TargetSection != "" {
				target = fmt.Sprintf(" (%s)", item.TargetSection)
			}
			fmt.Fprintf(ui.Out, "    - [%s/%s]%s %s\n",
				item.Category, output.PriorityColor(string(item.Priority)), target, item.RawText)
		}
	}
	fmt.Fprintf(ui.Out, "  Full ID:    %s\n", req.ID)
	fmt.Fprintln(ui.Out)
	fmt.Fprintln(ui.Out, req.Content)
	return nil
}

func reviewApproveRun(id string) error {
	e, err := getEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	req, err := findRequest(ctx, e, id)
	if err != nil {
		return err
	}

	res, err := e.Decide(ctx, req.ID, models.VerdictApprove, "")
	if err != nil {
		return err
	}

	ui.Success("Review %s approved: %s/%s revision %d is now current",
		shortID(res.Request.ID), res.Request.ProjectID, res.Request.StageName, res.Request.RevisionNumber)
	return nil
}

func reviewRejectRun(id string) error {
	e, err := getEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	req, err := findRequest(ctx, e, id)
	if err != nil {
		return err
	}

	res, err := e.Decide(ctx, req.ID, models.VerdictReject, reviewMsg)
	if err != nil {
		return err
	}

	outcome := res.Outcome
	if outcome.AutoApproved {
		ui.Warning("Revision limit reached (%d/%d): %s/%s revision %d auto-approved as-is",
			outcome.CycleCount, outcome.MaxCycles,
			res.Request.ProjectID, res.Request.StageName, res.Request.RevisionNumber)
		return nil
	}

	ui.Success("Review %s rejected (cycle %d/%d), %d feedback item(s) recorded",
		shortID(res.Request.ID), outcome.CycleCount, outcome.MaxCycles, len(outcome.Feedback))
	ui.VerboseLog("revision task prepared for agent %s", outcome.Task.AgentID)

	if !reviewRevise {
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, outcome.Task.FormattedFeedback)
		return nil
	}

	return reviseAndResubmit(ctx, e, outcome.Task)
}

// reviseAndResubmit generates the revised artifact via the configured LLM and
// submits it as the stage's next revision.
func reviseAndResubmit(ctx context.Context, e *engine.Engine, task *models.TaskDescriptor) error {
	p := producer.NewAnthropic(
		viper.GetString("anthropic.api_key"),
		viper.GetString("anthropic.model"),
	)

	ui.Info("Generating revision %d for %s/%s...", task.RevisionNumber, task.ProjectID, task.StageName)
	revised, err := p.Revise(ctx, task)
	if err != nil {
		return fmt.Errorf("generate revision: %w", err)
	}

	req, err := e.Submit(ctx, task.ProjectID, task.StageName, task.AgentID, revised)
	if err != nil {
		return err
	}

	ui.Success("Revision %d submitted for review: %s", req.RevisionNumber, shortID(req.ID))
	return nil
}

// findRequest finds a review request by full ID or unique prefix.
func findRequest(ctx context.Context, e *engine.Engine, id string) (*models.ReviewRequest, error) {
	// Try exact match first
	if req, err := e.GetRequest(ctx, id); err == nil {
		return req, nil
	}

	// Try prefix match - list all and filter
	upper := strings.ToUpper(id)
	pending, err := e.ListPending(ctx, "")
	if err != nil {
		return nil, err
	}
	done, err := e.ListCompleted(ctx, "")
	if err != nil {
		return nil, err
	}

	var matches []*models.ReviewRequest
	for _, req := range append(pending, done...) {
		if strings.HasPrefix(req.ID, upper) {
			matches = append(matches, req)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("review %s: %w", id, engine.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous review ID %s: matches %d requests", id, len(matches))
	}
}

// shortID returns a truncated ULID for display (first 12 chars).
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// timeAgo renders a coarse relative timestamp.
func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
