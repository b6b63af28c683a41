package engine

import (
	"context"
	"fmt"

	"github.com/crewloop/crew/internal/feedback"
	"github.com/crewloop/crew/internal/models"
)

// Outcome is what a rejection resolved to.
type Outcome struct {
	// AutoApproved is true when the revision cycle budget was exhausted and
	// the artifact was accepted as-is instead of revised.
	AutoApproved bool
	// Feedback is the parsed, structured form of the reviewer's text.
	Feedback []models.FeedbackItem
	// CycleCount is the cycle usage after this rejection.
	CycleCount int
	MaxCycles  int
	// Task carries everything a producing stage needs to generate the next
	// revision. Nil when AutoApproved.
	Task *models.TaskDescriptor
}

// handleRejection runs the revision orchestration for a rejected request:
// parse the feedback, spend one revision cycle, and build the task descriptor
// for the producer. When the budget is exhausted no cycle is spent and the
// outcome asks for auto-approval instead.
func (e *Engine) handleRejection(ctx context.Context, req *models.ReviewRequest, feedbackText string) (*Outcome, error) {
	items := e.parser.Parse(feedbackText)

	key := models.RevisionKey{
		AgentID:   req.AgentID,
		StageName: req.StageName,
		ProjectID: req.ProjectID,
	}

	decision, err := e.limiter.RegisterAttempt(ctx, key)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return &Outcome{
			AutoApproved: true,
			Feedback:     items,
			CycleCount:   decision.CycleCount,
			MaxCycles:    decision.MaxCycles,
		}, nil
	}

	// History read before FinalizeReview appends this cycle's record, so the
	// descriptor only carries feedback from earlier cycles.
	state, err := e.store.GetRevisionState(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load revision history: %w", err)
	}

	task := &models.TaskDescriptor{
		RequestID:         req.ID,
		ProjectID:         req.ProjectID,
		StageName:         req.StageName,
		AgentID:           req.AgentID,
		Content:           req.Content,
		Feedback:          items,
		FormattedFeedback: feedback.FormatForAgent(items),
		RevisionNumber:    req.RevisionNumber + 1,
		CycleCount:        decision.CycleCount,
		MaxCycles:         decision.MaxCycles,
		PreviousFeedback:  state.History,
	}

	return &Outcome{
		Feedback:   items,
		CycleCount: decision.CycleCount,
		MaxCycles:  decision.MaxCycles,
		Task:       task,
	}, nil
}
