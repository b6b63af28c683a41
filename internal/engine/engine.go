// Package engine implements the human-in-the-loop review manager: it owns
// the review request lifecycle, bounds revision cycles, and turns rejections
// into revision task descriptors for the producing stages.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/crewloop/crew/internal/cycle"
	"github.com/crewloop/crew/internal/feedback"
	"github.com/crewloop/crew/internal/keylock"
	"github.com/crewloop/crew/internal/models"
	"github.com/crewloop/crew/internal/store"
)

// Config holds engine configuration.
type Config struct {
	// MaxCycles bounds rejection/revision round trips per (agent, stage,
	// project); non-positive means cycle.DefaultMaxCycles.
	MaxCycles int
}

// Engine is the review manager. All durable state lives in the store, so an
// Engine can be recreated over an existing database at any time; per-stage
// locks only serialize callers within this process, the single-connection
// store serializes across processes.
type Engine struct {
	store   store.Store
	parser  *feedback.Parser
	limiter *cycle.Limiter
	locks   *keylock.KeyLock
}

// New creates an engine over the given store.
func New(s store.Store, cfg Config) *Engine {
	return &Engine{
		store:   s,
		parser:  feedback.NewParser(),
		limiter: cycle.New(s, cfg.MaxCycles),
		locks:   keylock.New(),
	}
}

// Limiter exposes the cycle limiter for status reporting.
func (e *Engine) Limiter() *cycle.Limiter {
	return e.limiter
}

func stageKey(projectID, stageName string) string {
	return projectID + "/" + stageName
}

// Submit registers a producing stage's output for human review. It fails
// with ErrConflict while a pending request exists for the same stage. The
// revision number continues from the stage's highest prior submission.
func (e *Engine) Submit(ctx context.Context, projectID, stageName, agentID, content string) (*models.ReviewRequest, error) {
	if projectID == "" || stageName == "" || agentID == "" {
		return nil, fmt.Errorf("project, stage, and agent are required")
	}
	if content == "" {
		return nil, fmt.Errorf("content is empty")
	}

	unlock := e.locks.Lock(stageKey(projectID, stageName))
	defer unlock()

	existing, err := e.store.GetPendingReview(ctx, projectID, stageName)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("review %s is already pending for %s/%s: %w",
			existing.ID, projectID, stageName, ErrConflict)
	}

	maxRev, err := e.store.MaxRevisionNumber(ctx, projectID, stageName)
	if err != nil {
		return nil, err
	}

	req := &models.ReviewRequest{
		ProjectID:      projectID,
		StageName:      stageName,
		AgentID:        agentID,
		Content:        content,
		Status:         models.ReviewStatusPending,
		RevisionNumber: maxRev + 1,
	}
	artifact := &models.ArtifactVersion{
		ProjectID:      projectID,
		StageName:      stageName,
		RevisionNumber: req.RevisionNumber,
		Content:        content,
	}

	if err := e.store.CreateReviewRequest(ctx, req, artifact); err != nil {
		return nil, err
	}
	return req, nil
}

// ListPending returns pending requests ordered by creation time, optionally
// filtered by project.
func (e *Engine) ListPending(ctx context.Context, projectID string) ([]*models.ReviewRequest, error) {
	return e.store.ListReviewRequests(ctx, store.ReviewListFilter{
		ProjectID: projectID,
		Status:    models.ReviewStatusPending,
	})
}

// ListCompleted returns decided requests ordered by creation time,
// optionally filtered by project.
func (e *Engine) ListCompleted(ctx context.Context, projectID string) ([]*models.ReviewRequest, error) {
	all, err := e.store.ListReviewRequests(ctx, store.ReviewListFilter{ProjectID: projectID})
	if err != nil {
		return nil, err
	}
	var done []*models.ReviewRequest
	for _, r := range all {
		if r.Status.Terminal() {
			done = append(done, r)
		}
	}
	return done, nil
}

// GetRequest returns one review request by id.
func (e *Engine) GetRequest(ctx context.Context, id string) (*models.ReviewRequest, error) {
	return e.store.GetReviewRequest(ctx, id)
}

// DecisionResult is the outcome of a verdict on a review request.
type DecisionResult struct {
	// Request reflects the finalized state.
	Request *models.ReviewRequest
	// Outcome is set for rejections: either a revision task or a forced
	// auto-approval. Nil for plain approvals.
	Outcome *Outcome
}

// Decide applies a human verdict to a pending request. On approval the
// request is finalized as approved. On rejection the revision orchestrator
// either produces a task descriptor (request becomes rejected) or, with the
// cycle budget exhausted, forces auto-approval. Any persistence failure
// leaves the request pending so the human can retry.
func (e *Engine) Decide(ctx context.Context, requestID string, verdict models.Verdict, feedbackText string) (*DecisionResult, error) {
	req, err := e.store.GetReviewRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(stageKey(req.ProjectID, req.StageName))
	defer unlock()

	// Re-read under the stage lock: a concurrent decision may have landed.
	req, err = e.store.GetReviewRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != models.ReviewStatusPending {
		return nil, fmt.Errorf("review %s already decided (%s): %w", req.ID, req.Status, ErrInvalidState)
	}

	switch verdict {
	case models.VerdictApprove:
		req.Status = models.ReviewStatusApproved
		if err := e.store.FinalizeReview(ctx, req, nil); err != nil {
			return nil, err
		}
		return &DecisionResult{Request: req}, nil

	case models.VerdictReject:
		if strings.TrimSpace(feedbackText) == "" {
			return nil, fmt.Errorf("rejection requires feedback text: %w", ErrInvalidState)
		}

		outcome, err := e.handleRejection(ctx, req, feedbackText)
		if err != nil {
			return nil, err
		}

		req.Feedback = outcome.Feedback
		if outcome.AutoApproved {
			req.Status = models.ReviewStatusAutoApproved
		} else {
			req.Status = models.ReviewStatusRejected
		}
		record := &models.RevisionRecord{
			RevisionNumber: req.RevisionNumber,
			Feedback:       outcome.Feedback,
			Outcome:        req.Status,
		}
		if err := e.store.FinalizeReview(ctx, req, record); err != nil {
			return nil, err
		}
		return &DecisionResult{Request: req, Outcome: outcome}, nil

	default:
		return nil, fmt.Errorf("unknown verdict %q: %w", verdict, ErrInvalidState)
	}
}

// StageStatus is one row of a project's per-stage status snapshot.
type StageStatus struct {
	StageName      string
	Status         models.ReviewStatus
	RevisionNumber int
	RequestID      string
	AgentID        string
	CycleCount     int
	MaxCycles      int
}

// Status returns the per-stage snapshot for a project: the latest request
// per stage plus its revision cycle usage, in pipeline order (stages outside
// the catalog follow in first-submission order).
func (e *Engine) Status(ctx context.Context, projectID string) ([]StageStatus, error) {
	stages, err := e.store.ListStages(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(stages) == 0 {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}

	ordered := orderStages(stages)

	var statuses []StageStatus
	for _, stage := range ordered {
		reqs, err := e.store.ListReviewRequests(ctx, store.ReviewListFilter{
			ProjectID: projectID,
			StageName: stage,
		})
		if err != nil {
			return nil, err
		}
		if len(reqs) == 0 {
			continue
		}
		latest := reqs[len(reqs)-1]

		count, err := e.limiter.CycleCount(ctx, models.RevisionKey{
			AgentID:   latest.AgentID,
			StageName: stage,
			ProjectID: projectID,
		})
		if err != nil {
			return nil, err
		}

		statuses = append(statuses, StageStatus{
			StageName:      stage,
			Status:         latest.Status,
			RevisionNumber: latest.RevisionNumber,
			RequestID:      latest.ID,
			AgentID:        latest.AgentID,
			CycleCount:     count,
			MaxCycles:      e.limiter.MaxCycles(),
		})
	}
	return statuses, nil
}

// ResetStage restores the revision cycle budget for a key, used when a
// project restarts a stage from scratch.
func (e *Engine) ResetStage(ctx context.Context, key models.RevisionKey) error {
	return e.limiter.Reset(ctx, key)
}

// orderStages sorts stage names into pipeline catalog order; unknown stages
// keep their relative order after the known ones.
func orderStages(stages []string) []string {
	var known, unknown []string
	for _, name := range models.PipelineStages {
		for _, s := range stages {
			if s == name {
				known = append(known, s)
			}
		}
	}
	for _, s := range stages {
		if models.StageIndex(s) == -1 {
			unknown = append(unknown, s)
		}
	}
	return append(known, unknown...)
}
