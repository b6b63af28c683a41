package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewloop/crew/internal/models"
	"github.com/crewloop/crew/internal/store"
)

func newTestEngine(t *testing.T, maxCycles int) (*Engine, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return New(s, Config{MaxCycles: maxCycles}), s
}

func submit(t *testing.T, e *Engine, project, stage, agent string) *models.ReviewRequest {
	t.Helper()
	req, err := e.Submit(context.Background(), project, stage, agent, "artifact content")
	require.NoError(t, err)
	return req
}

// --- Submit ---

func TestSubmit(t *testing.T) {
	e, _ := newTestEngine(t, 5)

	req := submit(t, e, "proj-1", "architecture", "architect")
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, models.ReviewStatusPending, req.Status)
	assert.Equal(t, 0, req.RevisionNumber)
}

func TestSubmit_Validation(t *testing.T) {
	e, _ := newTestEngine(t, 5)
	ctx := context.Background()

	_, err := e.Submit(ctx, "", "prd", "writer", "content")
	assert.Error(t, err)
	_, err = e.Submit(ctx, "proj-1", "prd", "writer", "")
	assert.Error(t, err)
}

func TestSubmit_ConflictWhilePending(t *testing.T) {
	e, _ := newTestEngine(t, 5)
	ctx := context.Background()

	first := submit(t, e, "proj-1", "prd", "writer")

	_, err := e.Submit(ctx, "proj-1", "prd", "writer", "second attempt")
	assert.ErrorIs(t, err, ErrConflict)

	// The existing pending request is unaffected.
	got, err := e.GetRequest(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReviewStatusPending, got.Status)
	assert.Equal(t, "artifact content", got.Content)

	// A different stage is unaffected by the conflict.
	submit(t, e, "proj-1", "architecture", "architect")
}

func TestSubmit_RevisionNumbersStrictlyIncrease(t *testing.T) {
	e, _ := newTestEngine(t, 5)
	ctx := context.Background()

	for want := 0; want < 3; want++ {
		req := submit(t, e, "proj-1", "prd", "writer")
		assert.Equal(t, want, req.RevisionNumber)

		_, err := e.Decide(ctx, req.ID, models.VerdictReject, "improve the intro")
		require.NoError(t, err)
	}
}

// --- Decide ---

func TestDecide_Approve(t *testing.T) {
	e, s := newTestEngine(t, 5)
	ctx := context.Background()

	req := submit(t, e, "proj-1", "architecture", "architect")

	res, err := e.Decide(ctx, req.ID, models.VerdictApprove, "")
	require.NoError(t, err)
	assert.Equal(t, models.ReviewStatusApproved, res.Request.Status)
	assert.Nil(t, res.Outcome)
	assert.NotNil(t, res.Request.DecidedAt)

	// No revision state was created for a plain approval.
	state, err := s.GetRevisionState(ctx, models.RevisionKey{
		AgentID: "architect", StageName: "architecture", ProjectID: "proj-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, state.CycleCount)
	assert.Empty(t, state.History)

	// The approved artifact is now current.
	cur, err := s.GetCurrentArtifact(ctx, "proj-1", "architecture")
	require.NoError(t, err)
	assert.Equal(t, 0, cur.RevisionNumber)
}

func TestDecide_RejectProducesRevisionTask(t *testing.T) {
	e, _ := newTestEngine(t, 5)
	ctx := context.Background()

	req := submit(t, e, "proj-1", "architecture", "architect")

	res, err := e.Decide(ctx, req.ID, models.VerdictReject,
		"Add a security section. Also change the database choice to Postgres.")
	require.NoError(t, err)

	assert.Equal(t, models.ReviewStatusRejected, res.Request.Status)
	outcome := res.Outcome
	require.NotNil(t, outcome)
	assert.False(t, outcome.AutoApproved)
	assert.Equal(t, 1, outcome.CycleCount)

	require.Len(t, outcome.Feedback, 2)
	assert.Equal(t, models.FeedbackAdd, outcome.Feedback[0].Category)
	assert.Equal(t, "security section", outcome.Feedback[0].TargetSection)
	assert.Equal(t, models.FeedbackChange, outcome.Feedback[1].Category)
	assert.Equal(t, "database choice", outcome.Feedback[1].TargetSection)

	task := outcome.Task
	require.NotNil(t, task)
	assert.Equal(t, req.ID, task.RequestID)
	assert.Equal(t, "artifact content", task.Content)
	assert.Equal(t, 1, task.RevisionNumber)
	assert.Equal(t, 1, task.CycleCount)
	assert.Contains(t, task.FormattedFeedback, "## Add")
	assert.Empty(t, task.PreviousFeedback, "first rejection has no earlier cycles")
}

func TestDecide_RejectRequiresFeedback(t *testing.T) {
	e, _ := newTestEngine(t, 5)
	ctx := context.Background()

	req := submit(t, e, "proj-1", "prd", "writer")

	_, err := e.Decide(ctx, req.ID, models.VerdictReject, "")
	assert.ErrorIs(t, err, ErrInvalidState)

	// Still pending after the failed decision.
	got, err := e.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReviewStatusPending, got.Status)
}

func TestDecide_UnknownRequest(t *testing.T) {
	e, _ := newTestEngine(t, 5)

	_, err := e.Decide(context.Background(), "no-such-id", models.VerdictApprove, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDecide_TwiceFails(t *testing.T) {
	e, _ := newTestEngine(t, 5)
	ctx := context.Background()

	req := submit(t, e, "proj-1", "prd", "writer")

	_, err := e.Decide(ctx, req.ID, models.VerdictApprove, "")
	require.NoError(t, err)

	_, err = e.Decide(ctx, req.ID, models.VerdictReject, "too late")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestDecide_UnknownVerdict(t *testing.T) {
	e, _ := newTestEngine(t, 5)
	ctx := context.Background()

	req := submit(t, e, "proj-1", "prd", "writer")

	_, err := e.Decide(ctx, req.ID, models.Verdict("defer"), "")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestDecide_AutoApproveAfterBudgetExhausted(t *testing.T) {
	e, _ := newTestEngine(t, 2)
	ctx := context.Background()

	// Two rejections spend the budget.
	for i := 0; i < 2; i++ {
		req := submit(t, e, "proj-1", "prd", "writer")
		res, err := e.Decide(ctx, req.ID, models.VerdictReject, "improve it")
		require.NoError(t, err)
		assert.False(t, res.Outcome.AutoApproved)
		assert.Equal(t, i+1, res.Outcome.CycleCount)
	}

	// The next rejection is denied and force-approves the artifact.
	req := submit(t, e, "proj-1", "prd", "writer")
	res, err := e.Decide(ctx, req.ID, models.VerdictReject, "still not right")
	require.NoError(t, err)

	assert.Equal(t, models.ReviewStatusAutoApproved, res.Request.Status)
	assert.True(t, res.Outcome.AutoApproved)
	assert.Nil(t, res.Outcome.Task)
	assert.Equal(t, 2, res.Outcome.CycleCount, "deny does not increment")
	assert.NotEmpty(t, res.Outcome.Feedback, "the final feedback is still recorded")
}

func TestDecide_RejectionHistoryAccumulates(t *testing.T) {
	e, _ := newTestEngine(t, 5)
	ctx := context.Background()

	req := submit(t, e, "proj-1", "prd", "writer")
	_, err := e.Decide(ctx, req.ID, models.VerdictReject, "add a glossary")
	require.NoError(t, err)

	req = submit(t, e, "proj-1", "prd", "writer")
	res, err := e.Decide(ctx, req.ID, models.VerdictReject, "remove the appendix")
	require.NoError(t, err)

	task := res.Outcome.Task
	require.NotNil(t, task)
	require.Len(t, task.PreviousFeedback, 1, "descriptor carries only earlier cycles")
	assert.Equal(t, 0, task.PreviousFeedback[0].RevisionNumber)
	require.Len(t, task.PreviousFeedback[0].Feedback, 1)
	assert.Equal(t, "add a glossary", task.PreviousFeedback[0].Feedback[0].RawText)
}

// --- Listing and status ---

func TestListPending_OrderedOldestFirst(t *testing.T) {
	e, _ := newTestEngine(t, 5)
	ctx := context.Background()

	a := submit(t, e, "proj-1", "business_analysis", "analyst")
	b := submit(t, e, "proj-1", "prd", "writer")
	c := submit(t, e, "proj-2", "prd", "writer")

	pending, err := e.ListPending(ctx, "")
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, a.ID, pending[0].ID)
	assert.Equal(t, b.ID, pending[1].ID)
	assert.Equal(t, c.ID, pending[2].ID)

	proj1, err := e.ListPending(ctx, "proj-1")
	require.NoError(t, err)
	assert.Len(t, proj1, 2)
}

func TestListCompleted(t *testing.T) {
	e, _ := newTestEngine(t, 5)
	ctx := context.Background()

	req := submit(t, e, "proj-1", "prd", "writer")
	_, err := e.Decide(ctx, req.ID, models.VerdictApprove, "")
	require.NoError(t, err)
	submit(t, e, "proj-1", "architecture", "architect")

	done, err := e.ListCompleted(ctx, "proj-1")
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, req.ID, done[0].ID)
}

func TestStatus_PipelineOrder(t *testing.T) {
	e, _ := newTestEngine(t, 5)
	ctx := context.Background()

	// Submitted out of pipeline order.
	archReq := submit(t, e, "proj-1", "architecture", "architect")
	_, err := e.Decide(ctx, archReq.ID, models.VerdictApprove, "")
	require.NoError(t, err)

	prdReq := submit(t, e, "proj-1", "prd", "writer")
	_, err = e.Decide(ctx, prdReq.ID, models.VerdictReject, "add milestones")
	require.NoError(t, err)

	statuses, err := e.Status(ctx, "proj-1")
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	assert.Equal(t, "prd", statuses[0].StageName)
	assert.Equal(t, models.ReviewStatusRejected, statuses[0].Status)
	assert.Equal(t, 1, statuses[0].CycleCount)

	assert.Equal(t, "architecture", statuses[1].StageName)
	assert.Equal(t, models.ReviewStatusApproved, statuses[1].Status)
	assert.Equal(t, 0, statuses[1].CycleCount)
}

func TestStatus_UnknownProject(t *testing.T) {
	e, _ := newTestEngine(t, 5)

	_, err := e.Status(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResetStage(t *testing.T) {
	e, _ := newTestEngine(t, 1)
	ctx := context.Background()

	req := submit(t, e, "proj-1", "prd", "writer")
	_, err := e.Decide(ctx, req.ID, models.VerdictReject, "improve it")
	require.NoError(t, err)

	key := models.RevisionKey{AgentID: "writer", StageName: "prd", ProjectID: "proj-1"}
	require.NoError(t, e.ResetStage(ctx, key))

	// Budget restored: the next rejection is a Revise again, not auto-approve.
	req = submit(t, e, "proj-1", "prd", "writer")
	res, err := e.Decide(ctx, req.ID, models.VerdictReject, "improve it more")
	require.NoError(t, err)
	assert.False(t, res.Outcome.AutoApproved)
	assert.Equal(t, 1, res.Outcome.CycleCount)
}

// --- Crash recovery ---

func TestRestart_ReconstructsStateFromStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	e := New(s, Config{MaxCycles: 5})

	req, err := e.Submit(ctx, "proj-1", "prd", "writer", "v0 content")
	require.NoError(t, err)
	_, err = e.Decide(ctx, req.ID, models.VerdictReject, "add a glossary")
	require.NoError(t, err)
	req2, err := e.Submit(ctx, "proj-1", "prd", "writer", "v1 content")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// A fresh engine over the same database sees the identical state.
	s2, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s2.Close()
	e2 := New(s2, Config{MaxCycles: 5})

	pending, err := e2.ListPending(ctx, "proj-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, req2.ID, pending[0].ID)
	assert.Equal(t, 1, pending[0].RevisionNumber)

	// Cycle count survives: still enforced by the new engine.
	statuses, err := e2.Status(ctx, "proj-1")
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, 1, statuses[0].CycleCount)

	// A conflicting submit is still rejected.
	_, err = e2.Submit(ctx, "proj-1", "prd", "writer", "sneaky")
	assert.ErrorIs(t, err, ErrConflict)
}

// --- Concurrency ---

func TestSubmit_ConcurrentSameStage(t *testing.T) {
	e, _ := newTestEngine(t, 5)
	ctx := context.Background()

	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func(i int) {
			_, err := e.Submit(ctx, "proj-1", "prd", "writer", fmt.Sprintf("content %d", i))
			results <- err
		}(i)
	}

	succeeded := 0
	for i := 0; i < 8; i++ {
		if err := <-results; err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrConflict)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one submission wins")
}

func TestDecide_ConcurrentSameRequest(t *testing.T) {
	e, _ := newTestEngine(t, 5)
	ctx := context.Background()

	req := submit(t, e, "proj-1", "prd", "writer")

	results := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, err := e.Decide(ctx, req.ID, models.VerdictApprove, "")
			results <- err
		}()
	}

	succeeded := 0
	for i := 0; i < 4; i++ {
		if err := <-results; err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrInvalidState)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one decision lands")
}
