package models

import "time"

// RevisionKey identifies the revision state for one producer working on one
// stage of one project.
type RevisionKey struct {
	AgentID   string
	StageName string
	ProjectID string
}

// String renders the key in a stable form usable for per-key locking.
func (k RevisionKey) String() string {
	return k.AgentID + "/" + k.StageName + "/" + k.ProjectID
}

// RevisionRecord is one append-only history entry for a revision cycle.
type RevisionRecord struct {
	RevisionNumber int
	Feedback       []FeedbackItem
	Outcome        ReviewStatus
	CreatedAt      time.Time
}

// RevisionState tracks rejection/revision round trips for a RevisionKey.
// Owned by the cycle limiter; read-only everywhere else.
type RevisionState struct {
	Key        RevisionKey
	CycleCount int
	History    []RevisionRecord
}

// TaskDescriptor is the hand-off data given to a producing stage to generate
// a revised artifact. The engine never invokes content generation itself;
// the caller routes the descriptor to whichever producer handles the stage.
type TaskDescriptor struct {
	RequestID         string
	ProjectID         string
	StageName         string
	AgentID           string
	Content           string
	Feedback          []FeedbackItem
	FormattedFeedback string
	RevisionNumber    int
	CycleCount        int
	MaxCycles         int
	// PreviousFeedback summarizes earlier cycles so the producer can avoid
	// reintroducing already-rejected choices.
	PreviousFeedback []RevisionRecord
}
