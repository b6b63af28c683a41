package models

import "time"

// ReviewStatus represents the state of a review request.
type ReviewStatus string

const (
	ReviewStatusPending      ReviewStatus = "pending"
	ReviewStatusApproved     ReviewStatus = "approved"
	ReviewStatusRejected     ReviewStatus = "rejected"
	ReviewStatusAutoApproved ReviewStatus = "auto_approved"
)

// Terminal reports whether the status is final for a request instance.
// A resubmission after rejection is a new request with a higher revision
// number, never a reopening of the old one.
func (s ReviewStatus) Terminal() bool {
	return s != ReviewStatusPending
}

// Approved reports whether the status counts as an approval, explicit or
// forced by the cycle limit.
func (s ReviewStatus) Approved() bool {
	return s == ReviewStatusApproved || s == ReviewStatusAutoApproved
}

// Verdict is a human decision on a pending review request.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictReject  Verdict = "reject"
)

// ReviewRequest represents one submitted artifact awaiting a human verdict.
type ReviewRequest struct {
	ID             string
	ProjectID      string
	StageName      string
	AgentID        string
	Content        string
	Status         ReviewStatus
	RevisionNumber int
	// Feedback is present only when the request was rejected, or
	// auto-approved after a rejection exhausted the cycle limit.
	Feedback  []FeedbackItem
	CreatedAt time.Time
	DecidedAt *time.Time
}
