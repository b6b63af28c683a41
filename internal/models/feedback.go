package models

// FeedbackCategory classifies the directive expressed by a feedback clause.
type FeedbackCategory string

const (
	FeedbackAdd          FeedbackCategory = "add"
	FeedbackChange       FeedbackCategory = "change"
	FeedbackRemove       FeedbackCategory = "remove"
	FeedbackClarify      FeedbackCategory = "clarify"
	FeedbackUnclassified FeedbackCategory = "unclassified"
)

// FeedbackPriority is derived from lexical urgency cues in the clause.
type FeedbackPriority string

const (
	PriorityHigh   FeedbackPriority = "high"
	PriorityMedium FeedbackPriority = "medium"
	PriorityLow    FeedbackPriority = "low"
)

// FeedbackItem is one structured directive extracted from reviewer feedback.
type FeedbackItem struct {
	Category FeedbackCategory `json:"category"`
	// TargetSection is a best-effort reference to the affected part of the
	// artifact; empty when not locatable.
	TargetSection string           `json:"target_section,omitempty"`
	Priority      FeedbackPriority `json:"priority"`
	// RawText is the original clause the item was extracted from.
	RawText string `json:"raw_text"`
}
