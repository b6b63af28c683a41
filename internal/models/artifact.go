package models

import "time"

// ArtifactVersion is one entry in the append-only artifact ledger.
// Versions are never overwritten; the current artifact for a stage is the
// highest revision whose review reached an approved status.
type ArtifactVersion struct {
	ProjectID      string
	StageName      string
	RevisionNumber int
	Content        string
	CreatedAt      time.Time
}
