package store

import (
	"context"
	"errors"

	"github.com/crewloop/crew/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ReviewListFilter specifies filters for listing review requests.
type ReviewListFilter struct {
	ProjectID string
	StageName string
	Status    models.ReviewStatus
}

// Store defines the persistence boundary for crew. All durable state lives
// behind this interface; on restart every in-memory index is rebuilt from it.
type Store interface {
	// Review requests
	// CreateReviewRequest persists a new request and its artifact version in
	// one transaction.
	CreateReviewRequest(ctx context.Context, req *models.ReviewRequest, artifact *models.ArtifactVersion) error
	GetReviewRequest(ctx context.Context, id string) (*models.ReviewRequest, error)
	GetPendingReview(ctx context.Context, projectID, stageName string) (*models.ReviewRequest, error)
	ListReviewRequests(ctx context.Context, filter ReviewListFilter) ([]*models.ReviewRequest, error)
	// MaxRevisionNumber returns the highest revision submitted for a stage,
	// or -1 when the stage has never been submitted.
	MaxRevisionNumber(ctx context.Context, projectID, stageName string) (int, error)
	// FinalizeReview records a decision: the status transition, feedback, and
	// decided-at timestamp, plus an optional revision history record, all in
	// one transaction. The request must still be pending in the store.
	FinalizeReview(ctx context.Context, req *models.ReviewRequest, record *models.RevisionRecord) error

	// Revision state
	GetRevisionState(ctx context.Context, key models.RevisionKey) (*models.RevisionState, error)
	IncrementCycleCount(ctx context.Context, key models.RevisionKey) (int, error)
	ResetRevisionState(ctx context.Context, key models.RevisionKey) error

	// Artifacts
	ListArtifactVersions(ctx context.Context, projectID, stageName string) ([]*models.ArtifactVersion, error)
	// GetCurrentArtifact returns the highest-revision artifact whose review
	// reached an approved status (explicit or auto).
	GetCurrentArtifact(ctx context.Context, projectID, stageName string) (*models.ArtifactVersion, error)
	GetArtifactVersion(ctx context.Context, projectID, stageName string, revision int) (*models.ArtifactVersion, error)
	// ListProjects returns the distinct project IDs present in the store.
	ListProjects(ctx context.Context) ([]string, error)
	ListStages(ctx context.Context, projectID string) ([]string, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
