package engine

import (
	"errors"

	"github.com/crewloop/crew/internal/store"
)

var (
	// ErrConflict is returned when a submission would create a second
	// pending review for the same (project, stage).
	ErrConflict = errors.New("conflict")

	// ErrNotFound is returned for unknown review ids or project stages.
	// Aliased from the store so errors.Is works on either package's sentinel.
	ErrNotFound = store.ErrNotFound

	// ErrInvalidState is returned for a decision on a non-pending request,
	// a rejection without feedback text, or an unknown verdict.
	ErrInvalidState = errors.New("invalid state")
)
