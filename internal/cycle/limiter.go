// Package cycle bounds the number of rejection/revision round trips a
// producing stage may go through before its output is force-approved.
package cycle

import (
	"context"
	"fmt"

	"github.com/crewloop/crew/internal/keylock"
	"github.com/crewloop/crew/internal/models"
	"github.com/crewloop/crew/internal/store"
)

// DefaultMaxCycles is the revision cycle budget used when none is configured.
const DefaultMaxCycles = 5

// Decision is the outcome of registering a revision attempt.
type Decision struct {
	// Allowed reports whether another revision cycle may run. When false the
	// caller is expected to auto-approve the artifact.
	Allowed bool
	// CycleCount is the count after the attempt was registered (Allowed) or
	// the unchanged count that exhausted the budget (Denied).
	CycleCount int
	MaxCycles  int
}

// Limiter tracks revision-attempt counts per (agent, stage, project) key.
// Counts live in the store so they survive restarts; the limiter holds no
// in-memory state beyond per-key locks.
type Limiter struct {
	store     store.Store
	maxCycles int
	locks     *keylock.KeyLock
}

// New creates a limiter backed by the given store. A non-positive maxCycles
// falls back to DefaultMaxCycles.
func New(s store.Store, maxCycles int) *Limiter {
	if maxCycles <= 0 {
		maxCycles = DefaultMaxCycles
	}
	return &Limiter{
		store:     s,
		maxCycles: maxCycles,
		locks:     keylock.New(),
	}
}

// MaxCycles returns the configured cycle budget.
func (l *Limiter) MaxCycles() int {
	return l.maxCycles
}

// RegisterAttempt records one revision attempt for the key. It denies once
// the key has used its full budget; otherwise it durably increments the
// count and allows. The sole mutator of revision state, atomic per key.
func (l *Limiter) RegisterAttempt(ctx context.Context, key models.RevisionKey) (Decision, error) {
	unlock := l.locks.Lock(key.String())
	defer unlock()

	state, err := l.store.GetRevisionState(ctx, key)
	if err != nil {
		return Decision{}, fmt.Errorf("register attempt: %w", err)
	}

	if state.CycleCount >= l.maxCycles {
		return Decision{Allowed: false, CycleCount: state.CycleCount, MaxCycles: l.maxCycles}, nil
	}

	count, err := l.store.IncrementCycleCount(ctx, key)
	if err != nil {
		return Decision{}, fmt.Errorf("register attempt: %w", err)
	}
	return Decision{Allowed: true, CycleCount: count, MaxCycles: l.maxCycles}, nil
}

// CycleCount returns the current count for the key (0 if never rejected).
func (l *Limiter) CycleCount(ctx context.Context, key models.RevisionKey) (int, error) {
	state, err := l.store.GetRevisionState(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("cycle count: %w", err)
	}
	return state.CycleCount, nil
}

// Reset restores the key's count to zero. Used when a project restarts a
// stage from scratch; the revision history ledger is left intact.
func (l *Limiter) Reset(ctx context.Context, key models.RevisionKey) error {
	unlock := l.locks.Lock(key.String())
	defer unlock()

	if err := l.store.ResetRevisionState(ctx, key); err != nil {
		return fmt.Errorf("reset cycle count: %w", err)
	}
	return nil
}
