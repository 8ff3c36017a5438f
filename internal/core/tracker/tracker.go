package tracker

import (
	"context"
	"time"
)

// Outcome is the terminal disposition of a work unit in the persisted log.
type Outcome string

const (
	OutcomeDone   Outcome = "done"
	OutcomeFailed Outcome = "failed"
	// OutcomeReset clears an earlier failed record, returning the unit to
	// pending. Written only by explicit operator action.
	OutcomeReset Outcome = "reset"
)

// Entry is one record of the append-only tracker log. Readers must ignore
// fields they do not know so the format can grow.
type Entry struct {
	UnitID  string    `json:"unit_id"`
	Outcome Outcome   `json:"outcome"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"ts"`
}

// Store is the single source of truth for which units have been handled.
// It is the only state shared between workers; every mutation must be atomic
// with respect to concurrent workers of the same store.
//
// Membership in done is final. A unit is in at most one of done/failed.
// Claims are deliberately not durable: a crash between claim and commit
// leaves the unit pending, safe to redo.
type Store interface {
	IsDone(ctx context.Context, unitID string) (bool, error)
	IsFailed(ctx context.Context, unitID string) (bool, error)

	// Claim atomically transitions a pending unit to in_progress for this
	// worker. False means the unit is done, failed, or owned elsewhere.
	Claim(ctx context.Context, unitID string) (bool, error)
	Release(ctx context.Context, unitID string) error

	MarkDone(ctx context.Context, unitID string) error
	MarkFailed(ctx context.Context, unitID string, reason string) error

	// ResetFailed explicitly returns a failed unit to pending so a
	// human-triggered re-run can retry it.
	ResetFailed(ctx context.Context, unitID string) error

	IncrAttempts(ctx context.Context, unitID string) (int, error)
	Attempts(ctx context.Context, unitID string) (int, error)

	Close() error
}
