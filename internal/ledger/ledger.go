// Package ledger owns the durable per-user quota records. Every mutation of
// a record goes through one of the Store operations, each of which is atomic
// per user; no other component reads or writes quota state directly.
package ledger

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable wraps backing-store failures. Callers must fail closed
// when they see it: a request without a trusted quota read is rejected, never
// waved through on a fabricated state.
var ErrStoreUnavailable = errors.New("ledger: store unavailable")

// Record is one user's quota state for the current allowance period.
type Record struct {
	UserID       int64
	Plan         string
	Remaining    int64
	PeriodAnchor string
}

// Stats aggregates ledger totals for administrative reporting.
type Stats struct {
	Users           int64
	TokensRemaining int64
}

// Store is the quota ledger contract. Implementations serialize the
// operations per user so that concurrent requests from the same user never
// lose a debit; operations on distinct users do not block one another.
type Store interface {
	// GetOrCreate returns the user's record, creating it with the default
	// plan and a full allowance on first contact. Concurrent calls for the
	// same user collapse to a single insert.
	GetOrCreate(ctx context.Context, userID int64) (Record, error)

	// EnsureFresh resets the record to a full allowance anchored to today
	// when its period anchor is stale. This is the only place daily resets
	// happen. Calling it again on the same day is a no-op.
	EnsureFresh(ctx context.Context, userID int64) (Record, error)

	// Debit atomically subtracts amount from the user's remaining tokens,
	// clamping at zero, and returns the new remaining value. A stale record
	// is refreshed before the delta is applied so that consumption never
	// lands on an about-to-be-discarded period.
	Debit(ctx context.Context, userID int64, amount int64) (int64, error)

	// SetPlan switches the user to a new plan, granting a fresh full
	// allowance anchored to today. Fails with plans.ErrUnknownPlan for
	// unregistered names.
	SetPlan(ctx context.Context, userID int64, plan string) (Record, error)

	// Stats returns ledger-wide totals.
	Stats(ctx context.Context) (Stats, error)
}

// anchorDate formats a time as the UTC calendar day used in period anchors.
func anchorDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// todayUTC returns the current UTC calendar day.
func todayUTC() string {
	return anchorDate(time.Now())
}
