// Package guard decides whether a request may proceed and how large a
// response it may ask the backend for. The guard only reads ledger state;
// the authoritative debit happens in the reconciler once real cost is known,
// so a request that fails before producing output costs nothing beyond its
// input estimate.
package guard

import (
	"context"
	"errors"

	"github.com/tokengate/tokengate/internal/estimate"
	"github.com/tokengate/tokengate/internal/ledger"
)

var (
	// ErrQuotaExhausted rejects a user with no tokens left today.
	ErrQuotaExhausted = errors.New("guard: daily quota exhausted")
	// ErrInsufficientHeadroom rejects a request whose input would leave less
	// than the minimum response floor.
	ErrInsufficientHeadroom = errors.New("guard: insufficient headroom for a response")
)

// Limits bounds the output ceiling handed to the backend.
type Limits struct {
	// MinResponseTokens is the minimum output budget any authorized request
	// is guaranteed.
	MinResponseTokens int64
	// MaxResponseTokens caps the output budget regardless of remaining quota.
	MaxResponseTokens int64
}

// Authorization is the guard's verdict for one request. Ceiling is advisory
// capacity passed to the backend as a generation bound; nothing is deducted
// until the reconciler settles actual usage.
type Authorization struct {
	InputCost int64
	Ceiling   int64
	Remaining int64
	Plan      string
}

// Guard authorizes requests against the quota ledger.
type Guard struct {
	store  ledger.Store
	limits Limits
}

// New constructs a Guard.
func New(store ledger.Store, limits Limits) *Guard {
	return &Guard{store: store, limits: limits}
}

// Authorize freshens the user's record, estimates the input cost, and either
// rejects the request or returns the output ceiling for the backend call.
func (g *Guard) Authorize(ctx context.Context, userID int64, text string) (Authorization, error) {
	record, err := g.store.EnsureFresh(ctx, userID)
	if err != nil {
		return Authorization{}, err
	}

	inputCost := estimate.Cost(text)
	if record.Remaining <= 0 {
		return Authorization{}, ErrQuotaExhausted
	}
	if record.Remaining-inputCost < g.limits.MinResponseTokens {
		return Authorization{}, ErrInsufficientHeadroom
	}

	ceiling := record.Remaining - inputCost
	if ceiling < g.limits.MinResponseTokens {
		ceiling = g.limits.MinResponseTokens
	}
	if g.limits.MaxResponseTokens > 0 && ceiling > g.limits.MaxResponseTokens {
		ceiling = g.limits.MaxResponseTokens
	}

	return Authorization{
		InputCost: inputCost,
		Ceiling:   ceiling,
		Remaining: record.Remaining,
		Plan:      record.Plan,
	}, nil
}
