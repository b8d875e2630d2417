// Package reconcile settles actual usage against the quota ledger after a
// generation attempt finishes. Settlement is the single authoritative write
// of consumption per request and runs exactly once, whether the backend
// succeeded, failed, or the caller went away.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tokengate/tokengate/internal/estimate"
	"github.com/tokengate/tokengate/internal/gateway"
	"github.com/tokengate/tokengate/internal/ledger"
	"github.com/tokengate/tokengate/internal/models"
	"gorm.io/gorm"
)

// settleTimeout bounds the detached settlement write. Settlement must not
// inherit the request context: a cancelled request still owes its input cost.
const settleTimeout = 5 * time.Second

// Reconciler applies final per-request costs to the ledger and appends the
// usage log.
type Reconciler struct {
	store ledger.Store
	db    *gorm.DB
	model string
}

// New constructs a Reconciler. db may be nil when no usage log is kept
// (for example with a Redis-backed ledger).
func New(store ledger.Store, db *gorm.DB, model string) *Reconciler {
	return &Reconciler{store: store, db: db, model: model}
}

// Settle debits inputCost plus the actual output cost for one request and
// returns the user's new remaining balance. On generation failure only the
// input cost is charged: the user pays for what they sent, not for backend
// failures. Output cost prefers the backend-reported token count and falls
// back to estimating the generated text.
func (r *Reconciler) Settle(userID int64, requestID string, inputCost int64, result gateway.Result, genErr error) (int64, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}

	var outputCost int64
	if genErr == nil {
		outputCost = result.OutputTokens
		if outputCost <= 0 {
			outputCost = estimate.Cost(result.Text)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	remaining, errDebit := r.store.Debit(ctx, userID, inputCost+outputCost)
	if errDebit != nil {
		return 0, errDebit
	}

	r.appendUsage(ctx, models.Usage{
		RequestID:    requestID,
		UserID:       userID,
		Model:        r.model,
		RequestedAt:  time.Now().UTC(),
		Failed:       genErr != nil,
		ErrorDetail:  errorDetail(genErr),
		InputTokens:  inputCost,
		OutputTokens: outputCost,
		TotalTokens:  inputCost + outputCost,
	})

	return remaining, nil
}

// appendUsage records the request in the usage log. Failures are logged and
// never propagated: losing a log row must not fail a settled request.
func (r *Reconciler) appendUsage(ctx context.Context, row models.Usage) {
	if r.db == nil {
		return
	}
	if errCreate := r.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		log.WithError(errCreate).Warn("reconcile: failed to persist usage record")
	}
}

// errorDetail serializes a generation error for the usage log.
func errorDetail(genErr error) []byte {
	if genErr == nil {
		return nil
	}
	detail := struct {
		Message    string `json:"message"`
		StatusCode int    `json:"status_code,omitempty"`
	}{Message: genErr.Error()}

	var backendErr *gateway.BackendError
	if errors.As(genErr, &backendErr) {
		detail.StatusCode = backendErr.StatusCode
	}

	payload, errMarshal := json.Marshal(detail)
	if errMarshal != nil {
		return nil
	}
	return payload
}
