package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	dbutil "github.com/tokengate/tokengate/internal/db"
	"github.com/tokengate/tokengate/internal/models"
	"github.com/tokengate/tokengate/internal/plans"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore is the relational quota ledger. Debits and resets are issued as
// single guarded UPDATE statements so that concurrent writers serialize on
// the row without read-modify-write races, on both SQLite and PostgreSQL.
type GormStore struct {
	db    *gorm.DB
	plans *plans.Registry
}

var _ Store = (*GormStore)(nil)

// NewGormStore constructs a GormStore over an open connection.
func NewGormStore(conn *gorm.DB, registry *plans.Registry) *GormStore {
	return &GormStore{db: conn, plans: registry}
}

// GetOrCreate returns the user's record, inserting the default-plan seed row
// on first contact. The insert uses ON CONFLICT DO NOTHING, so concurrent
// creations for the same user collapse to one row.
func (s *GormStore) GetOrCreate(ctx context.Context, userID int64) (Record, error) {
	seed := models.UserQuota{
		UserID:       userID,
		Plan:         s.plans.DefaultPlan(),
		Remaining:    s.plans.DefaultAllowance(),
		PeriodAnchor: todayUTC(),
	}
	if errCreate := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&seed).Error; errCreate != nil {
		return Record{}, storeErr("create", errCreate)
	}
	return s.read(ctx, userID)
}

// EnsureFresh resets a stale record to a full allowance anchored to today.
// The reset UPDATE is guarded on the stale anchor value, so only one of any
// number of concurrent callers performs it; the rest observe the fresh row.
func (s *GormStore) EnsureFresh(ctx context.Context, userID int64) (Record, error) {
	record, err := s.GetOrCreate(ctx, userID)
	if err != nil {
		return Record{}, err
	}

	today := todayUTC()
	if record.PeriodAnchor >= today {
		return record, nil
	}

	allowance := s.allowanceFor(record.Plan)
	res := s.db.WithContext(ctx).
		Model(&models.UserQuota{}).
		Where("user_id = ? AND period_anchor < ?", userID, today).
		Updates(map[string]any{
			"remaining":     allowance,
			"period_anchor": today,
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return Record{}, storeErr("reset", res.Error)
	}
	return s.read(ctx, userID)
}

// Debit subtracts amount from the user's remaining tokens, clamping at zero.
// The subtraction runs server-side and is guarded on a fresh period anchor;
// when the guard misses the record is refreshed and the debit retried, so the
// delta never lands on a discarded period and no concurrent debit is lost.
func (s *GormStore) Debit(ctx context.Context, userID int64, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("ledger: negative debit amount %d", amount)
	}

	record, err := s.EnsureFresh(ctx, userID)
	if err != nil {
		return 0, err
	}
	if amount == 0 {
		return record.Remaining, nil
	}

	for attempt := 0; attempt < 2; attempt++ {
		today := todayUTC()
		res := s.db.WithContext(ctx).
			Model(&models.UserQuota{}).
			Where("user_id = ? AND period_anchor = ?", userID, today).
			Updates(map[string]any{
				"remaining":  gorm.Expr(dbutil.ClampedDebitExpr(s.db, "remaining"), amount),
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return 0, storeErr("debit", res.Error)
		}
		if res.RowsAffected > 0 {
			record, err = s.read(ctx, userID)
			if err != nil {
				return 0, err
			}
			return record.Remaining, nil
		}
		// Guard missed: the day rolled over between the freshness check and
		// the debit. Refresh and apply the delta to the new period.
		if _, err = s.EnsureFresh(ctx, userID); err != nil {
			return 0, err
		}
	}
	return 0, storeErr("debit", errors.New("period anchor kept moving"))
}

// SetPlan switches the user to plan, resetting the allowance in full and
// anchoring the period to today. An explicit plan change always grants a
// fresh allowance.
func (s *GormStore) SetPlan(ctx context.Context, userID int64, plan string) (Record, error) {
	allowance, errAllowance := s.plans.Allowance(plan)
	if errAllowance != nil {
		return Record{}, errAllowance
	}

	row := models.UserQuota{
		UserID:       userID,
		Plan:         plan,
		Remaining:    allowance,
		PeriodAnchor: todayUTC(),
	}
	if errUpsert := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"plan":          row.Plan,
				"remaining":     row.Remaining,
				"period_anchor": row.PeriodAnchor,
				"updated_at":    time.Now().UTC(),
			}),
		}).
		Create(&row).Error; errUpsert != nil {
		return Record{}, storeErr("set plan", errUpsert)
	}
	return s.read(ctx, userID)
}

// Stats returns the registered user count and the sum of remaining tokens.
func (s *GormStore) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	if errScan := s.db.WithContext(ctx).
		Model(&models.UserQuota{}).
		Select("COUNT(*) AS users, COALESCE(SUM(remaining), 0) AS tokens_remaining").
		Scan(&out).Error; errScan != nil {
		return Stats{}, storeErr("stats", errScan)
	}
	return out, nil
}

// read loads a user's record.
func (s *GormStore) read(ctx context.Context, userID int64) (Record, error) {
	var row models.UserQuota
	if errTake := s.db.WithContext(ctx).
		Take(&row, "user_id = ?", userID).Error; errTake != nil {
		return Record{}, storeErr("read", errTake)
	}
	return Record{
		UserID:       row.UserID,
		Plan:         row.Plan,
		Remaining:    row.Remaining,
		PeriodAnchor: row.PeriodAnchor,
	}, nil
}

// allowanceFor resolves a stored plan name to its allowance, falling back to
// the default plan's allowance when the stored name is no longer registered.
// The stored plan name itself is left untouched.
func (s *GormStore) allowanceFor(plan string) int64 {
	allowance, errAllowance := s.plans.Allowance(plan)
	if errAllowance != nil {
		return s.plans.DefaultAllowance()
	}
	return allowance
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
