package ledger

import (
	"context"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"
	"github.com/tokengate/tokengate/internal/plans"
)

// RedisStore is a Redis-backed quota ledger for multi-instance deployments.
// Each user maps to one hash; all read-modify-write paths run inside Lua
// scripts, so per-user operations are atomic without client-side locking.
type RedisStore struct {
	client    goredis.Cmdable
	plans     *plans.Registry
	keyPrefix string
}

var _ Store = (*RedisStore)(nil)

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the Redis key prefix (default "tokengate:quota:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.keyPrefix = prefix }
}

// NewRedisStore creates a Redis-backed ledger over a connected client.
func NewRedisStore(client goredis.Cmdable, registry *plans.Registry, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		plans:     registry,
		keyPrefix: "tokengate:quota:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) userKey(userID int64) string {
	return s.keyPrefix + strconv.FormatInt(userID, 10)
}

// freshScript creates the hash on first contact and optionally performs the
// lazy daily reset, then returns {plan, remaining, anchor}.
// KEYS[1] = user hash key
// ARGV[1] = today (UTC calendar day)
// ARGV[2] = reset flag ("1" resets a stale anchor, "0" leaves it)
// ARGV[3] = default plan name
// ARGV[4] = default plan allowance
// ARGV[5..] = plan name/allowance pairs
var freshScript = goredis.NewScript(`
local key = KEYS[1]
local today = ARGV[1]

local function allowance_for(plan)
    for i = 5, #ARGV, 2 do
        if ARGV[i] == plan then
            return tonumber(ARGV[i + 1])
        end
    end
    return tonumber(ARGV[4])
end

if redis.call("EXISTS", key) == 0 then
    redis.call("HSET", key, "plan", ARGV[3], "remaining", ARGV[4], "anchor", today)
    return {ARGV[3], ARGV[4], today}
end

if ARGV[2] == "1" then
    local anchor = redis.call("HGET", key, "anchor")
    if anchor < today then
        local plan = redis.call("HGET", key, "plan")
        redis.call("HSET", key, "remaining", allowance_for(plan), "anchor", today)
    end
end

return {redis.call("HGET", key, "plan"), redis.call("HGET", key, "remaining"), redis.call("HGET", key, "anchor")}
`)

// debitScript refreshes a stale hash, subtracts the amount with a clamp at
// zero, and returns the new remaining value.
// KEYS[1] = user hash key
// ARGV[1] = today (UTC calendar day)
// ARGV[2] = debit amount
// ARGV[3] = default plan name
// ARGV[4] = default plan allowance
// ARGV[5..] = plan name/allowance pairs
var debitScript = goredis.NewScript(`
local key = KEYS[1]
local today = ARGV[1]
local amount = tonumber(ARGV[2])

local function allowance_for(plan)
    for i = 5, #ARGV, 2 do
        if ARGV[i] == plan then
            return tonumber(ARGV[i + 1])
        end
    end
    return tonumber(ARGV[4])
end

if redis.call("EXISTS", key) == 0 then
    redis.call("HSET", key, "plan", ARGV[3], "remaining", ARGV[4], "anchor", today)
end

local anchor = redis.call("HGET", key, "anchor")
if anchor < today then
    local plan = redis.call("HGET", key, "plan")
    redis.call("HSET", key, "remaining", allowance_for(plan), "anchor", today)
end

local remaining = tonumber(redis.call("HGET", key, "remaining")) - amount
if remaining < 0 then
    remaining = 0
end
redis.call("HSET", key, "remaining", remaining)
return remaining
`)

// GetOrCreate returns the user's record, creating the default-plan hash on
// first contact. A stale record is returned as stored.
func (s *RedisStore) GetOrCreate(ctx context.Context, userID int64) (Record, error) {
	return s.runFresh(ctx, userID, false)
}

// EnsureFresh resets a stale record to a full allowance anchored to today.
func (s *RedisStore) EnsureFresh(ctx context.Context, userID int64) (Record, error) {
	return s.runFresh(ctx, userID, true)
}

func (s *RedisStore) runFresh(ctx context.Context, userID int64, reset bool) (Record, error) {
	resetFlag := "0"
	if reset {
		resetFlag = "1"
	}
	args := append([]any{todayUTC(), resetFlag, s.plans.DefaultPlan(), s.plans.DefaultAllowance()}, s.planArgs()...)

	vals, err := freshScript.Run(ctx, s.client, []string{s.userKey(userID)}, args...).Slice()
	if err != nil {
		return Record{}, storeErr("fresh", err)
	}
	return s.recordFromReply(userID, vals)
}

// Debit refreshes a stale record, then atomically subtracts amount with a
// clamp at zero. Freshness and debit run in one script, so consumption never
// lands on a discarded period.
func (s *RedisStore) Debit(ctx context.Context, userID int64, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("ledger: negative debit amount %d", amount)
	}
	args := append([]any{todayUTC(), amount, s.plans.DefaultPlan(), s.plans.DefaultAllowance()}, s.planArgs()...)

	remaining, err := debitScript.Run(ctx, s.client, []string{s.userKey(userID)}, args...).Int64()
	if err != nil {
		return 0, storeErr("debit", err)
	}
	return remaining, nil
}

// SetPlan switches the user to plan with a fresh full allowance. The whole
// hash is rewritten in a single HSET, so the change is atomic.
func (s *RedisStore) SetPlan(ctx context.Context, userID int64, plan string) (Record, error) {
	allowance, errAllowance := s.plans.Allowance(plan)
	if errAllowance != nil {
		return Record{}, errAllowance
	}
	today := todayUTC()
	if errSet := s.client.HSet(ctx, s.userKey(userID),
		"plan", plan,
		"remaining", allowance,
		"anchor", today,
	).Err(); errSet != nil {
		return Record{}, storeErr("set plan", errSet)
	}
	return Record{UserID: userID, Plan: plan, Remaining: allowance, PeriodAnchor: today}, nil
}

// Stats scans all ledger hashes and aggregates totals. Stale records are
// reported with their plan allowance, matching what a reset would grant.
func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	today := todayUTC()

	iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		vals, errGet := s.client.HMGet(ctx, iter.Val(), "plan", "remaining", "anchor").Result()
		if errGet != nil {
			return Stats{}, storeErr("stats", errGet)
		}
		if len(vals) != 3 || vals[1] == nil {
			continue
		}
		remaining, _ := strconv.ParseInt(vals[1].(string), 10, 64)
		if anchor, ok := vals[2].(string); ok && anchor < today {
			if plan, ok := vals[0].(string); ok {
				if allowance, errAllowance := s.plans.Allowance(plan); errAllowance == nil {
					remaining = allowance
				} else {
					remaining = s.plans.DefaultAllowance()
				}
			}
		}
		out.Users++
		out.TokensRemaining += remaining
	}
	if errIter := iter.Err(); errIter != nil {
		return Stats{}, storeErr("stats", errIter)
	}
	return out, nil
}

// planArgs flattens the registry into name/allowance script arguments.
func (s *RedisStore) planArgs() []any {
	names := s.plans.Names()
	args := make([]any, 0, len(names)*2)
	for _, name := range names {
		allowance, errAllowance := s.plans.Allowance(name)
		if errAllowance != nil {
			continue
		}
		args = append(args, name, allowance)
	}
	return args
}

func (s *RedisStore) recordFromReply(userID int64, vals []any) (Record, error) {
	if len(vals) != 3 {
		return Record{}, storeErr("fresh", fmt.Errorf("unexpected reply length %d", len(vals)))
	}
	plan, _ := vals[0].(string)
	rawRemaining, _ := vals[1].(string)
	anchor, _ := vals[2].(string)
	remaining, errParse := strconv.ParseInt(rawRemaining, 10, 64)
	if errParse != nil {
		return Record{}, storeErr("fresh", errParse)
	}
	return Record{UserID: userID, Plan: plan, Remaining: remaining, PeriodAnchor: anchor}, nil
}
