// Package plans maps subscription plan names to daily token allowances.
package plans

import (
	"errors"
	"sort"
	"strings"
	"sync/atomic"
)

// ErrUnknownPlan is returned when a plan name is outside the configured set.
var ErrUnknownPlan = errors.New("plans: unknown plan")

// Default allowances used when no plan table is configured.
const (
	DefaultFreeAllowance    = 1_000
	DefaultProAllowance     = 20_000
	DefaultPremiumAllowance = 100_000
)

// DefaultPlanName is the plan assigned to users seen for the first time.
const DefaultPlanName = "free"

// snapshot holds an immutable plan table.
type snapshot struct {
	allowances map[string]int64
	defaults   string
}

// Registry resolves plan names to daily allowances. The table is replaced
// atomically as a whole, so readers never observe a partial update.
type Registry struct {
	current atomic.Value // stores snapshot
}

// NewRegistry builds a Registry from a plan table and a default plan name.
// An empty table falls back to the built-in free/pro/premium tiers.
func NewRegistry(allowances map[string]int64, defaultPlan string) (*Registry, error) {
	if len(allowances) == 0 {
		allowances = map[string]int64{
			"free":    DefaultFreeAllowance,
			"pro":     DefaultProAllowance,
			"premium": DefaultPremiumAllowance,
		}
	}
	defaultPlan = normalizePlanName(defaultPlan)
	if defaultPlan == "" {
		defaultPlan = DefaultPlanName
	}
	cleaned, err := cleanTable(allowances)
	if err != nil {
		return nil, err
	}
	if _, ok := cleaned[defaultPlan]; !ok {
		return nil, errors.New("plans: default plan not present in plan table")
	}

	r := &Registry{}
	r.current.Store(snapshot{allowances: cleaned, defaults: defaultPlan})
	return r, nil
}

// Allowance returns the daily allowance for a plan name. It fails with
// ErrUnknownPlan for names outside the configured set and never substitutes
// the default plan on its own.
func (r *Registry) Allowance(name string) (int64, error) {
	snap := r.load()
	allowance, ok := snap.allowances[normalizePlanName(name)]
	if !ok {
		return 0, ErrUnknownPlan
	}
	return allowance, nil
}

// Has reports whether a plan name is registered.
func (r *Registry) Has(name string) bool {
	_, err := r.Allowance(name)
	return err == nil
}

// DefaultPlan returns the plan assigned to newly seen users.
func (r *Registry) DefaultPlan() string {
	return r.load().defaults
}

// DefaultAllowance returns the default plan's daily allowance.
func (r *Registry) DefaultAllowance() int64 {
	snap := r.load()
	return snap.allowances[snap.defaults]
}

// Names returns all registered plan names in sorted order.
func (r *Registry) Names() []string {
	snap := r.load()
	names := make([]string, 0, len(snap.allowances))
	for name := range snap.allowances {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Replace swaps in a new plan table. The default plan name is unchanged and
// must be present in the new table.
func (r *Registry) Replace(allowances map[string]int64) error {
	cleaned, err := cleanTable(allowances)
	if err != nil {
		return err
	}
	defaults := r.load().defaults
	if _, ok := cleaned[defaults]; !ok {
		return errors.New("plans: default plan not present in replacement table")
	}
	r.current.Store(snapshot{allowances: cleaned, defaults: defaults})
	return nil
}

func (r *Registry) load() snapshot {
	snap, ok := r.current.Load().(snapshot)
	if !ok || snap.allowances == nil {
		return snapshot{allowances: map[string]int64{}, defaults: DefaultPlanName}
	}
	return snap
}

func cleanTable(allowances map[string]int64) (map[string]int64, error) {
	cleaned := make(map[string]int64, len(allowances))
	for name, allowance := range allowances {
		name = normalizePlanName(name)
		if name == "" {
			return nil, errors.New("plans: empty plan name")
		}
		if allowance <= 0 {
			return nil, errors.New("plans: allowance must be positive for plan " + name)
		}
		cleaned[name] = allowance
	}
	if len(cleaned) == 0 {
		return nil, errors.New("plans: empty plan table")
	}
	return cleaned, nil
}

func normalizePlanName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
