// Package threshold implements the percentage/action ladder the budget
// engine consults on every token-usage update, plus the per-budget
// per-threshold cooldown that rate-limits repeated fires. The cooldown
// bookkeeping (a map of last-fired timestamps, cleared by Reset) is grounded
// on the dedup idea in the teacher's internal/metrics.AlertChecker, which
// tracks recentAlerts by timestamp to suppress repeat alerts.
package threshold

import (
	"sort"
	"sync"
	"time"

	"github.com/agentfleet/controlplane/internal/types"
)

// Triggered is the single highest rung crossed by a given percentage.
type Triggered struct {
	Config types.ThresholdConfig
}

// ShouldBlock/ShouldKill proxy the underlying config's classification.
func (t Triggered) ShouldBlock() bool { return t.Config.ShouldBlock() }
func (t Triggered) ShouldKill() bool  { return t.Config.ShouldKill() }

// Check returns the single highest threshold in ladder for which
// percent >= threshold, or (Triggered{}, false) if none crossed. An empty
// ladder always yields false. Thresholds are assumed distinct; if given
// ties, the highest wins (the only one consulted, since ladder is sorted
// and only the maximum satisfying one is returned).
func Check(percent float64, ladder []types.ThresholdConfig) (Triggered, bool) {
	sorted := make([]types.ThresholdConfig, len(ladder))
	copy(sorted, ladder)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Percent < sorted[j].Percent })

	var best *types.ThresholdConfig
	for i := range sorted {
		if percent >= sorted[i].Percent {
			best = &sorted[i]
		}
	}
	if best == nil {
		return Triggered{}, false
	}
	return Triggered{Config: *best}, true
}

// Ladder wraps Check with per-budget per-threshold cooldown enforcement,
// so a budget that sits above a rung doesn't re-fire that rung's action on
// every single recordTokens call.
type Ladder struct {
	clock types.Clock

	mu       sync.Mutex
	lastFire map[string]map[float64]time.Time // budgetId -> threshold -> lastFiredAt
}

// NewLadder constructs a cooldown-aware ladder evaluator. clock defaults to
// the real wall clock if nil.
func NewLadder(clock types.Clock) *Ladder {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Ladder{
		clock:    clock,
		lastFire: make(map[string]map[float64]time.Time),
	}
}

// CheckWithCooldown behaves like Check, but suppresses a rung that fired
// within its configured cooldown window for this budgetId. A zero cooldown
// never suppresses. Firing (recording the timestamp) only happens when the
// rung is actually returned to the caller.
func (l *Ladder) CheckWithCooldown(budgetID string, percent float64, ladder []types.ThresholdConfig) (Triggered, bool) {
	triggered, ok := Check(percent, ladder)
	if !ok {
		return Triggered{}, false
	}

	if triggered.Config.Cooldown <= 0 {
		return triggered, true
	}

	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	perBudget, exists := l.lastFire[budgetID]
	if !exists {
		perBudget = make(map[float64]time.Time)
		l.lastFire[budgetID] = perBudget
	}

	last, fired := perBudget[triggered.Config.Percent]
	if fired && now.Sub(last) < triggered.Config.Cooldown {
		return Triggered{}, false
	}

	perBudget[triggered.Config.Percent] = now
	return triggered, true
}

// Reset clears all recorded fire times for a budget, used when a tracking
// record is terminated and its id may later be reused in tests.
func (l *Ladder) Reset(budgetID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.lastFire, budgetID)
}
