// Package blockregistry tracks agents paused pending human approval. It
// holds no I/O of its own; the budget engine is the sole caller that
// mutates it, and external approval UX (out of scope per spec.md §1) reads
// it through List/IsBlocked on a best-effort basis.
package blockregistry

import (
	"sort"
	"sync"
	"time"

	"github.com/agentfleet/controlplane/internal/types"
)

// Registry is the single-lock block-state store described in spec.md §5
// ("one lock for the block registry").
type Registry struct {
	clock types.Clock

	mu      sync.Mutex
	blocked map[string]*types.BlockedAgent // agentId -> record
}

// New constructs an empty registry. clock defaults to the real wall clock.
func New(clock types.Clock) *Registry {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Registry{
		clock:   clock,
		blocked: make(map[string]*types.BlockedAgent),
	}
}

// Block inserts a new block record for agentId, replacing any prior one.
func (r *Registry) Block(agentID, budgetID string, threshold float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocked[agentID] = &types.BlockedAgent{
		AgentID:   agentID,
		BudgetID:  budgetID,
		BlockedAt: r.clock.Now(),
		Threshold: threshold,
	}
}

// IsBlocked reports whether agentId currently has an effective block: a
// record exists and is either unapproved or its approval has expired.
func (r *Registry) IsBlocked(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.blocked[agentID]
	if !ok {
		return false
	}
	return rec.Effective(r.clock.Now())
}

// Approve marks an existing block approved for durationMinutes starting
// now. Approving an agent with no block record is a no-op.
func (r *Registry) Approve(agentID, approver string, durationMinutes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.blocked[agentID]
	if !ok {
		return
	}
	now := r.clock.Now()
	expires := now.Add(time.Duration(durationMinutes) * time.Minute)
	rec.Approved = true
	rec.ApprovedBy = approver
	rec.ApprovedAt = &now
	rec.ApprovalExpiresAt = &expires
}

// Unblock deletes the record for agentId entirely.
func (r *Registry) Unblock(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.blocked, agentID)
}

// List returns all currently-effective blocks (approved-but-unexpired
// entries are filtered out), sorted by agent id for deterministic output.
func (r *Registry) List() []types.BlockedAgent {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	out := make([]types.BlockedAgent, 0, len(r.blocked))
	for _, rec := range r.blocked {
		if rec.Effective(now) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Get returns the raw record for agentId, if any, regardless of whether it
// is currently effective (used by tests and diagnostics).
func (r *Registry) Get(agentID string) (types.BlockedAgent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.blocked[agentID]
	if !ok {
		return types.BlockedAgent{}, false
	}
	return *rec, true
}
