// Package preemption implements component G: selecting a minimal victim
// set to free capacity for a higher-priority request, with checkpoint and
// resume. Grounded on ODSapper-CLIAIMONITOR's internal/captain.go orchestration
// style (iterative candidate selection with a hard cap) generalized from
// its mission/subagent vocabulary to victims/requesters.
package preemption

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agentfleet/controlplane/internal/types"
)

// MinPriorityDifference is the default gap a requester's priority class
// must clear over a candidate victim's, per spec.md §4.G.
const MinPriorityDifference = 100

// DefaultVictimCap bounds the number of agents evicted for one request.
const DefaultVictimCap = 3

// PriorityLookup resolves an agent's current priority, breaking the
// scheduler↔preemption cycle spec.md §9 calls out: the planner only
// knows this narrow capability, never the scheduler core itself.
type PriorityLookup interface {
	PriorityOf(agentID string) (types.AgentPriority, bool)
}

// ResourceReleaser is the other half of that broken cycle: the planner
// evicts only through this capability, never by knowing resourceindex's
// concrete type.
type ResourceReleaser interface {
	AgentsOnNode(ctx context.Context, nodeID string) ([]Candidate, error)
	Release(ctx context.Context, agentID string) error
}

// Candidate describes one agent currently occupying space on a node, as
// reported by ResourceReleaser.AgentsOnNode.
type Candidate struct {
	AgentID   string
	NodeID    string
	Resources types.ResourceRequirements
}

// Checkpoint is the opaque snapshot recorded for a preempted agent.
type Checkpoint struct {
	AgentID      string
	PreempterID  string
	Resources    types.ResourceRequirements
	ProgressHint float64 // caller-supplied estimate of completion, 0-1
	CreatedAt    time.Time
}

// Result is what Preempt returns on success.
type Result struct {
	Victims []string
	Freed   types.ResourceRequirements
}

// Config holds the planner's tunables, mirroring internal/config's
// PreemptionConfig (kept as plain fields here so this package doesn't
// depend on internal/config).
type Config struct {
	MinPriorityDifference int
	MaxVictims            int
	Enabled               bool
}

func defaultConfig() Config {
	return Config{MinPriorityDifference: MinPriorityDifference, MaxVictims: DefaultVictimCap, Enabled: true}
}

// Planner implements component G.
type Planner struct {
	priorities PriorityLookup
	resources  ResourceReleaser
	clock      types.Clock
	logger     *slog.Logger
	config     Config

	mu          sync.Mutex
	checkpoints map[string]Checkpoint // agentID -> checkpoint
}

// New constructs a Planner. clock defaults to types.RealClock{}, logger to
// slog.Default(). cfg is optional; omitting it uses MinPriorityDifference/
// DefaultVictimCap with preemption enabled.
func New(priorities PriorityLookup, resources ResourceReleaser, clock types.Clock, logger *slog.Logger, cfg ...Config) *Planner {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := defaultConfig()
	if len(cfg) > 0 {
		c = cfg[0]
		if c.MinPriorityDifference <= 0 {
			c.MinPriorityDifference = MinPriorityDifference
		}
		if c.MaxVictims <= 0 {
			c.MaxVictims = DefaultVictimCap
		}
	}
	return &Planner{
		priorities:  priorities,
		resources:   resources,
		clock:       clock,
		logger:      logger,
		config:      c,
		checkpoints: make(map[string]Checkpoint),
	}
}

// Preempt attempts to free requirements across targetNodes for an agent
// with requesterID/requesterPriority, per spec.md §4.G. The planner sorts
// targetNodes lexically before collecting candidates, so candidate order
// (and with it eviction order) is deterministic; selected victims are then
// released one at a time, in candidate order, through the ResourceReleaser.
func (p *Planner) Preempt(ctx context.Context, requesterID string, requesterPriority types.AgentPriority, requirements types.ResourceRequirements, targetNodes []string) (Result, error) {
	if !p.config.Enabled {
		return Result{}, types.NewCapacityError(types.CodePreemptionInsufficient, "preemption disabled by configuration")
	}
	if requesterPriority.Policy == types.PreemptNever {
		return Result{}, types.NewCapacityError(types.CodePreemptionInsufficient, "requester policy is Never: cannot trigger preemption")
	}

	sorted := append([]string(nil), targetNodes...)
	sort.Strings(sorted)

	var candidates []rankedCandidate
	for _, nodeID := range sorted {
		onNode, err := p.resources.AgentsOnNode(ctx, nodeID)
		if err != nil {
			return Result{}, err
		}
		for _, c := range onNode {
			prio, ok := p.priorities.PriorityOf(c.AgentID)
			if !ok {
				continue
			}
			if prio.Policy == types.PreemptNever {
				continue
			}
			if int(requesterPriority.Class)-int(prio.Class) < p.config.MinPriorityDifference {
				continue
			}
			candidates = append(candidates, rankedCandidate{Candidate: c, priority: prio})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].priority.Class != candidates[j].priority.Class {
			return candidates[i].priority.Class < candidates[j].priority.Class
		}
		return resourceSize(candidates[i].Resources) > resourceSize(candidates[j].Resources)
	})

	var selected []rankedCandidate
	var freed types.ResourceRequirements
	for _, c := range candidates {
		if len(selected) >= p.config.MaxVictims {
			break
		}
		if meetsRequirement(freed, requirements) {
			break
		}
		selected = append(selected, c)
		freed = freed.Add(c.Resources)
	}

	if !meetsRequirement(freed, requirements) {
		return Result{}, types.NewCapacityError(types.CodePreemptionInsufficient, "preemption could not free enough resources")
	}

	var victims []string
	var actualFreed types.ResourceRequirements
	for _, c := range selected {
		if err := p.resources.Release(ctx, c.AgentID); err != nil {
			p.logger.Warn("preemption: release failed, skipping victim", slog.String("agentId", c.AgentID), slog.Any("error", err))
			continue
		}
		p.mu.Lock()
		p.checkpoints[c.AgentID] = Checkpoint{
			AgentID:     c.AgentID,
			PreempterID: requesterID,
			Resources:   c.Resources,
			CreatedAt:   p.clock.Now(),
		}
		p.mu.Unlock()
		victims = append(victims, c.AgentID)
		actualFreed = actualFreed.Add(c.Resources)
	}

	if len(victims) == 0 {
		return Result{}, types.NewCapacityError(types.CodePreemptionInsufficient, "all candidate evictions failed")
	}
	return Result{Victims: victims, Freed: actualFreed}, nil
}

// Resume looks up a checkpoint for agentID, clears it, and returns it to
// the caller, who is responsible for re-issuing a scheduling request.
func (p *Planner) Resume(agentID string) (Checkpoint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp, ok := p.checkpoints[agentID]
	if ok {
		delete(p.checkpoints, agentID)
	}
	return cp, ok
}

// HasCheckpoint reports whether agentID currently has a pending
// checkpoint, without consuming it.
func (p *Planner) HasCheckpoint(agentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.checkpoints[agentID]
	return ok
}

type rankedCandidate struct {
	Candidate
	priority types.AgentPriority
}

func resourceSize(r types.ResourceRequirements) float64 {
	return r.CPU + r.MemoryMB/1024
}

func meetsRequirement(freed, requirements types.ResourceRequirements) bool {
	if freed.CPU < requirements.CPU || freed.MemoryMB < requirements.MemoryMB {
		return false
	}
	if requirements.GPUCount > 0 && freed.GPUCount < requirements.GPUCount {
		return false
	}
	if requirements.GPUMemoryMB > 0 && freed.GPUMemoryMB < requirements.GPUMemoryMB {
		return false
	}
	return true
}
