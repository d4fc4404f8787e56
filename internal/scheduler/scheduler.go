// Package scheduler implements component H, orchestrating the resource
// index (E), affinity evaluator (F), and preemption planner (G) behind the
// schedule/unschedule/reschedule contract from spec.md §4.H. Grounded on
// ODSapper-CLIAIMONITOR's internal/orchestrator's "fetch candidates, rank,
// walk in order, fall back to a remediation pass" control flow, retargeted
// from subagent dispatch to node placement.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agentfleet/controlplane/internal/affinity"
	"github.com/agentfleet/controlplane/internal/events"
	"github.com/agentfleet/controlplane/internal/preemption"
	"github.com/agentfleet/controlplane/internal/resourceindex"
	"github.com/agentfleet/controlplane/internal/types"
)

// DefaultDeadline is the default overall schedule() timeout from spec.md §5.
const DefaultDeadline = 30 * time.Second

// DecisionLog is the narrow interface the scheduler writes to, satisfied
// by internal/decisionlog.Log. Optional: a nil log is a no-op.
type DecisionLog interface {
	Record(ctx context.Context, result types.SchedulingResult) error
}

// Scheduler is component H. It implements preemption.PriorityLookup/
// ResourceReleaser itself and serves affinity.ClusterView through
// clusterViewAdapter, delegating to the resource index and its own
// priority table, which is how the cyclic dependency among H/E/F/G is
// broken (spec.md §9).
type Scheduler struct {
	index    *resourceindex.Index
	planner  *preemption.Planner
	strategy types.BinPackStrategy
	bus      *events.Bus
	log      DecisionLog
	clock    types.Clock
	logger   *slog.Logger

	mu         sync.RWMutex
	priorities map[string]types.AgentPriority

	preemptionEnabled bool
}

// New constructs a Scheduler. strategy defaults to bestFit; log may be nil.
// preemptionCfg is optional; omitting it leaves preemption enabled with the
// planner's default tunables (spec.md §4.G).
func New(index *resourceindex.Index, bus *events.Bus, strategy types.BinPackStrategy, log DecisionLog, clock types.Clock, logger *slog.Logger, preemptionCfg ...preemption.Config) *Scheduler {
	if strategy == "" {
		strategy = types.BinPackBestFit
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		index:             index,
		strategy:          strategy,
		bus:               bus,
		log:               log,
		clock:             clock,
		logger:            logger,
		priorities:        make(map[string]types.AgentPriority),
		preemptionEnabled: true,
	}
	if len(preemptionCfg) > 0 {
		s.preemptionEnabled = preemptionCfg[0].Enabled
		s.planner = preemption.New(s, s, clock, logger, preemptionCfg[0])
	} else {
		s.planner = preemption.New(s, s, clock, logger)
	}
	return s
}

// PriorityOf implements preemption.PriorityLookup.
func (s *Scheduler) PriorityOf(agentID string) (types.AgentPriority, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.priorities[agentID]
	return p, ok
}

// AgentsOnNode implements preemption.ResourceReleaser, deriving each
// resident agent's allocation from the resource index.
func (s *Scheduler) AgentsOnNode(ctx context.Context, nodeID string) ([]preemption.Candidate, error) {
	allocations, err := s.index.ListAllocations(ctx)
	if err != nil {
		return nil, err
	}
	var out []preemption.Candidate
	for _, a := range allocations {
		if a.NodeID == nodeID {
			out = append(out, preemption.Candidate{AgentID: a.AgentID, NodeID: a.NodeID, Resources: a.Resources})
		}
	}
	return out, nil
}

// Release implements preemption.ResourceReleaser.
func (s *Scheduler) Release(ctx context.Context, agentID string) error {
	return s.index.Release(ctx, agentID)
}

var _ affinity.ClusterView = (*clusterViewAdapter)(nil)

// clusterViewAdapter adapts the context-taking resource index into
// affinity.ClusterView's synchronous shape for the lifetime of one
// Schedule call, and gives the adapter its own type distinct from
// preemption.ResourceReleaser (whose AgentsOnNode has a different, ctx/err
// returning signature, so Scheduler itself cannot implement both).
type clusterViewAdapter struct {
	s   *Scheduler
	ctx context.Context
}

func (c *clusterViewAdapter) NodeLabels(nodeID string) (map[string]string, bool) {
	node, ok, err := c.s.index.GetNode(c.ctx, nodeID)
	if err != nil || !ok {
		return nil, false
	}
	return node.Labels, true
}

func (c *clusterViewAdapter) AgentsOnNode(nodeID string) []map[string]string {
	node, ok, err := c.s.index.GetNode(c.ctx, nodeID)
	if err != nil || !ok {
		return nil
	}
	out := make([]map[string]string, 0, len(node.AgentIDs))
	for agentID := range node.AgentIDs {
		out = append(out, map[string]string{"agentId": agentID})
	}
	return out
}

func (c *clusterViewAdapter) NodesWithLabelValue(key, value string) []string {
	nodes, err := c.s.index.ListNodes(c.ctx)
	if err != nil {
		return nil
	}
	var out []string
	for _, n := range nodes {
		if n.Labels[key] == value {
			out = append(out, n.NodeID)
		}
	}
	return out
}

// Schedule implements spec.md §4.H's six-step algorithm.
func (s *Scheduler) Schedule(ctx context.Context, request types.SchedulingRequest) types.SchedulingResult {
	deadline := DefaultDeadline
	if request.Deadline != nil {
		if d := request.Deadline.Sub(s.clock.Now()); d > 0 {
			deadline = d
		}
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	priority := request.EffectivePriority()
	s.mu.Lock()
	s.priorities[request.AgentID] = priority
	s.mu.Unlock()

	result := s.scheduleOnce(ctx, request, priority)
	s.publishAndLog(ctx, result)
	return result
}

func (s *Scheduler) scheduleOnce(ctx context.Context, request types.SchedulingRequest, priority types.AgentPriority) types.SchedulingResult {
	if request.Affinity != nil {
		if err := affinity.Validate(*request.Affinity); err != nil {
			return s.fail(request, types.CodeInvalidAffinity, "malformed affinity request: "+err.Error())
		}
	}

	if existing, ok, err := s.index.GetAllocation(ctx, request.AgentID); err == nil && ok {
		return s.fail(request, types.CodeAlreadyScheduled, "agent already holds an allocation on node "+existing.NodeID+"; unschedule before rescheduling")
	}

	nodes, err := s.index.LiveHealthyNodes(ctx)
	if err != nil || len(nodes) == 0 {
		return s.fail(request, types.CodeNoHealthyNodes, "no live healthy nodes available")
	}

	candidateIDs := nodeIDs(nodes)
	// Sorted so that ties in affinity score and bin-pack order fall back to
	// lexical nodeId order rather than the backend's listing order.
	sort.Strings(candidateIDs)
	if request.PreferredNodes != nil {
		// A nil PreferredNodes means "no preference"; an explicitly empty
		// slice means "restricted to nothing" and must fail even though
		// the general cluster has capacity (spec.md §8's boundary case).
		candidateIDs = intersect(candidateIDs, request.PreferredNodes)
		if len(candidateIDs) == 0 {
			return s.fail(request, types.CodeNoPreferredNodes, "none of the preferred nodes are live and healthy")
		}
	}

	view := &clusterViewAdapter{s: s, ctx: ctx}
	aff := types.AgentAffinity{}
	if request.Affinity != nil {
		aff = *request.Affinity
	}
	ranked := affinity.Rank(view, candidateIDs, request.Labels, aff)
	if len(ranked) == 0 {
		return s.fail(request, types.CodeAffinityEliminatesAll, "affinity rules eliminate every candidate node")
	}

	if res, ok := s.tryAllocate(ctx, request, ranked); ok {
		return res
	}

	if priority.Policy != types.PreemptNever && s.preemptionEnabled {
		targetNodes := make([]string, len(ranked))
		for i, r := range ranked {
			targetNodes[i] = r.NodeID
		}
		preempted, err := s.planner.Preempt(ctx, request.AgentID, priority, request.Resources, targetNodes)
		if err != nil {
			return s.fail(request, types.CodePreemptionInsufficient, "insufficient resources after preemption attempt: "+err.Error())
		}
		if res, ok := s.tryAllocate(ctx, request, ranked); ok {
			res.PreemptedAgents = preempted.Victims
			return res
		}
		return s.fail(request, types.CodePreemptionInsufficient, "preemption freed resources but allocation still failed")
	}

	return s.fail(request, types.CodeInsufficientResources, "no ranked candidate has capacity")
}

// tryAllocate walks ranked in bin-pack order, returning the first
// successful allocation.
func (s *Scheduler) tryAllocate(ctx context.Context, request types.SchedulingRequest, ranked []affinity.RankedNode) (types.SchedulingResult, bool) {
	ordered := s.applyBinPackOrder(ctx, ranked)
	for _, r := range ordered {
		ok, err := s.index.HasCapacity(ctx, r.NodeID, request.Resources)
		if err != nil || !ok {
			continue
		}
		placed, err := s.index.Allocate(ctx, request.AgentID, r.NodeID, request.Resources)
		if err != nil || !placed {
			continue
		}
		return types.SchedulingResult{
			Success:       true,
			AgentID:       request.AgentID,
			NodeID:        r.NodeID,
			Timestamp:     s.clock.Now(),
			Resources:     request.Resources,
			AffinityScore: r.Score.Total,
		}, true
	}
	return types.SchedulingResult{}, false
}

// applyBinPackOrder resorts same-score groups of ranked (already sorted
// descending by affinity score) per the configured strategy, never
// reordering across score groups — affinity always outranks bin-packing.
func (s *Scheduler) applyBinPackOrder(ctx context.Context, ranked []affinity.RankedNode) []affinity.RankedNode {
	out := make([]affinity.RankedNode, len(ranked))
	copy(out, ranked)

	start := 0
	for start < len(out) {
		end := start + 1
		for end < len(out) && out[end].Score.Total == out[start].Score.Total {
			end++
		}
		s.sortGroup(ctx, out[start:end])
		start = end
	}
	return out
}

func (s *Scheduler) sortGroup(ctx context.Context, group []affinity.RankedNode) {
	switch s.strategy {
	case types.BinPackFirstFit:
		return
	case types.BinPackBestFit, types.BinPackWorstFit, types.BinPackSpread:
		util := make(map[string]types.Utilization, len(group))
		agentCount := make(map[string]int, len(group))
		for _, r := range group {
			u, err := s.index.Utilization(ctx, r.NodeID)
			if err == nil {
				util[r.NodeID] = u
			}
			if node, ok, err := s.index.GetNode(ctx, r.NodeID); err == nil && ok {
				agentCount[r.NodeID] = len(node.AgentIDs)
			}
		}
		sort.SliceStable(group, func(i, j int) bool {
			switch s.strategy {
			case types.BinPackBestFit:
				return util[group[i].NodeID].Overall > util[group[j].NodeID].Overall
			case types.BinPackWorstFit:
				return util[group[i].NodeID].Overall < util[group[j].NodeID].Overall
			case types.BinPackSpread:
				return agentCount[group[i].NodeID] < agentCount[group[j].NodeID]
			default:
				return false
			}
		})
	}
}

func (s *Scheduler) fail(request types.SchedulingRequest, code, msg string) types.SchedulingResult {
	return types.SchedulingResult{
		Success:   false,
		AgentID:   request.AgentID,
		Timestamp: s.clock.Now(),
		Error:     msg,
		ErrorCode: code,
	}
}

func (s *Scheduler) publishAndLog(ctx context.Context, result types.SchedulingResult) {
	eventType := events.SchedulingFailed
	if result.Success {
		eventType = events.SchedulingSucceeded
	}
	if s.bus != nil {
		s.bus.Publish(events.NewEvent(eventType, events.Source{AgentID: result.AgentID}, events.TopicScheduling, events.SchedulingPayload{
			NodeID:        result.NodeID,
			AffinityScore: result.AffinityScore,
			ErrorCode:     result.ErrorCode,
		}))
	}
	if s.log != nil {
		if err := s.log.Record(ctx, result); err != nil {
			s.logger.Warn("decision log write failed", slog.Any("error", err))
		}
	}
}

// Unschedule releases agentID's allocation and forgets its priority entry.
func (s *Scheduler) Unschedule(ctx context.Context, agentID string) error {
	err := s.index.Release(ctx, agentID)
	s.mu.Lock()
	delete(s.priorities, agentID)
	s.mu.Unlock()
	if s.bus != nil {
		s.bus.Publish(events.NewEvent(events.SchedulingUnscheduled, events.Source{AgentID: agentID}, events.TopicScheduling, events.SchedulingPayload{}))
	}
	return err
}

// Reschedule succeeds only if the preemption planner holds a checkpoint for
// agentID; it consumes the checkpoint, merges partial onto it, and defers
// to Schedule.
func (s *Scheduler) Reschedule(ctx context.Context, agentID string, partial types.SchedulingRequest) (types.SchedulingResult, error) {
	checkpoint, ok := s.planner.Resume(agentID)
	if !ok {
		return types.SchedulingResult{}, types.NewConsistencyError("no-checkpoint", "no preemption checkpoint for agent "+agentID)
	}
	request := partial
	request.AgentID = agentID
	if request.Resources.CPU == 0 && request.Resources.MemoryMB == 0 {
		request.Resources = checkpoint.Resources
	}
	result := s.Schedule(ctx, request)
	if result.Success && s.bus != nil {
		s.bus.Publish(events.NewEvent(events.SchedulingResumed, events.Source{AgentID: agentID}, events.TopicScheduling, events.SchedulingPayload{NodeID: result.NodeID}))
	}
	return result, nil
}

func nodeIDs(nodes []*types.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.NodeID
	}
	return out
}

func intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, x := range b {
		set[x] = struct{}{}
	}
	var out []string
	for _, x := range a {
		if _, ok := set[x]; ok {
			out = append(out, x)
		}
	}
	return out
}
