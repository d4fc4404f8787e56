package resourceindex

import (
	"context"
	"sync"
	"time"

	"github.com/agentfleet/controlplane/internal/types"
)

// nodeEntry pairs a node record with the per-node lock spec.md §5 requires
// ("one lock per node in (E)").
type nodeEntry struct {
	mu   sync.Mutex
	node *types.Node
}

// InMemoryBackend is the in-process fallback backend: a map of per-node
// locked entries plus a global map from agentId to its current allocation,
// guarded by a coarser lock only for that cross-node index (never held
// together with a node lock across a suspension point).
type InMemoryBackend struct {
	mu    sync.RWMutex
	nodes map[string]*nodeEntry

	allocMu     sync.Mutex
	allocations map[string]*types.Allocation // agentId -> allocation
}

// NewInMemoryBackend constructs an empty backend.
func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{
		nodes:       make(map[string]*nodeEntry),
		allocations: make(map[string]*types.Allocation),
	}
}

func (b *InMemoryBackend) entry(nodeID string) (*nodeEntry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.nodes[nodeID]
	return e, ok
}

func (b *InMemoryBackend) RegisterNode(ctx context.Context, node *types.Node) error {
	if node.AgentIDs == nil {
		node.AgentIDs = make(map[string]struct{})
	}
	node.LastHeartbeat = time.Now()
	node.Healthy = true

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodes[node.NodeID] = &nodeEntry{node: node.Clone()}
	return nil
}

func (b *InMemoryBackend) Heartbeat(ctx context.Context, nodeID string, healthy bool) error {
	e, ok := b.entry(nodeID)
	if !ok {
		return types.NewConsistencyError("unknown-node", "heartbeat for unregistered node "+nodeID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.node.LastHeartbeat = time.Now()
	e.node.Healthy = healthy
	return nil
}

func (b *InMemoryBackend) RemoveNode(ctx context.Context, nodeID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.nodes, nodeID)
	// spec.md §4.E / §9: stale-node cleanup intentionally leaves orphaned
	// agent-allocation records behind; a follow-up orphan-clean pass is a
	// documented open question, not implemented here.
	return nil
}

func (b *InMemoryBackend) GetNode(ctx context.Context, nodeID string) (*types.Node, bool, error) {
	e, ok := b.entry(nodeID)
	if !ok {
		return nil, false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.node.Clone(), true, nil
}

func (b *InMemoryBackend) ListNodes(ctx context.Context) ([]*types.Node, error) {
	b.mu.RLock()
	entries := make([]*nodeEntry, 0, len(b.nodes))
	for _, e := range b.nodes {
		entries = append(entries, e)
	}
	b.mu.RUnlock()

	out := make([]*types.Node, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.node.Clone())
		e.mu.Unlock()
	}
	return out, nil
}

func (b *InMemoryBackend) Allocate(ctx context.Context, agentID, nodeID string, requirements types.ResourceRequirements) (bool, error) {
	e, ok := b.entry(nodeID)
	if !ok {
		return false, types.NewConsistencyError("unknown-node", "allocate on unregistered node "+nodeID)
	}

	// allocMu is held for the whole call, not just the final write, so the
	// existing-allocation check and the insert are atomic: two concurrent
	// Allocate calls for the same agentID can't both pass the check and
	// each leak a node's capacity (spec.md §8 property 2, agent uniqueness).
	b.allocMu.Lock()
	defer b.allocMu.Unlock()
	if existing, ok := b.allocations[agentID]; ok {
		return false, types.NewConsistencyError("agent-already-allocated", "agent "+agentID+" already holds an allocation on node "+existing.NodeID)
	}

	e.mu.Lock()
	if !types.FitsWithin(e.node.Allocated, e.node.Capacity, requirements) {
		e.mu.Unlock()
		return false, nil
	}
	e.node.Allocated = e.node.Allocated.Add(requirements)
	e.node.AgentIDs[agentID] = struct{}{}
	e.mu.Unlock()

	b.allocations[agentID] = &types.Allocation{
		AgentID:     agentID,
		NodeID:      nodeID,
		Resources:   requirements,
		AllocatedAt: time.Now(),
	}
	return true, nil
}

func (b *InMemoryBackend) Release(ctx context.Context, agentID string) error {
	b.allocMu.Lock()
	alloc, ok := b.allocations[agentID]
	if ok {
		delete(b.allocations, agentID)
	}
	b.allocMu.Unlock()
	if !ok {
		return nil // unknown agent: no-op per spec.md §7 consistency errors
	}

	e, ok := b.entry(alloc.NodeID)
	if !ok {
		return nil // node already removed; allocation record is now orphaned
	}
	e.mu.Lock()
	e.node.Allocated = e.node.Allocated.Sub(alloc.Resources)
	delete(e.node.AgentIDs, agentID)
	e.mu.Unlock()
	return nil
}

func (b *InMemoryBackend) GetAllocation(ctx context.Context, agentID string) (*types.Allocation, bool, error) {
	b.allocMu.Lock()
	defer b.allocMu.Unlock()
	alloc, ok := b.allocations[agentID]
	if !ok {
		return nil, false, nil
	}
	cp := *alloc
	return &cp, true, nil
}

func (b *InMemoryBackend) ListAllocations(ctx context.Context) ([]*types.Allocation, error) {
	b.allocMu.Lock()
	defer b.allocMu.Unlock()
	out := make([]*types.Allocation, 0, len(b.allocations))
	for _, a := range b.allocations {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}
