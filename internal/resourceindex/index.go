package resourceindex

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentfleet/controlplane/internal/types"
)

// Index is the public entry point components H, F, and G use. It adds the
// read-mostly convenience operations (hasCapacity, utilization,
// clusterUtilization) and the liveness cleanup pass on top of a Backend.
type Index struct {
	backend Backend
	logger  *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs an Index over backend. logger defaults to slog.Default().
func New(backend Backend, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{backend: backend, logger: logger, stopCh: make(chan struct{})}
}

func (i *Index) RegisterNode(ctx context.Context, node *types.Node) error {
	return i.backend.RegisterNode(ctx, node)
}

func (i *Index) Heartbeat(ctx context.Context, nodeID string, healthy bool) error {
	return i.backend.Heartbeat(ctx, nodeID, healthy)
}

func (i *Index) RemoveNode(ctx context.Context, nodeID string) error {
	return i.backend.RemoveNode(ctx, nodeID)
}

func (i *Index) GetAllocation(ctx context.Context, agentID string) (*types.Allocation, bool, error) {
	return i.backend.GetAllocation(ctx, agentID)
}

func (i *Index) ListAllocations(ctx context.Context) ([]*types.Allocation, error) {
	return i.backend.ListAllocations(ctx)
}

// GetNode returns one node's current record, used by (F)/(H) to build a
// cluster view without importing the backend directly.
func (i *Index) GetNode(ctx context.Context, nodeID string) (*types.Node, bool, error) {
	return i.backend.GetNode(ctx, nodeID)
}

// ListNodes returns every registered node regardless of health/staleness.
func (i *Index) ListNodes(ctx context.Context) ([]*types.Node, error) {
	return i.backend.ListNodes(ctx)
}

// Allocate attempts to place agentID on nodeID, atomically, per spec.md §4.E.
func (i *Index) Allocate(ctx context.Context, agentID, nodeID string, requirements types.ResourceRequirements) (bool, error) {
	return i.backend.Allocate(ctx, agentID, nodeID, requirements)
}

// Release reverses a prior successful Allocate.
func (i *Index) Release(ctx context.Context, agentID string) error {
	return i.backend.Release(ctx, agentID)
}

// HasCapacity reports whether requirements could currently be allocated on
// nodeID without exceeding capacity on any dimension, gpu included: the
// open question in spec.md §9 about whether gpu is a hard constraint is
// resolved in DESIGN.md in favor of "yes", since allocate accumulates gpu
// counters and a silent gpu overcommit would violate the capacity-safety
// invariant in spec.md §8.1.
func (i *Index) HasCapacity(ctx context.Context, nodeID string, requirements types.ResourceRequirements) (bool, error) {
	node, ok, err := i.backend.GetNode(ctx, nodeID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return types.FitsWithin(node.Allocated, node.Capacity, requirements), nil
}

// LiveHealthyNodes returns every node that is marked healthy and has not
// gone stale (heartbeat within TTL).
func (i *Index) LiveHealthyNodes(ctx context.Context) ([]*types.Node, error) {
	nodes, err := i.backend.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]*types.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.Healthy && !n.IsStale(now) {
			out = append(out, n)
		}
	}
	return out, nil
}

// Utilization computes the (cpu, memory, overall) figures for one node.
func (i *Index) Utilization(ctx context.Context, nodeID string) (types.Utilization, error) {
	node, ok, err := i.backend.GetNode(ctx, nodeID)
	if err != nil {
		return types.Utilization{}, err
	}
	if !ok {
		return types.Utilization{}, types.NewConsistencyError("unknown-node", "utilization for unregistered node "+nodeID)
	}
	return types.NewUtilization(node.Allocated, node.Capacity), nil
}

// ClusterUtilization returns per-node utilization plus the cluster average
// overall utilization.
func (i *Index) ClusterUtilization(ctx context.Context) (map[string]types.Utilization, float64, error) {
	nodes, err := i.backend.ListNodes(ctx)
	if err != nil {
		return nil, 0, err
	}
	out := make(map[string]types.Utilization, len(nodes))
	var sum float64
	for _, n := range nodes {
		u := types.NewUtilization(n.Allocated, n.Capacity)
		out[n.NodeID] = u
		sum += u.Overall
	}
	var avg float64
	if len(nodes) > 0 {
		avg = sum / float64(len(nodes))
	}
	return out, avg, nil
}

// RunStaleNodeCleanup removes nodes whose last heartbeat is older than the
// TTL, once per interval, until Stop is called. Matches spec.md §4.E's
// "a background pass every minute removes nodes whose lastHeartbeat is
// older than 60s". It never propagates errors to a foreground caller
// (spec.md §7's background-task policy).
func (i *Index) RunStaleNodeCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-i.stopCh:
			return
		case <-ticker.C:
			i.cleanupOnce(ctx)
		}
	}
}

func (i *Index) cleanupOnce(ctx context.Context) {
	nodes, err := i.backend.ListNodes(ctx)
	if err != nil {
		i.logger.Warn("stale-node cleanup: list failed", slog.Any("error", err))
		return
	}
	now := time.Now()
	for _, n := range nodes {
		if n.IsStale(now) {
			if err := i.backend.RemoveNode(ctx, n.NodeID); err != nil {
				i.logger.Warn("stale-node cleanup: remove failed", slog.String("nodeId", n.NodeID), slog.Any("error", err))
			} else {
				i.logger.Info("removed stale node", slog.String("nodeId", n.NodeID))
			}
		}
	}
}

// Stop halts a running RunStaleNodeCleanup loop. Idempotent.
func (i *Index) Stop() {
	i.stopOnce.Do(func() { close(i.stopCh) })
}
