// Package resourceindex is the authoritative per-node capacity, allocation,
// and agent-list store (component E in spec.md §2). Node capacity is the
// sole source of truth for feasibility (spec.md §5): every read here is
// consistent with the most recently completed write.
package resourceindex

import (
	"context"

	"github.com/agentfleet/controlplane/internal/types"
)

// Backend is the storage abstraction the Index drives. InMemoryBackend
// (this package) and redisstore.Store both implement it: spec.md §6
// describes the external key-value service as optional, with an
// in-process fallback providing identical semantics, so the Index itself
// never knows which one it's talking to.
//
// Every method is atomic with respect to a single node, per spec.md §4.E:
// Allocate/Release either fully apply or leave the node untouched.
type Backend interface {
	RegisterNode(ctx context.Context, node *types.Node) error
	Heartbeat(ctx context.Context, nodeID string, healthy bool) error
	RemoveNode(ctx context.Context, nodeID string) error
	GetNode(ctx context.Context, nodeID string) (*types.Node, bool, error)
	ListNodes(ctx context.Context) ([]*types.Node, error)

	// Allocate adds agentID to nodeID's agent set and increments its
	// allocated counters by requirements. It returns false with no error
	// (and no mutation) if the node lacks capacity, and a consistency
	// error if the node doesn't exist or agentID already holds an
	// allocation.
	Allocate(ctx context.Context, agentID, nodeID string, requirements types.ResourceRequirements) (bool, error)

	// Release removes agentID's allocation, restoring the node's
	// counters. Releasing an unknown agent is a no-op.
	Release(ctx context.Context, agentID string) error

	// GetAllocation returns the allocation record for agentID, if any.
	GetAllocation(ctx context.Context, agentID string) (*types.Allocation, bool, error)

	// ListAllocations returns every current allocation, across all nodes.
	ListAllocations(ctx context.Context) ([]*types.Allocation, error)
}
