package redisstore

import (
	"context"
	"testing"

	"github.com/agentfleet/controlplane/internal/types"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := New("redis://"+mr.Addr(), "test")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRegisterNodeGetNode_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	n := &types.Node{
		NodeID:   "n1",
		Labels:   map[string]string{"zone": "a"},
		Capacity: types.ResourceRequirements{CPU: 8, MemoryMB: 16384},
	}
	require.NoError(t, s.RegisterNode(ctx, n))

	got, ok, err := s.GetNode(ctx, "n1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "n1", got.NodeID)
	assert.Equal(t, "a", got.Labels["zone"])
	assert.True(t, got.Healthy)
	assert.Equal(t, 8.0, got.Capacity.CPU)
}

func TestAllocateRelease_RestoresCounters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.RegisterNode(ctx, &types.Node{
		NodeID:   "n1",
		Capacity: types.ResourceRequirements{CPU: 4, MemoryMB: 8192},
	}))

	ok, err := s.Allocate(ctx, "a1", "n1", types.ResourceRequirements{CPU: 2, MemoryMB: 2048})
	require.NoError(t, err)
	require.True(t, ok)

	n, _, err := s.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, 2.0, n.Allocated.CPU)

	require.NoError(t, s.Release(ctx, "a1"))

	n, _, err = s.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, n.Allocated.CPU)
	assert.Equal(t, 0.0, n.Allocated.MemoryMB)
}

func TestAllocate_RejectsOverCapacity(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.RegisterNode(ctx, &types.Node{
		NodeID:   "n1",
		Capacity: types.ResourceRequirements{CPU: 2, MemoryMB: 2048},
	}))

	ok, err := s.Allocate(ctx, "a1", "n1", types.ResourceRequirements{CPU: 4, MemoryMB: 1024})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAllocate_UnknownNode(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ok, err := s.Allocate(ctx, "a1", "ghost", types.ResourceRequirements{CPU: 1})
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestRelease_UnknownAgentIsNoOp(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	assert.NoError(t, s.Release(ctx, "ghost"))
}

func TestHeartbeat_UnknownNodeErrors(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	err := s.Heartbeat(ctx, "ghost", true)
	assert.Error(t, err)
}

func TestListNodesAndAllocations(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.RegisterNode(ctx, &types.Node{NodeID: "n1", Capacity: types.ResourceRequirements{CPU: 4, MemoryMB: 4096}}))
	require.NoError(t, s.RegisterNode(ctx, &types.Node{NodeID: "n2", Capacity: types.ResourceRequirements{CPU: 4, MemoryMB: 4096}}))

	ok, err := s.Allocate(ctx, "a1", "n1", types.ResourceRequirements{CPU: 1, MemoryMB: 512})
	require.NoError(t, err)
	require.True(t, ok)

	nodes, err := s.ListNodes(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)

	allocs, err := s.ListAllocations(ctx)
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	assert.Equal(t, "a1", allocs[0].AgentID)
}

func TestRemoveNode_OrphansAllocation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.RegisterNode(ctx, &types.Node{NodeID: "n1", Capacity: types.ResourceRequirements{CPU: 4, MemoryMB: 4096}}))
	ok, err := s.Allocate(ctx, "a1", "n1", types.ResourceRequirements{CPU: 1, MemoryMB: 512})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.RemoveNode(ctx, "n1"))

	_, ok, err = s.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.False(t, ok)

	alloc, ok, err := s.GetAllocation(ctx, "a1")
	require.NoError(t, err)
	require.True(t, ok, "allocation record survives node removal")
	assert.Equal(t, "n1", alloc.NodeID)
}
