package resourceindex

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentfleet/controlplane/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func node(id string, cpu, mem float64) *types.Node {
	return &types.Node{
		NodeID:   id,
		Labels:   map[string]string{},
		Capacity: types.ResourceRequirements{CPU: cpu, MemoryMB: mem},
	}
}

func TestAllocateRelease_RestoresPreCallState(t *testing.T) {
	ctx := context.Background()
	idx := New(NewInMemoryBackend(), nil)
	require.NoError(t, idx.RegisterNode(ctx, node("n1", 8, 32768)))

	before, err := idx.Utilization(ctx, "n1")
	require.NoError(t, err)

	ok, err := idx.Allocate(ctx, "a1", "n1", types.ResourceRequirements{CPU: 2, MemoryMB: 4096})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, idx.Release(ctx, "a1"))

	after, err := idx.Utilization(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestAllocate_RejectsOverCapacity(t *testing.T) {
	ctx := context.Background()
	idx := New(NewInMemoryBackend(), nil)
	require.NoError(t, idx.RegisterNode(ctx, node("n1", 4, 16384)))

	ok, err := idx.Allocate(ctx, "a1", "n1", types.ResourceRequirements{CPU: 5, MemoryMB: 1000})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAllocate_SecondCallForSameAgentIsRejected(t *testing.T) {
	ctx := context.Background()
	idx := New(NewInMemoryBackend(), nil)
	require.NoError(t, idx.RegisterNode(ctx, node("n1", 8, 32768)))
	require.NoError(t, idx.RegisterNode(ctx, node("n2", 8, 32768)))

	ok, err := idx.Allocate(ctx, "a1", "n1", types.ResourceRequirements{CPU: 2, MemoryMB: 4096})
	require.NoError(t, err)
	require.True(t, ok)

	// Same agent, no intervening Release: must not create a second live
	// allocation or leak n2's capacity (spec.md §8 property 2).
	ok, err = idx.Allocate(ctx, "a1", "n2", types.ResourceRequirements{CPU: 2, MemoryMB: 4096})
	assert.False(t, ok)
	assert.Error(t, err)

	alloc, found, err := idx.GetAllocation(ctx, "a1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "n1", alloc.NodeID)

	util, err := idx.Utilization(ctx, "n2")
	require.NoError(t, err)
	assert.Zero(t, util.CPU)
}

func TestAllocate_UnknownNode(t *testing.T) {
	ctx := context.Background()
	idx := New(NewInMemoryBackend(), nil)
	ok, err := idx.Allocate(ctx, "a1", "ghost", types.ResourceRequirements{CPU: 1})
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestRelease_UnknownAgentIsNoOp(t *testing.T) {
	ctx := context.Background()
	idx := New(NewInMemoryBackend(), nil)
	require.NoError(t, idx.Release(ctx, "ghost"))
}

func TestHasCapacity_GPUIsHardConstraint(t *testing.T) {
	ctx := context.Background()
	idx := New(NewInMemoryBackend(), nil)
	n := node("n1", 8, 32768)
	n.Capacity.GPUCount = 1
	require.NoError(t, idx.RegisterNode(ctx, n))

	ok, err := idx.HasCapacity(ctx, "n1", types.ResourceRequirements{CPU: 1, MemoryMB: 100, GPUCount: 2})
	require.NoError(t, err)
	assert.False(t, ok, "gpu dimension must be enforced as a hard constraint")
}

func TestConcurrentAllocate_NeverExceedsCapacity(t *testing.T) {
	ctx := context.Background()
	idx := New(NewInMemoryBackend(), nil)
	require.NoError(t, idx.RegisterNode(ctx, node("n1", 10, 10240)))

	var wg sync.WaitGroup
	successCount := make(chan bool, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := idx.Allocate(ctx, "agent-"+time.Now().Format("150405.000000")+string(rune(i)), "n1", types.ResourceRequirements{CPU: 1, MemoryMB: 1024})
			require.NoError(t, err)
			successCount <- ok
		}(i)
	}
	wg.Wait()
	close(successCount)

	succeeded := 0
	for ok := range successCount {
		if ok {
			succeeded++
		}
	}
	assert.LessOrEqual(t, succeeded, 10, "capacity safety: cpu=10 allows at most 10 1-cpu allocations")

	u, err := idx.Utilization(ctx, "n1")
	require.NoError(t, err)
	assert.LessOrEqual(t, u.CPU, 1.0001)
}

func TestLiveHealthyNodes_ExcludesStale(t *testing.T) {
	ctx := context.Background()
	backend := NewInMemoryBackend()
	idx := New(backend, nil)
	require.NoError(t, idx.RegisterNode(ctx, node("n1", 1, 1)))

	n, ok, err := backend.GetNode(ctx, "n1")
	require.NoError(t, err)
	require.True(t, ok)
	// RegisterNode stamps LastHeartbeat with the current time, so age the
	// stored record directly instead of re-registering it.
	e, ok := backend.entry("n1")
	require.True(t, ok)
	e.node.LastHeartbeat = n.LastHeartbeat.Add(-2 * time.Minute)

	live, err := idx.LiveHealthyNodes(ctx)
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestClusterUtilization_Average(t *testing.T) {
	ctx := context.Background()
	idx := New(NewInMemoryBackend(), nil)
	require.NoError(t, idx.RegisterNode(ctx, node("n1", 10, 10000)))
	require.NoError(t, idx.RegisterNode(ctx, node("n2", 10, 10000)))

	ok, err := idx.Allocate(ctx, "a1", "n1", types.ResourceRequirements{CPU: 10, MemoryMB: 10000})
	require.NoError(t, err)
	require.True(t, ok)

	per, avg, err := idx.ClusterUtilization(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, per["n1"].Overall, 0.0001)
	assert.InDelta(t, 0.0, per["n2"].Overall, 0.0001)
	assert.InDelta(t, 0.5, avg, 0.0001)
}
