package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/agentfleet/controlplane/internal/preemption"
	"github.com/agentfleet/controlplane/internal/resourceindex"
	"github.com/agentfleet/controlplane/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) *resourceindex.Index {
	t.Helper()
	return resourceindex.New(resourceindex.NewInMemoryBackend(), nil)
}

func registerNode(t *testing.T, idx *resourceindex.Index, nodeID string, cpu, memoryMB float64, labels map[string]string) {
	t.Helper()
	require.NoError(t, idx.RegisterNode(context.Background(), &types.Node{
		NodeID:        nodeID,
		Labels:        labels,
		Capacity:      types.ResourceRequirements{CPU: cpu, MemoryMB: memoryMB},
		LastHeartbeat: time.Now(),
		Healthy:       true,
		AgentIDs:      make(map[string]struct{}),
	}))
}

func TestSchedule_S1_StraightPlacement(t *testing.T) {
	idx := newTestIndex(t)
	registerNode(t, idx, "n1", 8, 32768, map[string]string{"zone": "A"})
	registerNode(t, idx, "n2", 8, 32768, map[string]string{"zone": "B"})

	s := New(idx, nil, "", nil, nil, nil)
	result := s.Schedule(context.Background(), types.SchedulingRequest{
		AgentID:   "X",
		Resources: types.ResourceRequirements{CPU: 1, MemoryMB: 4096},
	})

	require.True(t, result.Success)
	assert.Equal(t, "n1", result.NodeID)
	assert.Equal(t, 50, result.AffinityScore)
}

func TestSchedule_SecondCallForSameAgentFailsWithoutUnschedule(t *testing.T) {
	idx := newTestIndex(t)
	registerNode(t, idx, "n1", 8, 32768, map[string]string{"zone": "A"})
	s := New(idx, nil, "", nil, nil, nil)

	req := types.SchedulingRequest{AgentID: "X", Resources: types.ResourceRequirements{CPU: 1, MemoryMB: 4096}}
	first := s.Schedule(context.Background(), req)
	require.True(t, first.Success)

	second := s.Schedule(context.Background(), req)
	assert.False(t, second.Success)
	assert.Equal(t, types.CodeAlreadyScheduled, second.ErrorCode)

	alloc, found, err := idx.GetAllocation(context.Background(), "X")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "n1", alloc.NodeID)
}

func TestSchedule_RejectsMalformedAffinity(t *testing.T) {
	idx := newTestIndex(t)
	registerNode(t, idx, "n1", 8, 32768, map[string]string{"zone": "A"})
	s := New(idx, nil, "", nil, nil, nil)

	result := s.Schedule(context.Background(), types.SchedulingRequest{
		AgentID:   "X",
		Resources: types.ResourceRequirements{CPU: 1, MemoryMB: 4096},
		Affinity: &types.AgentAffinity{
			AgentAffinity: []types.AffinityRule{{Hard: false, Weight: 500}},
		},
	})

	assert.False(t, result.Success)
	assert.Equal(t, types.CodeInvalidAffinity, result.ErrorCode)

	_, found, err := idx.GetAllocation(context.Background(), "X")
	require.NoError(t, err)
	assert.False(t, found, "malformed affinity must not mutate resource state")
}

func TestSchedule_S2_HardNodeAffinity(t *testing.T) {
	idx := newTestIndex(t)
	registerNode(t, idx, "n1", 8, 32768, map[string]string{"zone": "A"})
	registerNode(t, idx, "n2", 8, 32768, map[string]string{"zone": "B"})
	s := New(idx, nil, "", nil, nil, nil)

	req := types.SchedulingRequest{
		AgentID:   "X",
		Resources: types.ResourceRequirements{CPU: 1, MemoryMB: 4096},
		Affinity: &types.AgentAffinity{
			NodeAffinity: []types.AffinityRule{
				{Kind: types.RuleAffinity, Hard: true, NodeSelector: &types.LabelSelector{MatchLabels: map[string]string{"zone": "A"}}},
			},
		},
	}
	result := s.Schedule(context.Background(), req)
	require.True(t, result.Success)
	assert.Equal(t, "n1", result.NodeID)
}

func TestSchedule_S2_HardNodeAffinityEliminatesAll(t *testing.T) {
	idx := newTestIndex(t)
	registerNode(t, idx, "n1", 8, 32768, map[string]string{"zone": "A"})
	registerNode(t, idx, "n2", 8, 32768, map[string]string{"zone": "B"})
	s := New(idx, nil, "", nil, nil, nil)

	req := types.SchedulingRequest{
		AgentID:   "X",
		Resources: types.ResourceRequirements{CPU: 1, MemoryMB: 4096},
		Affinity: &types.AgentAffinity{
			NodeAffinity: []types.AffinityRule{
				{Kind: types.RuleAffinity, Hard: true, NodeSelector: &types.LabelSelector{MatchLabels: map[string]string{"zone": "C"}}},
			},
		},
	}
	result := s.Schedule(context.Background(), req)
	assert.False(t, result.Success)
	assert.Equal(t, types.CodeAffinityEliminatesAll, result.ErrorCode)
}

func TestSchedule_PreferredNodesEmptyFailsEvenWithCapacity(t *testing.T) {
	idx := newTestIndex(t)
	registerNode(t, idx, "n1", 8, 32768, nil)
	s := New(idx, nil, "", nil, nil, nil)

	result := s.Schedule(context.Background(), types.SchedulingRequest{
		AgentID:        "X",
		Resources:      types.ResourceRequirements{CPU: 1, MemoryMB: 1024},
		PreferredNodes: []string{},
	})
	assert.False(t, result.Success)
	assert.Equal(t, types.CodeNoPreferredNodes, result.ErrorCode)
}

func TestSchedule_NilPreferredNodesIsUnrestricted(t *testing.T) {
	idx := newTestIndex(t)
	registerNode(t, idx, "n1", 8, 32768, nil)
	s := New(idx, nil, "", nil, nil, nil)

	result := s.Schedule(context.Background(), types.SchedulingRequest{
		AgentID:   "X",
		Resources: types.ResourceRequirements{CPU: 1, MemoryMB: 1024},
	})
	assert.True(t, result.Success)
}

func TestSchedule_S3_PreemptionFreesRoomForHigherPriority(t *testing.T) {
	idx := newTestIndex(t)
	registerNode(t, idx, "n1", 4, 16384, nil)
	s := New(idx, nil, "", nil, nil, nil)

	low := types.AgentPriority{Class: types.PriorityLow, Policy: types.PreemptLowerPriority}
	placed := s.Schedule(context.Background(), types.SchedulingRequest{
		AgentID:   "v",
		Resources: types.ResourceRequirements{CPU: 3, MemoryMB: 12000},
		Priority:  &low,
	})
	require.True(t, placed.Success)

	high := types.AgentPriority{Class: types.PriorityHigh, Policy: types.PreemptLowerPriority}
	result := s.Schedule(context.Background(), types.SchedulingRequest{
		AgentID:   "w",
		Resources: types.ResourceRequirements{CPU: 3, MemoryMB: 12000},
		Priority:  &high,
	})

	require.True(t, result.Success)
	assert.Equal(t, "n1", result.NodeID)
	assert.Equal(t, []string{"v"}, result.PreemptedAgents)
	assert.True(t, s.planner.HasCheckpoint("v"))
}

func TestSchedule_PreemptionDisabledByConfig_SkipsPreemption(t *testing.T) {
	idx := newTestIndex(t)
	registerNode(t, idx, "n1", 4, 16384, nil)
	s := New(idx, nil, "", nil, nil, nil, preemption.Config{MinPriorityDifference: 100, MaxVictims: 3, Enabled: false})

	low := types.AgentPriority{Class: types.PriorityLow, Policy: types.PreemptLowerPriority}
	placed := s.Schedule(context.Background(), types.SchedulingRequest{
		AgentID:   "v",
		Resources: types.ResourceRequirements{CPU: 3, MemoryMB: 12000},
		Priority:  &low,
	})
	require.True(t, placed.Success)

	high := types.AgentPriority{Class: types.PriorityHigh, Policy: types.PreemptLowerPriority}
	result := s.Schedule(context.Background(), types.SchedulingRequest{
		AgentID:   "w",
		Resources: types.ResourceRequirements{CPU: 3, MemoryMB: 12000},
		Priority:  &high,
	})

	assert.False(t, result.Success)
	assert.Equal(t, types.CodeInsufficientResources, result.ErrorCode)
	assert.False(t, s.planner.HasCheckpoint("v"), "disabled preemption must never checkpoint a victim")
}

func TestSchedule_S3_NeverPolicyVictimCausesPreemptionInsufficient(t *testing.T) {
	idx := newTestIndex(t)
	registerNode(t, idx, "n1", 4, 16384, nil)
	s := New(idx, nil, "", nil, nil, nil)

	never := types.AgentPriority{Class: types.PriorityLow, Policy: types.PreemptNever}
	placed := s.Schedule(context.Background(), types.SchedulingRequest{
		AgentID:   "v",
		Resources: types.ResourceRequirements{CPU: 3, MemoryMB: 12000},
		Priority:  &never,
	})
	require.True(t, placed.Success)

	high := types.AgentPriority{Class: types.PriorityHigh, Policy: types.PreemptLowerPriority}
	result := s.Schedule(context.Background(), types.SchedulingRequest{
		AgentID:   "w",
		Resources: types.ResourceRequirements{CPU: 3, MemoryMB: 12000},
		Priority:  &high,
	})

	assert.False(t, result.Success)
	assert.Equal(t, types.CodePreemptionInsufficient, result.ErrorCode)
}

func TestUnschedule_ReleasesAndForgetsPriority(t *testing.T) {
	idx := newTestIndex(t)
	registerNode(t, idx, "n1", 8, 32768, nil)
	s := New(idx, nil, "", nil, nil, nil)

	result := s.Schedule(context.Background(), types.SchedulingRequest{AgentID: "X", Resources: types.ResourceRequirements{CPU: 1, MemoryMB: 1024}})
	require.True(t, result.Success)

	require.NoError(t, s.Unschedule(context.Background(), "X"))
	_, ok := s.PriorityOf("X")
	assert.False(t, ok)

	_, ok, err := idx.GetAllocation(context.Background(), "X")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReschedule_FailsWithoutCheckpoint(t *testing.T) {
	idx := newTestIndex(t)
	s := New(idx, nil, "", nil, nil, nil)
	_, err := s.Reschedule(context.Background(), "no-such-agent", types.SchedulingRequest{})
	assert.Error(t, err)
}

func TestSchedule_NoHealthyNodes(t *testing.T) {
	idx := newTestIndex(t)
	s := New(idx, nil, "", nil, nil, nil)
	result := s.Schedule(context.Background(), types.SchedulingRequest{AgentID: "X", Resources: types.ResourceRequirements{CPU: 1, MemoryMB: 1}})
	assert.False(t, result.Success)
	assert.Equal(t, types.CodeNoHealthyNodes, result.ErrorCode)
}
