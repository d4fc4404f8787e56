package decisionlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndRecentForAgent(t *testing.T) {
	l, err := Open(":memory:", 0)
	require.NoError(t, err)
	defer l.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, l.Append(Decision{
		AgentID: "w", NodeID: "n1", Outcome: "scheduled", AffinityScore: 50,
		PreemptedAgents: []string{"v"}, CreatedAt: now,
	}))
	require.NoError(t, l.Append(Decision{
		AgentID: "w", Outcome: "failed", ErrorCode: "insufficient-resources", CreatedAt: now.Add(time.Minute),
	}))

	decisions, err := l.RecentForAgent("w", 10)
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	assert.Equal(t, "failed", decisions[0].Outcome) // newest first
	assert.Equal(t, "insufficient-resources", decisions[0].ErrorCode)
	assert.Equal(t, "scheduled", decisions[1].Outcome)
	assert.Equal(t, []string{"v"}, decisions[1].PreemptedAgents)
	assert.Equal(t, "n1", decisions[1].NodeID)
}

func TestRecord_RotatesPastMaxRows(t *testing.T) {
	l, err := Open(":memory:", 3)
	require.NoError(t, err)
	defer l.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Append(Decision{AgentID: "a", Outcome: "scheduled", CreatedAt: now.Add(time.Duration(i) * time.Second)}))
	}

	decisions, err := l.Recent(100)
	require.NoError(t, err)
	assert.Len(t, decisions, 3, "log should be rotated down to maxRows")
}

func TestRecent_EmptyLog(t *testing.T) {
	l, err := Open(":memory:", 0)
	require.NoError(t, err)
	defer l.Close()

	decisions, err := l.Recent(10)
	require.NoError(t, err)
	assert.Empty(t, decisions)
}
