package sessionbridge

import (
	"errors"
	"testing"

	"github.com/agentfleet/controlplane/internal/events"
	"github.com/agentfleet/controlplane/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway is an in-memory stand-in for the external session gateway.
type fakeGateway struct {
	nextID  int
	killErr error
}

func (f *fakeGateway) Spawn(opts types.SpawnOptions) (string, error) {
	f.nextID++
	return "sid-" + opts.AgentID, nil
}
func (f *fakeGateway) Pause(string) error  { return nil }
func (f *fakeGateway) Resume(string) error { return nil }
func (f *fakeGateway) Kill(string, bool) error {
	return f.killErr
}
func (f *fakeGateway) Status(string) (types.SessionState, error) { return types.SessionStarted, nil }

// drain collects n events from ch without blocking the test forever.
func drain(t *testing.T, ch <-chan events.Event, n int) []events.Event {
	t.Helper()
	out := make([]events.Event, 0, n)
	for i := 0; i < n; i++ {
		select {
		case evt := <-ch:
			out = append(out, evt)
		default:
			t.Fatalf("expected %d events, got %d", n, i)
		}
	}
	return out
}

func TestSpawnPauseKill_S6(t *testing.T) {
	gw := &fakeGateway{}
	b := New(Deps{Gateway: gw})

	ch, cancel := b.Bus().Subscribe(events.AgentTopic("X"), nil)
	defer cancel()

	sid, err := b.SpawnSession(types.SpawnOptions{AgentID: "X"})
	require.NoError(t, err)
	assert.Equal(t, "sid-X", sid)
	assert.True(t, b.HasSession("X"))

	evts := drain(t, ch, 1)
	assert.Equal(t, events.AgentSpawned, evts[0].Type)

	require.NoError(t, b.PauseSession("X"))
	evts = drain(t, ch, 1)
	assert.Equal(t, events.AgentPaused, evts[0].Type)

	require.NoError(t, b.KillSession("X", true))
	evts = drain(t, ch, 1)
	require.Equal(t, events.AgentKilled, evts[0].Type)
	payload, ok := evts[0].Payload.(events.AgentLifecyclePayload)
	require.True(t, ok)
	assert.True(t, payload.Force)
	assert.False(t, b.HasSession("X"))

	// Repeat kill is a no-op: no mapping, no new event, no error.
	require.NoError(t, b.KillSession("X", false))
	select {
	case evt := <-ch:
		t.Fatalf("expected no further events, got %+v", evt)
	default:
	}
}

func TestMappingBijectivity(t *testing.T) {
	gw := &fakeGateway{}
	b := New(Deps{Gateway: gw})

	_, err := b.SpawnSession(types.SpawnOptions{AgentID: "a"})
	require.NoError(t, err)

	sid, ok := b.SessionOf("a")
	require.True(t, ok)
	agent, ok := b.AgentOf(sid)
	require.True(t, ok)
	assert.Equal(t, "a", agent)

	// Spawning again for the same agent before it clears is rejected.
	_, err = b.SpawnSession(types.SpawnOptions{AgentID: "a"})
	assert.Error(t, err)
}

func TestTransitionUnknownAgent(t *testing.T) {
	b := New(Deps{Gateway: &fakeGateway{}})
	err := b.PauseSession("ghost")
	require.Error(t, err)
	var coreErr *types.CoreError
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, types.KindConsistency, coreErr.Kind)
}

func TestKillSessionGatewayError(t *testing.T) {
	gw := &fakeGateway{killErr: errors.New("boom")}
	b := New(Deps{Gateway: gw})
	_, err := b.SpawnSession(types.SpawnOptions{AgentID: "a"})
	require.NoError(t, err)

	err = b.KillSession("a", false)
	require.Error(t, err)
	var coreErr *types.CoreError
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, types.KindExternal, coreErr.Kind)
	// Mapping is left intact on gateway failure.
	assert.True(t, b.HasSession("a"))
}

func TestRecordTokenUsagePublishes(t *testing.T) {
	gw := &fakeGateway{}
	b := New(Deps{Gateway: gw})
	_, err := b.SpawnSession(types.SpawnOptions{AgentID: "a"})
	require.NoError(t, err)

	ch, cancel := b.Bus().Subscribe(events.AgentTopic("a"), []events.EventType{events.TokenUsage})
	defer cancel()
	drain(t, ch, 0) // spawned event filtered out by type list

	require.NoError(t, b.RecordTokenUsage("a", "budget-1", 100, 50, "gpt"))
	evts := drain(t, ch, 1)
	payload, ok := evts[0].Payload.(events.TokenUsagePayload)
	require.True(t, ok)
	assert.Equal(t, int64(100), payload.Prompt)
	assert.Equal(t, int64(50), payload.Completion)
	assert.Equal(t, "budget-1", payload.BudgetID)
}

func TestListActive(t *testing.T) {
	b := New(Deps{Gateway: &fakeGateway{}})
	_, _ = b.SpawnSession(types.SpawnOptions{AgentID: "a"})
	_, _ = b.SpawnSession(types.SpawnOptions{AgentID: "b"})
	assert.ElementsMatch(t, []string{"a", "b"}, b.ListActive())
	require.NoError(t, b.KillSession("a", false))
	assert.ElementsMatch(t, []string{"b"}, b.ListActive())
}
