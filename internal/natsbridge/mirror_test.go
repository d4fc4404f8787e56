package natsbridge

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/agentfleet/controlplane/internal/events"
	"github.com/agentfleet/controlplane/internal/nats"
	natsgo "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

func TestMirror_ForwardsAgentEventToSubject(t *testing.T) {
	// Port 0 isn't valid for the embedded server's own listener choice, so
	// pick a fixed high port per test to avoid clashing with a live NATS.
	srv, err := nats.NewEmbeddedServer(nats.EmbeddedServerConfig{Port: 14222})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Shutdown)

	bus := events.NewBus(nil)
	client, err := nats.NewClient(srv.URL(), nil)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	raw, err := natsgo.Connect(srv.URL())
	require.NoError(t, err)
	t.Cleanup(raw.Close)

	received := make(chan *natsgo.Msg, 1)
	_, err = raw.Subscribe("agent.X.events", func(msg *natsgo.Msg) {
		received <- msg
	})
	require.NoError(t, err)
	require.NoError(t, raw.Flush())

	mirror := New(client, bus, nil)
	mirror.Start()
	t.Cleanup(mirror.Stop)

	bus.Publish(events.NewEvent(events.AgentSpawned, events.Source{AgentID: "X", SessionID: "sid"}, events.AgentTopic("X"), events.AgentLifecyclePayload{}))

	select {
	case msg := <-received:
		var wire nats.WireEvent
		require.NoError(t, json.Unmarshal(msg.Data, &wire))
		require.Equal(t, "agent.spawned", wire.Type)
		require.Equal(t, "X", wire.AgentID)
		require.Equal(t, "sid", wire.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for mirrored event")
	}
}

func TestMirror_ForwardsSchedulingEventToVerbSubject(t *testing.T) {
	srv, err := nats.NewEmbeddedServer(nats.EmbeddedServerConfig{Port: 14223})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Shutdown)

	bus := events.NewBus(nil)
	client, err := nats.NewClient(srv.URL(), nil)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	raw, err := natsgo.Connect(srv.URL())
	require.NoError(t, err)
	t.Cleanup(raw.Close)

	received := make(chan *natsgo.Msg, 1)
	_, err = raw.Subscribe("scheduling.succeeded", func(msg *natsgo.Msg) { received <- msg })
	require.NoError(t, err)
	require.NoError(t, raw.Flush())

	mirror := New(client, bus, nil)
	mirror.Start()
	t.Cleanup(mirror.Stop)

	bus.Publish(events.NewEvent(events.SchedulingSucceeded, events.Source{AgentID: "w"}, events.TopicScheduling, events.SchedulingPayload{NodeID: "n1"}))

	select {
	case msg := <-received:
		require.Equal(t, "scheduling.succeeded", msg.Subject)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for mirrored scheduling event")
	}
}

func TestMirror_NilClientIsNoOp(t *testing.T) {
	bus := events.NewBus(nil)
	mirror := New(nil, bus, nil)
	mirror.Start() // must not panic
	mirror.Stop()
	bus.Publish(events.NewEvent(events.AgentSpawned, events.Source{AgentID: "X"}, events.AgentTopic("X"), events.AgentLifecyclePayload{}))
}

func TestSchedulingVerb(t *testing.T) {
	require.Equal(t, "succeeded", schedulingVerb(events.SchedulingSucceeded))
	require.Equal(t, fmt.Sprintf(nats.SubjectSchedulingPattern, "succeeded"), "scheduling.succeeded")
}
