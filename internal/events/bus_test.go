package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribePublish_RoutesToTargetAndBroadcast(t *testing.T) {
	b := NewBus(nil)

	specific, cancelSpecific := b.Subscribe(AgentTopic("a1"), nil)
	defer cancelSpecific()
	all, cancelAll := b.Subscribe(TopicAllAgents, nil)
	defer cancelAll()

	b.Publish(NewEvent(AgentSpawned, Source{AgentID: "a1"}, AgentTopic("a1"), nil))

	select {
	case ev := <-specific:
		assert.Equal(t, AgentSpawned, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for specific subscriber")
	}

	select {
	case ev := <-all:
		assert.Equal(t, AgentSpawned, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast subscriber")
	}
}

func TestSubscribe_TypeFilter(t *testing.T) {
	b := NewBus(nil)
	ch, cancel := b.Subscribe(AgentTopic("a1"), []EventType{AgentKilled})
	defer cancel()

	b.Publish(NewEvent(AgentStarted, Source{AgentID: "a1"}, AgentTopic("a1"), nil))
	b.Publish(NewEvent(AgentKilled, Source{AgentID: "a1"}, AgentTopic("a1"), nil))

	select {
	case ev := <-ch:
		assert.Equal(t, AgentKilled, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered event")
	}

	select {
	case ev := <-ch:
		t.Fatalf("unexpected second event delivered: %v", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancel_ClosesChannelAndIsIdempotent(t *testing.T) {
	b := NewBus(nil)
	ch, cancel := b.Subscribe(AgentTopic("a1"), nil)
	cancel()
	cancel() // must not panic

	_, ok := <-ch
	assert.False(t, ok)
}

func TestOrdering_PerAgentPreservesPublishOrder(t *testing.T) {
	b := NewBus(nil)
	ch, cancel := b.Subscribe(AgentTopic("a1"), nil)
	defer cancel()

	seq := []EventType{AgentSpawned, AgentStarted, AgentPaused, AgentResumed, AgentCompleted}
	for _, et := range seq {
		b.Publish(NewEvent(et, Source{AgentID: "a1"}, AgentTopic("a1"), nil))
	}

	for _, want := range seq {
		select {
		case ev := <-ch:
			require.Equal(t, want, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for ordered event")
		}
	}
}

func TestDroppedEventCount_IncrementsWhenChannelFull(t *testing.T) {
	b := NewBus(nil)
	ch, cancel := b.Subscribe(AgentTopic("a1"), nil)
	defer cancel()

	for i := 0; i < subscriptionBuffer+5; i++ {
		b.Publish(NewEvent(AgentStarted, Source{AgentID: "a1"}, AgentTopic("a1"), nil))
	}

	assert.Greater(t, b.DroppedEventCount(), uint64(0))
	<-ch // drain one so the test doesn't leak goroutines relying on GC
}
