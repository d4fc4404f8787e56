package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Backpressure tuning, carried over verbatim from the teacher's bus.
const (
	maxBackpressureRetries = 3
	backpressureRetryDelay = 10 * time.Millisecond
	subscriptionBuffer     = 256
)

// subscription is one Subscribe call's channel plus its type filter.
type subscription struct {
	ch    chan Event
	types []EventType
}

// Bus is the capability the control plane's components hold instead of
// inheriting from an event-emitter base (spec.md §9): Subscribe/Publish,
// nothing more.
type Bus struct {
	logger *slog.Logger

	mu            sync.RWMutex
	subscribers   map[string][]*subscription // topic -> subs
	droppedEvents uint64
}

// NewBus constructs an empty bus. logger defaults to slog.Default().
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:      logger,
		subscribers: make(map[string][]*subscription),
	}
}

// AgentTopic returns the per-agent topic name for Subscribe/Publish.
func AgentTopic(agentID string) string { return "agent:" + agentID }

// TopicAllAgents and TopicScheduling are the two broadcast topics.
const (
	TopicAllAgents  = "agent:*"
	TopicScheduling = "scheduling"
)

// Subscribe returns a channel receiving events published to topic, filtered
// to types if non-empty; a TopicAllAgents subscriber also receives events
// published to any per-agent topic (see Publish). The returned cancel func unsubscribes and closes the channel; it is safe to
// call more than once.
func (b *Bus) Subscribe(topic string, types []EventType) (<-chan Event, func()) {
	sub := &subscription{ch: make(chan Event, subscriptionBuffer), types: types}

	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subscribers[topic]
			for i, s := range subs {
				if s == sub {
					b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			if len(b.subscribers[topic]) == 0 {
				delete(b.subscribers, topic)
			}
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers event to every subscriber of its target topic, plus
// TopicAllAgents when the target is a per-agent topic (AgentTopic(id)).
// TopicScheduling is its own topic, not a per-agent one, so it never gets
// the TopicAllAgents addition.
func (b *Bus) Publish(event Event) {
	topic := event.Target
	b.mu.RLock()
	var recipients []*subscription
	recipients = append(recipients, b.subscribers[topic]...)
	if topic != TopicAllAgents && topic != TopicScheduling {
		recipients = append(recipients, b.subscribers[TopicAllAgents]...)
	}
	b.mu.RUnlock()

	for _, sub := range recipients {
		if matchesTypes(event.Type, sub.types) {
			b.sendWithBackpressure(sub, event)
		}
	}
}

func matchesTypes(t EventType, filter []EventType) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f == t {
			return true
		}
	}
	return false
}

func (b *Bus) sendWithBackpressure(sub *subscription, event Event) {
	select {
	case sub.ch <- event:
		return
	default:
	}

	for retry := 1; retry <= maxBackpressureRetries; retry++ {
		time.Sleep(backpressureRetryDelay)
		select {
		case sub.ch <- event:
			return
		default:
		}
	}

	dropped := atomic.AddUint64(&b.droppedEvents, 1)
	b.logger.Warn("dropped event after retries, subscriber channel full",
		slog.String("type", string(event.Type)),
		slog.String("target", event.Target),
		slog.String("id", event.ID),
		slog.Uint64("totalDropped", dropped))
}

// DroppedEventCount returns the number of events dropped due to full
// subscriber channels since process start.
func (b *Bus) DroppedEventCount() uint64 {
	return atomic.LoadUint64(&b.droppedEvents)
}
