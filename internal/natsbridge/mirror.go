// Package natsbridge implements component K, the optional NATS mirror of
// the in-process event bus (component J): every agent.* and scheduling.*
// event published on the bus is republished as a NATS message on
// agent.<agentId>.events / scheduling.<verb>, for out-of-process observers
// named in spec.md §1 (the session gateway, the approval UX) that cannot
// reach an in-process Go channel. Adapted from the teacher's internal/nats
// package: this is the "handler" half that used to dispatch Captain/
// Sergeant callbacks, retargeted to a one-directional fan-out of the
// control plane's own tagged events instead of a bidirectional RPC layer.
package natsbridge

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/agentfleet/controlplane/internal/events"
	"github.com/agentfleet/controlplane/internal/nats"
)

// Mirror republishes events.Bus events onto NATS subjects. A nil *nats.Client
// makes the mirror a no-op construction-time choice — spec.md §4.K's
// "optional" requirement — so callers can always construct one and simply
// skip Start when no broker is configured.
type Mirror struct {
	client *nats.Client
	bus    *events.Bus
	logger *slog.Logger

	cancelAgents     func()
	cancelScheduling func()
}

// New constructs a Mirror over bus, publishing through client. client may be
// nil, in which case Start is a no-op and the in-process bus remains
// authoritative (spec.md §4.K).
func New(client *nats.Client, bus *events.Bus, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{client: client, bus: bus, logger: logger}
}

// Start begins mirroring. It subscribes to the bus's broadcast topics and
// forwards each event to NATS asynchronously; call Stop to unsubscribe.
func (m *Mirror) Start() {
	if m.client == nil {
		return
	}

	agentCh, cancelAgents := m.bus.Subscribe(events.TopicAllAgents, nil)
	schedCh, cancelScheduling := m.bus.Subscribe(events.TopicScheduling, nil)
	m.cancelAgents = cancelAgents
	m.cancelScheduling = cancelScheduling

	go m.forward(agentCh, func(evt events.Event) string {
		return fmt.Sprintf(nats.SubjectAgentEventsPattern, evt.Source.AgentID)
	})
	go m.forward(schedCh, func(evt events.Event) string {
		return fmt.Sprintf(nats.SubjectSchedulingPattern, schedulingVerb(evt.Type))
	})
}

// Stop unsubscribes from the bus. Safe to call even if Start was a no-op.
func (m *Mirror) Stop() {
	if m.cancelAgents != nil {
		m.cancelAgents()
	}
	if m.cancelScheduling != nil {
		m.cancelScheduling()
	}
}

func (m *Mirror) forward(ch <-chan events.Event, subjectOf func(events.Event) string) {
	for evt := range ch {
		wire := nats.WireEvent{
			ID:        evt.ID,
			Type:      string(evt.Type),
			AgentID:   evt.Source.AgentID,
			SessionID: evt.Source.SessionID,
			Payload:   evt.Payload,
			CreatedAt: evt.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		}
		data, err := json.Marshal(wire)
		if err != nil {
			m.logger.Warn("mirror marshal failed", slog.String("eventId", evt.ID), slog.Any("error", err))
			continue
		}
		subject := subjectOf(evt)
		if err := m.client.Publish(subject, data); err != nil {
			m.logger.Warn("mirror publish failed", slog.String("subject", subject), slog.Any("error", err))
		}
	}
}

// schedulingVerb strips the "scheduling." prefix from an EventType so it
// can be substituted into SubjectSchedulingPattern, e.g.
// "scheduling.succeeded" -> "succeeded".
func schedulingVerb(t events.EventType) string {
	const prefix = "scheduling."
	s := string(t)
	if len(s) > len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):]
	}
	return s
}
