// Package events implements the control plane's in-process publish/
// subscribe hub. It is adapted from the teacher's internal/events/bus.go:
// the same subscription/backpressure/drop-counter mechanics, retargeted
// from a free-form map[string]interface{} payload to the tagged-variant
// shape spec.md §9 calls for — a fixed EventType discriminator plus one
// typed payload struct per kind.
package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType enumerates every event kind named in spec.md §6: per-agent
// lifecycle events and the scheduler's decision events.
type EventType string

const (
	AgentSpawned   EventType = "agent.spawned"
	AgentStarted   EventType = "agent.started"
	AgentPaused    EventType = "agent.paused"
	AgentResumed   EventType = "agent.resumed"
	AgentCompleted EventType = "agent.completed"
	AgentFailed    EventType = "agent.failed"
	AgentKilled    EventType = "agent.killed"
	TokenUsage     EventType = "token.usage"

	SchedulingRequested EventType = "scheduling.requested"
	SchedulingSucceeded EventType = "scheduling.succeeded"
	SchedulingFailed    EventType = "scheduling.failed"
	SchedulingPreempted EventType = "scheduling.preempted"
	SchedulingResumed   EventType = "scheduling.resumed"
	SchedulingUnscheduled EventType = "scheduling.unscheduled"
)

// AllAgentEventTypes lists the agent.* kinds, for subscription filters.
func AllAgentEventTypes() []EventType {
	return []EventType{
		AgentSpawned, AgentStarted, AgentPaused, AgentResumed,
		AgentCompleted, AgentFailed, AgentKilled, TokenUsage,
	}
}

// AllSchedulingEventTypes lists the scheduling.* kinds.
func AllSchedulingEventTypes() []EventType {
	return []EventType{
		SchedulingRequested, SchedulingSucceeded, SchedulingFailed,
		SchedulingPreempted, SchedulingResumed, SchedulingUnscheduled,
	}
}

// Source identifies who an event is about.
type Source struct {
	AgentID   string `json:"agentId"`
	SessionID string `json:"sessionId,omitempty"`
}

// Event is a tagged variant: Type discriminates which of the Payload*
// structs below is stored in Payload. Consumers type-switch/assert on
// Payload after checking Type, never inspect an open-ended map.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Source    Source    `json:"source"`
	Target    string    `json:"target"` // routing topic: AgentTopic(agentId), TopicAllAgents, or TopicScheduling
	Payload   any       `json:"payload"`
	CreatedAt time.Time `json:"createdAt"`
}

// AgentLifecyclePayload carries an optional human-readable reason/force
// flag for state-transition events (paused/resumed/completed/failed/killed).
type AgentLifecyclePayload struct {
	Reason string `json:"reason,omitempty"`
	Force  bool   `json:"force,omitempty"`
}

// TokenUsagePayload is what the session bridge publishes on every
// token-usage tick, consumed by the budget engine's recordTokens call.
type TokenUsagePayload struct {
	BudgetID   string `json:"budgetId,omitempty"`
	Prompt     int64  `json:"prompt"`
	Completion int64  `json:"completion"`
	Model      string `json:"model,omitempty"`
}

// SchedulingPayload carries a scheduling decision's outcome.
type SchedulingPayload struct {
	NodeID          string   `json:"nodeId,omitempty"`
	AffinityScore   int      `json:"affinityScore,omitempty"`
	PreemptedAgents []string `json:"preemptedAgents,omitempty"`
	ErrorCode       string   `json:"errorCode,omitempty"`
}

// NewEvent stamps a new event with a generated id and the current time.
func NewEvent(eventType EventType, source Source, target string, payload any) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Target:    target,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}
