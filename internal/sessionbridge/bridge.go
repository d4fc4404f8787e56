// Package sessionbridge implements component I, the session integration
// layer: the bidirectional bridge translating external session events into
// agent lifecycle transitions and token.usage events routed to the budget
// engine. It owns nothing the scheduler or budget engine own (spec.md §3) —
// only the agentId <-> sessionId mapping, a partial bijection maintained as
// two inverse maps under one mutex, mirroring the teacher's
// internal/captain.go pattern of a single struct guarding related maps.
//
// No direct calls from the bridge to the scheduler core: coupling is
// through the shared events.Bus (spec.md §2), which the budget engine also
// subscribes to for token.usage events.
package sessionbridge

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/agentfleet/controlplane/internal/events"
	"github.com/agentfleet/controlplane/internal/types"
)

// Gateway is the external session runtime the bridge drives. It is held as
// a narrow interface (spec.md §9's "small interface the inner component
// holds" guidance for breaking the session<->agent cycle) so the bridge
// never knows about the concrete session-gateway implementation.
type Gateway interface {
	Spawn(opts types.SpawnOptions) (sessionID string, err error)
	Pause(sessionID string) error
	Resume(sessionID string) error
	Kill(sessionID string, force bool) error
	Status(sessionID string) (types.SessionState, error)
}

// Bridge maintains the agentId<->sessionId mapping and publishes lifecycle/
// token-usage events onto the shared bus. Construct with New.
type Bridge struct {
	gateway Gateway
	bus     *events.Bus
	logger  *slog.Logger

	mu            sync.RWMutex
	agentToSess   map[string]string
	sessToAgent   map[string]string
	agentStates   map[string]types.SessionState
}

// Deps bundles Bridge's collaborators. Gateway is required; Bus/Logger
// default to a private bus and slog.Default() if omitted so the bridge is
// independently testable.
type Deps struct {
	Gateway Gateway
	Bus     *events.Bus
	Logger  *slog.Logger
}

// New constructs a Bridge from deps.
func New(deps Deps) *Bridge {
	if deps.Bus == nil {
		deps.Bus = events.NewBus(deps.Logger)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Bridge{
		gateway:     deps.Gateway,
		bus:         deps.Bus,
		logger:      deps.Logger,
		agentToSess: make(map[string]string),
		sessToAgent: make(map[string]string),
		agentStates: make(map[string]types.SessionState),
	}
}

// Bus exposes the bridge's event bus so other components (the budget
// engine) can subscribe to token.usage and agent.* events.
func (b *Bridge) Bus() *events.Bus { return b.bus }

// errNoMapping is the typed error returned when an operation addresses an
// agent with no active session mapping.
func errNoMapping(agentID string) error {
	return types.NewConsistencyError("no-session-mapping",
		fmt.Sprintf("agent %s has no active session mapping", agentID))
}

// SpawnSession creates a new session for opts.AgentID via the gateway,
// inserts both mapping directions, and publishes agent.spawned. Returns the
// new sessionId.
func (b *Bridge) SpawnSession(opts types.SpawnOptions) (string, error) {
	b.mu.Lock()
	if _, exists := b.agentToSess[opts.AgentID]; exists {
		b.mu.Unlock()
		return "", types.NewValidationError("already-spawned",
			fmt.Sprintf("agent %s already has an active session", opts.AgentID), nil)
	}
	b.mu.Unlock()

	sessionID, err := b.gateway.Spawn(opts)
	if err != nil {
		b.publishLifecycle(opts.AgentID, "", events.AgentFailed, events.AgentLifecyclePayload{Reason: err.Error()})
		return "", types.NewExternalError("spawn-failed", "session gateway spawn failed", err)
	}

	b.mu.Lock()
	b.agentToSess[opts.AgentID] = sessionID
	b.sessToAgent[sessionID] = opts.AgentID
	b.agentStates[opts.AgentID] = types.SessionStarted
	b.mu.Unlock()

	b.publishLifecycle(opts.AgentID, sessionID, events.AgentSpawned, events.AgentLifecyclePayload{})
	return sessionID, nil
}

// PauseSession publishes agent.paused after asking the gateway to pause the
// mapped session.
func (b *Bridge) PauseSession(agentID string) error {
	return b.transition(agentID, types.SessionPaused, events.AgentPaused, func(sid string) error {
		return b.gateway.Pause(sid)
	})
}

// ResumeSession publishes agent.resumed after asking the gateway to resume
// the mapped session.
func (b *Bridge) ResumeSession(agentID string) error {
	return b.transition(agentID, types.SessionResumed, events.AgentResumed, func(sid string) error {
		return b.gateway.Resume(sid)
	})
}

// KillSession asks the gateway to kill the mapped session, publishes
// agent.killed, and clears the mapping. A missing mapping is a no-op,
// matching spec.md §4.I's idempotency requirement.
func (b *Bridge) KillSession(agentID string, force bool) error {
	b.mu.Lock()
	sessionID, ok := b.agentToSess[agentID]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	if err := b.gateway.Kill(sessionID, force); err != nil {
		return types.NewExternalError("kill-failed", "session gateway kill failed", err)
	}

	b.mu.Lock()
	delete(b.agentToSess, agentID)
	delete(b.sessToAgent, sessionID)
	b.agentStates[agentID] = types.SessionKilled
	b.mu.Unlock()

	b.publishLifecycle(agentID, sessionID, events.AgentKilled, events.AgentLifecyclePayload{Force: force})
	return nil
}

// CompleteSession publishes agent.completed and clears the mapping,
// mirroring KillSession's terminal-state handling for the natural-exit path.
func (b *Bridge) CompleteSession(agentID string) error {
	b.mu.Lock()
	sessionID, ok := b.agentToSess[agentID]
	if !ok {
		b.mu.Unlock()
		return errNoMapping(agentID)
	}
	delete(b.agentToSess, agentID)
	delete(b.sessToAgent, sessionID)
	b.agentStates[agentID] = types.SessionCompleted
	b.mu.Unlock()

	b.publishLifecycle(agentID, sessionID, events.AgentCompleted, events.AgentLifecyclePayload{})
	return nil
}

// FailSession publishes agent.failed and clears the mapping, used when the
// gateway reports the session ended abnormally.
func (b *Bridge) FailSession(agentID, reason string) error {
	b.mu.Lock()
	sessionID, ok := b.agentToSess[agentID]
	if !ok {
		b.mu.Unlock()
		return errNoMapping(agentID)
	}
	delete(b.agentToSess, agentID)
	delete(b.sessToAgent, sessionID)
	b.agentStates[agentID] = types.SessionFailed
	b.mu.Unlock()

	b.publishLifecycle(agentID, sessionID, events.AgentFailed, events.AgentLifecyclePayload{Reason: reason})
	return nil
}

// transition is the shared body of PauseSession/ResumeSession: look up the
// mapping, invoke the gateway call, record the new state, publish the event.
func (b *Bridge) transition(agentID string, state types.SessionState, eventType events.EventType, call func(sessionID string) error) error {
	b.mu.RLock()
	sessionID, ok := b.agentToSess[agentID]
	b.mu.RUnlock()
	if !ok {
		return errNoMapping(agentID)
	}

	if err := call(sessionID); err != nil {
		return types.NewExternalError("session-transition-failed", "session gateway call failed", err)
	}

	b.mu.Lock()
	b.agentStates[agentID] = state
	b.mu.Unlock()

	b.publishLifecycle(agentID, sessionID, eventType, events.AgentLifecyclePayload{})
	return nil
}

// RecordTokenUsage publishes a token.usage event for agentID carrying the
// token deltas and resolved budget id; the budget engine subscribes to this
// topic and calls recordTokens. The bridge performs no accounting itself.
func (b *Bridge) RecordTokenUsage(agentID, budgetID string, prompt, completion int64, model string) error {
	b.mu.RLock()
	sessionID, ok := b.agentToSess[agentID]
	b.mu.RUnlock()
	if !ok {
		return errNoMapping(agentID)
	}

	evt := events.NewEvent(events.TokenUsage, events.Source{AgentID: agentID, SessionID: sessionID}, events.AgentTopic(agentID),
		events.TokenUsagePayload{BudgetID: budgetID, Prompt: prompt, Completion: completion, Model: model})
	b.bus.Publish(evt)
	return nil
}

// StatusOf returns the last known lifecycle state the bridge recorded for
// agentID, or an error if there is no active mapping.
func (b *Bridge) StatusOf(agentID string) (types.SessionState, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, mapped := b.agentToSess[agentID]; !mapped {
		return "", errNoMapping(agentID)
	}
	state, ok := b.agentStates[agentID]
	if !ok {
		return "", errNoMapping(agentID)
	}
	return state, nil
}

// HasSession reports whether agentID currently has an active session
// mapping.
func (b *Bridge) HasSession(agentID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.agentToSess[agentID]
	return ok
}

// ListActive returns the agentId set with an active session mapping.
func (b *Bridge) ListActive() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.agentToSess))
	for agentID := range b.agentToSess {
		out = append(out, agentID)
	}
	return out
}

// SessionOf returns the sessionId mapped to agentID, if any.
func (b *Bridge) SessionOf(agentID string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sid, ok := b.agentToSess[agentID]
	return sid, ok
}

// AgentOf returns the agentId mapped to sessionID, if any — the inverse
// lookup, kept consistent with agentToSess under the same lock so the
// mapping is always a partial bijection (spec.md §3, §8 property 8).
func (b *Bridge) AgentOf(sessionID string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	aid, ok := b.sessToAgent[sessionID]
	return aid, ok
}

func (b *Bridge) publishLifecycle(agentID, sessionID string, eventType events.EventType, payload events.AgentLifecyclePayload) {
	evt := events.NewEvent(eventType, events.Source{AgentID: agentID, SessionID: sessionID}, events.AgentTopic(agentID), payload)
	b.bus.Publish(evt)
	b.logger.Debug("session lifecycle event", slog.String("agentId", agentID), slog.String("type", string(eventType)), slog.String("id", evt.ID))
}
