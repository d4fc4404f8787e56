package nats

// Subject naming for the control plane's NATS mirror (component K),
// renamed from the teacher's Captain/Sergeant subject constants
// (SubjectAgentHeartbeat, SubjectCaptainStatus, ...) to the domain spec.md
// §6 names directly: agent.<agentId>.events and scheduling.<verb>.
const (
	// SubjectAgentEventsPattern mirrors one agent's lifecycle/token.usage
	// events. Use fmt.Sprintf(SubjectAgentEventsPattern, agentID).
	SubjectAgentEventsPattern = "agent.%s.events"

	// SubjectAllAgentEvents subscribes to every agent's event stream.
	SubjectAllAgentEvents = "agent.*.events"

	// SubjectSchedulingPattern mirrors one scheduling verb
	// (requested|succeeded|failed|preempted|resumed|unscheduled).
	// Use fmt.Sprintf(SubjectSchedulingPattern, verb).
	SubjectSchedulingPattern = "scheduling.%s"

	// SubjectAllScheduling subscribes to every scheduling.* verb.
	SubjectAllScheduling = "scheduling.*"
)

// WireEvent is the JSON envelope published on NATS subjects, matching
// events.Event's tagged-variant shape one-for-one so a subscriber never
// needs the in-process events.Bus to interpret a mirrored message.
type WireEvent struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	AgentID   string `json:"agentId"`
	SessionID string `json:"sessionId,omitempty"`
	Payload   any    `json:"payload"`
	CreatedAt string `json:"createdAt"`
}
