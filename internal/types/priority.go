package types

// PriorityClass is the ordered priority set agents are scheduled and
// preempted by. Comparison is numeric, so CRITICAL always outranks HIGH,
// etc., regardless of which order they're declared in config.
type PriorityClass int

const (
	PriorityBatch    PriorityClass = 1
	PriorityLow      PriorityClass = 10
	PriorityNormal   PriorityClass = 100
	PriorityHigh     PriorityClass = 500
	PriorityCritical PriorityClass = 1000
)

// PreemptionPolicy controls whether an agent may be evicted to free
// resources for a higher-priority request.
type PreemptionPolicy string

const (
	PreemptLowerPriority PreemptionPolicy = "PreemptLowerPriority"
	PreemptNever         PreemptionPolicy = "Never"
)

// AgentPriority pairs a priority class with a preemption policy. Never
// makes an agent unpreemptable regardless of class.
type AgentPriority struct {
	Class  PriorityClass    `json:"class"`
	Policy PreemptionPolicy `json:"policy"`
}

// DefaultAgentPriority is used when a scheduling request omits priority.
func DefaultAgentPriority() AgentPriority {
	return AgentPriority{Class: PriorityNormal, Policy: PreemptLowerPriority}
}

// Preemptable reports whether this agent may ever be selected as a victim.
func (p AgentPriority) Preemptable() bool {
	return p.Policy != PreemptNever
}
