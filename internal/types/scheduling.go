package types

import "time"

// SchedulingRequest describes one agent's placement ask.
type SchedulingRequest struct {
	AgentID        string               `json:"agentId"`
	Labels         map[string]string    `json:"labels,omitempty"`
	Resources      ResourceRequirements `json:"resources"`
	Affinity       *AgentAffinity       `json:"affinity,omitempty"`
	Priority       *AgentPriority       `json:"priority,omitempty"`
	PreferredNodes []string             `json:"preferredNodes,omitempty"`
	Deadline       *time.Time           `json:"deadline,omitempty"`
}

// EffectivePriority returns the request's priority, defaulting to
// NORMAL/PreemptLowerPriority when unset.
func (r SchedulingRequest) EffectivePriority() AgentPriority {
	if r.Priority != nil {
		return *r.Priority
	}
	return DefaultAgentPriority()
}

// SchedulingResult is the outcome of schedule/reschedule.
type SchedulingResult struct {
	Success          bool                 `json:"success"`
	AgentID          string               `json:"agentId"`
	NodeID           string               `json:"nodeId,omitempty"`
	Timestamp        time.Time            `json:"timestamp"`
	Resources        ResourceRequirements `json:"resources,omitempty"`
	AffinityScore    int                  `json:"affinityScore,omitempty"`
	PreemptedAgents  []string             `json:"preemptedAgents,omitempty"`
	Error            string               `json:"error,omitempty"`
	ErrorCode        string               `json:"errorCode,omitempty"`
}

// BinPackStrategy picks a tie-breaker among equally-ranked candidates.
type BinPackStrategy string

const (
	BinPackBestFit  BinPackStrategy = "bestFit"
	BinPackFirstFit BinPackStrategy = "firstFit"
	BinPackWorstFit BinPackStrategy = "worstFit"
	BinPackSpread   BinPackStrategy = "spread"
)
