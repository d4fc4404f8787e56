package types

import "time"

// BudgetType is the subject kind a BudgetConfig applies to. Resolution in
// beginTracking walks task -> agent -> swarm -> project -> default.
type BudgetType string

const (
	BudgetTask    BudgetType = "task"
	BudgetAgent   BudgetType = "agent"
	BudgetSwarm   BudgetType = "swarm"
	BudgetProject BudgetType = "project"
)

// BudgetPeriod is the optional reset cadence on a BudgetConfig.
type BudgetPeriod string

const (
	PeriodDaily   BudgetPeriod = "daily"
	PeriodWeekly  BudgetPeriod = "weekly"
	PeriodMonthly BudgetPeriod = "monthly"
)

// BudgetConfig is addressed by the (Type, Scope) pair and persists across
// restarts.
type BudgetConfig struct {
	Type      BudgetType   `json:"type"`
	Scope     string       `json:"scope"`
	MaxTokens int64        `json:"maxTokens"`
	MaxCost   float64      `json:"maxCost"`
	Period    BudgetPeriod `json:"period,omitempty"`
	ResetHour int          `json:"resetHour,omitempty"` // 0-23 UTC, daily
	ResetDay  int          `json:"resetDay,omitempty"`  // 0-6 weekly, 1-28 monthly
}

// Key returns the "<type>:<scope>" address used by persistence and lookup.
func (c BudgetConfig) Key() string {
	return string(c.Type) + ":" + c.Scope
}

// ConfigPartial is the single explicit optional-fields struct setConfig
// accepts, replacing the source's three overloaded constructor shapes
// (spec.md §9): callers build one of these and dispatch at the call site.
type ConfigPartial struct {
	MaxTokens *int64
	MaxCost   *float64
	Period    *BudgetPeriod
	ResetHour *int
	ResetDay  *int
}

// Overlay applies non-nil fields from p onto a copy of base and returns it.
func (p ConfigPartial) Overlay(base BudgetConfig) BudgetConfig {
	out := base
	if p.MaxTokens != nil {
		out.MaxTokens = *p.MaxTokens
	}
	if p.MaxCost != nil {
		out.MaxCost = *p.MaxCost
	}
	if p.Period != nil {
		out.Period = *p.Period
	}
	if p.ResetHour != nil {
		out.ResetHour = *p.ResetHour
	}
	if p.ResetDay != nil {
		out.ResetDay = *p.ResetDay
	}
	return out
}

// TokenUsage is the (prompt, completion, total) triple shared by token
// counts and, scaled by price, cost.
type TokenUsage struct {
	Prompt     int64 `json:"prompt"`
	Completion int64 `json:"completion"`
	Total      int64 `json:"total"`
}

// Add returns the element-wise sum, keeping Total in sync with
// Prompt+Completion (the conservation invariant from spec.md §8.3).
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		Prompt:     u.Prompt + o.Prompt,
		Completion: u.Completion + o.Completion,
		Total:      u.Prompt + o.Prompt + u.Completion + o.Completion,
	}
}

// CostUsage mirrors TokenUsage's shape in currency units.
type CostUsage struct {
	Prompt     float64 `json:"prompt"`
	Completion float64 `json:"completion"`
	Total      float64 `json:"total"`
}

// ThresholdAction is the action a crossed threshold triggers.
type ThresholdAction string

const (
	ActionWarn   ThresholdAction = "warn"
	ActionNotify ThresholdAction = "notify"
	ActionBlock  ThresholdAction = "block"
	ActionKill   ThresholdAction = "kill"
	ActionAudit  ThresholdAction = "audit"
)

// ThresholdConfig is one rung of the ladder.
type ThresholdConfig struct {
	Percent  float64         `json:"percent"`
	Action   ThresholdAction `json:"action"`
	Channels []string        `json:"channels,omitempty"` // "kind:target"
	Cooldown time.Duration   `json:"cooldown,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// ShouldBlock reports whether this rung's action blocks the agent.
func (t ThresholdConfig) ShouldBlock() bool {
	return t.Action == ActionBlock
}

// ShouldKill reports whether this rung's action terminates the agent.
// audit implies kill per spec.md §9's "treat audit as implying kill".
func (t ThresholdConfig) ShouldKill() bool {
	return t.Action == ActionKill || t.Action == ActionAudit
}

// DefaultLadder is the fixed 50/75/90/100/110 ladder from spec.md §3.
func DefaultLadder() []ThresholdConfig {
	return []ThresholdConfig{
		{Percent: 50, Action: ActionWarn},
		{Percent: 75, Action: ActionNotify},
		{Percent: 90, Action: ActionBlock},
		{Percent: 100, Action: ActionKill},
		{Percent: 110, Action: ActionAudit},
	}
}

// ThresholdEvent is one history entry appended to a BudgetTracking record.
type ThresholdEvent struct {
	Timestamp time.Time       `json:"timestamp"`
	Percent   float64         `json:"percent"`
	Action    ThresholdAction `json:"action"`
	Message   string          `json:"message"`
}

// BudgetTracking is the live accounting record for one agent run.
type BudgetTracking struct {
	ID           string           `json:"id"`
	AgentID      string           `json:"agentId"`
	TaskID       string           `json:"taskId"`
	ProjectID    string           `json:"projectId"`
	SwarmID      string           `json:"swarmId,omitempty"`
	Model        string           `json:"model"`
	TokensUsed   TokenUsage       `json:"tokensUsed"`
	CostUsed     CostUsage        `json:"costUsed"`
	StartedAt    time.Time        `json:"startedAt"`
	LastUpdated  time.Time        `json:"lastUpdated"`
	CompletedAt  *time.Time       `json:"completedAt,omitempty"`
	Config       BudgetConfig     `json:"config"`
	History      []ThresholdEvent `json:"history,omitempty"`
	Killed       bool             `json:"killed,omitempty"`
	KillReason   string           `json:"killReason,omitempty"`
}

// PercentUsed computes costUsed.total / maxCost * 100, or 0 if maxCost <= 0
// (an unbounded config never trips the ladder).
func (t BudgetTracking) PercentUsed() float64 {
	if t.Config.MaxCost <= 0 {
		return 0
	}
	return t.CostUsed.Total / t.Config.MaxCost * 100
}

// BudgetAlert attaches one or more delivery channels to a threshold
// percentage for a project. Persists across restarts.
type BudgetAlert struct {
	ID         string   `json:"id"`
	ProjectID  string   `json:"projectId"`
	Threshold  float64  `json:"threshold"`
	WebhookURL string   `json:"webhookUrl,omitempty"`
	Email      string   `json:"email,omitempty"`
	SMS        string   `json:"sms,omitempty"`
}

// BlockedAgent records an agent paused pending human approval.
type BlockedAgent struct {
	AgentID          string     `json:"agentId"`
	BudgetID         string     `json:"budgetId"`
	BlockedAt        time.Time  `json:"blockedAt"`
	Threshold        float64    `json:"threshold"`
	Approved         bool       `json:"approved"`
	ApprovedBy       string     `json:"approvedBy,omitempty"`
	ApprovedAt       *time.Time `json:"approvedAt,omitempty"`
	ApprovalExpiresAt *time.Time `json:"approvalExpiresAt,omitempty"`
}

// Effective reports whether the block is currently in force: unapproved, or
// an approval that has expired. An expired approval re-opens the block
// without a new fire (spec.md §4.C).
func (b BlockedAgent) Effective(now time.Time) bool {
	if !b.Approved {
		return true
	}
	if b.ApprovalExpiresAt == nil {
		return false
	}
	return now.After(*b.ApprovalExpiresAt)
}

// Usage is the read-only view recordTokens/usage returns.
type Usage struct {
	Tracking    BudgetTracking `json:"tracking"`
	PercentUsed float64        `json:"percentUsed"`
}

// TriggerResult is what recordTokens returns: either a triggered rung, or
// none.
type TriggerResult struct {
	Triggered bool            `json:"triggered"`
	Percent   float64         `json:"percent"`
	Action    ThresholdAction `json:"action"`
	Message   string          `json:"message"`
}
