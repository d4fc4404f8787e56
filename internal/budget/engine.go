// Package budget implements component D, the budget engine: the only
// owner of live tracking state (spec.md §3's ownership rule). It wires
// cost.Calculator (A), threshold.Ladder (B), blockregistry.Registry (C),
// persistence.Store, notifications.Router, and events.Bus together behind
// the single public contract spec.md §4.D names. Grounded on
// ODSapper-CLIAIMONITOR's internal/captain.go for the "one struct holding
// several collaborator interfaces behind a mutex-guarded map" shape,
// generalized from missions/subagents to budget trackings.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/agentfleet/controlplane/internal/blockregistry"
	"github.com/agentfleet/controlplane/internal/cost"
	"github.com/agentfleet/controlplane/internal/events"
	"github.com/agentfleet/controlplane/internal/notifications"
	"github.com/agentfleet/controlplane/internal/persistence"
	"github.com/agentfleet/controlplane/internal/threshold"
	"github.com/agentfleet/controlplane/internal/types"
	"github.com/google/uuid"
)

// trackingEntry pairs a live BudgetTracking with the single lock spec.md
// §5 requires ("one lock per budget tracking in (D)").
type trackingEntry struct {
	mu  sync.Mutex
	rec types.BudgetTracking
}

// Engine is the budget engine. Construct with New; it is safe for
// concurrent use once built.
type Engine struct {
	calculator *cost.Calculator
	ladder     *threshold.Ladder
	blocks     *blockregistry.Registry
	store      *persistence.Store
	router     *notifications.Router
	bus        *events.Bus
	clock      types.Clock
	logger     *slog.Logger

	defaultLadder []types.ThresholdConfig

	mu        sync.RWMutex
	tracking  map[string]*trackingEntry // trackingId -> entry
}

// Deps bundles Engine's collaborators. All fields but Store are optional
// and default to package-appropriate implementations (a Calculator/Ladder/
// Registry/Bus of their own, a no-channel Router) so the engine is usable
// standalone in tests without Store either, since persistence.New never
// fails on a missing file.
type Deps struct {
	Calculator *cost.Calculator
	Ladder     *threshold.Ladder
	Blocks     *blockregistry.Registry
	Store      *persistence.Store
	Router     *notifications.Router
	Bus        *events.Bus
	Clock      types.Clock
	Logger     *slog.Logger
}

// New constructs an Engine from deps, filling in sensible defaults for any
// zero-valued collaborator.
func New(deps Deps) *Engine {
	if deps.Clock == nil {
		deps.Clock = types.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Calculator == nil {
		deps.Calculator = cost.NewCalculator(deps.Logger)
	}
	if deps.Ladder == nil {
		deps.Ladder = threshold.NewLadder(deps.Clock)
	}
	if deps.Blocks == nil {
		deps.Blocks = blockregistry.New(deps.Clock)
	}
	if deps.Router == nil {
		deps.Router = notifications.NewRouter(deps.Logger)
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus(deps.Logger)
	}
	return &Engine{
		calculator:    deps.Calculator,
		ladder:        deps.Ladder,
		blocks:        deps.Blocks,
		store:         deps.Store,
		router:        deps.Router,
		bus:           deps.Bus,
		clock:         deps.Clock,
		logger:        deps.Logger,
		defaultLadder: types.DefaultLadder(),
		tracking:      make(map[string]*trackingEntry),
	}
}

// SubscribeTokenUsage wires the engine to consume token.usage events off
// bus, translating each into a RecordTokens call. This is the event-coupled
// path spec.md §2 requires between the session bridge (I) and the budget
// engine (D): "No direct calls from I to H — coupling is through events"
// applies symmetrically to D, which never calls into the bridge either. The
// returned cancel func stops consumption; events for unknown budget ids are
// logged and dropped, matching the consistency-error no-op policy.
func (e *Engine) SubscribeTokenUsage(bus *events.Bus) (cancel func()) {
	ch, unsubscribe := bus.Subscribe(events.TopicAllAgents, []events.EventType{events.TokenUsage})
	done := make(chan struct{})
	go func() {
		for {
			select {
			case evt, ok := <-ch:
				if !ok {
					return
				}
				payload, ok := evt.Payload.(events.TokenUsagePayload)
				if !ok || payload.BudgetID == "" {
					continue
				}
				if _, err := e.RecordTokens(context.Background(), payload.BudgetID, payload.Prompt, payload.Completion, payload.Model); err != nil {
					e.logger.Warn("recordTokens from token.usage event failed",
						slog.String("budgetId", payload.BudgetID), slog.String("error", err.Error()))
				}
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		unsubscribe()
	}
}

// SetConfig upserts a BudgetConfig for (t, scope), overlaying partial onto
// any existing config (or the zero value if none), and persists it.
func (e *Engine) SetConfig(t types.BudgetType, scope string, partial types.ConfigPartial) types.BudgetConfig {
	base := types.BudgetConfig{Type: t, Scope: scope}
	if e.store != nil {
		if existing, ok := e.store.GetConfig(base.Key()); ok {
			base = existing
		}
	}
	cfg := partial.Overlay(base)
	if e.store != nil {
		e.store.SaveConfig(cfg)
	}
	return cfg
}

// GetConfig returns the persisted config for (t, scope), if any.
func (e *Engine) GetConfig(t types.BudgetType, scope string) (types.BudgetConfig, bool) {
	if e.store == nil {
		return types.BudgetConfig{}, false
	}
	return e.store.GetConfig(types.BudgetConfig{Type: t, Scope: scope}.Key())
}

// resolveConfig walks task -> agent -> swarm -> project -> default, per
// spec.md §4.D.
func (e *Engine) resolveConfig(agentID, taskID, projectID, swarmID string) types.BudgetConfig {
	order := []struct {
		t     types.BudgetType
		scope string
	}{
		{types.BudgetTask, taskID},
		{types.BudgetAgent, agentID},
		{types.BudgetSwarm, swarmID},
		{types.BudgetProject, projectID},
	}
	for _, o := range order {
		if o.scope == "" {
			continue
		}
		if cfg, ok := e.GetConfig(o.t, o.scope); ok {
			return cfg
		}
	}
	if cfg, ok := e.GetConfig(types.BudgetProject, "default"); ok {
		return cfg
	}
	return types.BudgetConfig{Type: types.BudgetProject, Scope: "default"}
}

// BeginTracking creates a new live tracking for one agent run, resolving
// the most-specific applicable config.
func (e *Engine) BeginTracking(agentID, taskID, projectID, model, swarmID string) types.BudgetTracking {
	cfg := e.resolveConfig(agentID, taskID, projectID, swarmID)
	now := e.clock.Now()
	rec := types.BudgetTracking{
		ID:          uuid.New().String(),
		AgentID:     agentID,
		TaskID:      taskID,
		ProjectID:   projectID,
		SwarmID:     swarmID,
		Model:       model,
		StartedAt:   now,
		LastUpdated: now,
		Config:      cfg,
	}
	e.mu.Lock()
	e.tracking[rec.ID] = &trackingEntry{rec: rec}
	e.mu.Unlock()
	return rec
}

func (e *Engine) entry(budgetID string) (*trackingEntry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tracking[budgetID]
	return t, ok
}

// RecordTokens adds a token delta to budgetID's tracking, recomputes cost,
// consults the threshold ladder, and synchronously executes any triggered
// action. Unknown budget ids return a consistency error and no trigger.
func (e *Engine) RecordTokens(ctx context.Context, budgetID string, prompt, completion int64, model string) (types.TriggerResult, error) {
	entry, ok := e.entry(budgetID)
	if !ok {
		return types.TriggerResult{}, types.NewConsistencyError("unknown-budget", "recordTokens for unknown budget "+budgetID)
	}

	entry.mu.Lock()
	if model == "" {
		model = entry.rec.Model
	}
	entry.rec.TokensUsed = entry.rec.TokensUsed.Add(types.TokenUsage{Prompt: prompt, Completion: completion})
	entry.rec.CostUsed = e.calculator.Calculate(model, entry.rec.TokensUsed)
	entry.rec.LastUpdated = e.clock.Now()
	percent := entry.rec.PercentUsed()

	triggered, ok := e.ladder.CheckWithCooldown(budgetID, percent, ladderOf(entry.rec.Config, e.defaultLadder))
	if !ok {
		snapshot := entry.rec
		entry.mu.Unlock()
		e.persistDegraded(snapshot)
		return types.TriggerResult{}, nil
	}

	message := triggered.Config.Message
	if message == "" {
		message = fmt.Sprintf("budget %s crossed %.0f%%", budgetID, triggered.Config.Percent)
	}
	entry.rec.History = append(entry.rec.History, types.ThresholdEvent{
		Timestamp: entry.rec.LastUpdated,
		Percent:   triggered.Config.Percent,
		Action:    triggered.Config.Action,
		Message:   message,
	})
	snapshot := entry.rec
	entry.mu.Unlock()

	e.executeAction(ctx, snapshot, triggered.Config, message)

	return types.TriggerResult{
		Triggered: true,
		Percent:   percent,
		Action:    triggered.Config.Action,
		Message:   message,
	}, nil
}

func ladderOf(cfg types.BudgetConfig, fallback []types.ThresholdConfig) []types.ThresholdConfig {
	// BudgetConfig carries no per-config ladder override in this domain's
	// data model (spec.md §3); every config uses the fixed default ladder.
	return fallback
}

// executeAction runs the cumulative side effects for a crossed rung, per
// spec.md §4.D's "as warn, plus..." escalation chain.
func (e *Engine) executeAction(ctx context.Context, rec types.BudgetTracking, cfg types.ThresholdConfig, message string) {
	e.logger.Warn("budget threshold crossed",
		slog.String("budgetId", rec.ID), slog.String("agentId", rec.AgentID),
		slog.Float64("percent", cfg.Percent), slog.String("action", string(cfg.Action)))

	if cfg.Action == types.ActionNotify || cfg.Action == types.ActionBlock || cfg.Action == types.ActionKill || cfg.Action == types.ActionAudit {
		if len(cfg.Channels) > 0 {
			e.router.Dispatch(ctx, cfg.Channels, notifications.Notification{
				BudgetID: rec.ID, AgentID: rec.AgentID, Percent: cfg.Percent, Action: cfg.Action, Message: message,
			})
		}
	}

	if cfg.ShouldBlock() {
		e.blocks.Block(rec.AgentID, rec.ID, cfg.Percent)
	}

	if cfg.ShouldKill() {
		e.blocks.Block(rec.AgentID, rec.ID, cfg.Percent)
		if entry, ok := e.entry(rec.ID); ok {
			entry.mu.Lock()
			entry.rec.Killed = true
			entry.rec.KillReason = message
			now := e.clock.Now()
			entry.rec.CompletedAt = &now
			entry.mu.Unlock()
		}
		e.bus.Publish(events.NewEvent(events.AgentKilled, events.Source{AgentID: rec.AgentID}, events.AgentTopic(rec.AgentID),
			events.AgentLifecyclePayload{Reason: message, Force: true}))
	}

	if cfg.Action == types.ActionAudit {
		e.logger.Warn("budget audit entry", slog.String("budgetId", rec.ID), slog.String("agentId", rec.AgentID), slog.String("message", message))
	}
}

func (e *Engine) persistDegraded(rec types.BudgetTracking) {
	// Tracking state is explicitly non-persistent (spec.md §3); nothing
	// to flush here beyond what SetConfig/AddAlert already persist. This
	// hook exists so a future durable-tracking backend has one call site
	// to extend rather than scattering writes across RecordTokens.
	_ = rec
}

// Usage returns the current snapshot and percent-used for budgetID.
func (e *Engine) Usage(budgetID string) (types.Usage, bool) {
	entry, ok := e.entry(budgetID)
	if !ok {
		return types.Usage{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return types.Usage{Tracking: entry.rec, PercentUsed: entry.rec.PercentUsed()}, true
}

// Tracking returns the raw tracking record for budgetID.
func (e *Engine) Tracking(budgetID string) (types.BudgetTracking, bool) {
	entry, ok := e.entry(budgetID)
	if !ok {
		return types.BudgetTracking{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.rec, true
}

// CompleteTracking marks budgetID's tracking as naturally finished.
func (e *Engine) CompleteTracking(budgetID string) {
	entry, ok := e.entry(budgetID)
	if !ok {
		return
	}
	entry.mu.Lock()
	now := e.clock.Now()
	entry.rec.CompletedAt = &now
	entry.mu.Unlock()
	e.ladder.Reset(budgetID)
}

// KillTracking marks budgetID killed with reason, blocks its agent, and
// emits the terminal event, mirroring the kill branch of executeAction for
// callers that kill out-of-band (e.g. an operator action, not a threshold).
func (e *Engine) KillTracking(ctx context.Context, budgetID, reason string) {
	entry, ok := e.entry(budgetID)
	if !ok {
		return
	}
	entry.mu.Lock()
	entry.rec.Killed = true
	entry.rec.KillReason = reason
	now := e.clock.Now()
	entry.rec.CompletedAt = &now
	agentID := entry.rec.AgentID
	entry.mu.Unlock()

	e.blocks.Block(agentID, budgetID, 100)
	e.bus.Publish(events.NewEvent(events.AgentKilled, events.Source{AgentID: agentID}, events.AgentTopic(agentID),
		events.AgentLifecyclePayload{Reason: reason, Force: true}))
}

// AgentStatus returns every tracking for agentID, across all projects.
func (e *Engine) AgentStatus(agentID string) []types.BudgetTracking {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []types.BudgetTracking
	for _, entry := range e.tracking {
		entry.mu.Lock()
		if entry.rec.AgentID == agentID {
			out = append(out, entry.rec)
		}
		entry.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// ProjectStatus returns every tracking for projectID, the summed cost
// across them, and the project's own config if one is set.
func (e *Engine) ProjectStatus(projectID string) ([]types.BudgetTracking, float64, *types.BudgetConfig) {
	e.mu.RLock()
	var out []types.BudgetTracking
	var total float64
	for _, entry := range e.tracking {
		entry.mu.Lock()
		if entry.rec.ProjectID == projectID {
			out = append(out, entry.rec)
			total += entry.rec.CostUsed.Total
		}
		entry.mu.Unlock()
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })

	var cfg *types.BudgetConfig
	if c, ok := e.GetConfig(types.BudgetProject, projectID); ok {
		cfg = &c
	}
	return out, total, cfg
}

// Report aggregates projectID's trackings by agent and by calendar day
// within the requested window (week or month, ending now).
func (e *Engine) Report(projectID string, period types.ReportPeriod) types.Report {
	trackings, total, _ := e.ProjectStatus(projectID)

	windowStart := e.clock.Now().AddDate(0, 0, -7)
	if period == types.ReportMonth {
		windowStart = e.clock.Now().AddDate(0, -1, 0)
	}

	byAgent := make(map[string]types.AgentTotal)
	byDay := make(map[string]types.DayTotal)
	for _, t := range trackings {
		if t.StartedAt.Before(windowStart) {
			continue
		}
		a := byAgent[t.AgentID]
		a.AgentID = t.AgentID
		a.TokensUsed = a.TokensUsed.Add(t.TokensUsed)
		a.CostUsed.Prompt += t.CostUsed.Prompt
		a.CostUsed.Completion += t.CostUsed.Completion
		a.CostUsed.Total += t.CostUsed.Total
		byAgent[t.AgentID] = a

		day := t.StartedAt.Format("2006-01-02")
		d := byDay[day]
		d.Date = day
		d.TokensUsed = d.TokensUsed.Add(t.TokensUsed)
		d.CostUsed.Prompt += t.CostUsed.Prompt
		d.CostUsed.Completion += t.CostUsed.Completion
		d.CostUsed.Total += t.CostUsed.Total
		byDay[day] = d
	}

	report := types.Report{ProjectID: projectID, Period: period, TotalCost: total}
	for _, a := range byAgent {
		report.ByAgent = append(report.ByAgent, a)
	}
	for _, d := range byDay {
		report.ByDay = append(report.ByDay, d)
	}
	sort.Slice(report.ByAgent, func(i, j int) bool { return report.ByAgent[i].AgentID < report.ByAgent[j].AgentID })
	sort.Slice(report.ByDay, func(i, j int) bool { return report.ByDay[i].Date < report.ByDay[j].Date })
	return report
}

// AddAlert persists a new BudgetAlert under projectID.
func (e *Engine) AddAlert(projectID string, threshold float64, webhookURL, email, sms string) types.BudgetAlert {
	alert := types.BudgetAlert{ID: uuid.New().String(), ProjectID: projectID, Threshold: threshold, WebhookURL: webhookURL, Email: email, SMS: sms}
	if e.store != nil {
		e.store.AddAlert(projectID, alert)
	}
	return alert
}

// ListAlerts returns the alerts attached to projectID.
func (e *Engine) ListAlerts(projectID string) []types.BudgetAlert {
	if e.store == nil {
		return nil
	}
	return e.store.ListAlerts(projectID)
}

// RemoveAlert deletes alertID from projectID's alert set.
func (e *Engine) RemoveAlert(projectID, alertID string) {
	if e.store == nil {
		return
	}
	e.store.RemoveAlert(projectID, alertID)
}

// IsBlocked proxies the block registry for callers that only need the
// boolean without the full engine surface.
func (e *Engine) IsBlocked(agentID string) bool { return e.blocks.IsBlocked(agentID) }

// ListBlocks proxies the block registry's List.
func (e *Engine) ListBlocks() []types.BlockedAgent { return e.blocks.List() }

// Approve proxies the block registry's Approve.
func (e *Engine) Approve(agentID, approver string, durationMinutes int) {
	e.blocks.Approve(agentID, approver, durationMinutes)
}
