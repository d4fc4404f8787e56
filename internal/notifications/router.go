// Package notifications dispatches threshold-triggered budget notifications
// to external channels, identified by a "kind:target" string per spec.md
// §4.D (kinds webhook|email|sms). Grounded on ODSapper-CLIAIMONITOR's
// internal/notifications/router.go: the same fire-and-forget-per-channel
// goroutine shape, generalized from its event.ShouldNotify filter to a
// direct kind dispatch since the channel is already named explicitly by
// the threshold config rather than inferred from event type.
package notifications

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/agentfleet/controlplane/internal/types"
)

// Notification is what a crossed threshold sends downstream.
type Notification struct {
	BudgetID string
	AgentID  string
	Percent  float64
	Action   types.ThresholdAction
	Message  string
}

// Channel is one delivery mechanism, keyed by Kind() ("webhook", "email",
// "sms"). Send receives the target parsed out of the "kind:target" string.
type Channel interface {
	Kind() string
	Send(ctx context.Context, target string, n Notification) error
}

// Router dispatches notifications to channels addressed by "kind:target"
// strings, looking the kind up in a registry of installed Channels.
type Router struct {
	mu       sync.RWMutex
	channels map[string]Channel
	logger   *slog.Logger
}

// NewRouter builds a Router over the given channels, keyed by their Kind().
func NewRouter(logger *slog.Logger, channels ...Channel) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{channels: make(map[string]Channel), logger: logger}
	for _, ch := range channels {
		r.channels[ch.Kind()] = ch
	}
	return r
}

// AddChannel installs or replaces the channel for its kind.
func (r *Router) AddChannel(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.Kind()] = ch
}

// RemoveChannel uninstalls the channel registered for kind.
func (r *Router) RemoveChannel(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, kind)
}

// Dispatch fans out n to every "kind:target" entry in targets, one
// goroutine per entry, fire-and-forget: failures are logged, never
// returned, matching spec.md §7's "notification dispatch... swallow and
// log errors without affecting foreground requests".
func (r *Router) Dispatch(ctx context.Context, targets []string, n Notification) {
	r.mu.RLock()
	channels := r.channels
	r.mu.RUnlock()

	for _, target := range targets {
		kind, addr, ok := strings.Cut(target, ":")
		if !ok {
			r.logger.Warn("notifications: malformed channel target", slog.String("target", target))
			continue
		}
		ch, ok := channels[kind]
		if !ok {
			r.logger.Warn("notifications: no channel installed for kind", slog.String("kind", kind))
			continue
		}
		go func(ch Channel, addr string) {
			if err := ch.Send(ctx, addr, n); err != nil {
				r.logger.Warn("notifications: send failed", slog.String("kind", ch.Kind()), slog.String("target", addr), slog.Any("error", err))
			}
		}(ch, addr)
	}
}

// DispatchWithWait is Dispatch but blocks until every channel finishes,
// useful for tests and for callers that need every send finished first.
func (r *Router) DispatchWithWait(ctx context.Context, targets []string, n Notification) {
	r.mu.RLock()
	channels := r.channels
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, target := range targets {
		kind, addr, ok := strings.Cut(target, ":")
		if !ok {
			continue
		}
		ch, ok := channels[kind]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(ch Channel, addr string) {
			defer wg.Done()
			if err := ch.Send(ctx, addr, n); err != nil {
				r.logger.Warn("notifications: send failed", slog.String("kind", ch.Kind()), slog.String("target", addr), slog.Any("error", err))
			}
		}(ch, addr)
	}
	wg.Wait()
}
