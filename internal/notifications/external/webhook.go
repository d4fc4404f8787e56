// Package external holds the concrete notifications.Channel
// implementations. WebhookChannel is grounded on
// ODSapper-CLIAIMONITOR/internal/notifications/external/slack.go's
// webhook-post shape, generalized from a Slack-specific attachment payload
// to a plain JSON body any "kind:target" webhook URL can receive.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agentfleet/controlplane/internal/notifications"
)

// WebhookChannel posts a JSON body to whatever URL a "webhook:<url>"
// channel target names.
type WebhookChannel struct {
	client *http.Client
}

// NewWebhookChannel constructs a WebhookChannel with a 10s timeout, the
// same budget the teacher's SlackNotifier uses.
func NewWebhookChannel() *WebhookChannel {
	return &WebhookChannel{client: &http.Client{Timeout: 10 * time.Second}}
}

func (w *WebhookChannel) Kind() string { return "webhook" }

func (w *WebhookChannel) Send(ctx context.Context, target string, n notifications.Notification) error {
	if target == "" {
		return fmt.Errorf("webhook channel: empty target URL")
	}

	payload := map[string]any{
		"budgetId": n.BudgetID,
		"agentId":  n.AgentID,
		"percent":  n.Percent,
		"action":   n.Action,
		"message":  n.Message,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook channel: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook channel: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook channel: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook channel: target returned status %d", resp.StatusCode)
	}
	return nil
}
