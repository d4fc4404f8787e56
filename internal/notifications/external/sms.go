package external

import (
	"context"
	"fmt"

	"github.com/agentfleet/controlplane/internal/notifications"
)

// SMSSender abstracts the actual carrier/API call, since spec.md §4.D
// treats SMS delivery as an external collaborator whose implementation is
// unspecified; callers inject one (e.g. a Twilio client) at construction.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// SMSChannel delivers notifications to whatever number an "sms:<number>"
// channel target names, via an injected SMSSender.
type SMSChannel struct {
	sender SMSSender
}

// NewSMSChannel constructs an SMSChannel backed by sender.
func NewSMSChannel(sender SMSSender) *SMSChannel {
	return &SMSChannel{sender: sender}
}

func (s *SMSChannel) Kind() string { return "sms" }

func (s *SMSChannel) Send(ctx context.Context, target string, n notifications.Notification) error {
	if target == "" {
		return fmt.Errorf("sms channel: empty target number")
	}
	if s.sender == nil {
		return fmt.Errorf("sms channel: no sender configured")
	}
	body := fmt.Sprintf("Budget %s at %.0f%%: agent %s", n.Action, n.Percent, n.AgentID)
	return s.sender.SendSMS(ctx, target, body)
}
