package external

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/agentfleet/controlplane/internal/notifications"
)

// SMTPConfig configures EmailChannel's outgoing server. Grounded on
// ODSapper-CLIAIMONITOR/internal/notifications/external/email.go.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailChannel sends notifications via SMTP to whatever address an
// "email:<address>" channel target names.
type EmailChannel struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailChannel constructs an EmailChannel against cfg.
func NewEmailChannel(cfg SMTPConfig) *EmailChannel {
	return &EmailChannel{cfg: cfg, send: smtp.SendMail}
}

func (e *EmailChannel) Kind() string { return "email" }

func (e *EmailChannel) Send(ctx context.Context, target string, n notifications.Notification) error {
	if e.cfg.Host == "" {
		return fmt.Errorf("email channel: SMTP host not configured")
	}
	if e.cfg.From == "" {
		return fmt.Errorf("email channel: from address not configured")
	}
	if target == "" {
		return fmt.Errorf("email channel: empty recipient")
	}

	subject := e.buildSubject(n)
	body := e.buildBody(n)
	message := e.buildMessage(target, subject, body)

	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)
	var auth smtp.Auth
	if e.cfg.Username != "" && e.cfg.Password != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}

	if err := e.send(addr, auth, e.cfg.From, []string{target}, []byte(message)); err != nil {
		return fmt.Errorf("email channel: send: %w", err)
	}
	return nil
}

func (e *EmailChannel) buildSubject(n notifications.Notification) string {
	prefix := ""
	switch n.Action {
	case "kill", "audit":
		prefix = "[CRITICAL] "
	case "block":
		prefix = "[WARNING] "
	}
	return fmt.Sprintf("%sBudget %s at %.0f%% - agent %s", prefix, n.Action, n.Percent, n.AgentID)
}

func (e *EmailChannel) buildBody(n notifications.Notification) string {
	var body strings.Builder
	body.WriteString("Budget threshold notification\n")
	body.WriteString("==============================\n\n")
	fmt.Fprintf(&body, "Budget ID: %s\n", n.BudgetID)
	fmt.Fprintf(&body, "Agent ID: %s\n", n.AgentID)
	fmt.Fprintf(&body, "Percent used: %.2f\n", n.Percent)
	fmt.Fprintf(&body, "Action: %s\n", n.Action)
	if n.Message != "" {
		fmt.Fprintf(&body, "Message: %s\n", n.Message)
	}
	return body.String()
}

func (e *EmailChannel) buildMessage(to, subject, body string) string {
	var message strings.Builder
	fmt.Fprintf(&message, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&message, "To: %s\r\n", to)
	fmt.Fprintf(&message, "Subject: %s\r\n", subject)
	message.WriteString("MIME-Version: 1.0\r\n")
	message.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	message.WriteString("\r\n")
	message.WriteString(body)
	return message.String()
}
