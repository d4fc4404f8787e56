package notifications

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeChannel struct {
	kind string
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (f *fakeChannel) Kind() string { return f.kind }

func (f *fakeChannel) Send(ctx context.Context, target string, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, n)
	return nil
}

func TestDispatchWithWait_RoutesByKind(t *testing.T) {
	webhook := &fakeChannel{kind: "webhook"}
	email := &fakeChannel{kind: "email"}
	r := NewRouter(nil, webhook, email)

	r.DispatchWithWait(context.Background(), []string{"webhook:https://x", "email:a@b.com"}, Notification{AgentID: "a1"})

	assert.Len(t, webhook.sent, 1)
	assert.Len(t, email.sent, 1)
}

func TestDispatchWithWait_UnknownKindIsSkipped(t *testing.T) {
	r := NewRouter(nil)
	r.DispatchWithWait(context.Background(), []string{"carrier-pigeon:loft"}, Notification{AgentID: "a1"})
}

func TestDispatchWithWait_MalformedTargetIsSkipped(t *testing.T) {
	r := NewRouter(nil)
	r.DispatchWithWait(context.Background(), []string{"no-colon-here"}, Notification{AgentID: "a1"})
}

func TestRemoveChannel_StopsRouting(t *testing.T) {
	webhook := &fakeChannel{kind: "webhook"}
	r := NewRouter(nil, webhook)
	r.RemoveChannel("webhook")
	r.DispatchWithWait(context.Background(), []string{"webhook:https://x"}, Notification{})
	assert.Empty(t, webhook.sent)
}
