// Package rpc exposes the scheduler core (H) and session bridge (I) as a
// NATS request/reply surface — the control plane's one external command
// entrypoint. The CLI and dashboard surfaces spec.md §1 draws around this
// system are explicitly out of scope, so driving Schedule/Unschedule and
// SpawnSession happens over the same NATS connection component K already
// uses to mirror events out, via nats.go's Request/Reply convention
// (internal/nats/client.go's RequestJSON is the client side of this).
package rpc

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/agentfleet/controlplane/internal/nats"
	"github.com/agentfleet/controlplane/internal/scheduler"
	"github.com/agentfleet/controlplane/internal/sessionbridge"
	"github.com/agentfleet/controlplane/internal/types"
	natsgo "github.com/nats-io/nats.go"
)

// Subjects this server answers on.
const (
	SubjectScheduleRequest   = "scheduling.requests"
	SubjectUnscheduleRequest = "scheduling.unschedule"
	SubjectSessionSpawn      = "agent.requests.spawn"
)

// Server answers scheduling and session-spawn requests received over NATS.
type Server struct {
	client    *nats.Client
	scheduler *scheduler.Scheduler
	bridge    *sessionbridge.Bridge
	logger    *slog.Logger

	subs []*natsgo.Subscription
}

// New constructs a Server. client must be non-nil and connected; a nil
// client makes Start a no-op so callers can always construct one.
func New(client *nats.Client, sched *scheduler.Scheduler, bridge *sessionbridge.Bridge, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{client: client, scheduler: sched, bridge: bridge, logger: logger}
}

// Start subscribes to every RPC subject. Call Stop to unsubscribe.
func (s *Server) Start() error {
	if s.client == nil {
		return nil
	}
	sub, err := s.client.Subscribe(SubjectScheduleRequest, s.handleSchedule)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, sub)

	sub, err = s.client.Subscribe(SubjectUnscheduleRequest, s.handleUnschedule)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, sub)

	sub, err = s.client.Subscribe(SubjectSessionSpawn, s.handleSpawn)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, sub)
	return nil
}

// Stop unsubscribes from every RPC subject. Safe to call even if Start was
// a no-op.
func (s *Server) Stop() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}

func (s *Server) handleSchedule(msg *nats.Message) {
	var req types.SchedulingRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.reply(msg, errorReply(err))
		return
	}
	result := s.scheduler.Schedule(context.Background(), req)
	s.reply(msg, result)
}

func (s *Server) handleUnschedule(msg *nats.Message) {
	var req struct {
		AgentID string `json:"agentId"`
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.reply(msg, errorReply(err))
		return
	}
	if err := s.scheduler.Unschedule(context.Background(), req.AgentID); err != nil {
		s.reply(msg, errorReply(err))
		return
	}
	s.reply(msg, map[string]bool{"ok": true})
}

func (s *Server) handleSpawn(msg *nats.Message) {
	var opts types.SpawnOptions
	if err := json.Unmarshal(msg.Data, &opts); err != nil {
		s.reply(msg, errorReply(err))
		return
	}
	sessionID, err := s.bridge.SpawnSession(opts)
	if err != nil {
		s.reply(msg, errorReply(err))
		return
	}
	s.reply(msg, map[string]string{"sessionId": sessionID})
}

func (s *Server) reply(msg *nats.Message, v any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("rpc reply marshal failed", slog.Any("error", err))
		return
	}
	if err := s.client.Publish(msg.Reply, data); err != nil {
		s.logger.Warn("rpc reply publish failed", slog.Any("error", err))
	}
}

func errorReply(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}
