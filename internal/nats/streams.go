package nats

import (
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// StreamManager manages the JetStream streams backing the mirrored agent/
// scheduling event subjects, retained (with persistent storage and a
// replay window) so an out-of-process observer that connects late — the
// session gateway or the approval UX named in spec.md §1 — can still catch
// up. Adapted from the teacher's StreamManager (same create-or-update
// shape), retargeted from CHAT/PRESENCE/COMMANDS to this domain's two
// subjects.
type StreamManager struct {
	js     nats.JetStreamContext
	logger *slog.Logger
}

// NewStreamManager constructs a StreamManager bound to nc's JetStream
// context.
func NewStreamManager(nc *nats.Conn, logger *slog.Logger) (*StreamManager, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamManager{js: js, logger: logger}, nil
}

// SetupStreams creates or updates the AGENT_EVENTS and SCHEDULING streams.
func (sm *StreamManager) SetupStreams() error {
	streams := []nats.StreamConfig{
		{
			Name:        "AGENT_EVENTS",
			Description: "Mirrored agent.<agentId>.events lifecycle and token.usage events",
			Subjects:    []string{"agent.*.events"},
			Storage:     nats.FileStorage,
			MaxAge:      24 * time.Hour,
			Retention:   nats.LimitsPolicy,
		},
		{
			Name:        "SCHEDULING",
			Description: "Mirrored scheduling.* decision events",
			Subjects:    []string{"scheduling.*"},
			Storage:     nats.FileStorage,
			MaxAge:      24 * time.Hour,
			Retention:   nats.LimitsPolicy,
		},
	}

	for _, cfg := range streams {
		if err := sm.createOrUpdateStream(cfg); err != nil {
			return err
		}
	}
	return nil
}

func (sm *StreamManager) createOrUpdateStream(cfg nats.StreamConfig) error {
	info, err := sm.js.StreamInfo(cfg.Name)
	if err != nil {
		if err == nats.ErrStreamNotFound {
			_, err := sm.js.AddStream(&cfg)
			if err != nil {
				sm.logger.Warn("create stream failed", slog.String("stream", cfg.Name), slog.Any("error", err))
				return err
			}
			return nil
		}
		sm.logger.Warn("stream info failed", slog.String("stream", cfg.Name), slog.Any("error", err))
		return err
	}

	_, err = sm.js.UpdateStream(&cfg)
	if err != nil {
		sm.logger.Warn("update stream failed", slog.String("stream", cfg.Name), slog.Any("error", err))
		return err
	}
	sm.logger.Debug("stream updated", slog.String("stream", cfg.Name), slog.Int64("messages", int64(info.State.Msgs)))
	return nil
}

// DeleteStream deletes a stream by name, used by tests for cleanup.
func (sm *StreamManager) DeleteStream(name string) error {
	return sm.js.DeleteStream(name)
}
