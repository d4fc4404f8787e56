// Package persistence implements the single persisted document the budget
// engine depends on: budgets.json, holding BudgetConfigs and BudgetAlerts
// (spec.md §6). Grounded on ODSapper-CLIAIMONITOR's internal/persistence's
// JSONStore — same mutex-guarded in-memory-plus-file shape — narrowed to
// the one document this domain actually persists (tracking state is
// explicitly non-persistent per spec.md §3).
package persistence

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentfleet/controlplane/internal/types"
)

const documentVersion = "1.0.0"

// document is the exact on-disk shape from spec.md §6.
type document struct {
	Configs   map[string]types.BudgetConfig  `json:"configs"`
	Alerts    map[string][]types.BudgetAlert `json:"alerts"`
	Version   string                         `json:"version"`
	UpdatedAt time.Time                      `json:"updatedAt"`
}

func newDocument() *document {
	return &document{
		Configs: make(map[string]types.BudgetConfig),
		Alerts:  make(map[string][]types.BudgetAlert),
		Version: documentVersion,
	}
}

// Store is the budgets.json-backed config/alert store. Every write is
// applied to the in-memory document first and then flushed to disk;
// a flush failure is logged as a durability error but never rolls back
// the in-memory change (spec.md §4.D's "degraded durability, not
// correctness" failure model).
type Store struct {
	mu       sync.RWMutex
	path     string
	doc      *document
	logger   *slog.Logger
}

// New loads path (creating its parent directory and an empty document if
// missing) and returns a ready Store. Read errors reset to empty maps and
// log a warning, per spec.md §6.
func New(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{path: path, logger: logger, doc: newDocument()}
	s.load()
	return s
}

func (s *Store) load() {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Warn("persistence: could not create config directory", slog.Any("error", err))
		return
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("persistence: read failed, starting from empty document", slog.Any("error", err))
		}
		return
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Warn("persistence: malformed budgets.json, starting from empty document", slog.Any("error", err))
		return
	}
	if doc.Configs == nil {
		doc.Configs = make(map[string]types.BudgetConfig)
	}
	if doc.Alerts == nil {
		doc.Alerts = make(map[string][]types.BudgetAlert)
	}
	s.doc = &doc
}

func (s *Store) flushLocked() {
	s.doc.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		s.logger.Warn("persistence: marshal failed", slog.Any("error", err))
		return
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		s.logger.Warn("persistence: write failed", slog.Any("error", err))
	}
}

// SaveConfig upserts cfg keyed by cfg.Key() and flushes.
func (s *Store) SaveConfig(cfg types.BudgetConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Configs[cfg.Key()] = cfg
	s.flushLocked()
}

// GetConfig returns the config for (type, scope), if any.
func (s *Store) GetConfig(key string) (types.BudgetConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.doc.Configs[key]
	return c, ok
}

// AllConfigs returns a copy of every persisted config, keyed the same way
// as the document.
func (s *Store) AllConfigs() map[string]types.BudgetConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]types.BudgetConfig, len(s.doc.Configs))
	for k, v := range s.doc.Configs {
		out[k] = v
	}
	return out
}

// AddAlert appends alert under projectID and flushes.
func (s *Store) AddAlert(projectID string, alert types.BudgetAlert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Alerts[projectID] = append(s.doc.Alerts[projectID], alert)
	s.flushLocked()
}

// ListAlerts returns the alerts attached to projectID.
func (s *Store) ListAlerts(projectID string) []types.BudgetAlert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.BudgetAlert, len(s.doc.Alerts[projectID]))
	copy(out, s.doc.Alerts[projectID])
	return out
}

// RemoveAlert deletes the alert with alertID from projectID's list and
// flushes. Removing an unknown id is a no-op.
func (s *Store) RemoveAlert(projectID, alertID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.doc.Alerts[projectID]
	for i, a := range list {
		if a.ID == alertID {
			s.doc.Alerts[projectID] = append(list[:i], list[i+1:]...)
			s.flushLocked()
			return
		}
	}
}
