// Package decisionlog implements component M, the scheduler core's
// append-only record of schedule/unschedule/reschedule decisions. It is
// grounded on the teacher's internal/memory/db.go + decisions.go: a single
// struct wrapping *sql.DB, WAL-mode pragmas set at open, exec/query helpers
// returning wrapped errors, and INSERT-then-LastInsertId row construction.
// Retargeted from mattn/go-sqlite3 (cgo) to modernc.org/sqlite (pure Go),
// per spec.md §9's preference for a CGo-free test suite and this module's
// go.mod, which already carries modernc.org/sqlite as a direct dependency.
package decisionlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentfleet/controlplane/internal/types"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS decisions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id TEXT NOT NULL,
	node_id TEXT,
	outcome TEXT NOT NULL,
	affinity_score INTEGER NOT NULL DEFAULT 0,
	preempted_agents TEXT NOT NULL DEFAULT '[]',
	error_code TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_agent ON decisions(agent_id);
CREATE INDEX IF NOT EXISTS idx_decisions_created_at ON decisions(created_at);
`

// Decision is one row: the outcome of a single schedule/unschedule/
// reschedule call.
type Decision struct {
	ID              int64
	AgentID         string
	NodeID          string // empty on failure
	Outcome         string // "scheduled" | "unscheduled" | "rescheduled" | "failed"
	AffinityScore   int
	PreemptedAgents []string
	ErrorCode       string
	CreatedAt       time.Time
}

// Log is a SQLite-backed append-only decision log. Construct with Open;
// Close releases the underlying connection.
type Log struct {
	db *sql.DB
	// maxRows bounds the table, addressing the unbounded-audit-log risk
	// spec.md §9 flags for the audit log by analogy (same growth shape).
	maxRows int
}

// Open opens (creating if necessary) a SQLite database at path in WAL mode
// and ensures the schema exists. Pass ":memory:" for an in-process,
// ephemeral log suitable for tests, matching modernc.org/sqlite's
// in-memory mode referenced in spec.md §9's test-tooling section.
func Open(path string, maxRows int) (*Log, error) {
	if maxRows <= 0 {
		maxRows = 100_000
	}
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open decision log: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; one conn avoids SQLITE_BUSY churn

	l := &Log{db: db, maxRows: maxRows}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create decision log schema: %w", err)
	}
	return l, nil
}

// Close closes the underlying database connection.
func (l *Log) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Append inserts one decision row and applies the size-bound ring: once the
// table exceeds maxRows, the oldest rows are deleted in the same call, so
// the log never grows unboundedly (spec.md §9's rotation requirement).
func (l *Log) Append(d Decision) error {
	preempted, err := json.Marshal(d.PreemptedAgents)
	if err != nil {
		return fmt.Errorf("marshal preempted agents: %w", err)
	}

	var nodeID, errCode sql.NullString
	if d.NodeID != "" {
		nodeID = sql.NullString{String: d.NodeID, Valid: true}
	}
	if d.ErrorCode != "" {
		errCode = sql.NullString{String: d.ErrorCode, Valid: true}
	}

	_, err = l.db.Exec(`
		INSERT INTO decisions (agent_id, node_id, outcome, affinity_score, preempted_agents, error_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.AgentID, nodeID, d.Outcome, d.AffinityScore, string(preempted), errCode, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}

	if _, err := l.db.Exec(`
		DELETE FROM decisions WHERE id IN (
			SELECT id FROM decisions ORDER BY id DESC LIMIT -1 OFFSET ?
		)`, l.maxRows); err != nil {
		return fmt.Errorf("rotate decision log: %w", err)
	}
	return nil
}

// Record implements scheduler.DecisionLog, adapting a types.SchedulingResult
// into the row shape this log persists. ctx is accepted for interface
// compatibility; sql.DB serializes writes internally via the single
// connection this Log holds.
func (l *Log) Record(ctx context.Context, result types.SchedulingResult) error {
	outcome := "scheduled"
	if !result.Success {
		outcome = "failed"
	}
	return l.Append(Decision{
		AgentID:         result.AgentID,
		NodeID:          result.NodeID,
		Outcome:         outcome,
		AffinityScore:   result.AffinityScore,
		PreemptedAgents: result.PreemptedAgents,
		ErrorCode:       result.ErrorCode,
		CreatedAt:       result.Timestamp,
	})
}

// RecentForAgent returns the most recent decisions for agentID, newest
// first, capped at limit rows.
func (l *Log) RecentForAgent(agentID string, limit int) ([]Decision, error) {
	rows, err := l.db.Query(`
		SELECT id, agent_id, node_id, outcome, affinity_score, preempted_agents, error_code, created_at
		FROM decisions WHERE agent_id = ? ORDER BY id DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("query decisions for agent: %w", err)
	}
	defer rows.Close()
	return scanDecisions(rows)
}

// Recent returns the most recent decisions across all agents, newest first.
func (l *Log) Recent(limit int) ([]Decision, error) {
	rows, err := l.db.Query(`
		SELECT id, agent_id, node_id, outcome, affinity_score, preempted_agents, error_code, created_at
		FROM decisions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent decisions: %w", err)
	}
	defer rows.Close()
	return scanDecisions(rows)
}

func scanDecisions(rows *sql.Rows) ([]Decision, error) {
	var out []Decision
	for rows.Next() {
		var d Decision
		var nodeID, errCode sql.NullString
		var preempted string
		if err := rows.Scan(&d.ID, &d.AgentID, &nodeID, &d.Outcome, &d.AffinityScore, &preempted, &errCode, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.NodeID = nodeID.String
		d.ErrorCode = errCode.String
		if err := json.Unmarshal([]byte(preempted), &d.PreemptedAgents); err != nil {
			return nil, fmt.Errorf("unmarshal preempted agents: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
