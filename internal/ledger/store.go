// Package ledger persists a record of every tool invocation made through
// a client. Entries are append-only and indexed by start time, server and
// tool so the history command and summaries stay cheap.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/toolwire/internal/mcp"
)

// timeLayout sorts lexically in start order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Entry is one persisted invocation.
type Entry struct {
	ID        string        `json:"id"`
	Server    string        `json:"server"`
	SessionID string        `json:"session_id,omitempty"`
	Tool      string        `json:"tool"`
	RequestID int64         `json:"request_id"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration_ns"`
	Outcome   string        `json:"outcome"`
	Error     string        `json:"error,omitempty"`
}

// Summary holds aggregated totals for a group of entries.
type Summary struct {
	Calls         int           `json:"calls"`
	Failures      int           `json:"failures"`
	TotalDuration time.Duration `json:"total_duration_ns"`
}

// MeanDuration is the average call duration, or zero for an empty group.
func (s Summary) MeanDuration() time.Duration {
	if s.Calls == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(s.Calls)
}

// Store is an append-only SQLite invocation ledger. It implements
// [mcp.Recorder]. All methods are safe for concurrent use.
type Store struct {
	db    *sql.DB
	owned bool
}

var _ mcp.Recorder = (*Store)(nil)

// Open opens (or creates) the ledger database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewStore wraps an existing database, creating the schema on first use.
// The caller keeps ownership of db.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate ledger schema: %w", err)
	}
	return s, nil
}

// Close closes the database if the store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS invocations (
		id          TEXT PRIMARY KEY,
		server      TEXT NOT NULL,
		session_id  TEXT,
		tool        TEXT NOT NULL,
		request_id  INTEGER NOT NULL,
		started_at  TEXT NOT NULL,
		duration_ns INTEGER NOT NULL,
		outcome     TEXT NOT NULL,
		error       TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_invocations_started ON invocations(started_at);
	CREATE INDEX IF NOT EXISTS idx_invocations_server_tool ON invocations(server, tool);
	`)
	return err
}

// Record persists inv under a fresh UUIDv7. A zero start time is
// stamped with the current time.
func (s *Store) Record(ctx context.Context, inv mcp.Invocation) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate ledger entry ID: %w", err)
	}
	if inv.Started.IsZero() {
		inv.Started = time.Now()
	}
	if inv.Outcome == "" {
		inv.Outcome = mcp.OutcomeOK
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO invocations
			(id, server, session_id, tool, request_id, started_at, duration_ns, outcome, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(),
		inv.Server,
		inv.SessionID,
		inv.Tool,
		inv.RequestID,
		inv.Started.UTC().Format(timeLayout),
		int64(inv.Duration),
		inv.Outcome,
		inv.Error,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// Filter narrows Recent. Empty fields match everything.
type Filter struct {
	Server  string
	Tool    string
	Outcome string
	Since   time.Time
}

// Recent returns up to limit entries matching f, newest first.
func (s *Store) Recent(ctx context.Context, f Filter, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, server, COALESCE(session_id, ''), tool, request_id, started_at, duration_ns, outcome, COALESCE(error, '')
		FROM invocations WHERE 1=1`
	var args []any
	if f.Server != "" {
		query += ` AND server = ?`
		args = append(args, f.Server)
	}
	if f.Tool != "" {
		query += ` AND tool = ?`
		args = append(args, f.Tool)
	}
	if f.Outcome != "" {
		query += ` AND outcome = ?`
		args = append(args, f.Outcome)
	}
	if !f.Since.IsZero() {
		query += ` AND started_at >= ?`
		args = append(args, f.Since.UTC().Format(timeLayout))
	}
	query += ` ORDER BY started_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var started string
		var dur int64
		if err := rows.Scan(&e.ID, &e.Server, &e.SessionID, &e.Tool, &e.RequestID, &started, &dur, &e.Outcome, &e.Error); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Started, err = time.Parse(timeLayout, started)
		if err != nil {
			return nil, fmt.Errorf("parse ledger timestamp %q: %w", started, err)
		}
		e.Duration = time.Duration(dur)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SummaryByTool returns per-tool totals for entries started within
// [start, end). Keys are "server/tool".
func (s *Store) SummaryByTool(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "server || '/' || tool", start, end)
}

// SummaryByOutcome returns per-outcome totals for entries started within
// [start, end).
func (s *Store) SummaryByOutcome(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "outcome", start, end)
}

func (s *Store) summaryGroupedBy(ctx context.Context, expr string, start, end time.Time) (map[string]*Summary, error) {
	// expr comes from the methods above, never from input.
	query := fmt.Sprintf(
		`SELECT %s, COUNT(*), SUM(CASE WHEN outcome = ? THEN 0 ELSE 1 END), COALESCE(SUM(duration_ns), 0)
		 FROM invocations
		 WHERE started_at >= ? AND started_at < ?
		 GROUP BY 1`,
		expr,
	)

	rows, err := s.db.QueryContext(ctx, query,
		mcp.OutcomeOK,
		start.UTC().Format(timeLayout),
		end.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query ledger summary: %w", err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		var total int64
		if err := rows.Scan(&key, &sum.Calls, &sum.Failures, &total); err != nil {
			return nil, fmt.Errorf("scan ledger summary: %w", err)
		}
		sum.TotalDuration = time.Duration(total)
		result[key] = &sum
	}
	return result, rows.Err()
}
