// Package history keeps a SQLite ledger of what passed through the
// daemon: every accepted finding, every trim and clear of a tier, and every
// lock conflict. The ledger is append-only and is never read back into the
// context store.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"agentd/internal/contextstore"
	"agentd/internal/findings"
	"agentd/internal/lock"
)

// Kind identifies the type of a ledger entry.
type Kind string

const (
	KindFinding  Kind = "finding"
	KindTrim     Kind = "trim"
	KindClear    Kind = "clear"
	KindConflict Kind = "conflict"
)

// Entry is one row of the combined ledger view.
type Entry struct {
	Kind   Kind      `json:"kind"`
	At     time.Time `json:"at"`
	Tier   string    `json:"tier,omitempty"`
	Agent  string    `json:"agent,omitempty"`
	Path   string    `json:"path,omitempty"`
	Detail string    `json:"detail,omitempty"`
	Count  int       `json:"count,omitempty"`
}

// Stats counts ledger rows by kind.
type Stats struct {
	Findings  int64 `json:"findings"`
	Trims     int64 `json:"trims"`
	Clears    int64 `json:"clears"`
	Conflicts int64 `json:"conflicts"`
}

// Ledger is the SQLite history store.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
	clock  func() time.Time
}

// Open opens or creates the ledger at path and applies migrations.
func Open(path string, logger *slog.Logger) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, err
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Ledger{db: db, logger: logger, clock: time.Now}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

// Ping checks the database is reachable.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// RecordFinding stores a finding accepted into tier.
func (l *Ledger) RecordFinding(ctx context.Context, f findings.Finding, tier findings.Tier) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode finding: %w", err)
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO findings (finding_id, agent, file_path, severity, tier, score, blocking, message, payload, recorded_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Agent, f.File, string(f.Severity), string(tier), f.RelevanceScore, f.Blocking, f.Message,
		string(payload), l.clock().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert finding: %w", err)
	}
	return nil
}

// RecordTierEvent stores a trim or clear.
func (l *Ledger) RecordTierEvent(ctx context.Context, ev contextstore.TierEvent) error {
	at := ev.At
	if at.IsZero() {
		at = l.clock()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO tier_events (kind, tier, removed, remaining, recorded_ns)
		VALUES (?, ?, ?, ?, ?)`,
		string(ev.Kind), string(ev.Tier), ev.Removed, ev.Remaining, at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert tier event: %w", err)
	}
	return nil
}

// RecordConflict stores a detected lock conflict.
func (l *Ledger) RecordConflict(ctx context.Context, c lock.Conflict) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO lock_conflicts (file_path, agents, first_ns, last_ns, recorded_ns)
		VALUES (?, ?, ?, ?, ?)`,
		c.Path, strings.Join(c.Agents, ","), c.First.UnixNano(), c.Last.UnixNano(), l.clock().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert lock conflict: %w", err)
	}
	return nil
}

// OnConflict implements lock.Observer.
func (l *Ledger) OnConflict(c lock.Conflict) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.RecordConflict(ctx, c); err != nil {
		l.logger.Warn("record lock conflict", "path", c.Path, "error", err)
	}
}

// Recent returns the newest limit entries of every kind, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT 'finding', recorded_ns, tier, agent, file_path, severity || ': ' || COALESCE(message, ''), 1
		  FROM findings
		UNION ALL
		SELECT kind, recorded_ns, tier, '', '', '', removed
		  FROM tier_events
		UNION ALL
		SELECT 'conflict', recorded_ns, '', agents, file_path, '', 0
		  FROM lock_conflicts
		ORDER BY 2 DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var kind string
		var ns int64
		if err := rows.Scan(&kind, &ns, &e.Tier, &e.Agent, &e.Path, &e.Detail, &e.Count); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.Kind = Kind(kind)
		e.At = time.Unix(0, ns)
		out = append(out, e)
	}
	return out, rows.Err()
}

// FindingsForFile returns the findings recorded against path, newest first.
func (l *Ledger) FindingsForFile(ctx context.Context, path string, limit int) ([]findings.Finding, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT payload FROM findings
		 WHERE file_path = ?
		 ORDER BY recorded_ns DESC, row_id DESC
		 LIMIT ?`, path, limit)
	if err != nil {
		return nil, fmt.Errorf("query findings: %w", err)
	}
	defer rows.Close()

	var out []findings.Finding
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		var f findings.Finding
		if err := json.Unmarshal([]byte(payload), &f); err != nil {
			return nil, fmt.Errorf("decode finding: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Stats counts ledger rows.
func (l *Ledger) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := l.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM findings),
			(SELECT COUNT(*) FROM tier_events WHERE kind = 'trim'),
			(SELECT COUNT(*) FROM tier_events WHERE kind = 'clear'),
			(SELECT COUNT(*) FROM lock_conflicts)`).
		Scan(&s.Findings, &s.Trims, &s.Clears, &s.Conflicts)
	if err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	return s, nil
}

var (
	_ contextstore.Recorder = (*Ledger)(nil)
	_ lock.Observer         = (*Ledger)(nil)
)
