package history

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration is one versioned schema change.
type Migration struct {
	Version     int
	Description string
	Up          string
}

// migrations contains all schema migrations in order.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Findings and tier events",
		Up: `
CREATE TABLE IF NOT EXISTS findings (
    row_id       INTEGER PRIMARY KEY AUTOINCREMENT,
    finding_id   TEXT NOT NULL,
    agent        TEXT NOT NULL,
    file_path    TEXT NOT NULL,
    severity     TEXT NOT NULL,
    tier         TEXT NOT NULL,
    score        REAL,
    blocking     INTEGER NOT NULL DEFAULT 0,
    message      TEXT,
    payload      TEXT NOT NULL,
    recorded_ns  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_findings_recorded ON findings(recorded_ns);
CREATE INDEX IF NOT EXISTS idx_findings_file ON findings(file_path, recorded_ns);

CREATE TABLE IF NOT EXISTS tier_events (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    kind         TEXT NOT NULL,
    tier         TEXT NOT NULL,
    removed      INTEGER NOT NULL,
    remaining    INTEGER NOT NULL,
    recorded_ns  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tier_events_recorded ON tier_events(recorded_ns);
`,
	},
	{
		Version:     2,
		Description: "Lock conflicts",
		Up: `
CREATE TABLE IF NOT EXISTS lock_conflicts (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    file_path    TEXT NOT NULL,
    agents       TEXT NOT NULL,
    first_ns     INTEGER NOT NULL,
    last_ns      INTEGER NOT NULL,
    recorded_ns  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_lock_conflicts_recorded ON lock_conflicts(recorded_ns);
`,
	},
}

// MigrateDB applies all pending migrations, each in its own transaction.
func MigrateDB(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	current, err := SchemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the highest applied migration.
func SchemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("get current version: %w", err)
	}
	return v, nil
}

// LatestVersion is the version MigrateDB brings a database to.
func LatestVersion() int {
	return migrations[len(migrations)-1].Version
}
