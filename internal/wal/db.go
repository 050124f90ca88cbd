// Package wal implements the CLI-local write-ahead log: a durable, queryable,
// append-only event store per session with consolidation and compaction.
package wal

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schemaVersion = "001_initial"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	revision INTEGER NOT NULL DEFAULT 1,
	machine_id TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	backend_id TEXT NOT NULL DEFAULT '',
	cwd TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT 'idle',
	last_seq INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS session_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	revision INTEGER NOT NULL,
	seq INTEGER NOT NULL,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL,
	acked_at INTEGER,
	created_at INTEGER NOT NULL,
	UNIQUE(session_id, revision, seq)
);

CREATE INDEX IF NOT EXISTS idx_session_events_range
	ON session_events(session_id, revision, seq);

CREATE TABLE IF NOT EXISTS compaction_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	revision INTEGER NOT NULL,
	operation TEXT NOT NULL,
	events_affected INTEGER NOT NULL,
	started_at INTEGER NOT NULL,
	completed_at INTEGER NOT NULL
);
`

// DB wraps the sqlite connection backing the WAL. Single-writer by
// construction: one CLI process per local database file.
type DB struct {
	*sql.DB
}

// Open opens the sqlite database at path and applies migrations. Use
// "file::memory:?cache=shared" style paths for tests.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DB{db}, nil
}

func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var count int
	err = db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", schemaVersion).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to check migration status: %w", err)
	}
	if count > 0 {
		return nil
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	if _, err := db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
