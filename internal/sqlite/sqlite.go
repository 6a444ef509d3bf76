// Package sqlite opens the single-file SQLite store used when STORE_BACKEND=sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // SQLite driver registration
)

const defaultBusyTimeout = 5000

// schemaStatements are applied in order; all are idempotent.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS source_messages (
		chat_id        INTEGER NOT NULL,
		source_id      INTEGER NOT NULL,
		date_ms        INTEGER NOT NULL,
		text           TEXT    NOT NULL DEFAULT '',
		media          TEXT    NOT NULL DEFAULT '[]',
		media_group_id TEXT    NOT NULL DEFAULT '',
		message_ids    TEXT    NOT NULL DEFAULT '[]',
		created_ms     INTEGER NOT NULL,
		PRIMARY KEY (chat_id, source_id)
	)`,

	`CREATE TABLE IF NOT EXISTS forward_records (
		chat_id             INTEGER NOT NULL,
		source_id           INTEGER NOT NULL,
		destination_post_id TEXT    NOT NULL DEFAULT '',
		status              TEXT    NOT NULL,
		attempts            INTEGER NOT NULL DEFAULT 0,
		last_error          TEXT    NOT NULL DEFAULT '',
		lease_owner         TEXT    NOT NULL DEFAULT '',
		lease_until_ms      INTEGER NOT NULL DEFAULT 0,
		forwarded_ms        INTEGER NOT NULL DEFAULT 0,
		created_ms          INTEGER NOT NULL,
		updated_ms          INTEGER NOT NULL,
		PRIMARY KEY (chat_id, source_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_forward_records_status ON forward_records(status, source_id)`,

	`CREATE TABLE IF NOT EXISTS cursors (
		chat_id    INTEGER PRIMARY KEY,
		source_id  INTEGER NOT NULL,
		updated_ms INTEGER NOT NULL
	)`,
}

// Open opens (and creates if needed) the database at path. The returned DB
// uses WAL mode, a 5 s busy timeout and a single connection, so writes are
// serialised by the pool.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("sqlite: create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	ctx := context.Background()

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: enable WAL: %w", err)
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: migrate: %w", err)
		}
	}
	return nil
}
