// Package store persists charrelay state in SQLite: spawned characters,
// watchdog blocks, and stored actions.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"charrelay/internal/logging"

	_ "modernc.org/sqlite"
)

// LocalStore implements the storage collaborators over a single SQLite
// database.
type LocalStore struct {
	db     *sql.DB
	dbPath string
}

// NewLocalStore opens (or creates) the database at path.
func NewLocalStore(path string) (*LocalStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &LocalStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("opened database at %s", path)
	return s, nil
}

// initialize creates the required tables.
func (s *LocalStore) initialize() error {
	pragmas := `
	PRAGMA journal_mode = WAL;
	PRAGMA busy_timeout = 5000;
	`

	charactersTable := `
	CREATE TABLE IF NOT EXISTS spawned_characters (
		id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL,
		guild_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		webhook_id TEXT NOT NULL,
		webhook_token TEXT NOT NULL DEFAULT '',
		call_prefix TEXT NOT NULL DEFAULT '',
		persona TEXT NOT NULL DEFAULT '',
		message_format TEXT NOT NULL DEFAULT '',
		response_delay_ms INTEGER NOT NULL DEFAULT 0,
		freewill_chance INTEGER NOT NULL DEFAULT 0,
		wide_context INTEGER NOT NULL DEFAULT 0,
		enable_swipes INTEGER NOT NULL DEFAULT 0,
		enable_quotes INTEGER NOT NULL DEFAULT 0,
		enable_stop INTEGER NOT NULL DEFAULT 0,
		last_caller_id TEXT NOT NULL DEFAULT '',
		last_response_id TEXT NOT NULL DEFAULT '',
		messages_sent INTEGER NOT NULL DEFAULT 0,
		integration_kind INTEGER NOT NULL DEFAULT 0,
		integration_model TEXT NOT NULL DEFAULT '',
		integration_state TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_characters_channel ON spawned_characters(channel_id);
	`

	blockedTable := `
	CREATE TABLE IF NOT EXISTS blocked_users (
		user_id TEXT PRIMARY KEY,
		blocked_at DATETIME NOT NULL,
		blocked_until DATETIME NOT NULL
	);
	`

	actionsTable := `
	CREATE TABLE IF NOT EXISTS stored_actions (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '',
		status INTEGER NOT NULL DEFAULT 0,
		attempt INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 10,
		requester_id TEXT NOT NULL DEFAULT '',
		channel_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_actions_status_kind ON stored_actions(status, kind);
	`

	for _, stmt := range []string{pragmas, charactersTable, blockedTable, actionsTable} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *LocalStore) Close() error {
	return s.db.Close()
}
