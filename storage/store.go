// Package storage persists paired devices and clipboard history in SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDBFileName is the SQLite filename under the app data dir.
const DefaultDBFileName = "clipsync.db"

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS devices (
  device_id           TEXT PRIMARY KEY,
  device_name         TEXT NOT NULL,
  platform            TEXT NOT NULL DEFAULT '',
  sync_enabled        INTEGER NOT NULL DEFAULT 1,
  relay_override      TEXT NOT NULL DEFAULT '',
  paired_timestamp    INTEGER NOT NULL,
  last_seen_timestamp INTEGER
);
`,
	`
CREATE TABLE IF NOT EXISTS clipboard_history (
  id                 TEXT PRIMARY KEY,
  content_type       TEXT NOT NULL,
  content_hash       TEXT NOT NULL,
  sealed_payload     BLOB NOT NULL,
  origin_device_id   TEXT NOT NULL,
  logical_timestamp  INTEGER NOT NULL,
  created_at         INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_history_logical_time
ON clipboard_history (logical_timestamp DESC, origin_device_id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_history_created_at
ON clipboard_history (created_at);
`,
}

// Store is a thin wrapper around a SQLite connection.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database under the given data directory and
// runs migrations.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return OpenPath(filepath.Join(dataDir, DefaultDBFileName))
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{db: db}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}
