// Package sqlite implements relay.StateStore backed by a local SQLite
// database. Snapshots are small and infrequent relative to message
// traffic, so every write replaces the whole descriptor sequence in one
// transaction.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"rosrelay/relay"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

// Open creates or opens the state database at path, creating parent
// directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set state db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set state db busy timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS relay_descriptors (
	position INTEGER NOT NULL,
	topic TEXT NOT NULL,
	msg_type TEXT NOT NULL,
	relay_mode INTEGER NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (position)
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize relay state schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Write implements relay.StateStore: it replaces the stored sequence.
func (s *Store) Write(descriptors []relay.Descriptor) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin state write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM relay_descriptors`); err != nil {
		return fmt.Errorf("clear relay state: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for i, d := range descriptors {
		if _, err := tx.Exec(
			`INSERT INTO relay_descriptors (position, topic, msg_type, relay_mode, updated_at)
			 VALUES (?, ?, ?, ?, ?)`,
			i, d.Topic, d.MsgType, int(d.Mode), now,
		); err != nil {
			return fmt.Errorf("write relay descriptor %q: %w", d.Topic, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit state write: %w", err)
	}
	return nil
}

// Read implements relay.StateStore. ok is false when no snapshot has
// ever been written: an empty table is indistinguishable from a first
// run, which is harmless: both restore nothing.
func (s *Store) Read() ([]relay.Descriptor, bool, error) {
	rows, err := s.db.Query(
		`SELECT topic, msg_type, relay_mode FROM relay_descriptors ORDER BY position`)
	if err != nil {
		return nil, false, fmt.Errorf("read relay state: %w", err)
	}
	defer rows.Close()

	var out []relay.Descriptor
	for rows.Next() {
		var d relay.Descriptor
		var mode int
		if err := rows.Scan(&d.Topic, &d.MsgType, &mode); err != nil {
			return nil, false, fmt.Errorf("scan relay descriptor row: %w", err)
		}
		d.Mode = relay.Mode(mode)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate relay descriptor rows: %w", err)
	}
	if len(out) == 0 {
		return nil, false, nil
	}
	return out, true, nil
}
