package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps checkpoints in a single SQLite database file.
type SQLiteStore struct {
	db     *sql.DB
	closed atomic.Bool
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	name TEXT PRIMARY KEY,
	created_at TEXT NOT NULL,
	state TEXT NOT NULL
);
`

// NewSQLiteStore opens or creates the database at path. ":memory:" keeps
// everything in memory.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Save upserts cp.
func (s *SQLiteStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := validateCheckpoint(cp); err != nil {
		return err
	}
	state, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (name, created_at, state) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET created_at = excluded.created_at, state = excluded.state`,
		cp.Name, cp.CreatedAt.UTC().Format(time.RFC3339Nano), string(state))
	if err != nil {
		return s.wrap("save checkpoint", err)
	}
	return nil
}

// Load reads the checkpoint called name.
func (s *SQLiteStore) Load(ctx context.Context, name string) (*Checkpoint, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	var createdAt, state string
	err := s.db.QueryRowContext(ctx, `SELECT created_at, state FROM checkpoints WHERE name = ?`, name).
		Scan(&createdAt, &state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, s.wrap("load checkpoint", err)
	}

	cp := &Checkpoint{Name: name}
	if cp.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse checkpoint time: %w", err)
	}
	if err := json.Unmarshal([]byte(state), &cp.State); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return cp, nil
}

// Delete removes the checkpoint called name.
func (s *SQLiteStore) Delete(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE name = ?`, name); err != nil {
		return s.wrap("delete checkpoint", err)
	}
	return nil
}

// List returns every checkpoint name, sorted.
func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM checkpoints ORDER BY name`)
	if err != nil {
		return nil, s.wrap("list checkpoints", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("list checkpoints: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) wrap(op string, err error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return fmt.Errorf("%s: %w", op, err)
}
