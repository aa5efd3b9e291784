// Package sqlite persists session state in SQLite for deployments
// that want session records to survive a process restart. TTL is an
// expires_at column: expired rows read as absent and are reaped by a
// background sweep.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/itinera/itinera/internal/session"
	"github.com/itinera/itinera/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON sessions(expires_at);
`

// Store is a SQLite-backed session store.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and ensures the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer at a time keeps merge transactions serialized without
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Create(ctx context.Context, state *session.State, ttl time.Duration) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", state.ID, err)
	}
	now := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create session %s: %w", state.ID, err)
	}
	defer func() { _ = tx.Rollback() }()

	var live int
	row := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE id = ? AND expires_at > ?`, state.ID, now.Unix())
	if err := row.Scan(&live); err != nil {
		return fmt.Errorf("create session %s: %w", state.ID, err)
	}
	if live > 0 {
		return store.ErrDuplicateSession
	}
	// An expired row under the same id is dead weight; replace it.
	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions (id, state, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		state.ID, string(data), now.Unix(), now.Add(ttl).Unix())
	if err != nil {
		return fmt.Errorf("create session %s: %w", state.ID, err)
	}
	return tx.Commit()
}

func (s *Store) Get(ctx context.Context, id string) (*session.State, error) {
	var data string
	row := s.db.QueryRowContext(ctx,
		`SELECT state FROM sessions WHERE id = ? AND expires_at > ?`, id, time.Now().Unix())
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	var state session.State
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", id, err)
	}
	return &state, nil
}

func (s *Store) Merge(ctx context.Context, id string, fn store.MergeFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin merge %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	var data string
	row := tx.QueryRowContext(ctx,
		`SELECT state FROM sessions WHERE id = ? AND expires_at > ?`, id, time.Now().Unix())
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrSessionNotFound
		}
		return fmt.Errorf("read session %s: %w", id, err)
	}
	var state session.State
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return fmt.Errorf("unmarshal session %s: %w", id, err)
	}
	if err := fn(&state); err != nil {
		return err
	}
	updated, err := json.Marshal(&state)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET state = ? WHERE id = ?`, string(updated), id); err != nil {
		return fmt.Errorf("write session %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

func (s *Store) Touch(ctx context.Context, id string, ttl time.Duration) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET expires_at = ? WHERE id = ? AND expires_at > ?`,
		now.Add(ttl).Unix(), id, now.Unix())
	if err != nil {
		return fmt.Errorf("touch session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch session %s: %w", id, err)
	}
	if n == 0 {
		return store.ErrSessionNotFound
	}
	return nil
}

// Sweep deletes expired rows and returns how many were reaped.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
