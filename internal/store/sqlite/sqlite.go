package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/gridwarden/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// The DSN is a filesystem path; ":memory:" keeps everything in memory.
type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// one connection keeps ":memory:" databases shared and writes serialized
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS desired_state(
			key TEXT PRIMARY KEY,
			active BOOLEAN NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS settings(
			name TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) LoadDesiredState(ctx context.Context, key string) (store.DesiredState, error) {
	st := store.DesiredState{Key: key}
	err := s.db.QueryRowContext(ctx,
		`SELECT active, updated_at FROM desired_state WHERE key=?;`, key).
		Scan(&st.Active, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.DesiredState{Key: key}, nil
	}
	return st, err
}

func (s *DB) SaveDesiredState(ctx context.Context, key string, active bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO desired_state(key, active, updated_at) VALUES(?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET active=excluded.active, updated_at=excluded.updated_at;`,
		key, active, time.Now().UTC())
	return err
}

func (s *DB) ListDesiredStates(ctx context.Context) ([]store.DesiredState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, active, updated_at FROM desired_state ORDER BY key;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []store.DesiredState
	for rows.Next() {
		var st store.DesiredState
		if err := rows.Scan(&st.Key, &st.Active, &st.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *DB) LoadSetting(ctx context.Context, name string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE name=?;`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	return v, err
}

func (s *DB) SaveSetting(ctx context.Context, name, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings(name, value, updated_at) VALUES(?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at;`,
		name, value, time.Now().UTC())
	return err
}
