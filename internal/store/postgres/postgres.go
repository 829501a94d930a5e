package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/gridwarden/internal/store"
)

// DB implements store.Store on PostgreSQL through the pgx stdlib driver.
type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS desired_state(
			key TEXT PRIMARY KEY,
			active BOOLEAN NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS settings(
			name TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) LoadDesiredState(ctx context.Context, key string) (store.DesiredState, error) {
	st := store.DesiredState{Key: key}
	err := p.db.QueryRowContext(ctx,
		`SELECT active, updated_at FROM desired_state WHERE key=$1;`, key).
		Scan(&st.Active, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.DesiredState{Key: key}, nil
	}
	return st, err
}

func (p *DB) SaveDesiredState(ctx context.Context, key string, active bool) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO desired_state(key, active, updated_at) VALUES($1, $2, $3)
		ON CONFLICT(key) DO UPDATE SET active=EXCLUDED.active, updated_at=EXCLUDED.updated_at;`,
		key, active, time.Now().UTC())
	return err
}

func (p *DB) ListDesiredStates(ctx context.Context) ([]store.DesiredState, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT key, active, updated_at FROM desired_state ORDER BY key;`)
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

func (p *DB) LoadSetting(ctx context.Context, name string) (string, error) {
	var v string
	err := p.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE name=$1;`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	return v, err
}

func (p *DB) SaveSetting(ctx context.Context, name, value string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO settings(name, value, updated_at) VALUES($1, $2, $3)
		ON CONFLICT(name) DO UPDATE SET value=EXCLUDED.value, updated_at=EXCLUDED.updated_at;`,
		name, value, time.Now().UTC())
	return err
}
