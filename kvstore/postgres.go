package kvstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgxpool.Pool used by Postgres.
type Querier interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Schema creates the table backing Postgres.
const Schema = `
CREATE TABLE IF NOT EXISTS viewer_state (
    namespace  TEXT        NOT NULL,
    key        TEXT        NOT NULL,
    value      TEXT        NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (namespace, key)
)
`

// Postgres is a Backend stored in the viewer_state table.
type Postgres struct {
	pool Querier
}

// NewPostgres wires a Postgres backend. Call EnsureSchema before first use
// unless migrations already created the table.
func NewPostgres(pool Querier) *Postgres {
	return &Postgres{pool: pool}
}

// EnsureSchema creates the backing table when missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("kvstore: ensure schema: %w", err)
	}
	return nil
}

func (p *Postgres) Namespace(name string) Store {
	return &pgStore{pool: p.pool, ns: name}
}

func (p *Postgres) Namespaces(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT DISTINCT namespace FROM viewer_state ORDER BY namespace`)
	if err != nil {
		return nil, fmt.Errorf("kvstore: list namespaces: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0, 16)
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, fmt.Errorf("kvstore: scan namespace: %w", err)
		}
		out = append(out, ns)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("kvstore: iterate namespaces: %w", err)
	}
	return out, nil
}

// Close is a no-op; the pool is owned by the caller.
func (p *Postgres) Close() error { return nil }

type pgStore struct {
	pool Querier
	ns   string
}

func (s *pgStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM viewer_state WHERE namespace = $1 AND key = $2`, s.ns, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("kvstore: pg get: %w", err)
	}
	return value, true, nil
}

func (s *pgStore) Set(ctx context.Context, key, value string) error {
	const upsert = `
		INSERT INTO viewer_state (namespace, key, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (namespace, key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`
	if _, err := s.pool.Exec(ctx, upsert, s.ns, key, value); err != nil {
		return fmt.Errorf("kvstore: pg set: %w", err)
	}
	return nil
}

func (s *pgStore) Remove(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM viewer_state WHERE namespace = $1 AND key = $2`, s.ns, key); err != nil {
		return fmt.Errorf("kvstore: pg remove: %w", err)
	}
	return nil
}

func (s *pgStore) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM viewer_state WHERE namespace = $1`, s.ns); err != nil {
		return fmt.Errorf("kvstore: pg clear: %w", err)
	}
	return nil
}

func (s *pgStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	var fnErr error
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// FOR UPDATE alone cannot lock a row that does not exist yet
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1 || '/' || $2, 0))`, s.ns, key); err != nil {
			return err
		}

		var current string
		exists := true
		err := tx.QueryRow(ctx, `SELECT value FROM viewer_state WHERE namespace = $1 AND key = $2 FOR UPDATE`, s.ns, key).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			exists = false
		} else if err != nil {
			return err
		}

		next, keep, err := fn(current, exists)
		if err != nil {
			fnErr = err
			return err
		}
		if !keep {
			_, err := tx.Exec(ctx, `DELETE FROM viewer_state WHERE namespace = $1 AND key = $2`, s.ns, key)
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO viewer_state (namespace, key, value)
			VALUES ($1, $2, $3)
			ON CONFLICT (namespace, key)
			DO UPDATE SET value = EXCLUDED.value, updated_at = now()
		`, s.ns, key, next)
		return err
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return fmt.Errorf("kvstore: pg update: %w", err)
	}
	return nil
}
