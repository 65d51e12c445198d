package infra

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
)

// Harness owns the lifecycle of a PostgreSQL database used by integration
// tests: either a throwaway container or a shared DSN isolated by schema.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	dsn       string
	schema    string
}

// NewHarness connects to overrideDSN (or DATABASE_URL), falling back to a
// Postgres 16 container, creates a per-run schema and applies the given DDL.
func NewHarness(ctx context.Context, overrideDSN string, ddl ...string) (*Harness, error) {
	if overrideDSN == "" {
		overrideDSN = os.Getenv("DATABASE_URL")
	}

	pgC, dsn, err := StartPostgres16(ctx, overrideDSN)
	if err != nil {
		return nil, fmt.Errorf("start postgres: %w", err)
	}

	h := &Harness{
		container: pgC,
		dsn:       dsn,
		schema:    fmt.Sprintf("it_run_%d", time.Now().UnixNano()),
	}

	if err := h.createSchema(ctx); err != nil {
		h.Close(ctx)
		return nil, err
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		h.Close(ctx)
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}
	cfg.MaxConns = 16
	cfg.MaxConnIdleTime = 30 * time.Second
	setPath := fmt.Sprintf("SET search_path TO %s", pgx.Identifier{h.schema}.Sanitize())
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, setPath)
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		h.Close(ctx)
		return nil, fmt.Errorf("create pool: %w", err)
	}
	h.pool = pool

	for _, stmt := range ddl {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, stmt); err != nil {
			h.Close(ctx)
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}

	return h, nil
}

// Open is the test-facing constructor: it skips the test when neither
// DATABASE_URL nor a healthy container provider is available.
func Open(t *testing.T, ddl ...string) *Harness {
	t.Helper()
	if os.Getenv("DATABASE_URL") == "" {
		testcontainers.SkipIfProviderIsNotHealthy(t)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	h, err := NewHarness(ctx, "", ddl...)
	if err != nil {
		t.Fatalf("integration harness: %v", err)
	}
	t.Cleanup(func() { h.Close(context.Background()) })
	return h
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string of the underlying database.
func (h *Harness) DSN() string {
	return h.dsn
}

// Close drops the per-run schema and tears down resources.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	if conn, err := pgx.Connect(ctx, h.dsn); err == nil {
		_, _ = conn.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", pgx.Identifier{h.schema}.Sanitize()))
		conn.Close(ctx)
	}
	_ = h.container.Terminate(ctx)
}

func (h *Harness) createSchema(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, h.dsn)
	if err != nil {
		return fmt.Errorf("connect for schema: %w", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, fmt.Sprintf("CREATE SCHEMA %s", pgx.Identifier{h.schema}.Sanitize())); err != nil {
		return fmt.Errorf("create schema %s: %w", h.schema, err)
	}
	return nil
}
