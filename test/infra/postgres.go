package infra

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"billswap/migrations"
)

// ApplicationName tags every harness connection so chaos only targets them.
const ApplicationName = "billswap-test"

// Harness owns a migrated Postgres schema and the pool bound to it.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	dsn       string
	schema    string
}

// NewHarness reuses dsn, STRESS_TEST_PG_DSN or DATABASE_URL when one is set
// and otherwise boots a container. Shared databases get a private schema that
// Close drops again.
func NewHarness(ctx context.Context, dsn string) (*Harness, error) {
	if dsn == "" {
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
	}
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}

	h := &Harness{dsn: dsn}
	if dsn == "" {
		c, containerDSN, err := StartPostgres16(ctx)
		if err != nil {
			return nil, fmt.Errorf("start postgres container: %w", err)
		}
		h.container, h.dsn = c, containerDSN
	} else {
		h.schema = fmt.Sprintf("billswap_run_%d", time.Now().UnixNano())
		if err := h.createSchema(ctx); err != nil {
			return nil, err
		}
	}

	cfg, err := pgxpool.ParseConfig(h.dsn)
	if err != nil {
		h.Close(ctx)
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}
	cfg.MaxConns = 64
	cfg.MaxConnIdleTime = 30 * time.Second
	cfg.MaxConnLifetime = 5 * time.Minute
	cfg.ConnConfig.RuntimeParams["application_name"] = ApplicationName
	if h.schema != "" {
		setPath := "SET search_path TO " + pgx.Identifier{h.schema}.Sanitize()
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, setPath)
			return err
		}
	}

	h.pool, err = pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		h.Close(ctx)
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if _, err := migrations.Apply(ctx, h.pool); err != nil {
		h.Close(ctx)
		return nil, err
	}
	return h, nil
}

func (h *Harness) createSchema(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, h.dsn)
	if err != nil {
		return fmt.Errorf("connect for schema: %w", err)
	}
	defer conn.Close(ctx)
	if _, err := conn.Exec(ctx, "CREATE SCHEMA "+pgx.Identifier{h.schema}.Sanitize()); err != nil {
		return fmt.Errorf("create schema %s: %w", h.schema, err)
	}
	return nil
}

func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

func (h *Harness) DSN() string {
	return h.dsn
}

// Close tears down the pool and whichever of schema or container it created.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	if h.schema != "" {
		if conn, err := pgx.Connect(ctx, h.dsn); err == nil {
			_, _ = conn.Exec(ctx, "DROP SCHEMA IF EXISTS "+pgx.Identifier{h.schema}.Sanitize()+" CASCADE")
			conn.Close(ctx)
		}
	}
	_ = h.container.Terminate(ctx)
}

// Reset truncates every mutable table between scenarios.
func (h *Harness) Reset(ctx context.Context) error {
	const tables = `events, outbox, idempotency, sanctions, deal_terms, listing_claims, swaps, listings, trust_ledger`
	if _, err := h.pool.Exec(ctx, "TRUNCATE TABLE "+tables+" CASCADE"); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}
