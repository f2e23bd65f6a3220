package infra

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"loanflow/db"
)

// Prepare migrates dsn and opens a pool on it. When isolate is true the run
// gets its own schema, dropped by the returned teardown, so a shared database
// is left as it was found.
func Prepare(ctx context.Context, dsn string, isolate bool) (*pgxpool.Pool, func(context.Context) error, error) {
	teardown := func(context.Context) error { return nil }

	if isolate {
		schema := fmt.Sprintf("stress_run_%d", time.Now().UnixNano())
		ident := pgx.Identifier{schema}.Sanitize()

		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("connect for schema: %w", err)
		}
		_, err = conn.Exec(ctx, "CREATE SCHEMA "+ident)
		conn.Close(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create schema %s: %w", schema, err)
		}

		scoped, err := withSearchPath(dsn, schema)
		if err != nil {
			return nil, nil, err
		}
		base := dsn
		dsn = scoped
		teardown = func(ctx context.Context) error {
			conn, err := pgx.Connect(ctx, base)
			if err != nil {
				return err
			}
			defer conn.Close(ctx)
			_, err = conn.Exec(ctx, "DROP SCHEMA IF EXISTS "+ident+" CASCADE")
			return err
		}
	}

	if err := db.Migrate(dsn, nil); err != nil {
		_ = teardown(ctx)
		return nil, nil, err
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		_ = teardown(ctx)
		return nil, nil, fmt.Errorf("parse pool config: %w", err)
	}
	cfg.MaxConns = 64
	cfg.MaxConnIdleTime = 30 * time.Second
	cfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		_ = teardown(ctx)
		return nil, nil, fmt.Errorf("connect pool: %w", err)
	}
	return pool, teardown, nil
}

// Reset empties every table the stress actors write, children first.
func Reset(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `TRUNCATE notifications, outbox, application_histories, loan_applications,
		user_plafonds, user_profiles, refresh_tokens, users, plafonds, branches`)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse dsn: %w", err)
	}
	q := u.Query()
	q.Set("search_path", schema+",public")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
