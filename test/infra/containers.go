package infra

import (
	"context"
	"os"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// PGContainer wraps a throwaway Postgres. A zero value stands for a database
// the harness did not start and must not stop.
type PGContainer struct {
	C *postgres.PostgresContainer
}

// StartPostgres16 starts a Postgres 16 container and returns its DSN. If
// overrideDSN or STRESS_TEST_PG_DSN is set, that database is reused instead.
func StartPostgres16(ctx context.Context, overrideDSN string) (*PGContainer, string, error) {
	if overrideDSN != "" {
		return &PGContainer{}, overrideDSN, nil
	}
	if dsn := os.Getenv("STRESS_TEST_PG_DSN"); dsn != "" {
		return &PGContainer{}, dsn, nil
	}

	pgC, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("loanflow"),
		postgres.WithUsername("loanflow"),
		postgres.WithPassword("loanflow"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, "", err
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", err
	}
	return &PGContainer{C: pgC}, dsn, nil
}

// Shared reports whether the database outlives the test run.
func (p *PGContainer) Shared() bool {
	return p == nil || p.C == nil
}

func (p *PGContainer) Terminate(ctx context.Context) error {
	if p.Shared() {
		return nil
	}
	return p.C.Terminate(ctx)
}
