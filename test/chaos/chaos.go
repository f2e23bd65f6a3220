// Package chaos injects connection failures while the stress actors run.
package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend kills one backend of the current database roughly
// every fifth tick. Transactions on the killed connection must roll back
// whole, which the oracles then check. It returns the number of kills.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, every time.Duration, stop <-chan struct{}) int64 {
	var kills int64
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return kills
		case <-stop:
			return kills
		case <-ticker.C:
			if rand.Intn(5) != 0 {
				continue
			}
			tag, err := pool.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity
				WHERE datname = current_database() AND pid <> pg_backend_pid() AND backend_type = 'client backend'
				ORDER BY random() LIMIT 1`)
			if err == nil && tag.RowsAffected() > 0 {
				kills++
			}
		}
	}
}
