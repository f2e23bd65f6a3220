// Package oracles holds SQL invariants over the loan schema. Each query
// returns the offending rows; an empty result means the invariant holds.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			// Every non-rejected application holds its amount against the grant.
			Name: "O1_balance_matches_applications",
			SQL: `SELECT g.id, g.max_amount, g.remaining_amount, COALESCE(SUM(a.amount), 0) AS held
                  FROM user_plafonds g
                  LEFT JOIN loan_applications a
                    ON a.customer_id = g.customer_id AND a.status <> 'REJECTED'
                  WHERE g.active
                  GROUP BY g.id, g.max_amount, g.remaining_amount
                  HAVING g.remaining_amount <> g.max_amount - COALESCE(SUM(a.amount), 0)`,
		},
		{
			Name: "O2_balance_within_bounds",
			SQL: `SELECT id, remaining_amount, max_amount FROM user_plafonds
                  WHERE remaining_amount < 0 OR remaining_amount > max_amount`,
		},
		{
			Name: "O3_single_active_grant",
			SQL: `SELECT customer_id, COUNT(*) FROM user_plafonds
                  WHERE active GROUP BY customer_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_single_outstanding_application",
			SQL: `SELECT customer_id, COUNT(*) FROM loan_applications
                  WHERE status NOT IN ('DISBURSED','REJECTED')
                  GROUP BY customer_id HAVING COUNT(*) > 1`,
		},
		{
			// History length and last entry follow from the status.
			Name: "O5_history_matches_status",
			SQL: `WITH h AS (
                      SELECT application_id, COUNT(*) AS n,
                             (array_agg(status ORDER BY created_at DESC, id DESC))[1] AS last
                      FROM application_histories GROUP BY application_id)
                  SELECT a.id, a.status, h.n, h.last
                  FROM loan_applications a
                  LEFT JOIN h ON h.application_id = a.id
                  WHERE h.last IS DISTINCT FROM a.status
                     OR (a.status = 'PENDING_REVIEW' AND h.n <> 1)
                     OR (a.status = 'WAITING_APPROVAL' AND h.n <> 2)
                     OR (a.status = 'WAITING_DISBURSEMENT' AND h.n <> 3)
                     OR (a.status = 'DISBURSED' AND h.n <> 4)
                     OR (a.status = 'REJECTED' AND h.n NOT BETWEEN 2 AND 4)`,
		},
		{
			// One customer notification is queued per recorded transition.
			Name: "O6_outbox_per_transition",
			SQL: `SELECT o.n AS outbox, h.n AS histories
                  FROM (SELECT COUNT(*) AS n FROM outbox) o, (SELECT COUNT(*) AS n FROM application_histories) h
                  WHERE o.n <> h.n`,
		},
		{
			// A processed outbox row reached the inbox exactly once.
			Name: "O7_processed_outbox_delivered",
			SQL: `SELECT o.id FROM outbox o
                  LEFT JOIN notifications n ON n.source_id = o.id
                  WHERE o.status = 'processed' AND n.id IS NULL`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
