package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"loanflow/apperr"
)

// Notifier queues a message for a customer inside the caller's transaction.
// Delivery happens after commit, so a failing sink never undoes a transition.
type Notifier interface {
	Notify(ctx context.Context, tx pgx.Tx, customerID, title, body string) error
}

// OutboxNotifier writes notifications to the outbox table.
type OutboxNotifier struct {
	now   func() time.Time
	newID func() string
}

func NewOutboxNotifier() *OutboxNotifier {
	return &OutboxNotifier{now: time.Now, newID: uuid.NewString}
}

// Notify implements Notifier.
func (o *OutboxNotifier) Notify(ctx context.Context, tx pgx.Tx, customerID, title, body string) error {
	if customerID == "" || strings.TrimSpace(title) == "" {
		return apperr.Storage("notify: enqueue", errors.New("customer and title are required"))
	}
	msg := Message{
		ID:         o.newID(),
		CustomerID: customerID,
		Title:      title,
		Body:       body,
		CreatedAt:  o.now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notify: marshal outbox payload: %w", err)
	}

	const insertSQL = `
INSERT INTO outbox (id, topic, payload)
VALUES ($1, $2, $3);
`
	if _, err := tx.Exec(ctx, insertSQL, msg.ID, TopicCustomer, payload); err != nil {
		return apperr.FromPg("notify: insert outbox message", err)
	}
	return nil
}

// Queue claims and settles outbox rows.
type Queue interface {
	Claim(ctx context.Context, tx pgx.Tx, limit int) ([]Record, error)
	MarkProcessed(ctx context.Context, tx pgx.Tx, id string) error
	MarkFailed(ctx context.Context, tx pgx.Tx, id, reason string, dead bool, retryAt time.Time) error
}

// PGQueue is the PostgreSQL outbox queue.
type PGQueue struct{}

func NewQueue() *PGQueue {
	return &PGQueue{}
}

// Claim locks up to limit pending rows that are due, skipping rows another
// relay holds.
func (q *PGQueue) Claim(ctx context.Context, tx pgx.Tx, limit int) ([]Record, error) {
	const query = `
SELECT id, topic, payload, attempts
FROM outbox
WHERE status = 'pending' AND next_attempt_at <= now()
ORDER BY next_attempt_at, created_at
LIMIT $1
FOR UPDATE SKIP LOCKED;
`
	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("notify: claim outbox: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Topic, &r.Payload, &r.Attempts); err != nil {
			return nil, fmt.Errorf("notify: scan outbox: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (q *PGQueue) MarkProcessed(ctx context.Context, tx pgx.Tx, id string) error {
	_, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', attempts = attempts + 1, last_attempt = now(), last_error = NULL WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("notify: mark processed: %w", err)
	}
	return nil
}

// MarkFailed records a failed attempt. A row that is not dead becomes due
// again at retryAt.
func (q *PGQueue) MarkFailed(ctx context.Context, tx pgx.Tx, id, reason string, dead bool, retryAt time.Time) error {
	status := "pending"
	if dead {
		status = "dead"
	}
	_, err := tx.Exec(ctx, `
UPDATE outbox
SET status = $2, attempts = attempts + 1, last_attempt = now(), last_error = $3, next_attempt_at = $4
WHERE id = $1`, id, status, reason, retryAt)
	if err != nil {
		return fmt.Errorf("notify: mark failed: %w", err)
	}
	return nil
}
