package notify

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"loanflow/apperr"
	"loanflow/auth"
	"loanflow/db"
)

// ErrNotFound is returned for unknown notifications and for notifications
// owned by someone else.
var ErrNotFound = apperr.NotFound("notify: notification not found")

// InboxRepository stores in-app notifications.
type InboxRepository struct {
	pool *pgxpool.Pool
}

func NewInboxRepository(pool *pgxpool.Pool) *InboxRepository {
	return &InboxRepository{pool: pool}
}

// Insert stores m once; replays of the same message are ignored.
func (r *InboxRepository) Insert(ctx context.Context, m Message) error {
	const insertSQL = `
		INSERT INTO notifications (user_id, title, message, source_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT ON CONSTRAINT uq_notifications_source DO NOTHING`
	if _, err := r.pool.Exec(ctx, insertSQL, m.CustomerID, m.Title, m.Body, m.ID, m.CreatedAt); err != nil {
		return apperr.Storage("notify: insert notification", err)
	}
	return nil
}

func (r *InboxRepository) List(ctx context.Context, userID string) ([]Notification, error) {
	const query = `
		SELECT id, user_id, title, message, is_read, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, apperr.Storage("notify: list", err)
	}
	defer rows.Close()

	out := make([]Notification, 0, 8)
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Message, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, apperr.Storage("notify: scan", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("notify: iterate", err)
	}
	return out, nil
}

// MarkRead flags one notification owned by userID.
func (r *InboxRepository) MarkRead(ctx context.Context, userID, id string) error {
	if !db.ValidID(id) {
		return ErrNotFound
	}
	var got string
	err := r.pool.QueryRow(ctx, `UPDATE notifications SET is_read = true WHERE id = $1 AND user_id = $2 RETURNING id`, id, userID).Scan(&got)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return apperr.Storage("notify: mark read", err)
	}
	return nil
}

// MarkAllRead flags every unread notification of userID and returns how many changed.
func (r *InboxRepository) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE notifications SET is_read = true WHERE user_id = $1 AND NOT is_read`, userID)
	if err != nil {
		return 0, apperr.Storage("notify: mark all read", err)
	}
	return tag.RowsAffected(), nil
}

// InboxStore abstracts the inbox repository.
type InboxStore interface {
	Insert(ctx context.Context, m Message) error
	List(ctx context.Context, userID string) ([]Notification, error)
	MarkRead(ctx context.Context, userID, id string) error
	MarkAllRead(ctx context.Context, userID string) (int64, error)
}

// Inbox is the user-facing notification service.
type Inbox struct {
	store InboxStore
}

func NewInbox(store InboxStore) *Inbox {
	return &Inbox{store: store}
}

// List returns the actor's notifications, newest first.
func (i *Inbox) List(ctx context.Context, actor auth.Actor) ([]Notification, error) {
	return i.store.List(ctx, actor.ID)
}

func (i *Inbox) MarkRead(ctx context.Context, actor auth.Actor, id string) error {
	return i.store.MarkRead(ctx, actor.ID, id)
}

func (i *Inbox) MarkAllRead(ctx context.Context, actor auth.Actor) (int64, error) {
	return i.store.MarkAllRead(ctx, actor.ID)
}

// InboxSink lands relayed messages in the in-app inbox.
type InboxSink struct {
	store InboxStore
}

func NewInboxSink(store InboxStore) *InboxSink {
	return &InboxSink{store: store}
}

func (s *InboxSink) Name() string { return "inbox" }

func (s *InboxSink) Deliver(ctx context.Context, m Message) error {
	return s.store.Insert(ctx, m)
}
