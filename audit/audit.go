// Package audit appends and reads the immutable transition history of loan
// applications.
package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"loanflow/apperr"
	"loanflow/auth"
	"loanflow/db"
)

var errMissingField = errors.New("application, actor and status are required")

// Entry is one recorded transition. Status is the status the application
// moved into.
type Entry struct {
	ID            int64
	ApplicationID string
	ActorID       string
	ActorRole     auth.Role
	Status        string
	Comment       string
	CreatedAt     time.Time
}

// Trail writes into application_histories. A database trigger rejects any
// UPDATE or DELETE on that table.
type Trail struct {
	reader db.Querier
}

// NewTrail builds a trail reading through q (normally the pool).
func NewTrail(q db.Querier) *Trail {
	return &Trail{reader: q}
}

// Record appends e inside tx. Failure aborts the caller's transaction.
func (t *Trail) Record(ctx context.Context, tx pgx.Tx, e Entry) (Entry, error) {
	if e.ApplicationID == "" || e.ActorID == "" || e.Status == "" {
		return Entry{}, apperr.Storage("audit: record", errMissingField)
	}
	const insertSQL = `
		INSERT INTO application_histories (application_id, actor_id, actor_role, status, comment)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`
	err := tx.QueryRow(ctx, insertSQL, e.ApplicationID, e.ActorID, string(e.ActorRole), e.Status, strings.TrimSpace(e.Comment)).
		Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return Entry{}, apperr.FromPg("audit: insert history", err)
	}
	return e, nil
}

// List returns the application's history newest first.
func (t *Trail) List(ctx context.Context, applicationID string) ([]Entry, error) {
	const query = `
		SELECT id, application_id, actor_id, actor_role, status, comment, created_at
		FROM application_histories
		WHERE application_id = $1
		ORDER BY created_at DESC, id DESC`
	rows, err := t.reader.Query(ctx, query, applicationID)
	if err != nil {
		return nil, apperr.Storage("audit: list", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var role string
		if err := rows.Scan(&e.ID, &e.ApplicationID, &e.ActorID, &role, &e.Status, &e.Comment, &e.CreatedAt); err != nil {
			return nil, apperr.Storage("audit: scan", err)
		}
		e.ActorRole = auth.Role(role)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("audit: iterate", err)
	}
	return out, nil
}
