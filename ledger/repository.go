package ledger

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"loanflow/apperr"
	"loanflow/db"
)

const grantColumns = `
	g.id, g.customer_id, g.plafond_id, p.name, g.max_amount, g.remaining_amount,
	g.active, g.version, g.assigned_at, g.updated_at`

// Repository runs ledger SQL against whatever Querier the caller supplies.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// LockActive loads the customer's active grant and holds its row lock until
// the transaction ends.
func (r *Repository) LockActive(ctx context.Context, q db.Querier, customerID string) (Grant, error) {
	if !db.ValidID(customerID) {
		return Grant{}, ErrNoActiveGrant
	}
	query := `SELECT ` + grantColumns + `
		FROM user_plafonds g JOIN plafonds p ON p.id = g.plafond_id
		WHERE g.customer_id = $1 AND g.active
		FOR UPDATE OF g`
	g, err := scanGrant(q.QueryRow(ctx, query, customerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Grant{}, ErrNoActiveGrant
		}
		return Grant{}, apperr.FromPg("ledger: lock active grant", err)
	}
	return g, nil
}

// Active reads the active grant without locking.
func (r *Repository) Active(ctx context.Context, q db.Querier, customerID string) (Grant, error) {
	if !db.ValidID(customerID) {
		return Grant{}, apperr.NotFound("ledger: customer %s has no active credit grant", customerID)
	}
	query := `SELECT ` + grantColumns + `
		FROM user_plafonds g JOIN plafonds p ON p.id = g.plafond_id
		WHERE g.customer_id = $1 AND g.active`
	g, err := scanGrant(q.QueryRow(ctx, query, customerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Grant{}, apperr.NotFound("ledger: customer %s has no active credit grant", customerID)
		}
		return Grant{}, apperr.Storage("ledger: active grant", err)
	}
	return g, nil
}

// History lists every grant the customer ever held, newest first.
func (r *Repository) History(ctx context.Context, q db.Querier, customerID string) ([]Grant, error) {
	if !db.ValidID(customerID) {
		return nil, nil
	}
	query := `SELECT ` + grantColumns + `
		FROM user_plafonds g JOIN plafonds p ON p.id = g.plafond_id
		WHERE g.customer_id = $1
		ORDER BY g.assigned_at DESC, g.id DESC`
	rows, err := q.Query(ctx, query, customerID)
	if err != nil {
		return nil, apperr.Storage("ledger: history", err)
	}
	defer rows.Close()

	var out []Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, apperr.Storage("ledger: scan grant", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("ledger: iterate grants", err)
	}
	return out, nil
}

// SetRemaining writes a new balance if the row is still at version.
func (r *Repository) SetRemaining(ctx context.Context, q db.Querier, grantID string, remaining decimal.Decimal, version int64) (Grant, error) {
	const query = `
		WITH upd AS (
			UPDATE user_plafonds
			SET remaining_amount = $2, version = version + 1, updated_at = now()
			WHERE id = $1 AND version = $3 AND active
			RETURNING *
		)
		SELECT g.id, g.customer_id, g.plafond_id, p.name, g.max_amount, g.remaining_amount,
		       g.active, g.version, g.assigned_at, g.updated_at
		FROM upd g JOIN plafonds p ON p.id = g.plafond_id`
	g, err := scanGrant(q.QueryRow(ctx, query, grantID, remaining, version))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Grant{}, apperr.Conflict("ledger: grant %s changed concurrently", grantID)
		}
		return Grant{}, apperr.FromPg("ledger: update remaining", err)
	}
	return g, nil
}

// Deactivate flips the customer's active grant off, if any.
func (r *Repository) Deactivate(ctx context.Context, q db.Querier, grantID string) error {
	_, err := q.Exec(ctx, `UPDATE user_plafonds SET active = false, version = version + 1, updated_at = now() WHERE id = $1`, grantID)
	if err != nil {
		return apperr.FromPg("ledger: deactivate grant", err)
	}
	return nil
}

// Insert creates an active grant with a full balance.
func (r *Repository) Insert(ctx context.Context, q db.Querier, params AssignParams) (Grant, error) {
	const query = `
		WITH ins AS (
			INSERT INTO user_plafonds (customer_id, plafond_id, max_amount, remaining_amount)
			VALUES ($1, $2, $3, $3)
			RETURNING *
		)
		SELECT g.id, g.customer_id, g.plafond_id, p.name, g.max_amount, g.remaining_amount,
		       g.active, g.version, g.assigned_at, g.updated_at
		FROM ins g JOIN plafonds p ON p.id = g.plafond_id`
	g, err := scanGrant(q.QueryRow(ctx, query, params.CustomerID, params.PlafondID, params.MaxAmount))
	if err != nil {
		if apperr.IsUniqueViolation(err, "uq_user_plafonds_active") {
			return Grant{}, apperr.Conflict("ledger: customer %s was assigned concurrently", params.CustomerID)
		}
		return Grant{}, apperr.FromPg("ledger: insert grant", err)
	}
	return g, nil
}

// IsCustomer reports whether id is a live customer account.
func (r *Repository) IsCustomer(ctx context.Context, q db.Querier, id string) (bool, error) {
	if !db.ValidID(id) {
		return false, nil
	}
	var ok bool
	err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1 AND role = 'CUSTOMER' AND deleted_at IS NULL)`, id).Scan(&ok)
	if err != nil {
		return false, apperr.Storage("ledger: check customer", err)
	}
	return ok, nil
}

// Ceiling returns a live template's maximum amount.
func (r *Repository) Ceiling(ctx context.Context, q db.Querier, plafondID string) (decimal.Decimal, error) {
	if !db.ValidID(plafondID) {
		return decimal.Decimal{}, apperr.NotFound("ledger: plafond %s not found", plafondID)
	}
	var ceiling decimal.Decimal
	err := q.QueryRow(ctx, `SELECT max_amount FROM plafonds WHERE id = $1 AND deleted_at IS NULL`, plafondID).Scan(&ceiling)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Decimal{}, apperr.NotFound("ledger: plafond %s not found", plafondID)
		}
		return decimal.Decimal{}, apperr.Storage("ledger: load ceiling", err)
	}
	return ceiling, nil
}

// HasOutstanding reports whether the customer has a non-terminal application.
func (r *Repository) HasOutstanding(ctx context.Context, q db.Querier, customerID string) (bool, error) {
	var ok bool
	err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM loan_applications WHERE customer_id = $1 AND status NOT IN ('DISBURSED','REJECTED'))`, customerID).Scan(&ok)
	if err != nil {
		return false, apperr.Storage("ledger: check outstanding", err)
	}
	return ok, nil
}

func scanGrant(row pgx.Row) (Grant, error) {
	var g Grant
	err := row.Scan(&g.ID, &g.CustomerID, &g.PlafondID, &g.PlafondName, &g.MaxAmount, &g.RemainingAmount,
		&g.Active, &g.Version, &g.AssignedAt, &g.UpdatedAt)
	return g, err
}
