package plafond

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"loanflow/apperr"
	"loanflow/db"
)

var (
	// ErrNotFound signals the template does not exist or is soft-deleted.
	ErrNotFound = apperr.NotFound("plafond: not found")
	// ErrDuplicateName signals a name already used by a live template.
	ErrDuplicateName = apperr.Rule("plafond: name already in use")
	// ErrDeletedName signals the name belongs to a soft-deleted template that can be restored instead.
	ErrDeletedName = apperr.Rule("plafond: name belongs to a deleted template, restore it instead")
	// ErrInUse signals the template is still referenced by grants or applications.
	ErrInUse = apperr.Rule("plafond: template is referenced by customers or applications")
)

const columns = `id, name, description, max_amount, interest_rate, tenor_min, tenor_max, created_at, updated_at, deleted_at`

// Repository persists templates in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get returns a template. Deleted templates are only returned when includeDeleted is set.
func (r *Repository) Get(ctx context.Context, id string, includeDeleted bool) (Plafond, error) {
	if !db.ValidID(id) {
		return Plafond{}, ErrNotFound
	}
	query := `SELECT ` + columns + ` FROM plafonds WHERE id = $1`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	p, err := scan(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Plafond{}, ErrNotFound
		}
		return Plafond{}, apperr.Storage("plafond: get", err)
	}
	return p, nil
}

// List returns live templates ordered by ceiling.
func (r *Repository) List(ctx context.Context) ([]Plafond, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+columns+` FROM plafonds WHERE deleted_at IS NULL ORDER BY max_amount ASC, name ASC`)
	if err != nil {
		return nil, apperr.Storage("plafond: list", err)
	}
	defer rows.Close()

	var out []Plafond
	for rows.Next() {
		p, err := scan(rows)
		if err != nil {
			return nil, apperr.Storage("plafond: scan", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("plafond: iterate", err)
	}
	return out, nil
}

// NameTaken reports whether name is used by a template other than exceptID,
// and whether that template is soft-deleted.
func (r *Repository) NameTaken(ctx context.Context, name, exceptID string) (taken, deleted bool, err error) {
	const query = `
		SELECT deleted_at IS NOT NULL
		FROM plafonds
		WHERE lower(name) = lower($1) AND ($2 = '' OR id::text <> $2)
		LIMIT 1
	`
	err = r.pool.QueryRow(ctx, query, name, exceptID).Scan(&deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, apperr.Storage("plafond: check name", err)
	}
	return true, deleted, nil
}

// InUse reports whether any grant or application references the template.
func (r *Repository) InUse(ctx context.Context, id string) (bool, error) {
	if !db.ValidID(id) {
		return false, nil
	}
	const query = `
		SELECT EXISTS (SELECT 1 FROM user_plafonds WHERE plafond_id = $1)
		    OR EXISTS (SELECT 1 FROM loan_applications WHERE plafond_id = $1)
	`
	var used bool
	if err := r.pool.QueryRow(ctx, query, id).Scan(&used); err != nil {
		return false, apperr.Storage("plafond: check usage", err)
	}
	return used, nil
}

// Create inserts a template.
func (r *Repository) Create(ctx context.Context, p Params) (Plafond, error) {
	const query = `
		INSERT INTO plafonds (name, description, max_amount, interest_rate, tenor_min, tenor_max)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + columns
	out, err := scan(r.pool.QueryRow(ctx, query, p.Name, p.Description, p.MaxAmount, p.InterestRate, p.TenorMin, p.TenorMax))
	if err != nil {
		if apperr.IsUniqueViolation(err, "uq_plafonds_name") {
			return Plafond{}, ErrDuplicateName
		}
		return Plafond{}, apperr.Storage("plafond: insert", err)
	}
	return out, nil
}

// Update overwrites a live template.
func (r *Repository) Update(ctx context.Context, id string, p Params) (Plafond, error) {
	if !db.ValidID(id) {
		return Plafond{}, ErrNotFound
	}
	const query = `
		UPDATE plafonds
		SET name = $2, description = $3, max_amount = $4, interest_rate = $5,
		    tenor_min = $6, tenor_max = $7, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING ` + columns
	out, err := scan(r.pool.QueryRow(ctx, query, id, p.Name, p.Description, p.MaxAmount, p.InterestRate, p.TenorMin, p.TenorMax))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Plafond{}, ErrNotFound
		}
		if apperr.IsUniqueViolation(err, "uq_plafonds_name") {
			return Plafond{}, ErrDuplicateName
		}
		return Plafond{}, apperr.Storage("plafond: update", err)
	}
	return out, nil
}

// SetDeleted soft-deletes (deleted=true) or restores a template.
func (r *Repository) SetDeleted(ctx context.Context, id string, deleted bool) (Plafond, error) {
	if !db.ValidID(id) {
		return Plafond{}, ErrNotFound
	}
	query := `UPDATE plafonds SET deleted_at = now(), updated_at = now() WHERE id = $1 AND deleted_at IS NULL RETURNING ` + columns
	if !deleted {
		query = `UPDATE plafonds SET deleted_at = NULL, updated_at = now() WHERE id = $1 RETURNING ` + columns
	}
	out, err := scan(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Plafond{}, ErrNotFound
		}
		return Plafond{}, apperr.Storage("plafond: set deleted", err)
	}
	return out, nil
}

func scan(row pgx.Row) (Plafond, error) {
	var p Plafond
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.MaxAmount, &p.InterestRate,
		&p.TenorMin, &p.TenorMax, &p.CreatedAt, &p.UpdatedAt, &p.DeletedAt)
	return p, err
}
