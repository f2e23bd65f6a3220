package branch

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"loanflow/apperr"
	"loanflow/db"
)

var (
	// ErrNotFound signals the requested branch does not exist.
	ErrNotFound = apperr.NotFound("branch: not found")
	// ErrDuplicate signals a code or name collision.
	ErrDuplicate = apperr.Rule("branch: code or name already exists")
	// ErrHasStaff signals a delete blocked by active staff bound to the branch.
	ErrHasStaff = apperr.Rule("branch: active staff are still assigned to this branch")
	// ErrHasApplications signals a delete blocked by in-progress applications.
	ErrHasApplications = apperr.Rule("branch: applications are still in progress at this branch")
	// ErrNotDeleted signals a restore of a live branch.
	ErrNotDeleted = apperr.Rule("branch: branch is not deleted")
)

const branchColumns = `id, code, name, address, created_at, updated_at, deleted_at`

// Repository provides access to branches.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a live branch by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Branch, error) {
	if !db.ValidID(id) {
		return Branch{}, ErrNotFound
	}
	const query = `
		SELECT id, code, name, address, created_at, updated_at, deleted_at
		FROM branches
		WHERE id = $1 AND deleted_at IS NULL
	`

	var b Branch
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&b.ID,
		&b.Code,
		&b.Name,
		&b.Address,
		&b.CreatedAt,
		&b.UpdatedAt,
		&b.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Branch{}, ErrNotFound
		}
		return Branch{}, apperr.Storage("branch: query by id", err)
	}

	return b, nil
}

// List fetches up to limit live branches ordered by name.
func (r *Repository) List(ctx context.Context, limit int) ([]Branch, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT id, code, name, address, created_at, updated_at, deleted_at
		FROM branches
		WHERE deleted_at IS NULL
		ORDER BY name ASC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, apperr.Storage("branch: list", err)
	}
	defer rows.Close()

	branches := make([]Branch, 0, limit)
	for rows.Next() {
		var b Branch
		if err := rows.Scan(&b.ID, &b.Code, &b.Name, &b.Address, &b.CreatedAt, &b.UpdatedAt, &b.DeletedAt); err != nil {
			return nil, apperr.Storage("branch: scan", err)
		}
		branches = append(branches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("branch: iterate", fmt.Errorf("rows: %w", err))
	}

	return branches, nil
}

// Create inserts a branch.
func (r *Repository) Create(ctx context.Context, params CreateParams) (Branch, error) {
	const query = `
		INSERT INTO branches (code, name, address)
		VALUES ($1, $2, $3)
		RETURNING id, code, name, address, created_at, updated_at, deleted_at
	`

	var b Branch
	err := r.pool.QueryRow(ctx, query, params.Code, params.Name, params.Address).Scan(
		&b.ID, &b.Code, &b.Name, &b.Address, &b.CreatedAt, &b.UpdatedAt, &b.DeletedAt,
	)
	if err != nil {
		if apperr.IsUniqueViolation(err, "") {
			return Branch{}, ErrDuplicate
		}
		return Branch{}, apperr.Storage("branch: insert", err)
	}
	return b, nil
}

// Update rewrites a live branch.
func (r *Repository) Update(ctx context.Context, id string, params CreateParams) (Branch, error) {
	if !db.ValidID(id) {
		return Branch{}, ErrNotFound
	}
	b, err := scanBranch(r.pool.QueryRow(ctx, `
		UPDATE branches SET code = $2, name = $3, address = $4, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING `+branchColumns, id, params.Code, params.Name, params.Address))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Branch{}, ErrNotFound
		}
		if apperr.IsUniqueViolation(err, "") {
			return Branch{}, ErrDuplicate
		}
		return Branch{}, apperr.Storage("branch: update", err)
	}
	return b, nil
}

// Delete soft-deletes a live branch once nothing depends on it. The branch
// row is locked while the staff and application counts are read.
func (r *Repository) Delete(ctx context.Context, id string) error {
	if !db.ValidID(id) {
		return ErrNotFound
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return apperr.Storage("branch: begin tx", err)
	}
	defer tx.Rollback(ctx)

	var locked string
	err = tx.QueryRow(ctx, `SELECT id FROM branches WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, id).Scan(&locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return apperr.Storage("branch: lock", err)
	}

	var u Usage
	err = tx.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM users WHERE branch_id = $1 AND active AND deleted_at IS NULL),
			(SELECT count(*) FROM loan_applications WHERE branch_id = $1 AND status NOT IN ('DISBURSED', 'REJECTED'))`,
		id).Scan(&u.ActiveStaff, &u.Applications)
	if err != nil {
		return apperr.Storage("branch: usage", err)
	}
	if err := checkRetirable(u); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `UPDATE branches SET deleted_at = now(), updated_at = now() WHERE id = $1`, id); err != nil {
		return apperr.Storage("branch: delete", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.Storage("branch: commit", err)
	}
	return nil
}

// Restore brings a soft-deleted branch back.
func (r *Repository) Restore(ctx context.Context, id string) (Branch, error) {
	if !db.ValidID(id) {
		return Branch{}, ErrNotFound
	}
	b, err := scanBranch(r.pool.QueryRow(ctx, `
		UPDATE branches SET deleted_at = NULL, updated_at = now()
		WHERE id = $1 AND deleted_at IS NOT NULL
		RETURNING `+branchColumns, id))
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Branch{}, apperr.Storage("branch: restore", err)
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM branches WHERE id = $1)`, id).Scan(&exists); err != nil {
		return Branch{}, apperr.Storage("branch: restore", err)
	}
	if exists {
		return Branch{}, ErrNotDeleted
	}
	return Branch{}, ErrNotFound
}

func scanBranch(row pgx.Row) (Branch, error) {
	var b Branch
	err := row.Scan(&b.ID, &b.Code, &b.Name, &b.Address, &b.CreatedAt, &b.UpdatedAt, &b.DeletedAt)
	return b, err
}
