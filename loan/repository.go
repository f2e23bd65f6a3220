package loan

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"loanflow/apperr"
	"loanflow/db"
)

var (
	// ErrNotFound signals the application does not exist.
	ErrNotFound = apperr.NotFound("loan: application not found")
	// ErrOutstanding signals the customer already has an application in progress.
	ErrOutstanding = apperr.Rule("loan: customer already has an application in progress, wait until it completes")
)

const applicationColumns = `
	id, customer_id, branch_id, plafond_id, amount, tenor, status, version, submitted_at,
	occupation, company_name, account_number,
	full_name_snapshot, phone_number_snapshot, address_snapshot, nik_snapshot, birth_date_snapshot,
	npwp_number_snapshot, ktp_photo_snapshot, npwp_photo_snapshot, saving_book_cover, payslip_photo,
	created_at, updated_at`

// Repository is the PostgreSQL application store. Each method runs on the
// Querier it is handed, usually the caller's transaction.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Insert stores a new application and returns it with generated fields.
func (r *Repository) Insert(ctx context.Context, q db.Querier, a Application) (Application, error) {
	const insertSQL = `
INSERT INTO loan_applications (
	customer_id, branch_id, plafond_id, amount, tenor, status,
	occupation, company_name, account_number,
	full_name_snapshot, phone_number_snapshot, address_snapshot, nik_snapshot, birth_date_snapshot,
	npwp_number_snapshot, ktp_photo_snapshot, npwp_photo_snapshot, saving_book_cover, payslip_photo
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
RETURNING ` + applicationColumns

	s := a.Snapshot
	out, err := scanApplication(q.QueryRow(ctx, insertSQL,
		a.CustomerID, a.BranchID, a.PlafondID, a.Amount, a.Tenor, string(a.Status),
		a.Occupation, a.CompanyName, a.AccountNumber,
		s.FullName, s.PhoneNumber, s.Address, s.NIK, s.BirthDate,
		s.NPWPNumber, s.KTPPhoto, s.NPWPPhoto, a.Documents.SavingBookCover, a.Documents.PayslipPhoto,
	))
	if err != nil {
		if apperr.IsUniqueViolation(err, "uq_loan_applications_outstanding") {
			return Application{}, ErrOutstanding
		}
		return Application{}, apperr.FromPg("loan: insert application", err)
	}
	return out, nil
}

// Lock loads an application and holds its row lock for the rest of tx.
func (r *Repository) Lock(ctx context.Context, q db.Querier, id string) (Application, error) {
	return r.get(ctx, q, id, true)
}

// Get loads an application without locking.
func (r *Repository) Get(ctx context.Context, q db.Querier, id string) (Application, error) {
	return r.get(ctx, q, id, false)
}

func (r *Repository) get(ctx context.Context, q db.Querier, id string, lock bool) (Application, error) {
	if !db.ValidID(id) {
		return Application{}, ErrNotFound
	}
	query := `SELECT ` + applicationColumns + ` FROM loan_applications WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	a, err := scanApplication(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Application{}, ErrNotFound
		}
		return Application{}, apperr.FromPg("loan: load application", err)
	}
	return a, nil
}

// UpdateStatus moves the application to status if it is still at version.
func (r *Repository) UpdateStatus(ctx context.Context, q db.Querier, id string, status Status, version int64) (Application, error) {
	const updateSQL = `
UPDATE loan_applications
SET status = $2, version = version + 1, updated_at = now()
WHERE id = $1 AND version = $3
RETURNING ` + applicationColumns

	a, err := scanApplication(q.QueryRow(ctx, updateSQL, id, string(status), version))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Application{}, apperr.Conflict("loan: application %s changed concurrently, reload and retry", id)
		}
		return Application{}, apperr.FromPg("loan: update status", err)
	}
	return a, nil
}

// HasOutstanding reports whether the customer has a non-terminal application.
func (r *Repository) HasOutstanding(ctx context.Context, q db.Querier, customerID string) (bool, error) {
	var ok bool
	err := q.QueryRow(ctx, `
SELECT EXISTS (
	SELECT 1 FROM loan_applications
	WHERE customer_id = $1 AND status NOT IN ('DISBURSED', 'REJECTED')
)`, customerID).Scan(&ok)
	if err != nil {
		return false, apperr.FromPg("loan: check outstanding", err)
	}
	return ok, nil
}

// List returns applications matching f. Newest first unless f.OldestFirst.
func (r *Repository) List(ctx context.Context, q db.Querier, f Filter) ([]Application, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.CustomerID != "" {
		add("customer_id = $%d", f.CustomerID)
	}
	if f.BranchID != "" {
		add("branch_id = $%d", f.BranchID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}

	query := `SELECT ` + applicationColumns + ` FROM loan_applications`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	if f.OldestFirst {
		query += ` ORDER BY submitted_at ASC, id ASC`
	} else {
		query += ` ORDER BY submitted_at DESC, id DESC`
	}

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Storage("loan: list", err)
	}
	defer rows.Close()

	out := make([]Application, 0, 16)
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, apperr.Storage("loan: scan application", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("loan: iterate applications", err)
	}
	return out, nil
}

func scanApplication(row pgx.Row) (Application, error) {
	var (
		a      Application
		status string
	)
	err := row.Scan(
		&a.ID, &a.CustomerID, &a.BranchID, &a.PlafondID, &a.Amount, &a.Tenor, &status, &a.Version, &a.SubmittedAt,
		&a.Occupation, &a.CompanyName, &a.AccountNumber,
		&a.Snapshot.FullName, &a.Snapshot.PhoneNumber, &a.Snapshot.Address, &a.Snapshot.NIK, &a.Snapshot.BirthDate,
		&a.Snapshot.NPWPNumber, &a.Snapshot.KTPPhoto, &a.Snapshot.NPWPPhoto, &a.Documents.SavingBookCover, &a.Documents.PayslipPhoto,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return Application{}, err
	}
	a.Status = Status(status)
	return a, nil
}
