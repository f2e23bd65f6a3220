package profile

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"loanflow/apperr"
	"loanflow/db"
)

// ErrNotFound signals the user has not completed a profile yet.
var ErrNotFound = apperr.NotFound("profile: not completed")

const columns = `id, user_id, full_name, phone_number, address, nik, birth_date, npwp_number,
	ktp_photo, profile_photo, npwp_photo, created_at, updated_at`

// Repository persists profiles in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByUser loads a profile through q, which may be a transaction.
func (r *Repository) GetByUser(ctx context.Context, q db.Querier, userID string) (Profile, error) {
	if !db.ValidID(userID) {
		return Profile{}, ErrNotFound
	}
	p, err := scan(q.QueryRow(ctx, `SELECT `+columns+` FROM user_profiles WHERE user_id = $1`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, apperr.Storage("profile: get", err)
	}
	return p, nil
}

// Conflict names the first unique field already held by another profile, or "".
func (r *Repository) Conflict(ctx context.Context, nik, phone, npwp, exceptUserID string) (string, error) {
	const query = `
		SELECT CASE
			WHEN nik = $1 THEN 'NIK'
			WHEN phone_number = $2 THEN 'phone number'
			ELSE 'NPWP number'
		END
		FROM user_profiles
		WHERE (nik = $1 OR phone_number = $2 OR ($3 <> '' AND npwp_number = $3))
		  AND ($4 = '' OR user_id::text <> $4)
		LIMIT 1`
	var field string
	err := r.pool.QueryRow(ctx, query, nik, phone, npwp, exceptUserID).Scan(&field)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", apperr.Storage("profile: check uniqueness", err)
	}
	return field, nil
}

func (r *Repository) Insert(ctx context.Context, p Profile) (Profile, error) {
	const query = `
		INSERT INTO user_profiles (user_id, full_name, phone_number, address, nik, birth_date, npwp_number,
			ktp_photo, profile_photo, npwp_photo)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING ` + columns
	out, err := scan(r.pool.QueryRow(ctx, query, p.UserID, p.FullName, p.PhoneNumber, p.Address, p.NIK,
		p.BirthDate, p.NPWPNumber, p.KTPPhoto, p.ProfilePhoto, p.NPWPPhoto))
	if err != nil {
		return Profile{}, uniqueOr(err, "profile: insert")
	}
	return out, nil
}

func (r *Repository) Update(ctx context.Context, p Profile) (Profile, error) {
	const query = `
		UPDATE user_profiles
		SET full_name = $2, phone_number = $3, address = $4, nik = $5, birth_date = $6, npwp_number = $7,
		    ktp_photo = $8, profile_photo = $9, npwp_photo = $10, updated_at = now()
		WHERE user_id = $1
		RETURNING ` + columns
	out, err := scan(r.pool.QueryRow(ctx, query, p.UserID, p.FullName, p.PhoneNumber, p.Address, p.NIK,
		p.BirthDate, p.NPWPNumber, p.KTPPhoto, p.ProfilePhoto, p.NPWPPhoto))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, uniqueOr(err, "profile: update")
	}
	return out, nil
}

func uniqueOr(err error, op string) error {
	switch {
	case apperr.IsUniqueViolation(err, "uq_user_profiles_user"):
		return ErrAlreadyCompleted
	case apperr.IsUniqueViolation(err, "uq_user_profiles_nik"):
		return apperr.Rule("profile: NIK is already used by another user")
	case apperr.IsUniqueViolation(err, "uq_user_profiles_phone"):
		return apperr.Rule("profile: phone number is already used by another user")
	case apperr.IsUniqueViolation(err, "uq_user_profiles_npwp"):
		return apperr.Rule("profile: NPWP number is already used by another user")
	}
	return apperr.Storage(op, err)
}

func scan(row pgx.Row) (Profile, error) {
	var p Profile
	err := row.Scan(&p.ID, &p.UserID, &p.FullName, &p.PhoneNumber, &p.Address, &p.NIK, &p.BirthDate,
		&p.NPWPNumber, &p.KTPPhoto, &p.ProfilePhoto, &p.NPWPPhoto, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}
