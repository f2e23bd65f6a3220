package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"loanflow/apperr"
	"loanflow/db"
)

var (
	// ErrUserNotFound signals that the user does not exist.
	ErrUserNotFound = apperr.NotFound("auth: user not found")
	// ErrDuplicateUser signals that the username or email is already registered.
	ErrDuplicateUser = apperr.Rule("auth: username or email already exists")
	// ErrLastSuperAdmin signals an edit that would leave no active superadmin.
	ErrLastSuperAdmin = apperr.Rule("auth: at least one active SUPERADMIN must remain")
	// ErrUserHasApplication signals a delete blocked by an in-progress application.
	ErrUserHasApplication = apperr.Rule("auth: user still has a loan application in progress")
	// ErrNotDeleted signals a restore of an account that is live.
	ErrNotDeleted = apperr.Rule("auth: user is not deleted")
)

// Repository handles data access for authentication.
type Repository interface {
	CreateUser(ctx context.Context, params CreateUserParams) (User, error)
	GetUserByUsername(ctx context.Context, username string) (User, error)
	GetUserByID(ctx context.Context, userID string) (User, error)
	ListUsers(ctx context.Context, includeDeleted bool) ([]User, error)
	UpdateUser(ctx context.Context, userID string, params UpdateUserParams) (User, error)
	DeleteUser(ctx context.Context, userID string) error
	RestoreUser(ctx context.Context, userID string) (User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string) error

	SaveRefreshToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error
	RotateRefreshToken(ctx context.Context, oldHash, newHash string, now, expiresAt time.Time) (User, error)
	RevokeRefreshToken(ctx context.Context, tokenHash string) error
}

// CreateUserParams contains write parameters for creating users.
type CreateUserParams struct {
	Username     string
	Email        string
	PasswordHash string
	Role         Role
	BranchID     *string
}

// UpdateUserParams contains the editable account fields.
type UpdateUserParams struct {
	Username string
	Email    string
	Role     Role
	BranchID *string
	Active   bool
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed auth repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const userColumns = `id, username, email, password_hash, role, branch_id::text, active, created_at, updated_at, deleted_at`

// CreateUser inserts a new user with hashed password.
func (r *PGRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	insertSQL := `
		INSERT INTO users (username, email, password_hash, role, branch_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + userColumns

	user, err := scanUser(r.pool.QueryRow(ctx, insertSQL, params.Username, params.Email, params.PasswordHash, params.Role, params.BranchID))
	if err != nil {
		if apperr.IsUniqueViolation(err, "") {
			return User{}, ErrDuplicateUser
		}
		return User{}, apperr.Storage("auth: create user", err)
	}

	return user, nil
}

// GetUserByUsername retrieves an active user by username.
func (r *PGRepository) GetUserByUsername(ctx context.Context, username string) (User, error) {
	selectSQL := `SELECT ` + userColumns + ` FROM users WHERE username = $1 AND deleted_at IS NULL`

	user, err := scanUser(r.pool.QueryRow(ctx, selectSQL, username))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, apperr.Storage("auth: get user by username", err)
	}

	return user, nil
}

// GetUserByID retrieves a user by ID.
func (r *PGRepository) GetUserByID(ctx context.Context, userID string) (User, error) {
	if !db.ValidID(userID) {
		return User{}, ErrUserNotFound
	}
	selectSQL := `SELECT ` + userColumns + ` FROM users WHERE id = $1 AND deleted_at IS NULL`

	user, err := scanUser(r.pool.QueryRow(ctx, selectSQL, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, apperr.Storage("auth: get user by id", fmt.Errorf("%s: %w", userID, err))
	}

	return user, nil
}

// ListUsers returns accounts ordered by username. Soft-deleted accounts are
// included only when asked for.
func (r *PGRepository) ListUsers(ctx context.Context, includeDeleted bool) ([]User, error) {
	query := `SELECT ` + userColumns + ` FROM users`
	if !includeDeleted {
		query += ` WHERE deleted_at IS NULL`
	}
	query += ` ORDER BY username`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, apperr.Storage("auth: list users", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, apperr.Storage("auth: scan user", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("auth: list users", err)
	}
	return users, nil
}

// UpdateUser rewrites the editable fields of a live account. Demoting or
// deactivating a superadmin counts the remaining active superadmins under lock.
func (r *PGRepository) UpdateUser(ctx context.Context, userID string, params UpdateUserParams) (User, error) {
	if !db.ValidID(userID) {
		return User{}, ErrUserNotFound
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return User{}, apperr.Storage("auth: begin tx", err)
	}
	defer tx.Rollback(ctx)

	admins, err := countActiveAdmins(ctx, tx)
	if err != nil {
		return User{}, err
	}
	current, err := lockUser(ctx, tx, userID)
	if err != nil {
		return User{}, err
	}
	if err := checkDemotion(current, params, admins); err != nil {
		return User{}, err
	}

	updated, err := scanUser(tx.QueryRow(ctx, `
		UPDATE users
		SET username = $2, email = $3, role = $4, branch_id = $5, active = $6, updated_at = now()
		WHERE id = $1
		RETURNING `+userColumns,
		userID, params.Username, params.Email, params.Role, params.BranchID, params.Active))
	if err != nil {
		if apperr.IsUniqueViolation(err, "") {
			return User{}, ErrDuplicateUser
		}
		return User{}, apperr.Storage("auth: update user", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return User{}, apperr.Storage("auth: commit", err)
	}
	return updated, nil
}

// DeleteUser deactivates and soft-deletes an account. The customer's active
// grant row is locked first, the same row a submission locks, so an
// application cannot slip in between the check and the delete.
func (r *PGRepository) DeleteUser(ctx context.Context, userID string) error {
	if !db.ValidID(userID) {
		return ErrUserNotFound
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return apperr.Storage("auth: begin tx", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT id FROM user_plafonds WHERE customer_id = $1 AND active FOR UPDATE`, userID); err != nil {
		return apperr.Storage("auth: lock grant", err)
	}
	facts := DeleteFacts{}
	if facts.ActiveAdmins, err = countActiveAdmins(ctx, tx); err != nil {
		return err
	}
	if facts.User, err = lockUser(ctx, tx, userID); err != nil {
		return err
	}
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM loan_applications
			WHERE customer_id = $1 AND status NOT IN ('DISBURSED', 'REJECTED')
		)`, userID).Scan(&facts.Outstanding)
	if err != nil {
		return apperr.Storage("auth: check applications", err)
	}
	if err := checkDeletable(facts); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `UPDATE users SET active = false, deleted_at = now(), updated_at = now() WHERE id = $1`, userID); err != nil {
		return apperr.Storage("auth: delete user", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE refresh_tokens SET revoked_at = now() WHERE user_id = $1 AND revoked_at IS NULL`, userID); err != nil {
		return apperr.Storage("auth: revoke tokens", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.Storage("auth: commit", err)
	}
	return nil
}

// RestoreUser brings a soft-deleted account back and reactivates it.
func (r *PGRepository) RestoreUser(ctx context.Context, userID string) (User, error) {
	if !db.ValidID(userID) {
		return User{}, ErrUserNotFound
	}
	user, err := scanUser(r.pool.QueryRow(ctx, `
		UPDATE users SET deleted_at = NULL, active = true, updated_at = now()
		WHERE id = $1 AND deleted_at IS NOT NULL
		RETURNING `+userColumns, userID))
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return User{}, apperr.Storage("auth: restore user", err)
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
		return User{}, apperr.Storage("auth: restore user", err)
	}
	if exists {
		return User{}, ErrNotDeleted
	}
	return User{}, ErrUserNotFound
}

// UpdatePassword stores a new hash and revokes every outstanding refresh token
// of the account.
func (r *PGRepository) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	if !db.ValidID(userID) {
		return ErrUserNotFound
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return apperr.Storage("auth: begin tx", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1 AND deleted_at IS NULL`, userID, passwordHash)
	if err != nil {
		return apperr.Storage("auth: update password", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	if _, err := tx.Exec(ctx, `UPDATE refresh_tokens SET revoked_at = now() WHERE user_id = $1 AND revoked_at IS NULL`, userID); err != nil {
		return apperr.Storage("auth: revoke tokens", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.Storage("auth: commit", err)
	}
	return nil
}

// SaveRefreshToken records the hash of a freshly issued refresh token.
func (r *PGRepository) SaveRefreshToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO refresh_tokens (user_id, token_hash, expires_at) VALUES ($1, $2, $3)`,
		userID, tokenHash, expiresAt)
	if err != nil {
		return apperr.Storage("auth: save refresh token", err)
	}
	return nil
}

// RotateRefreshToken revokes the presented token and records its successor in
// one transaction. Revocation is conditional on the token being live, so a
// token can be exchanged once.
func (r *PGRepository) RotateRefreshToken(ctx context.Context, oldHash, newHash string, now, expiresAt time.Time) (User, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return User{}, apperr.Storage("auth: begin tx", err)
	}
	defer tx.Rollback(ctx)

	var userID string
	err = tx.QueryRow(ctx, `
		UPDATE refresh_tokens SET revoked_at = $2
		WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > $2
		RETURNING user_id::text`, oldHash, now).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrInvalidToken
		}
		return User{}, apperr.Storage("auth: revoke refresh token", err)
	}

	user, err := scanUser(tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 AND deleted_at IS NULL`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrInvalidToken
		}
		return User{}, apperr.Storage("auth: load token owner", err)
	}
	if !user.Active {
		return User{}, ErrInvalidToken
	}

	if _, err := tx.Exec(ctx, `INSERT INTO refresh_tokens (user_id, token_hash, expires_at) VALUES ($1, $2, $3)`,
		userID, newHash, expiresAt); err != nil {
		return User{}, apperr.Storage("auth: save refresh token", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return User{}, apperr.Storage("auth: commit", err)
	}
	return user, nil
}

// RevokeRefreshToken marks a token unusable. Unknown or already revoked
// tokens are ignored.
func (r *PGRepository) RevokeRefreshToken(ctx context.Context, tokenHash string) error {
	_, err := r.pool.Exec(ctx, `UPDATE refresh_tokens SET revoked_at = now() WHERE token_hash = $1 AND revoked_at IS NULL`, tokenHash)
	if err != nil {
		return apperr.Storage("auth: revoke refresh token", err)
	}
	return nil
}

func lockUser(ctx context.Context, tx pgx.Tx, userID string) (User, error) {
	user, err := scanUser(tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, apperr.Storage("auth: lock user", err)
	}
	return user, nil
}

// countActiveAdmins locks every active superadmin row. It runs before the
// target row is locked so concurrent demotions queue on the same rows and each
// sees the count the previous one left.
func countActiveAdmins(ctx context.Context, tx pgx.Tx) (int, error) {
	rows, err := tx.Query(ctx, `
		SELECT id FROM users
		WHERE role = 'SUPERADMIN' AND active AND deleted_at IS NULL
		FOR UPDATE`)
	if err != nil {
		return 0, apperr.Storage("auth: count superadmins", err)
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		n++
	}
	if err := rows.Err(); err != nil {
		return 0, apperr.Storage("auth: count superadmins", err)
	}
	return n, nil
}

func scanUser(row pgx.Row) (User, error) {
	var user User
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.PasswordHash,
		&user.Role,
		&user.BranchID,
		&user.Active,
		&user.CreatedAt,
		&user.UpdatedAt,
		&user.DeletedAt,
	)
	if err != nil {
		return User{}, err
	}
	return user, nil
}
