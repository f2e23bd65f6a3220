package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func TestRepository_MalformedIDs(t *testing.T) {
	// A nil pool proves none of these reach Postgres.
	repo := NewRepository(nil)
	ctx := context.Background()

	if _, err := repo.UpdateUser(ctx, "abc", UpdateUserParams{}); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("update: expected ErrUserNotFound, got %v", err)
	}
	if err := repo.DeleteUser(ctx, "abc"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("delete: expected ErrUserNotFound, got %v", err)
	}
	if _, err := repo.RestoreUser(ctx, "abc"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("restore: expected ErrUserNotFound, got %v", err)
	}
	if err := repo.UpdatePassword(ctx, "abc", "x"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("password: expected ErrUserNotFound, got %v", err)
	}
}

// TestRepository_Integration runs the user admin and refresh token queries
// against a migrated PostgreSQL reachable through DATABASE_URL.
func TestRepository_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a migrated PostgreSQL to run integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	var exists bool
	if err := pool.QueryRow(ctx, `SELECT to_regclass('public.refresh_tokens') IS NOT NULL`).Scan(&exists); err != nil {
		t.Fatalf("check schema: %v", err)
	}
	if !exists {
		t.Skip("database schema missing; run `loanflow migrate` first")
	}

	repo := NewRepository(pool)
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	create := func(tag string, role Role) User {
		u, err := repo.CreateUser(ctx, CreateUserParams{
			Username: tag + suffix, Email: tag + suffix + "@example.com", PasswordHash: "-", Role: role,
		})
		if err != nil {
			t.Fatalf("create %s: %v", tag, err)
		}
		return u
	}

	t.Run("superadmin guard", func(t *testing.T) {
		// Other tests may leave superadmins behind; park them for this check.
		var parked []string
		if err := pool.QueryRow(ctx, `
WITH parked AS (
	UPDATE users SET active = false WHERE role = 'SUPERADMIN' AND active RETURNING id::text
)
SELECT coalesce(array_agg(id), '{}') FROM parked`).Scan(&parked); err != nil {
			t.Fatalf("park admins: %v", err)
		}
		t.Cleanup(func() {
			_, _ = pool.Exec(context.Background(), `UPDATE users SET active = true WHERE id::text = ANY($1)`, parked)
		})
		a := create("rootA", RoleSuperAdmin)
		b := create("rootB", RoleSuperAdmin)
		if err := repo.DeleteUser(ctx, a.ID); err != nil {
			t.Fatalf("delete one of two admins: %v", err)
		}
		if err := repo.DeleteUser(ctx, b.ID); !errors.Is(err, ErrLastSuperAdmin) {
			t.Fatalf("delete last admin: expected ErrLastSuperAdmin, got %v", err)
		}
		_, err := repo.UpdateUser(ctx, b.ID, UpdateUserParams{Username: b.Username, Email: b.Email, Role: RoleBackOffice, Active: true})
		if !errors.Is(err, ErrLastSuperAdmin) {
			t.Fatalf("demote last admin: expected ErrLastSuperAdmin, got %v", err)
		}
		restored, err := repo.RestoreUser(ctx, a.ID)
		if err != nil || !restored.Active || restored.DeletedAt != nil {
			t.Fatalf("restore: %+v, %v", restored, err)
		}
		if _, err := repo.RestoreUser(ctx, a.ID); !errors.Is(err, ErrNotDeleted) {
			t.Fatalf("restore live user: expected ErrNotDeleted, got %v", err)
		}
	})

	t.Run("outstanding application guard", func(t *testing.T) {
		cust := create("cust", RoleCustomer)
		var branchID, plafondID string
		if err := pool.QueryRow(ctx, `INSERT INTO branches (code, name, address) VALUES ($1, $1, 'x') RETURNING id`,
			"AU"+suffix[len(suffix)-8:]).Scan(&branchID); err != nil {
			t.Fatalf("seed branch: %v", err)
		}
		if err := pool.QueryRow(ctx, `
INSERT INTO plafonds (name, max_amount, interest_rate, tenor_min, tenor_max)
VALUES ($1, 1000000, 1, 1, 12) RETURNING id`, "Auth "+suffix).Scan(&plafondID); err != nil {
			t.Fatalf("seed plafond: %v", err)
		}
		if _, err := pool.Exec(ctx, `
INSERT INTO loan_applications (customer_id, branch_id, plafond_id, amount, tenor, status,
	full_name_snapshot, phone_number_snapshot, address_snapshot, nik_snapshot, birth_date_snapshot,
	occupation, account_number)
VALUES ($1, $2, $3, 500000, 6, 'WAITING_APPROVAL', 'Siti', '0812', 'Jl. A', '3171000000000001', '1990-01-01', 'Engineer', '123')`,
			cust.ID, branchID, plafondID); err != nil {
			t.Fatalf("seed application: %v", err)
		}
		if err := repo.DeleteUser(ctx, cust.ID); !errors.Is(err, ErrUserHasApplication) {
			t.Fatalf("expected ErrUserHasApplication, got %v", err)
		}
		if _, err := repo.GetUserByID(ctx, cust.ID); err != nil {
			t.Fatalf("refused delete must leave the user live: %v", err)
		}
	})

	t.Run("refresh rotation", func(t *testing.T) {
		u := create("tok", RoleCustomer)
		now := time.Now().UTC()
		if err := repo.SaveRefreshToken(ctx, u.ID, hashRefreshToken("first"+suffix), now.Add(time.Hour)); err != nil {
			t.Fatalf("save: %v", err)
		}
		got, err := repo.RotateRefreshToken(ctx, hashRefreshToken("first"+suffix), hashRefreshToken("second"+suffix), now, now.Add(time.Hour))
		if err != nil || got.ID != u.ID {
			t.Fatalf("rotate: %+v, %v", got, err)
		}
		if _, err := repo.RotateRefreshToken(ctx, hashRefreshToken("first"+suffix), hashRefreshToken("third"+suffix), now, now.Add(time.Hour)); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("replay: expected ErrInvalidToken, got %v", err)
		}
		if _, err := repo.RotateRefreshToken(ctx, hashRefreshToken("second"+suffix), hashRefreshToken("fourth"+suffix), now.Add(2*time.Hour), now.Add(3*time.Hour)); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expired: expected ErrInvalidToken, got %v", err)
		}

		if err := repo.SaveRefreshToken(ctx, u.ID, hashRefreshToken("fifth"+suffix), now.Add(time.Hour)); err != nil {
			t.Fatalf("save: %v", err)
		}
		if err := repo.UpdatePassword(ctx, u.ID, "new-hash"); err != nil {
			t.Fatalf("update password: %v", err)
		}
		if _, err := repo.RotateRefreshToken(ctx, hashRefreshToken("fifth"+suffix), hashRefreshToken("sixth"+suffix), now, now.Add(time.Hour)); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("token survived password change: %v", err)
		}
	})
}
