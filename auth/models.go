package auth

import (
	"strings"
	"time"
)

type Role string

const (
	RoleCustomer      Role = "CUSTOMER"
	RoleMarketing     Role = "MARKETING"
	RoleBranchManager Role = "BRANCH_MANAGER"
	RoleBackOffice    Role = "BACK_OFFICE"
	RoleSuperAdmin    Role = "SUPERADMIN"
)

// ParseRole normalises a role name. Older tokens and seed data spell the staff
// roles without the underscore; both forms are accepted.
func ParseRole(s string) (Role, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CUSTOMER":
		return RoleCustomer, true
	case "MARKETING":
		return RoleMarketing, true
	case "BRANCH_MANAGER", "BRANCHMANAGER":
		return RoleBranchManager, true
	case "BACK_OFFICE", "BACKOFFICE":
		return RoleBackOffice, true
	case "SUPERADMIN", "SUPER_ADMIN":
		return RoleSuperAdmin, true
	default:
		return "", false
	}
}

// BranchScoped reports whether the role may only see its own branch.
func (r Role) BranchScoped() bool {
	return r == RoleMarketing || r == RoleBranchManager
}

// Actor is the authenticated caller passed explicitly into every operation.
type Actor struct {
	ID       string
	Role     Role
	BranchID string
}

// User is the domain representation of an account.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	Role         Role
	BranchID     *string
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    *time.Time
}

// Actor projects the user into the identity carried by requests.
func (u User) Actor() Actor {
	a := Actor{ID: u.ID, Role: u.Role}
	if u.BranchID != nil {
		a.BranchID = *u.BranchID
	}
	return a
}

// RegisterRequest contains customer self-registration data.
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// CreateStaffRequest is used by a superadmin to create internal accounts.
type CreateStaffRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     Role   `json:"role"`
	BranchID string `json:"branchId"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// UpdateUserRequest is a superadmin edit of an account. Passwords change only
// through ChangePassword.
type UpdateUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     Role   `json:"role"`
	BranchID string `json:"branchId"`
	Active   bool   `json:"active"`
}

// ChangePasswordRequest replaces the caller's own password.
type ChangePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

// RefreshRequest carries the refresh token issued at login.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// DeleteFacts is what a soft delete is decided on. The repository reads it
// with the affected rows locked.
type DeleteFacts struct {
	User         User
	ActiveAdmins int
	Outstanding  bool
}

// checkDeletable refuses to remove the last active superadmin or a customer
// whose application is still in progress.
func checkDeletable(f DeleteFacts) error {
	if f.User.Role == RoleSuperAdmin && f.User.Active && f.ActiveAdmins <= 1 {
		return ErrLastSuperAdmin
	}
	if f.Outstanding {
		return ErrUserHasApplication
	}
	return nil
}

// checkDemotion applies the last superadmin rule to an edit that drops the
// role or deactivates the account.
func checkDemotion(current User, next UpdateUserParams, activeAdmins int) error {
	if current.Role != RoleSuperAdmin || !current.Active {
		return nil
	}
	if next.Role == RoleSuperAdmin && next.Active {
		return nil
	}
	if activeAdmins <= 1 {
		return ErrLastSuperAdmin
	}
	return nil
}
