package auth

import (
	"context"
	"strings"

	"loanflow/apperr"
)

// ListUsers returns every account, soft-deleted ones too when asked.
// Superadmin only.
func (s *Service) ListUsers(ctx context.Context, actor Actor, includeDeleted bool) ([]User, error) {
	if actor.Role != RoleSuperAdmin {
		return nil, ErrForbidden
	}
	return s.repo.ListUsers(ctx, includeDeleted)
}

// GetUser returns one live account. Superadmin only.
func (s *Service) GetUser(ctx context.Context, actor Actor, id string) (User, error) {
	if actor.Role != RoleSuperAdmin {
		return User{}, ErrForbidden
	}
	return s.repo.GetUserByID(ctx, id)
}

// UpdateUser edits an account's identity, role, branch and active flag.
// The same branch rules as CreateStaff apply.
func (s *Service) UpdateUser(ctx context.Context, actor Actor, id string, req UpdateUserRequest) (User, error) {
	if actor.Role != RoleSuperAdmin {
		return User{}, ErrForbidden
	}
	if err := validateIdentity(req.Username, req.Email); err != nil {
		return User{}, err
	}
	role, ok := ParseRole(string(req.Role))
	if !ok {
		return User{}, apperr.Rule("auth: invalid role %q", req.Role)
	}

	var branchID *string
	if b := strings.TrimSpace(req.BranchID); b != "" {
		branchID = &b
	}
	if role.BranchScoped() && branchID == nil {
		return User{}, apperr.Rule("auth: role %s requires a branch", role)
	}
	if branchID != nil && s.branches != nil {
		exists, err := s.branches.Exists(ctx, *branchID)
		if err != nil {
			return User{}, err
		}
		if !exists {
			return User{}, apperr.NotFound("auth: branch %s not found", *branchID)
		}
	}

	return s.repo.UpdateUser(ctx, id, UpdateUserParams{
		Username: strings.TrimSpace(req.Username),
		Email:    strings.ToLower(strings.TrimSpace(req.Email)),
		Role:     role,
		BranchID: branchID,
		Active:   req.Active,
	})
}

// DeleteUser deactivates and soft-deletes an account. It refuses to remove
// the last active superadmin or a customer with an application in progress.
func (s *Service) DeleteUser(ctx context.Context, actor Actor, id string) error {
	if actor.Role != RoleSuperAdmin {
		return ErrForbidden
	}
	return s.repo.DeleteUser(ctx, id)
}

// RestoreUser undoes a soft delete. Superadmin only.
func (s *Service) RestoreUser(ctx context.Context, actor Actor, id string) (User, error) {
	if actor.Role != RoleSuperAdmin {
		return User{}, ErrForbidden
	}
	return s.repo.RestoreUser(ctx, id)
}
