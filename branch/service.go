package branch

import (
	"context"
	"errors"
	"strings"

	"loanflow/apperr"
	"loanflow/auth"
)

// Store abstracts repository operations for the service.
type Store interface {
	GetByID(ctx context.Context, id string) (Branch, error)
	List(ctx context.Context, limit int) ([]Branch, error)
	Create(ctx context.Context, params CreateParams) (Branch, error)
	Update(ctx context.Context, id string, params CreateParams) (Branch, error)
	Delete(ctx context.Context, id string) error
	Restore(ctx context.Context, id string) (Branch, error)
}

// Service exposes branch directory operations.
type Service struct {
	repo Store
}

// NewService builds a Service using the provided repository.
func NewService(repo Store) *Service {
	return &Service{repo: repo}
}

// GetByID returns the branch for the given identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Branch, error) {
	return s.repo.GetByID(ctx, id)
}

// Exists reports whether a live branch has the given id.
func (s *Service) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List returns up to limit branches.
func (s *Service) List(ctx context.Context, limit int) ([]Branch, error) {
	return s.repo.List(ctx, limit)
}

// Create registers a branch. Superadmin only.
func (s *Service) Create(ctx context.Context, actor auth.Actor, params CreateParams) (Branch, error) {
	if actor.Role != auth.RoleSuperAdmin {
		return Branch{}, apperr.Rule("branch: only %s may create branches", auth.RoleSuperAdmin)
	}
	params, err := normalize(params)
	if err != nil {
		return Branch{}, err
	}
	return s.repo.Create(ctx, params)
}

// Update rewrites a branch's code, name and address. Superadmin only.
func (s *Service) Update(ctx context.Context, actor auth.Actor, id string, params CreateParams) (Branch, error) {
	if actor.Role != auth.RoleSuperAdmin {
		return Branch{}, apperr.Rule("branch: only %s may update branches", auth.RoleSuperAdmin)
	}
	params, err := normalize(params)
	if err != nil {
		return Branch{}, err
	}
	return s.repo.Update(ctx, id, params)
}

// Delete soft-deletes a branch with no active staff and no applications in
// progress. Superadmin only.
func (s *Service) Delete(ctx context.Context, actor auth.Actor, id string) error {
	if actor.Role != auth.RoleSuperAdmin {
		return apperr.Rule("branch: only %s may delete branches", auth.RoleSuperAdmin)
	}
	return s.repo.Delete(ctx, id)
}

// Restore undoes a soft delete. Superadmin only.
func (s *Service) Restore(ctx context.Context, actor auth.Actor, id string) (Branch, error) {
	if actor.Role != auth.RoleSuperAdmin {
		return Branch{}, apperr.Rule("branch: only %s may restore branches", auth.RoleSuperAdmin)
	}
	return s.repo.Restore(ctx, id)
}

func normalize(p CreateParams) (CreateParams, error) {
	p.Code = strings.ToUpper(strings.TrimSpace(p.Code))
	p.Name = strings.TrimSpace(p.Name)
	p.Address = strings.TrimSpace(p.Address)
	if p.Code == "" || p.Name == "" || p.Address == "" {
		return p, apperr.Rule("branch: code, name and address are required")
	}
	return p, nil
}
