package plafond

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"loanflow/apperr"
	"loanflow/auth"
)

// Store is the persistence contract of the catalog.
type Store interface {
	Get(ctx context.Context, id string, includeDeleted bool) (Plafond, error)
	List(ctx context.Context) ([]Plafond, error)
	NameTaken(ctx context.Context, name, exceptID string) (taken, deleted bool, err error)
	InUse(ctx context.Context, id string) (bool, error)
	Create(ctx context.Context, p Params) (Plafond, error)
	Update(ctx context.Context, id string, p Params) (Plafond, error)
	SetDeleted(ctx context.Context, id string, deleted bool) (Plafond, error)
}

// Service manages the credit template catalog.
type Service struct {
	store  Store
	logger *zap.Logger
}

// NewService builds the catalog service.
func NewService(store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, logger: logger}
}

func (s *Service) Get(ctx context.Context, id string) (Plafond, error) {
	return s.store.Get(ctx, id, false)
}

func (s *Service) List(ctx context.Context) ([]Plafond, error) {
	return s.store.List(ctx)
}

// Create adds a template. A name held by a soft-deleted template is refused
// so the old one is restored rather than shadowed.
func (s *Service) Create(ctx context.Context, actor auth.Actor, p Params) (Plafond, error) {
	if err := requireAdmin(actor); err != nil {
		return Plafond{}, err
	}
	p, err := normalise(p)
	if err != nil {
		return Plafond{}, err
	}
	taken, deleted, err := s.store.NameTaken(ctx, p.Name, "")
	if err != nil {
		return Plafond{}, err
	}
	if taken {
		if deleted {
			return Plafond{}, ErrDeletedName
		}
		return Plafond{}, ErrDuplicateName
	}

	out, err := s.store.Create(ctx, p)
	if err != nil {
		return Plafond{}, err
	}
	s.logger.Info("plafond created", zap.String("plafond_id", out.ID), zap.String("name", out.Name), zap.String("actor_id", actor.ID))
	return out, nil
}

func (s *Service) Update(ctx context.Context, actor auth.Actor, id string, p Params) (Plafond, error) {
	if err := requireAdmin(actor); err != nil {
		return Plafond{}, err
	}
	p, err := normalise(p)
	if err != nil {
		return Plafond{}, err
	}
	if _, err := s.store.Get(ctx, id, false); err != nil {
		return Plafond{}, err
	}
	taken, deleted, err := s.store.NameTaken(ctx, p.Name, id)
	if err != nil {
		return Plafond{}, err
	}
	if taken {
		if deleted {
			return Plafond{}, ErrDeletedName
		}
		return Plafond{}, ErrDuplicateName
	}
	return s.store.Update(ctx, id, p)
}

// Delete soft-deletes a template that nothing references.
func (s *Service) Delete(ctx context.Context, actor auth.Actor, id string) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	if _, err := s.store.Get(ctx, id, false); err != nil {
		return err
	}
	used, err := s.store.InUse(ctx, id)
	if err != nil {
		return err
	}
	if used {
		return ErrInUse
	}
	if _, err := s.store.SetDeleted(ctx, id, true); err != nil {
		return err
	}
	s.logger.Info("plafond deleted", zap.String("plafond_id", id), zap.String("actor_id", actor.ID))
	return nil
}

func (s *Service) Restore(ctx context.Context, actor auth.Actor, id string) (Plafond, error) {
	if err := requireAdmin(actor); err != nil {
		return Plafond{}, err
	}
	return s.store.SetDeleted(ctx, id, false)
}

func requireAdmin(actor auth.Actor) error {
	if actor.Role != auth.RoleSuperAdmin {
		return apperr.Rule("plafond: only %s may manage templates", auth.RoleSuperAdmin)
	}
	return nil
}

func normalise(p Params) (Params, error) {
	p.Name = strings.TrimSpace(p.Name)
	p.Description = strings.TrimSpace(p.Description)
	switch {
	case p.Name == "":
		return p, apperr.Rule("plafond: name is required")
	case !p.MaxAmount.IsPositive():
		return p, apperr.Rule("plafond: max amount must be positive")
	case p.InterestRate.IsNegative():
		return p, apperr.Rule("plafond: interest rate must not be negative")
	case p.TenorMin <= 0:
		return p, apperr.Rule("plafond: minimum tenor must be positive")
	case p.TenorMin > p.TenorMax:
		return p, apperr.Rule("plafond: minimum tenor %d exceeds maximum %d", p.TenorMin, p.TenorMax)
	}
	p.MaxAmount = p.MaxAmount.Round(2)
	p.InterestRate = p.InterestRate.Round(2)
	return p, nil
}
