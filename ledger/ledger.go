// Package ledger owns each customer's active credit grant and moves its
// remaining balance in lock-step with loan transitions.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"loanflow/apperr"
	"loanflow/auth"
	"loanflow/db"
)

var (
	// ErrNoActiveGrant signals the customer holds no active grant.
	ErrNoActiveGrant = apperr.Rule("ledger: customer has no active credit grant")
	// ErrInsufficientCredit signals the amount exceeds the remaining balance.
	ErrInsufficientCredit = apperr.Rule("ledger: amount exceeds remaining credit")
	// ErrCorrupted signals arithmetic that would leave the balance outside [0, max].
	// It is a programming error and aborts the enclosing transaction.
	ErrCorrupted = errors.New("ledger: balance would leave [0, max]")
)

// Store is the SQL surface the ledger needs.
type Store interface {
	LockActive(ctx context.Context, q db.Querier, customerID string) (Grant, error)
	Active(ctx context.Context, q db.Querier, customerID string) (Grant, error)
	History(ctx context.Context, q db.Querier, customerID string) ([]Grant, error)
	SetRemaining(ctx context.Context, q db.Querier, grantID string, remaining decimal.Decimal, version int64) (Grant, error)
	Deactivate(ctx context.Context, q db.Querier, grantID string) error
	Insert(ctx context.Context, q db.Querier, params AssignParams) (Grant, error)
	IsCustomer(ctx context.Context, q db.Querier, id string) (bool, error)
	Ceiling(ctx context.Context, q db.Querier, plafondID string) (decimal.Decimal, error)
	HasOutstanding(ctx context.Context, q db.Querier, customerID string) (bool, error)
}

// Ledger is the credit ledger.
type Ledger struct {
	pool   db.TxBeginner
	reader db.Querier
	store  Store
	logger *zap.Logger
}

// New wires the ledger. pool must also satisfy db.Querier for read paths;
// *pgxpool.Pool does.
func New(pool interface {
	db.TxBeginner
	db.Querier
}, store Store, logger *zap.Logger) *Ledger {
	if store == nil {
		store = NewRepository()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{pool: pool, reader: pool, store: store, logger: logger}
}

// Assign gives the customer a fresh grant against a template, deactivating
// the previous one. Refused while an application is outstanding, because its
// eventual refund must land on the grant it was reserved from.
func (l *Ledger) Assign(ctx context.Context, actor auth.Actor, params AssignParams) (Grant, error) {
	if actor.Role != auth.RoleSuperAdmin {
		return Grant{}, apperr.Rule("ledger: only %s may assign credit", auth.RoleSuperAdmin)
	}
	if !params.MaxAmount.IsPositive() {
		return Grant{}, apperr.Rule("ledger: max amount must be positive")
	}
	params.MaxAmount = params.MaxAmount.Round(2)

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return Grant{}, apperr.Storage("ledger: begin tx", err)
	}
	defer tx.Rollback(ctx)

	ok, err := l.store.IsCustomer(ctx, tx, params.CustomerID)
	if err != nil {
		return Grant{}, err
	}
	if !ok {
		return Grant{}, apperr.NotFound("ledger: customer %s not found", params.CustomerID)
	}
	ceiling, err := l.store.Ceiling(ctx, tx, params.PlafondID)
	if err != nil {
		return Grant{}, err
	}
	if params.MaxAmount.GreaterThan(ceiling) {
		return Grant{}, apperr.Rule("ledger: max amount %s exceeds template ceiling %s", params.MaxAmount.StringFixed(2), ceiling.StringFixed(2))
	}

	current, err := l.store.LockActive(ctx, tx, params.CustomerID)
	switch {
	case err == nil:
		outstanding, err := l.store.HasOutstanding(ctx, tx, params.CustomerID)
		if err != nil {
			return Grant{}, err
		}
		if outstanding {
			return Grant{}, apperr.Rule("ledger: customer %s has an application in progress", params.CustomerID)
		}
		if err := l.store.Deactivate(ctx, tx, current.ID); err != nil {
			return Grant{}, err
		}
	case errors.Is(err, ErrNoActiveGrant):
	default:
		return Grant{}, err
	}

	grant, err := l.store.Insert(ctx, tx, params)
	if err != nil {
		return Grant{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Grant{}, apperr.FromPg("ledger: commit assign", err)
	}

	l.logger.Info("credit assigned",
		zap.String("customer_id", grant.CustomerID),
		zap.String("grant_id", grant.ID),
		zap.String("max_amount", grant.MaxAmount.StringFixed(2)),
		zap.String("actor_id", actor.ID),
	)
	return grant, nil
}

// Lock loads and row-locks the customer's active grant inside tx without
// moving the balance. Submissions take it first so concurrent submissions for
// one customer serialize.
func (l *Ledger) Lock(ctx context.Context, tx pgx.Tx, customerID string) (Grant, error) {
	return l.store.LockActive(ctx, tx, customerID)
}

// Reserve decrements the customer's active grant inside tx.
func (l *Ledger) Reserve(ctx context.Context, tx pgx.Tx, customerID string, amount decimal.Decimal) (Grant, error) {
	if !amount.IsPositive() {
		return Grant{}, apperr.Rule("ledger: amount must be positive")
	}
	g, err := l.store.LockActive(ctx, tx, customerID)
	if err != nil {
		return Grant{}, err
	}
	if amount.GreaterThan(g.RemainingAmount) {
		return Grant{}, fmt.Errorf("%w: requested %s, remaining %s", ErrInsufficientCredit, amount.StringFixed(2), g.RemainingAmount.StringFixed(2))
	}
	return l.move(ctx, tx, g, g.RemainingAmount.Sub(amount))
}

// Release refunds amount to the customer's active grant inside tx. With no
// active grant the refund fails rather than being dropped.
func (l *Ledger) Release(ctx context.Context, tx pgx.Tx, customerID string, amount decimal.Decimal) (Grant, error) {
	if !amount.IsPositive() {
		return Grant{}, apperr.Rule("ledger: amount must be positive")
	}
	g, err := l.store.LockActive(ctx, tx, customerID)
	if err != nil {
		if errors.Is(err, ErrNoActiveGrant) {
			l.logger.Error("refund has no active grant", zap.String("customer_id", customerID), zap.String("amount", amount.StringFixed(2)))
		}
		return Grant{}, err
	}
	return l.move(ctx, tx, g, g.RemainingAmount.Add(amount))
}

// Active returns the customer's active grant.
func (l *Ledger) Active(ctx context.Context, customerID string) (Grant, error) {
	return l.store.Active(ctx, l.reader, customerID)
}

// History returns every grant the customer held, newest first.
func (l *Ledger) History(ctx context.Context, customerID string) ([]Grant, error) {
	return l.store.History(ctx, l.reader, customerID)
}

func (l *Ledger) move(ctx context.Context, tx pgx.Tx, g Grant, next decimal.Decimal) (Grant, error) {
	if next.IsNegative() || next.GreaterThan(g.MaxAmount) {
		l.logger.Error("ledger arithmetic out of bounds",
			zap.String("grant_id", g.ID),
			zap.String("remaining", g.RemainingAmount.StringFixed(2)),
			zap.String("next", next.StringFixed(2)),
			zap.String("max", g.MaxAmount.StringFixed(2)),
		)
		return Grant{}, apperr.Storage("ledger: move balance", fmt.Errorf("%w: grant %s next %s", ErrCorrupted, g.ID, next.StringFixed(2)))
	}
	return l.store.SetRemaining(ctx, tx, g.ID, next, g.Version)
}
