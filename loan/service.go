// Package loan runs the application pipeline: submission, marketing review,
// branch approval and back-office disbursement, with credit moving in the
// same transaction as each status change.
package loan

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"loanflow/apperr"
	"loanflow/audit"
	"loanflow/auth"
	"loanflow/blob"
	"loanflow/db"
	"loanflow/ledger"
	"loanflow/notify"
	"loanflow/plafond"
	"loanflow/profile"
)

// Store is the application persistence the service needs.
type Store interface {
	Insert(ctx context.Context, q db.Querier, a Application) (Application, error)
	Lock(ctx context.Context, q db.Querier, id string) (Application, error)
	Get(ctx context.Context, q db.Querier, id string) (Application, error)
	UpdateStatus(ctx context.Context, q db.Querier, id string, status Status, version int64) (Application, error)
	HasOutstanding(ctx context.Context, q db.Querier, customerID string) (bool, error)
	List(ctx context.Context, q db.Querier, f Filter) ([]Application, error)
}

// CreditLedger moves credit inside the caller's transaction.
type CreditLedger interface {
	Lock(ctx context.Context, tx pgx.Tx, customerID string) (ledger.Grant, error)
	Reserve(ctx context.Context, tx pgx.Tx, customerID string, amount decimal.Decimal) (ledger.Grant, error)
	Release(ctx context.Context, tx pgx.Tx, customerID string, amount decimal.Decimal) (ledger.Grant, error)
}

// AuditTrail appends and reads transition history.
type AuditTrail interface {
	Record(ctx context.Context, tx pgx.Tx, e audit.Entry) (audit.Entry, error)
	List(ctx context.Context, applicationID string) ([]audit.Entry, error)
}

type ProfileReader interface {
	GetByUser(ctx context.Context, q db.Querier, userID string) (profile.Profile, error)
}

type TemplateReader interface {
	Get(ctx context.Context, id string) (plafond.Plafond, error)
}

type BranchChecker interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// Deps bundles the collaborators of a Service.
type Deps struct {
	Pool      db.TxBeginner
	Reader    db.Querier
	Store     Store
	Ledger    CreditLedger
	Audit     AuditTrail
	Profiles  ProfileReader
	Templates TemplateReader
	Branches  BranchChecker
	Blobs     blob.Store
	Notifier  notify.Notifier
}

// Service is the application state machine.
type Service struct {
	Deps
	logger *zap.Logger
}

// Option customises a Service.
type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewService(deps Deps, opts ...Option) *Service {
	if deps.Store == nil {
		deps.Store = NewRepository()
	}
	s := &Service{Deps: deps, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit files a new application for the customer, reserving credit and
// snapshotting the profile in one transaction.
func (s *Service) Submit(ctx context.Context, actor auth.Actor, req SubmitRequest) (Application, error) {
	if actor.Role != submission.Role {
		return Application{}, fmt.Errorf("%w: only %s may submit applications", ErrWrongRole, submission.Role)
	}
	if err := validateSubmit(&req); err != nil {
		return Application{}, err
	}
	ok, err := s.Branches.Exists(ctx, req.BranchID)
	if err != nil {
		return Application{}, err
	}
	if !ok {
		return Application{}, apperr.NotFound("loan: branch %s not found", req.BranchID)
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return Application{}, apperr.Storage("loan: begin tx", err)
	}
	defer tx.Rollback(ctx)

	blobs := &blobBatch{store: s.Blobs}
	committed := false
	defer func() {
		if committed {
			return
		}
		for _, ref := range blobs.written {
			if err := s.Blobs.Delete(context.WithoutCancel(ctx), ref); err != nil {
				s.logger.Warn("orphaned submission blob", zap.String("ref", ref), zap.Error(err))
			}
		}
	}()

	prof, err := s.Profiles.GetByUser(ctx, tx, actor.ID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return Application{}, apperr.Rule("loan: complete your profile before applying")
		}
		return Application{}, err
	}

	grant, err := s.Ledger.Lock(ctx, tx, actor.ID)
	if err != nil {
		return Application{}, err
	}
	outstanding, err := s.Store.HasOutstanding(ctx, tx, actor.ID)
	if err != nil {
		return Application{}, err
	}
	if outstanding {
		return Application{}, ErrOutstanding
	}
	if grant.PlafondID != req.PlafondID {
		return Application{}, apperr.Rule("loan: selected plafond does not match your active credit")
	}
	if req.Amount.GreaterThan(grant.RemainingAmount) {
		return Application{}, fmt.Errorf("%w: requested %s, remaining %s",
			ledger.ErrInsufficientCredit, req.Amount.StringFixed(2), grant.RemainingAmount.StringFixed(2))
	}
	tmpl, err := s.Templates.Get(ctx, grant.PlafondID)
	if err != nil {
		return Application{}, err
	}
	if !tmpl.AllowsTenor(req.Tenor) {
		return Application{}, apperr.Rule("loan: tenor must be between %d and %d months for %s", tmpl.TenorMin, tmpl.TenorMax, tmpl.Name)
	}

	snap, err := takeSnapshot(ctx, blobs, prof)
	if err != nil {
		return Application{}, err
	}
	docs, err := storeDocuments(ctx, blobs, req)
	if err != nil {
		return Application{}, err
	}

	var company *string
	if c := strings.TrimSpace(req.CompanyName); c != "" {
		company = &c
	}
	app, err := s.Store.Insert(ctx, tx, Application{
		CustomerID:    actor.ID,
		BranchID:      req.BranchID,
		PlafondID:     req.PlafondID,
		Amount:        req.Amount,
		Tenor:         req.Tenor,
		Status:        submission.To,
		Occupation:    req.Occupation,
		CompanyName:   company,
		AccountNumber: req.AccountNumber,
		Snapshot:      snap,
		Documents:     docs,
	})
	if err != nil {
		return Application{}, err
	}

	if _, err := s.Ledger.Reserve(ctx, tx, actor.ID, app.Amount); err != nil {
		return Application{}, err
	}
	if err := s.record(ctx, tx, app, actor, submission, submission.DefaultComment); err != nil {
		return Application{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Application{}, apperr.FromPg("loan: commit submission", err)
	}
	committed = true

	s.logger.Info("loan application submitted",
		zap.String("application_id", app.ID),
		zap.String("customer_id", actor.ID),
		zap.String("branch_id", app.BranchID),
		zap.String("amount", app.Amount.StringFixed(2)),
		zap.Int("tenor", app.Tenor),
	)
	return app, nil
}

// Proceed moves a reviewed application on to branch approval.
func (s *Service) Proceed(ctx context.Context, actor auth.Actor, id, comment string) (Application, error) {
	return s.apply(ctx, actor, id, ActionProceed, comment)
}

// Approve moves an application on to disbursement.
func (s *Service) Approve(ctx context.Context, actor auth.Actor, id, comment string) (Application, error) {
	return s.apply(ctx, actor, id, ActionApprove, comment)
}

// Disburse completes an approved application.
func (s *Service) Disburse(ctx context.Context, actor auth.Actor, id, comment string) (Application, error) {
	return s.apply(ctx, actor, id, ActionDisburse, comment)
}

// Reject ends the application at whichever stage the actor owns and refunds
// the reserved credit.
func (s *Service) Reject(ctx context.Context, actor auth.Actor, id, comment string) (Application, error) {
	return s.apply(ctx, actor, id, ActionReject, comment)
}

func (s *Service) apply(ctx context.Context, actor auth.Actor, id string, action Action, comment string) (Application, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return Application{}, apperr.Storage("loan: begin tx", err)
	}
	defer tx.Rollback(ctx)

	app, err := s.Store.Lock(ctx, tx, id)
	if err != nil {
		return Application{}, err
	}
	from := app.Status

	t, comment, err := Guard(app.Status, app.BranchID, action, actor, comment)
	if err != nil {
		return Application{}, err
	}

	updated, err := s.Store.UpdateStatus(ctx, tx, app.ID, t.To, app.Version)
	if err != nil {
		return Application{}, err
	}
	if t.Release {
		if _, err := s.Ledger.Release(ctx, tx, app.CustomerID, app.Amount); err != nil {
			return Application{}, err
		}
	}
	if err := s.record(ctx, tx, updated, actor, t, comment); err != nil {
		return Application{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Application{}, apperr.FromPg("loan: commit transition", err)
	}

	s.logger.Info("loan application transitioned",
		zap.String("application_id", updated.ID),
		zap.String("action", string(action)),
		zap.String("from", string(from)),
		zap.String("to", string(updated.Status)),
		zap.String("actor_id", actor.ID),
		zap.String("actor_role", string(actor.Role)),
	)
	return updated, nil
}

// record writes the audit entry and queues the customer notification.
func (s *Service) record(ctx context.Context, tx pgx.Tx, app Application, actor auth.Actor, t Transition, comment string) error {
	if _, err := s.Audit.Record(ctx, tx, audit.Entry{
		ApplicationID: app.ID,
		ActorID:       actor.ID,
		ActorRole:     actor.Role,
		Status:        string(t.To),
		Comment:       comment,
	}); err != nil {
		return err
	}
	return s.Notifier.Notify(ctx, tx, app.CustomerID, t.Title, t.Body(app, comment))
}

// GetDetail returns an application the actor may see.
func (s *Service) GetDetail(ctx context.Context, actor auth.Actor, id string) (Application, error) {
	app, err := s.Store.Get(ctx, s.Reader, id)
	if err != nil {
		return Application{}, err
	}
	if !canView(actor, app) {
		return Application{}, apperr.Rule("loan: you may not view this application")
	}
	return app, nil
}

// GetHistory returns the application's audit trail, newest first.
func (s *Service) GetHistory(ctx context.Context, actor auth.Actor, id string) ([]audit.Entry, error) {
	if _, err := s.GetDetail(ctx, actor, id); err != nil {
		return nil, err
	}
	return s.Audit.List(ctx, id)
}

// ListMine returns the customer's own applications, newest first.
func (s *Service) ListMine(ctx context.Context, actor auth.Actor) ([]Application, error) {
	if actor.Role != auth.RoleCustomer {
		return nil, fmt.Errorf("%w: only customers have their own applications", ErrWrongRole)
	}
	return s.Store.List(ctx, s.Reader, Filter{CustomerID: actor.ID})
}

// ListQueue returns the applications waiting on the actor's role, oldest first.
func (s *Service) ListQueue(ctx context.Context, actor auth.Actor) ([]Application, error) {
	for _, t := range transitions {
		if t.Role != actor.Role || t.Action == ActionReject {
			continue
		}
		f := Filter{Status: t.From, OldestFirst: true}
		if t.BranchScoped {
			if actor.BranchID == "" {
				return nil, ErrNotYourBranch
			}
			f.BranchID = actor.BranchID
		}
		return s.Store.List(ctx, s.Reader, f)
	}
	return nil, fmt.Errorf("%w: %s has no work queue", ErrWrongRole, actor.Role)
}

// ListVisible returns every application the actor may see, newest first.
func (s *Service) ListVisible(ctx context.Context, actor auth.Actor) ([]Application, error) {
	var f Filter
	switch {
	case actor.Role == auth.RoleSuperAdmin || actor.Role == auth.RoleBackOffice:
	case actor.Role.BranchScoped():
		if actor.BranchID == "" {
			return nil, ErrNotYourBranch
		}
		f.BranchID = actor.BranchID
	case actor.Role == auth.RoleCustomer:
		f.CustomerID = actor.ID
	default:
		return nil, ErrWrongRole
	}
	return s.Store.List(ctx, s.Reader, f)
}

func canView(actor auth.Actor, app Application) bool {
	switch actor.Role {
	case auth.RoleSuperAdmin, auth.RoleBackOffice:
		return true
	case auth.RoleMarketing, auth.RoleBranchManager:
		return actor.BranchID != "" && actor.BranchID == app.BranchID
	case auth.RoleCustomer:
		return actor.ID == app.CustomerID
	}
	return false
}

func validateSubmit(req *SubmitRequest) error {
	req.BranchID = strings.TrimSpace(req.BranchID)
	req.PlafondID = strings.TrimSpace(req.PlafondID)
	req.Occupation = strings.TrimSpace(req.Occupation)
	req.AccountNumber = strings.TrimSpace(req.AccountNumber)
	switch {
	case req.BranchID == "" || req.PlafondID == "":
		return apperr.Rule("loan: branch and plafond are required")
	case !req.Amount.IsPositive():
		return apperr.Rule("loan: amount must be greater than zero")
	case req.Amount.Exponent() < -2 && !req.Amount.Equal(req.Amount.Round(2)):
		return apperr.Rule("loan: amount has more than two decimal places")
	case req.Tenor <= 0:
		return apperr.Rule("loan: tenor must be greater than zero")
	case req.Occupation == "" || req.AccountNumber == "":
		return apperr.Rule("loan: occupation and account number are required")
	case req.SavingBookCover == nil || req.PayslipPhoto == nil:
		return apperr.Rule("loan: saving book cover and payslip are required")
	}
	return nil
}
