package infra

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"loanflow/audit"
	"loanflow/auth"
	"loanflow/blob"
	"loanflow/branch"
	"loanflow/ledger"
	"loanflow/loan"
	"loanflow/notify"
	"loanflow/plafond"
	"loanflow/profile"
)

// Stack is the service graph the stress actors drive, wired the way the API
// process wires it but with blobs kept in memory.
type Stack struct {
	Loans  *loan.Service
	Ledger *ledger.Ledger
	Relay  *notify.Relay
	Blobs  blob.Store
}

func NewStack(pool *pgxpool.Pool, logger *zap.Logger) *Stack {
	if logger == nil {
		logger = zap.NewNop()
	}
	blobs := blob.NewStore(afero.NewMemMapFs())
	credit := ledger.New(pool, nil, logger)
	loans := loan.NewService(loan.Deps{
		Pool:      pool,
		Reader:    pool,
		Ledger:    credit,
		Audit:     audit.NewTrail(pool),
		Profiles:  profile.NewRepository(pool),
		Templates: plafond.NewService(plafond.NewRepository(pool), logger),
		Branches:  branch.NewService(branch.NewRepository(pool)),
		Blobs:     blobs,
		Notifier:  notify.NewOutboxNotifier(),
	}, loan.WithLogger(logger))
	relay := notify.NewRelay(pool, nil, notify.RelayConfig{BatchSize: 100, MaxAttempts: 5}, logger,
		notify.NewInboxSink(notify.NewInboxRepository(pool)))
	return &Stack{Loans: loans, Ledger: credit, Relay: relay, Blobs: blobs}
}

// World is the seeded population.
type World struct {
	BranchID   string
	PlafondID  string
	Admin      auth.Actor
	Marketing  auth.Actor
	Manager    auth.Actor
	BackOffice auth.Actor
	Customers  []auth.Actor
	Ceiling    decimal.Decimal
}

// Seed creates one branch, one template, the staff for every pipeline stage
// and customers with completed profiles and a fresh grant of ceiling each.
func Seed(ctx context.Context, pool *pgxpool.Pool, stack *Stack, customers int, ceiling decimal.Decimal) (World, error) {
	users := auth.NewRepository(pool)
	tag := fmt.Sprintf("%09d", time.Now().UnixNano()%1_000_000_000)

	b, err := branch.NewRepository(pool).Create(ctx, branch.CreateParams{Code: "STR" + tag, Name: "Stress " + tag, Address: "Jl. Gatot Subroto 10"})
	if err != nil {
		return World{}, fmt.Errorf("seed branch: %w", err)
	}
	p, err := plafond.NewRepository(pool).Create(ctx, plafond.Params{
		Name: "Stress Gold " + tag, MaxAmount: ceiling.Mul(decimal.NewFromInt(10)), InterestRate: decimal.RequireFromString("1.50"),
		TenorMin: 6, TenorMax: 36,
	})
	if err != nil {
		return World{}, fmt.Errorf("seed plafond: %w", err)
	}

	w := World{BranchID: b.ID, PlafondID: p.ID, Ceiling: ceiling}
	newUser := func(name string, role auth.Role, branchID *string) (auth.Actor, error) {
		u, err := users.CreateUser(ctx, auth.CreateUserParams{
			Username: name + tag, Email: name + tag + "@stress.test", PasswordHash: "-", Role: role, BranchID: branchID,
		})
		if err != nil {
			return auth.Actor{}, fmt.Errorf("seed %s: %w", name, err)
		}
		return u.Actor(), nil
	}

	if w.Admin, err = newUser("admin", auth.RoleSuperAdmin, nil); err != nil {
		return World{}, err
	}
	if w.Marketing, err = newUser("marketing", auth.RoleMarketing, &b.ID); err != nil {
		return World{}, err
	}
	if w.Manager, err = newUser("manager", auth.RoleBranchManager, &b.ID); err != nil {
		return World{}, err
	}
	if w.BackOffice, err = newUser("backoffice", auth.RoleBackOffice, nil); err != nil {
		return World{}, err
	}

	profiles := profile.NewRepository(pool)
	for i := 0; i < customers; i++ {
		c, err := newUser(fmt.Sprintf("customer%d_", i), auth.RoleCustomer, nil)
		if err != nil {
			return World{}, err
		}
		ktp, err := stack.Blobs.Store(ctx, blob.DirProfiles, "ktp.jpg", strings.NewReader("ktp-"+c.ID))
		if err != nil {
			return World{}, fmt.Errorf("seed ktp: %w", err)
		}
		if _, err := profiles.Insert(ctx, profile.Profile{
			UserID:      c.ID,
			FullName:    fmt.Sprintf("Customer %d", i),
			PhoneNumber: fmt.Sprintf("+62812%s%05d", tag[len(tag)-4:], i),
			Address:     "Jl. Stress " + tag,
			NIK:         fmt.Sprintf("31%s%05d", tag, i),
			BirthDate:   time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC),
			KTPPhoto:    ktp,
		}); err != nil {
			return World{}, fmt.Errorf("seed profile: %w", err)
		}
		if _, err := stack.Ledger.Assign(ctx, w.Admin, ledger.AssignParams{CustomerID: c.ID, PlafondID: p.ID, MaxAmount: ceiling}); err != nil {
			return World{}, fmt.Errorf("seed grant: %w", err)
		}
		w.Customers = append(w.Customers, c)
	}
	return w, nil
}
