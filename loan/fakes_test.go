package loan

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"loanflow/apperr"
	"loanflow/audit"
	"loanflow/auth"
	"loanflow/blob"
	"loanflow/db"
	"loanflow/ledger"
	"loanflow/plafond"
	"loanflow/profile"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type sent struct {
	CustomerID string
	Title      string
	Body       string
}

// state is everything a transaction can touch.
type state struct {
	apps    map[string]Application
	grants  []ledger.Grant
	entries []audit.Entry
	outbox  []sent
}

func (s state) clone() state {
	out := state{apps: make(map[string]Application, len(s.apps))}
	for k, v := range s.apps {
		out.apps[k] = v
	}
	out.grants = append([]ledger.Grant(nil), s.grants...)
	out.entries = append([]audit.Entry(nil), s.entries...)
	out.outbox = append([]sent(nil), s.outbox...)
	return out
}

// world is an in-memory database. A transaction holds mu from Begin until
// Commit or Rollback, so transactions are serial; Rollback restores the
// state captured at Begin.
type world struct {
	mu       sync.Mutex
	st       state
	seq      int
	profiles map[string]profile.Profile
	plafonds map[string]plafond.Plafond
	branches map[string]bool
	now      time.Time

	// failAudit makes the next audit insert fail.
	failAudit bool
}

func newWorld() *world {
	return &world{
		st:       state{apps: map[string]Application{}},
		profiles: map[string]profile.Profile{},
		plafonds: map[string]plafond.Plafond{},
		branches: map[string]bool{},
		now:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

// read runs fn under the world lock unless q is already a transaction.
func (w *world) read(q db.Querier, fn func()) {
	if _, ok := q.(*fakeTx); ok {
		fn()
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	fn()
}

func (w *world) nextID(prefix string) string {
	w.seq++
	return fmt.Sprintf("%s-%d", prefix, w.seq)
}

func (w *world) tick() time.Time {
	w.now = w.now.Add(time.Minute)
	return w.now
}

type fakePool struct {
	w *world
}

func (p *fakePool) Begin(context.Context) (pgx.Tx, error) {
	p.w.mu.Lock()
	return &fakeTx{w: p.w, saved: p.w.st.clone()}, nil
}

func (p *fakePool) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (p *fakePool) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (p *fakePool) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

type fakeTx struct {
	pgx.Tx
	w     *world
	saved state
	done  bool
}

func (t *fakeTx) Commit(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.w.mu.Unlock()
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.w.st = t.saved
	t.w.mu.Unlock()
	return nil
}

// appStore implements Store.
type appStore struct{ w *world }

func (s appStore) Insert(_ context.Context, _ db.Querier, a Application) (Application, error) {
	for _, other := range s.w.st.apps {
		if other.CustomerID == a.CustomerID && !other.Status.Terminal() {
			return Application{}, ErrOutstanding
		}
	}
	now := s.w.tick()
	a.ID = s.w.nextID("app")
	a.Version = 1
	a.SubmittedAt = now
	a.CreatedAt = now
	a.UpdatedAt = now
	s.w.st.apps[a.ID] = a
	return a, nil
}

func (s appStore) Lock(ctx context.Context, q db.Querier, id string) (Application, error) {
	return s.Get(ctx, q, id)
}

func (s appStore) Get(_ context.Context, q db.Querier, id string) (Application, error) {
	var (
		a  Application
		ok bool
	)
	s.w.read(q, func() { a, ok = s.w.st.apps[id] })
	if !ok {
		return Application{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a, nil
}

func (s appStore) UpdateStatus(_ context.Context, _ db.Querier, id string, status Status, version int64) (Application, error) {
	a, ok := s.w.st.apps[id]
	if !ok || a.Version != version {
		return Application{}, apperr.Conflict("loan: application %s changed concurrently", id)
	}
	a.Status = status
	a.Version++
	a.UpdatedAt = s.w.tick()
	s.w.st.apps[id] = a
	return a, nil
}

func (s appStore) HasOutstanding(_ context.Context, q db.Querier, customerID string) (bool, error) {
	var found bool
	s.w.read(q, func() {
		for _, a := range s.w.st.apps {
			if a.CustomerID == customerID && !a.Status.Terminal() {
				found = true
			}
		}
	})
	return found, nil
}

func (s appStore) List(_ context.Context, q db.Querier, f Filter) ([]Application, error) {
	var out []Application
	s.w.read(q, func() {
		for _, a := range s.w.st.apps {
			switch {
			case f.CustomerID != "" && a.CustomerID != f.CustomerID:
			case f.BranchID != "" && a.BranchID != f.BranchID:
			case f.Status != "" && a.Status != f.Status:
			default:
				out = append(out, a)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if f.OldestFirst {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].SubmittedAt.After(out[j].SubmittedAt)
	})
	return out, nil
}

// grantStore implements ledger.Store so the real ledger runs against the world.
type grantStore struct{ w *world }

func (s grantStore) find(customerID string) int {
	for i, g := range s.w.st.grants {
		if g.CustomerID == customerID && g.Active {
			return i
		}
	}
	return -1
}

func (s grantStore) LockActive(_ context.Context, _ db.Querier, customerID string) (ledger.Grant, error) {
	i := s.find(customerID)
	if i < 0 {
		return ledger.Grant{}, ledger.ErrNoActiveGrant
	}
	return s.w.st.grants[i], nil
}

func (s grantStore) Active(_ context.Context, q db.Querier, customerID string) (ledger.Grant, error) {
	var (
		g ledger.Grant
		i int
	)
	s.w.read(q, func() {
		if i = s.find(customerID); i >= 0 {
			g = s.w.st.grants[i]
		}
	})
	if i < 0 {
		return ledger.Grant{}, apperr.NotFound("ledger: no active grant for %s", customerID)
	}
	return g, nil
}

func (s grantStore) History(_ context.Context, q db.Querier, customerID string) ([]ledger.Grant, error) {
	var out []ledger.Grant
	s.w.read(q, func() {
		for _, g := range s.w.st.grants {
			if g.CustomerID == customerID {
				out = append([]ledger.Grant{g}, out...)
			}
		}
	})
	return out, nil
}

func (s grantStore) SetRemaining(_ context.Context, _ db.Querier, id string, remaining decimal.Decimal, version int64) (ledger.Grant, error) {
	for i, g := range s.w.st.grants {
		if g.ID != id {
			continue
		}
		if g.Version != version {
			return ledger.Grant{}, apperr.Conflict("ledger: grant %s changed concurrently", id)
		}
		g.RemainingAmount = remaining
		g.Version++
		s.w.st.grants[i] = g
		return g, nil
	}
	return ledger.Grant{}, apperr.Conflict("ledger: grant %s vanished", id)
}

func (s grantStore) Deactivate(_ context.Context, _ db.Querier, id string) error {
	for i := range s.w.st.grants {
		if s.w.st.grants[i].ID == id {
			s.w.st.grants[i].Active = false
		}
	}
	return nil
}

func (s grantStore) Insert(_ context.Context, _ db.Querier, p ledger.AssignParams) (ledger.Grant, error) {
	g := ledger.Grant{
		ID:              s.w.nextID("grant"),
		CustomerID:      p.CustomerID,
		PlafondID:       p.PlafondID,
		PlafondName:     s.w.plafonds[p.PlafondID].Name,
		MaxAmount:       p.MaxAmount,
		RemainingAmount: p.MaxAmount,
		Active:          true,
		Version:         1,
		AssignedAt:      s.w.tick(),
	}
	s.w.st.grants = append(s.w.st.grants, g)
	return g, nil
}

func (s grantStore) IsCustomer(_ context.Context, _ db.Querier, id string) (bool, error) {
	_, ok := s.w.profiles[id]
	return ok || strings.HasPrefix(id, "cust"), nil
}

func (s grantStore) Ceiling(_ context.Context, _ db.Querier, id string) (decimal.Decimal, error) {
	p, ok := s.w.plafonds[id]
	if !ok {
		return decimal.Decimal{}, apperr.NotFound("plafond %s", id)
	}
	return p.MaxAmount, nil
}

func (s grantStore) HasOutstanding(ctx context.Context, q db.Querier, customerID string) (bool, error) {
	return appStore(s).HasOutstanding(ctx, q, customerID)
}

type trail struct{ w *world }

func (t trail) Record(_ context.Context, _ pgx.Tx, e audit.Entry) (audit.Entry, error) {
	if t.w.failAudit {
		t.w.failAudit = false
		return audit.Entry{}, apperr.Storage("audit: record", fmt.Errorf("disk full"))
	}
	e.ID = int64(len(t.w.st.entries) + 1)
	e.CreatedAt = t.w.now
	t.w.st.entries = append(t.w.st.entries, e)
	return e, nil
}

func (t trail) List(_ context.Context, applicationID string) ([]audit.Entry, error) {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	var out []audit.Entry
	for i := len(t.w.st.entries) - 1; i >= 0; i-- {
		if t.w.st.entries[i].ApplicationID == applicationID {
			out = append(out, t.w.st.entries[i])
		}
	}
	return out, nil
}

type notifier struct{ w *world }

func (n notifier) Notify(_ context.Context, _ pgx.Tx, customerID, title, body string) error {
	n.w.st.outbox = append(n.w.st.outbox, sent{CustomerID: customerID, Title: title, Body: body})
	return nil
}

type profiles struct{ w *world }

func (p profiles) GetByUser(_ context.Context, _ db.Querier, userID string) (profile.Profile, error) {
	pr, ok := p.w.profiles[userID]
	if !ok {
		return profile.Profile{}, profile.ErrNotFound
	}
	return pr, nil
}

func (p profiles) Conflict(context.Context, string, string, string, string) (string, error) {
	return "", nil
}

func (p profiles) Insert(_ context.Context, pr profile.Profile) (profile.Profile, error) {
	p.w.profiles[pr.UserID] = pr
	return pr, nil
}

func (p profiles) Update(_ context.Context, pr profile.Profile) (profile.Profile, error) {
	if _, ok := p.w.profiles[pr.UserID]; !ok {
		return profile.Profile{}, profile.ErrNotFound
	}
	pr.UpdatedAt = p.w.tick()
	p.w.profiles[pr.UserID] = pr
	return pr, nil
}

type templates struct{ w *world }

func (t templates) Get(_ context.Context, id string) (plafond.Plafond, error) {
	p, ok := t.w.plafonds[id]
	if !ok {
		return plafond.Plafond{}, plafond.ErrNotFound
	}
	return p, nil
}

type branches struct{ w *world }

func (b branches) Exists(_ context.Context, id string) (bool, error) {
	return b.w.branches[id], nil
}

// fixture is a service over a world seeded with one customer holding a
// 10,000,000 grant on the "gold" template in branch "jkt".
type fixture struct {
	svc      *Service
	w        *world
	ledger   *ledger.Ledger
	blobs    *trackingBlobs
	profiles *profile.Service

	customer  auth.Actor
	marketing auth.Actor
	manager   auth.Actor
	backOff   auth.Actor
	admin     auth.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	w := newWorld()
	pool := &fakePool{w: w}
	blobs := &trackingBlobs{inner: blob.NewStore(afero.NewMemMapFs())}

	f := &fixture{
		w:         w,
		blobs:     blobs,
		customer:  auth.Actor{ID: "cust-1", Role: auth.RoleCustomer},
		marketing: auth.Actor{ID: "mkt-1", Role: auth.RoleMarketing, BranchID: "jkt"},
		manager:   auth.Actor{ID: "bm-1", Role: auth.RoleBranchManager, BranchID: "jkt"},
		backOff:   auth.Actor{ID: "bo-1", Role: auth.RoleBackOffice},
		admin:     auth.Actor{ID: "root", Role: auth.RoleSuperAdmin},
	}
	w.branches["jkt"] = true
	w.branches["sby"] = true
	w.plafonds["gold"] = plafond.Plafond{
		ID: "gold", Name: "Gold", MaxAmount: d("50000000"), InterestRate: d("1.25"), TenorMin: 6, TenorMax: 24,
	}

	ctx := context.Background()
	ktp, err := blobs.Store(ctx, blob.DirProfiles, "ktp.jpg", strings.NewReader("ktp-bytes"))
	require.NoError(t, err)
	w.profiles[f.customer.ID] = profile.Profile{
		ID: "prof-1", UserID: f.customer.ID, FullName: "Siti Rahma", PhoneNumber: "+628123456789",
		Address: "Jl. Merdeka 1", NIK: "3171234567890001", BirthDate: time.Date(1990, 5, 17, 0, 0, 0, 0, time.UTC),
		KTPPhoto: ktp,
	}

	f.profiles = profile.NewService(profiles{w: w}, pool, blobs, nil)
	f.ledger = ledger.New(pool, grantStore{w: w}, nil)
	_, err = f.ledger.Assign(ctx, f.admin, ledger.AssignParams{CustomerID: f.customer.ID, PlafondID: "gold", MaxAmount: d("10000000")})
	require.NoError(t, err)

	f.svc = NewService(Deps{
		Pool:      pool,
		Reader:    pool,
		Store:     appStore{w: w},
		Ledger:    f.ledger,
		Audit:     trail{w: w},
		Profiles:  profiles{w: w},
		Templates: templates{w: w},
		Branches:  branches{w: w},
		Blobs:     blobs,
		Notifier:  notifier{w: w},
	})
	return f
}

func (f *fixture) request(amount string, tenor int) SubmitRequest {
	return SubmitRequest{
		BranchID:        "jkt",
		PlafondID:       "gold",
		Amount:          d(amount),
		Tenor:           tenor,
		Occupation:      "Engineer",
		CompanyName:     "PT Maju",
		AccountNumber:   "1234567890",
		SavingBookCover: &File{Name: "cover.PNG", Content: strings.NewReader("cover")},
		PayslipPhoto:    &File{Name: "payslip.pdf", Content: strings.NewReader("payslip")},
	}
}

func (f *fixture) remaining(t *testing.T) string {
	t.Helper()
	g, err := f.ledger.Active(context.Background(), f.customer.ID)
	require.NoError(t, err)
	return g.RemainingAmount.StringFixed(0)
}

func (f *fixture) submit(t *testing.T, amount string) Application {
	t.Helper()
	app, err := f.svc.Submit(context.Background(), f.customer, f.request(amount, 12))
	require.NoError(t, err)
	return app
}

// advance walks app to status by the happy path.
func (f *fixture) advance(t *testing.T, app Application, to Status) Application {
	t.Helper()
	ctx := context.Background()
	var err error
	for app.Status != to {
		switch app.Status {
		case StatusPendingReview:
			app, err = f.svc.Proceed(ctx, f.marketing, app.ID, "")
		case StatusWaitingApproval:
			app, err = f.svc.Approve(ctx, f.manager, app.ID, "")
		case StatusWaitingDisbursement:
			app, err = f.svc.Disburse(ctx, f.backOff, app.ID, "")
		default:
			t.Fatalf("cannot advance from %s to %s", app.Status, to)
		}
		require.NoError(t, err)
	}
	return app
}

// trackingBlobs records every ref written through it.
type trackingBlobs struct {
	inner   blob.Store
	mu      sync.Mutex
	written []string
}

func (b *trackingBlobs) Store(ctx context.Context, subdir, filename string, r io.Reader) (string, error) {
	ref, err := b.inner.Store(ctx, subdir, filename, r)
	if err == nil {
		b.track(ref)
	}
	return ref, err
}

func (b *trackingBlobs) Copy(ctx context.Context, ref, subdir string) (string, error) {
	out, err := b.inner.Copy(ctx, ref, subdir)
	if err == nil && out != "" {
		b.track(out)
	}
	return out, err
}

func (b *trackingBlobs) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	return b.inner.Open(ctx, ref)
}

func (b *trackingBlobs) Delete(ctx context.Context, ref string) error {
	return b.inner.Delete(ctx, ref)
}

func (b *trackingBlobs) track(ref string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.written = append(b.written, ref)
}

func (f *fixture) exists(t *testing.T, ref string) bool {
	t.Helper()
	rc, err := f.blobs.Open(context.Background(), ref)
	if err != nil {
		require.ErrorIs(t, err, blob.ErrNotFound)
		return false
	}
	rc.Close()
	return true
}
