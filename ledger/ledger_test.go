package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loanflow/apperr"
	"loanflow/auth"
	"loanflow/db"
)

var admin = auth.Actor{ID: "root", Role: auth.RoleSuperAdmin}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type memStore struct {
	grants      []Grant
	customers   map[string]bool
	ceilings    map[string]decimal.Decimal
	outstanding map[string]bool
	staleOnce   bool
}

func newMemStore() *memStore {
	return &memStore{
		customers:   map[string]bool{"cust-1": true},
		ceilings:    map[string]decimal.Decimal{"gold": d("50000000")},
		outstanding: map[string]bool{},
	}
}

func (m *memStore) find(customerID string) int {
	for i, g := range m.grants {
		if g.CustomerID == customerID && g.Active {
			return i
		}
	}
	return -1
}

func (m *memStore) LockActive(_ context.Context, _ db.Querier, customerID string) (Grant, error) {
	i := m.find(customerID)
	if i < 0 {
		return Grant{}, ErrNoActiveGrant
	}
	return m.grants[i], nil
}

func (m *memStore) Active(_ context.Context, _ db.Querier, customerID string) (Grant, error) {
	i := m.find(customerID)
	if i < 0 {
		return Grant{}, apperr.NotFound("no grant")
	}
	return m.grants[i], nil
}

func (m *memStore) History(_ context.Context, _ db.Querier, customerID string) ([]Grant, error) {
	var out []Grant
	for i := len(m.grants) - 1; i >= 0; i-- {
		if m.grants[i].CustomerID == customerID {
			out = append(out, m.grants[i])
		}
	}
	return out, nil
}

func (m *memStore) SetRemaining(_ context.Context, _ db.Querier, id string, remaining decimal.Decimal, version int64) (Grant, error) {
	for i, g := range m.grants {
		if g.ID != id {
			continue
		}
		if m.staleOnce || g.Version != version {
			m.staleOnce = false
			return Grant{}, apperr.Conflict("grant changed")
		}
		g.RemainingAmount = remaining
		g.Version++
		m.grants[i] = g
		return g, nil
	}
	return Grant{}, apperr.Conflict("grant vanished")
}

func (m *memStore) Deactivate(_ context.Context, _ db.Querier, id string) error {
	for i := range m.grants {
		if m.grants[i].ID == id {
			m.grants[i].Active = false
		}
	}
	return nil
}

func (m *memStore) Insert(_ context.Context, _ db.Querier, p AssignParams) (Grant, error) {
	g := Grant{
		ID:              fmt.Sprintf("grant-%d", len(m.grants)+1),
		CustomerID:      p.CustomerID,
		PlafondID:       p.PlafondID,
		MaxAmount:       p.MaxAmount,
		RemainingAmount: p.MaxAmount,
		Active:          true,
		Version:         1,
	}
	m.grants = append(m.grants, g)
	return g, nil
}

func (m *memStore) IsCustomer(_ context.Context, _ db.Querier, id string) (bool, error) {
	return m.customers[id], nil
}

func (m *memStore) Ceiling(_ context.Context, _ db.Querier, id string) (decimal.Decimal, error) {
	c, ok := m.ceilings[id]
	if !ok {
		return decimal.Decimal{}, apperr.NotFound("plafond %s", id)
	}
	return c, nil
}

func (m *memStore) HasOutstanding(_ context.Context, _ db.Querier, id string) (bool, error) {
	return m.outstanding[id], nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

func (f *fakePool) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakePool) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakePool) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

type fakeTx struct {
	pgx.Tx
	rolled    bool
	committed bool
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func newLedger(t *testing.T) (*Ledger, *memStore, *fakePool) {
	t.Helper()
	store := newMemStore()
	pool := &fakePool{}
	return New(pool, store, nil), store, pool
}

func TestAssign(t *testing.T) {
	l, store, pool := newLedger(t)
	ctx := context.Background()

	g, err := l.Assign(ctx, admin, AssignParams{CustomerID: "cust-1", PlafondID: "gold", MaxAmount: d("20000000")})
	require.NoError(t, err)
	assert.True(t, g.RemainingAmount.Equal(d("20000000")))
	assert.True(t, pool.tx.committed)

	// A second assignment replaces the first; history is kept.
	g2, err := l.Assign(ctx, admin, AssignParams{CustomerID: "cust-1", PlafondID: "gold", MaxAmount: d("30000000")})
	require.NoError(t, err)
	hist, err := l.History(ctx, "cust-1")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, g2.ID, hist[0].ID)
	assert.False(t, hist[1].Active)

	active, err := l.Active(ctx, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, g2.ID, active.ID)

	activeCount := 0
	for _, g := range store.grants {
		if g.Active {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount)
}

func TestAssignValidation(t *testing.T) {
	l, store, _ := newLedger(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		actor  auth.Actor
		params AssignParams
		kind   error
	}{
		{"not admin", auth.Actor{ID: "m", Role: auth.RoleMarketing, BranchID: "b"}, AssignParams{CustomerID: "cust-1", PlafondID: "gold", MaxAmount: d("1")}, apperr.ErrBusinessRule},
		{"over ceiling", admin, AssignParams{CustomerID: "cust-1", PlafondID: "gold", MaxAmount: d("50000000.01")}, apperr.ErrBusinessRule},
		{"zero", admin, AssignParams{CustomerID: "cust-1", PlafondID: "gold", MaxAmount: decimal.Zero}, apperr.ErrBusinessRule},
		{"unknown customer", admin, AssignParams{CustomerID: "ghost", PlafondID: "gold", MaxAmount: d("1")}, apperr.ErrNotFound},
		{"unknown template", admin, AssignParams{CustomerID: "cust-1", PlafondID: "tin", MaxAmount: d("1")}, apperr.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Assign(ctx, tt.actor, tt.params)
			assert.ErrorIs(t, err, tt.kind)
		})
	}
	assert.Empty(t, store.grants)

	_, err := l.Assign(ctx, admin, AssignParams{CustomerID: "cust-1", PlafondID: "gold", MaxAmount: d("100")})
	require.NoError(t, err)
	store.outstanding["cust-1"] = true
	_, err = l.Assign(ctx, admin, AssignParams{CustomerID: "cust-1", PlafondID: "gold", MaxAmount: d("200")})
	assert.ErrorIs(t, err, apperr.ErrBusinessRule)
}

func TestReserveRelease(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()

	_, err := l.Assign(ctx, admin, AssignParams{CustomerID: "cust-1", PlafondID: "gold", MaxAmount: d("10000000")})
	require.NoError(t, err)
	tx := &fakeTx{}

	g, err := l.Reserve(ctx, tx, "cust-1", d("4000000"))
	require.NoError(t, err)
	assert.Equal(t, "6000000.00", g.RemainingAmount.StringFixed(2))
	assert.Equal(t, "4000000.00", g.Used().StringFixed(2))

	_, err = l.Reserve(ctx, tx, "cust-1", d("7000000"))
	assert.ErrorIs(t, err, ErrInsufficientCredit)
	assert.ErrorIs(t, err, apperr.ErrBusinessRule)

	g, err = l.Reserve(ctx, tx, "cust-1", d("6000000"))
	require.NoError(t, err)
	assert.True(t, g.RemainingAmount.IsZero())

	g, err = l.Release(ctx, tx, "cust-1", d("4000000"))
	require.NoError(t, err)
	assert.Equal(t, "4000000.00", g.RemainingAmount.StringFixed(2))

}

func TestReleaseWithoutGrantFailsLoudly(t *testing.T) {
	l, _, _ := newLedger(t)
	_, err := l.Release(context.Background(), &fakeTx{}, "cust-1", d("10"))
	assert.ErrorIs(t, err, ErrNoActiveGrant)

	_, err = l.Reserve(context.Background(), &fakeTx{}, "cust-1", d("10"))
	assert.ErrorIs(t, err, ErrNoActiveGrant)
}

func TestReleaseBeyondMaxIsCorruption(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()
	_, err := l.Assign(ctx, admin, AssignParams{CustomerID: "cust-1", PlafondID: "gold", MaxAmount: d("100")})
	require.NoError(t, err)

	_, err = l.Release(ctx, &fakeTx{}, "cust-1", d("0.01"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorrupted))
	assert.ErrorIs(t, err, apperr.ErrStorage)
}

func TestReserveLostRace(t *testing.T) {
	l, store, _ := newLedger(t)
	ctx := context.Background()
	_, err := l.Assign(ctx, admin, AssignParams{CustomerID: "cust-1", PlafondID: "gold", MaxAmount: d("100")})
	require.NoError(t, err)

	store.staleOnce = true
	_, err = l.Reserve(ctx, &fakeTx{}, "cust-1", d("10"))
	assert.ErrorIs(t, err, apperr.ErrConcurrentModification)

	g, err := l.Active(ctx, "cust-1")
	require.NoError(t, err)
	assert.True(t, g.RemainingAmount.Equal(d("100")))
}

func TestNonPositiveAmounts(t *testing.T) {
	l, _, _ := newLedger(t)
	for _, amt := range []decimal.Decimal{decimal.Zero, d("-5")} {
		_, err := l.Reserve(context.Background(), &fakeTx{}, "cust-1", amt)
		assert.ErrorIs(t, err, apperr.ErrBusinessRule)
		_, err = l.Release(context.Background(), &fakeTx{}, "cust-1", amt)
		assert.ErrorIs(t, err, apperr.ErrBusinessRule)
	}
}
