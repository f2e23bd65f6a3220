package ledger

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loanflow/apperr"
)

type offline struct{ t *testing.T }

func (o offline) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	o.t.Fatal("unexpected Exec")
	return pgconn.CommandTag{}, nil
}

func (o offline) Query(context.Context, string, ...any) (pgx.Rows, error) {
	o.t.Fatal("unexpected Query")
	return nil, nil
}

func (o offline) QueryRow(context.Context, string, ...any) pgx.Row {
	o.t.Fatal("unexpected QueryRow")
	return nil
}

func TestRepositoryMalformedIDs(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()
	q := offline{t}

	ok, err := repo.IsCustomer(ctx, q, "abc")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.Active(ctx, q, "abc")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = repo.LockActive(ctx, q, "abc")
	assert.ErrorIs(t, err, ErrNoActiveGrant)

	hist, err := repo.History(ctx, q, "abc")
	require.NoError(t, err)
	assert.Empty(t, hist)

	_, err = repo.Ceiling(ctx, q, "gold")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestAssignMalformedCustomerIsNotFound(t *testing.T) {
	pool := &fakePool{}
	l := New(pool, NewRepository(), nil)

	_, err := l.Assign(context.Background(), admin, AssignParams{CustomerID: "abc", PlafondID: "2f1c6a0e-93b4-4c3e-9d7e-0b6f3f1a2c4d", MaxAmount: d("1000000")})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.True(t, pool.tx.rolled)
	assert.False(t, pool.tx.committed)
}
