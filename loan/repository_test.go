package loan

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"loanflow/apperr"
)

// offline fails the test on any statement.
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

func TestRepositoryMalformedIDIsNotFound(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()

	for _, id := range []string{"abc", "", "42", "2f1c6a0e-93b4-4c3e-9d7e"} {
		_, err := repo.Get(ctx, offline{t}, id)
		assert.ErrorIs(t, err, ErrNotFound, "get %q", id)
		assert.ErrorIs(t, err, apperr.ErrNotFound)

		_, err = repo.Lock(ctx, offline{t}, id)
		assert.ErrorIs(t, err, ErrNotFound, "lock %q", id)
	}
}
