// Package apperr classifies failures surfaced by the loan pipeline so the API
// layer can map them to responses without knowing which package raised them.
package apperr

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Kind sentinels. Match with errors.Is.
var (
	ErrNotFound               = errors.New("not found")
	ErrBusinessRule           = errors.New("business rule violation")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrStorage                = errors.New("storage failure")
)

// Error carries a kind, a human-readable reason and an optional cause.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

// Is reports a match against the kind sentinel as well as the wrapped cause.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error { return e.Err }

// NotFound reports an absent entity.
func NotFound(format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Rule reports a failed guard: wrong status, wrong role or branch, bad input.
func Rule(format string, args ...any) error {
	return &Error{Kind: ErrBusinessRule, Msg: fmt.Sprintf(format, args...)}
}

// Conflict reports a lost race on a shared row. Callers re-fetch and retry.
func Conflict(format string, args ...any) error {
	return &Error{Kind: ErrConcurrentModification, Msg: fmt.Sprintf(format, args...)}
}

// Storage wraps an infrastructure failure that must abort the transaction.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{Kind: ErrStorage, Msg: op, Err: err}
}

// Postgres error codes that signal a lost race rather than a broken store.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgUniqueViolation      = "23505"
)

// FromPg classifies a database error. Lock and serialization failures become
// conflicts; everything else is a storage failure.
func FromPg(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return &Error{Kind: ErrConcurrentModification, Msg: op + ": row changed concurrently, reload and retry", Err: err}
		}
	}
	return Storage(op, err)
}

// IsUniqueViolation reports whether err is a Postgres unique constraint hit,
// optionally restricted to a named constraint.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// KindOf returns the kind sentinel of err, or nil when err is unclassified.
func KindOf(err error) error {
	for _, k := range []error{ErrNotFound, ErrBusinessRule, ErrConcurrentModification, ErrStorage} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Message returns the text safe to show a caller. Storage failures collapse
// to their operation name so driver detail stays in the logs.
func Message(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Kind == ErrStorage {
		return ae.Msg
	}
	return err.Error()
}
