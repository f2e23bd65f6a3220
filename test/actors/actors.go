// Package actors drives the loan pipeline concurrently for the stress test.
// Each actor loops until stop closes and returns only on errors no caller of
// the service should ever see.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"loanflow/apperr"
	"loanflow/auth"
	"loanflow/loan"
	"loanflow/notify"
	"loanflow/test/infra"
)

// Stats counts outcomes across all actors.
type Stats struct {
	Succeeded atomic.Int64
	Refused   atomic.Int64
	Conflicts atomic.Int64
	Storage   atomic.Int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("ok=%d refused=%d conflicts=%d storage=%d",
		s.Succeeded.Load(), s.Refused.Load(), s.Conflicts.Load(), s.Storage.Load())
}

// classify records err and returns it only when it is not an expected
// outcome under contention. Storage errors are expected while chaos kills
// backends.
func (s *Stats) classify(err error) error {
	switch {
	case err == nil:
		s.Succeeded.Add(1)
	case errors.Is(err, apperr.ErrBusinessRule):
		s.Refused.Add(1)
	case errors.Is(err, apperr.ErrConcurrentModification):
		s.Conflicts.Add(1)
	case errors.Is(err, apperr.ErrStorage), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.Storage.Add(1)
	default:
		return err
	}
	return nil
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func pause(base, spread int) {
	time.Sleep(time.Duration(base+rand.Intn(spread)) * time.Millisecond)
}

// Applicant repeatedly submits applications for one customer, sometimes
// asking for more than the grant holds.
func Applicant(ctx context.Context, svc *loan.Service, w infra.World, customer auth.Actor, stats *Stats, stop <-chan struct{}) error {
	ceiling := w.Ceiling.IntPart()
	for !stopped(ctx, stop) {
		amount := decimal.NewFromInt(1 + rand.Int63n(ceiling/2)*2)
		_, err := svc.Submit(ctx, customer, loan.SubmitRequest{
			BranchID:        w.BranchID,
			PlafondID:       w.PlafondID,
			Amount:          amount,
			Tenor:           6 + rand.Intn(31),
			Occupation:      "Employee",
			AccountNumber:   "000" + customer.ID[:8],
			SavingBookCover: &loan.File{Name: "cover.jpg", Content: strings.NewReader("cover")},
			PayslipPhoto:    &loan.File{Name: "payslip.pdf", Content: strings.NewReader("payslip")},
		})
		if err := stats.classify(err); err != nil {
			return fmt.Errorf("applicant %s: %w", customer.ID, err)
		}
		pause(10, 30)
	}
	return nil
}

// step is one staff role's move on a queued application.
type step func(ctx context.Context, actor auth.Actor, id, comment string) (loan.Application, error)

// Worker drains the actor's queue, advancing most applications and
// rejecting rejectPct percent of them.
func Worker(ctx context.Context, svc *loan.Service, actor auth.Actor, advance step, rejectPct int, stats *Stats, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		queue, err := svc.ListQueue(ctx, actor)
		if err := stats.classify(err); err != nil {
			return fmt.Errorf("%s queue: %w", actor.Role, err)
		}
		if len(queue) == 0 {
			pause(20, 20)
			continue
		}
		app := queue[rand.Intn(len(queue))]
		if rand.Intn(100) < rejectPct {
			_, err = svc.Reject(ctx, actor, app.ID, "stress rejection")
		} else {
			_, err = advance(ctx, actor, app.ID, "")
		}
		if err := stats.classify(err); err != nil {
			return fmt.Errorf("%s on %s: %w", actor.Role, app.ID, err)
		}
		pause(5, 20)
	}
	return nil
}

// Relay runs outbox passes in a loop so notifications flow while the
// pipeline is under load. A failed pass is retried on the next loop, as the
// relay command does.
func Relay(ctx context.Context, relay *notify.Relay, stats *Stats, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		if _, err := relay.RunOnce(ctx); err != nil {
			stats.Storage.Add(1)
		}
		pause(50, 50)
	}
	return nil
}
