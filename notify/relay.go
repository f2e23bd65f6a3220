package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"loanflow/db"
)

// Sink delivers a message somewhere. Deliveries must be idempotent on Message.ID
// because a crash between delivery and settlement replays the row.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, m Message) error
}

// RelayConfig tunes the relay loop. A failed row waits RetryBase doubled per
// attempt, capped at RetryMax, before it is claimed again.
type RelayConfig struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration
}

// Relay moves committed outbox rows to the configured sinks.
type Relay struct {
	pool   db.TxBeginner
	queue  Queue
	sinks  []Sink
	cfg    RelayConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewRelay builds a relay. A nil queue uses the PostgreSQL outbox.
func NewRelay(pool db.TxBeginner, queue Queue, cfg RelayConfig, logger *zap.Logger, sinks ...Sink) *Relay {
	if queue == nil {
		queue = NewQueue()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 5 * time.Second
	}
	if cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = 5 * time.Minute
	}
	return &Relay{pool: pool, queue: queue, sinks: sinks, cfg: cfg, logger: logger, now: time.Now}
}

// retryDelay is the wait before attempt number attempts+1.
func (r *Relay) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.RetryBase
	b.MaxInterval = r.cfg.RetryMax
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Run drains the outbox every interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("outbox relay started", zap.Int("sinks", len(r.sinks)), zap.Duration("interval", r.cfg.Interval))
	for {
		// Keep draining only while full batches go out cleanly; failed rows
		// wait for their retry time and the next tick.
		for {
			p, err := r.pass(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Error("outbox relay pass failed", zap.Error(err))
				break
			}
			if p.claimed < r.cfg.BatchSize || p.failed > 0 {
				break
			}
		}

		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch of due rows, delivers it and settles each row. It
// returns the number of rows claimed.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	p, err := r.pass(ctx)
	return p.claimed, err
}

type passResult struct {
	claimed int
	failed  int
}

func (r *Relay) pass(ctx context.Context) (passResult, error) {
	var res passResult
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("notify: begin relay tx: %w", err)
	}
	defer tx.Rollback(ctx)

	records, err := r.queue.Claim(ctx, tx, r.cfg.BatchSize)
	if err != nil {
		return res, err
	}

	for _, rec := range records {
		deliverErr := r.deliver(ctx, rec)
		if deliverErr == nil {
			if err := r.queue.MarkProcessed(ctx, tx, rec.ID); err != nil {
				return res, err
			}
			continue
		}

		res.failed++
		attempt := rec.Attempts + 1
		dead := attempt >= r.cfg.MaxAttempts
		retryAt := r.now().Add(r.retryDelay(attempt))
		r.logger.Warn("outbox delivery failed",
			zap.String("outbox_id", rec.ID),
			zap.String("topic", rec.Topic),
			zap.Int("attempt", attempt),
			zap.Bool("dead", dead),
			zap.Time("retry_at", retryAt),
			zap.Error(deliverErr),
		)
		if err := r.queue.MarkFailed(ctx, tx, rec.ID, deliverErr.Error(), dead, retryAt); err != nil {
			return res, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("notify: commit relay tx: %w", err)
	}
	res.claimed = len(records)
	return res, nil
}

func (r *Relay) deliver(ctx context.Context, rec Record) error {
	if rec.Topic != TopicCustomer {
		return fmt.Errorf("notify: unknown topic %q", rec.Topic)
	}
	var msg Message
	if err := json.Unmarshal(rec.Payload, &msg); err != nil {
		return fmt.Errorf("notify: decode payload: %w", err)
	}
	if msg.ID == "" {
		msg.ID = rec.ID
	}

	var g errgroup.Group
	errs := make([]error, len(r.sinks))
	for i, sink := range r.sinks {
		g.Go(func() error {
			if err := sink.Deliver(ctx, msg); err != nil {
				errs[i] = fmt.Errorf("%s: %w", sink.Name(), err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
