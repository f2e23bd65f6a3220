package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePool struct {
	txs []*fakeTx
}

func (f *fakePool) Begin(context.Context) (pgx.Tx, error) {
	tx := &fakeTx{}
	f.txs = append(f.txs, tx)
	return tx, nil
}

type fakeTx struct {
	pgx.Tx
	committed bool
	rolled    bool
	execSQL   string
	execArgs  []any
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL, f.execArgs = sql, args
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

type settled struct {
	reason  string
	dead    bool
	retryAt time.Time
}

type fakeQueue struct {
	pending   []Record
	processed []string
	failed    map[string]settled
}

func (q *fakeQueue) Claim(_ context.Context, _ pgx.Tx, limit int) ([]Record, error) {
	if limit > len(q.pending) {
		limit = len(q.pending)
	}
	out := q.pending[:limit]
	q.pending = q.pending[limit:]
	return out, nil
}

func (q *fakeQueue) MarkProcessed(_ context.Context, _ pgx.Tx, id string) error {
	q.processed = append(q.processed, id)
	return nil
}

func (q *fakeQueue) MarkFailed(_ context.Context, _ pgx.Tx, id, reason string, dead bool, retryAt time.Time) error {
	if q.failed == nil {
		q.failed = map[string]settled{}
	}
	q.failed[id] = settled{reason: reason, dead: dead, retryAt: retryAt}
	return nil
}

// retryQueue puts failed rows back as pending and only hands out rows whose
// retry time has come, the way the outbox table does.
type retryQueue struct {
	order []string
	rows  map[string]*queued
}

type queued struct {
	rec  Record
	due  time.Time
	dead bool
	done bool
}

func newRetryQueue(t *testing.T, ids ...string) *retryQueue {
	q := &retryQueue{rows: map[string]*queued{}}
	for _, id := range ids {
		q.order = append(q.order, id)
		q.rows[id] = &queued{rec: record(t, id, 0)}
	}
	return q
}

func (q *retryQueue) Claim(_ context.Context, _ pgx.Tx, limit int) ([]Record, error) {
	now := time.Now()
	var out []Record
	for _, id := range q.order {
		row := q.rows[id]
		if row.dead || row.done || row.due.After(now) {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, row.rec)
	}
	return out, nil
}

func (q *retryQueue) MarkProcessed(_ context.Context, _ pgx.Tx, id string) error {
	q.rows[id].done = true
	q.rows[id].rec.Attempts++
	return nil
}

func (q *retryQueue) MarkFailed(_ context.Context, _ pgx.Tx, id, _ string, dead bool, retryAt time.Time) error {
	row := q.rows[id]
	row.rec.Attempts++
	row.dead = dead
	row.due = retryAt
	return nil
}

type memSink struct {
	mu   sync.Mutex
	name string
	err  error
	got  []Message
}

func (s *memSink) Name() string { return s.name }

func (s *memSink) Deliver(_ context.Context, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.got = append(s.got, m)
	return nil
}

func record(t *testing.T, id string, attempts int) Record {
	t.Helper()
	payload, err := json.Marshal(Message{ID: id, CustomerID: "cust-1", Title: "Loan Approved", Body: "ok"})
	require.NoError(t, err)
	return Record{ID: id, Topic: TopicCustomer, Payload: payload, Attempts: attempts}
}

func TestOutboxNotifier_WritesRow(t *testing.T) {
	tx := &fakeTx{}
	n := NewOutboxNotifier()
	n.newID = func() string { return "11111111-1111-1111-1111-111111111111" }
	n.now = func() time.Time { return time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC) }

	require.NoError(t, n.Notify(context.Background(), tx, "cust-1", "Loan Submitted", "We got it."))
	assert.Contains(t, tx.execSQL, "INSERT INTO outbox")
	require.Len(t, tx.execArgs, 3)
	assert.Equal(t, TopicCustomer, tx.execArgs[1])

	var msg Message
	require.NoError(t, json.Unmarshal(tx.execArgs[2].([]byte), &msg))
	assert.Equal(t, "cust-1", msg.CustomerID)
	assert.Equal(t, "Loan Submitted", msg.Title)

	assert.Error(t, n.Notify(context.Background(), tx, "", "x", "y"))
}

func TestRelay_DeliversToEverySink(t *testing.T) {
	pool := &fakePool{}
	queue := &fakeQueue{pending: []Record{record(t, "m1", 0), record(t, "m2", 0)}}
	a, b := &memSink{name: "a"}, &memSink{name: "b"}
	relay := NewRelay(pool, queue, RelayConfig{BatchSize: 10, MaxAttempts: 3}, nil, a, b)

	n, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"m1", "m2"}, queue.processed)
	assert.Len(t, a.got, 2)
	assert.Len(t, b.got, 2)
	require.Len(t, pool.txs, 1)
	assert.True(t, pool.txs[0].committed)
}

func TestRelay_FailureRetriesThenDies(t *testing.T) {
	pool := &fakePool{}
	queue := &fakeQueue{pending: []Record{record(t, "fresh", 0), record(t, "tired", 2)}}
	broken := &memSink{name: "kafka", err: errors.New("broker down")}
	relay := NewRelay(pool, queue, RelayConfig{BatchSize: 10, MaxAttempts: 3}, nil, &memSink{name: "inbox"}, broken)

	_, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, queue.processed)
	require.Contains(t, queue.failed, "fresh")
	assert.False(t, queue.failed["fresh"].dead)
	assert.Contains(t, queue.failed["fresh"].reason, "kafka: broker down")
	assert.True(t, queue.failed["tired"].dead)
}

func TestRelay_RunWaitsOutFailedRows(t *testing.T) {
	queue := newRetryQueue(t, "a", "b", "c", "d")
	broken := &memSink{name: "kafka", err: errors.New("broker down")}
	relay := NewRelay(&fakePool{}, queue, RelayConfig{Interval: time.Hour, BatchSize: 2, MaxAttempts: 5}, nil, broken)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	require.NoError(t, relay.Run(ctx))

	// One attempt for the first batch, then the relay waits for its tick
	// instead of re-claiming the same rows.
	for _, id := range []string{"a", "b"} {
		row := queue.rows[id]
		assert.Equal(t, 1, row.rec.Attempts, id)
		assert.False(t, row.dead, id)
		assert.True(t, row.due.After(start.Add(3*time.Second)), "%s due at %s", id, row.due)
	}
	for _, id := range []string{"c", "d"} {
		assert.Zero(t, queue.rows[id].rec.Attempts, id)
	}
}

func TestRelay_RunDrainsFullBatches(t *testing.T) {
	queue := newRetryQueue(t, "a", "b", "c", "d", "e")
	sink := &memSink{name: "inbox"}
	relay := NewRelay(&fakePool{}, queue, RelayConfig{Interval: time.Hour, BatchSize: 2}, nil, sink)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, relay.Run(ctx))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.got, 5)
}

func TestRelay_RetryDelayGrowsAndCaps(t *testing.T) {
	relay := NewRelay(&fakePool{}, &fakeQueue{}, RelayConfig{RetryBase: 5 * time.Second, RetryMax: time.Minute}, nil)

	first := relay.retryDelay(1)
	assert.GreaterOrEqual(t, first, 4*time.Second)
	assert.LessOrEqual(t, first, 6*time.Second)

	third := relay.retryDelay(3)
	assert.GreaterOrEqual(t, third, 16*time.Second)
	assert.LessOrEqual(t, third, 24*time.Second)

	late := relay.retryDelay(12)
	assert.LessOrEqual(t, late, 72*time.Second)
	assert.GreaterOrEqual(t, late, 48*time.Second)
}

func TestRelay_FailedRowScheduledFromClock(t *testing.T) {
	now := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	queue := &fakeQueue{pending: []Record{record(t, "m1", 1)}}
	relay := NewRelay(&fakePool{}, queue, RelayConfig{BatchSize: 10, MaxAttempts: 5, RetryBase: 10 * time.Second, RetryMax: time.Hour}, nil,
		&memSink{name: "redis", err: errors.New("connection refused")})
	relay.now = func() time.Time { return now }

	_, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	got := queue.failed["m1"].retryAt
	// second attempt: 20s +/- 20%
	assert.True(t, !got.Before(now.Add(16*time.Second)) && !got.After(now.Add(24*time.Second)), "retry at %s", got)
}

func TestRelay_UnknownTopicAndBadPayload(t *testing.T) {
	queue := &fakeQueue{pending: []Record{
		{ID: "x", Topic: "other.topic", Payload: []byte(`{}`)},
		{ID: "y", Topic: TopicCustomer, Payload: []byte(`not json`)},
	}}
	relay := NewRelay(&fakePool{}, queue, RelayConfig{MaxAttempts: 1}, nil, &memSink{name: "inbox"})

	_, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, queue.failed["x"].dead)
	assert.True(t, queue.failed["y"].dead)
}

func TestRelay_RunStopsOnCancel(t *testing.T) {
	queue := &fakeQueue{pending: []Record{record(t, "m1", 0)}}
	sink := &memSink{name: "inbox"}
	relay := NewRelay(&fakePool{}, queue, RelayConfig{Interval: 5 * time.Millisecond}, nil, sink)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, relay.Run(ctx))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.got, 1)
}
