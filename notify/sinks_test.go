package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loanflow/auth"
)

type captureWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (c *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	c.msgs = append(c.msgs, msgs...)
	return nil
}

func (c *captureWriter) Close() error {
	c.closed = true
	return nil
}

func TestKafkaSink_KeysByCustomer(t *testing.T) {
	w := &captureWriter{}
	sink := NewKafkaSink(w, "loan.notifications")

	msg := Message{ID: "m1", CustomerID: "cust-9", Title: "Loan Disbursed", Body: "Funds sent"}
	require.NoError(t, sink.Deliver(context.Background(), msg))
	require.Len(t, w.msgs, 1)

	got := w.msgs[0]
	assert.Equal(t, "loan.notifications", got.Topic)
	assert.Equal(t, "cust-9", string(got.Key))
	assert.Equal(t, "m1", string(got.Headers[0].Value))

	var decoded Message
	require.NoError(t, json.Unmarshal(got.Value, &decoded))
	assert.Equal(t, msg.Title, decoded.Title)

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

func TestRedisSink_PublishesToCustomerChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	sink := NewRedisSink(client, "loan.notifications")
	ctx := context.Background()

	sub := client.Subscribe(ctx, sink.Channel("cust-1"))
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, sink.Deliver(ctx, Message{ID: "m1", CustomerID: "cust-1", Title: "Loan Rejected", Body: "reason"}))

	select {
	case m := <-sub.Channel():
		var decoded Message
		require.NoError(t, json.Unmarshal([]byte(m.Payload), &decoded))
		assert.Equal(t, "Loan Rejected", decoded.Title)
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}
}

func TestRedisSink_ReportsOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	err := NewRedisSink(client, "loan").Deliver(context.Background(), Message{ID: "m", CustomerID: "c", Title: "t"})
	assert.Error(t, err)
}

type memInbox struct {
	rows []Notification
	seen map[string]bool
}

func (m *memInbox) Insert(_ context.Context, msg Message) error {
	if m.seen == nil {
		m.seen = map[string]bool{}
	}
	if m.seen[msg.ID] {
		return nil
	}
	m.seen[msg.ID] = true
	m.rows = append([]Notification{{ID: msg.ID, UserID: msg.CustomerID, Title: msg.Title, Message: msg.Body}}, m.rows...)
	return nil
}

func (m *memInbox) List(_ context.Context, userID string) ([]Notification, error) {
	var out []Notification
	for _, n := range m.rows {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *memInbox) MarkRead(_ context.Context, userID, id string) error {
	for i := range m.rows {
		if m.rows[i].ID == id && m.rows[i].UserID == userID {
			m.rows[i].IsRead = true
			return nil
		}
	}
	return ErrNotFound
}

func (m *memInbox) MarkAllRead(_ context.Context, userID string) (int64, error) {
	var n int64
	for i := range m.rows {
		if m.rows[i].UserID == userID && !m.rows[i].IsRead {
			m.rows[i].IsRead = true
			n++
		}
	}
	return n, nil
}

func TestInbox_OwnershipAndReplay(t *testing.T) {
	store := &memInbox{}
	sink := NewInboxSink(store)
	inbox := NewInbox(store)
	ctx := context.Background()

	require.NoError(t, sink.Deliver(ctx, Message{ID: "m1", CustomerID: "alice", Title: "one"}))
	require.NoError(t, sink.Deliver(ctx, Message{ID: "m1", CustomerID: "alice", Title: "one"}))
	require.NoError(t, sink.Deliver(ctx, Message{ID: "m2", CustomerID: "alice", Title: "two"}))
	require.NoError(t, sink.Deliver(ctx, Message{ID: "m3", CustomerID: "bob", Title: "bob's"}))

	alice := auth.Actor{ID: "alice", Role: auth.RoleCustomer}
	list, err := inbox.List(ctx, alice)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "two", list[0].Title)

	assert.ErrorIs(t, inbox.MarkRead(ctx, alice, "m3"), ErrNotFound)
	require.NoError(t, inbox.MarkRead(ctx, alice, "m1"))

	n, err := inbox.MarkAllRead(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
