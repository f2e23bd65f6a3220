package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSink pushes notifications to a pub/sub channel per customer so
// connected clients can refresh their inbox.
type RedisSink struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisSink(client redis.UniversalClient, channelPrefix string) *RedisSink {
	return &RedisSink{client: client, prefix: channelPrefix}
}

// Channel returns the pub/sub channel of one customer.
func (s *RedisSink) Channel(customerID string) string {
	return s.prefix + ":" + customerID
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Deliver(ctx context.Context, m Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("notify: marshal redis message: %w", err)
	}
	if err := s.client.Publish(ctx, s.Channel(m.CustomerID), payload).Err(); err != nil {
		return fmt.Errorf("notify: publish: %w", err)
	}
	return nil
}
