package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes notifications for downstream channels (email, SMS, push).
// Messages are keyed by customer so one customer's notifications stay ordered.
type KafkaSink struct {
	writer MessageWriter
	topic  string
}

// NewKafkaWriter builds a writer for brokers with acks from all replicas.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		AllowAutoTopicCreation: true,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            3,
		WriteTimeout:           10 * time.Second,
	}
}

func NewKafkaSink(writer MessageWriter, topic string) *KafkaSink {
	return &KafkaSink{writer: writer, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Deliver(ctx context.Context, m Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("notify: marshal kafka message: %w", err)
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Topic: s.topic,
		Key:   []byte(m.CustomerID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "message_id", Value: []byte(m.ID)},
		},
	})
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
