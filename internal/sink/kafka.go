package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the part of kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaSender struct {
	writer messageWriter
}

// NewKafkaSender publishes transfers as JSON to topic, keyed by "txhash:logindex" so
// redeliveries of the same transfer land on the same partition.
func NewKafkaSender(brokers []string, topic string) (Sender, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, fmt.Errorf("kafka brokers and topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 8 * time.Second,
	}
	return &kafkaSender{writer: w}, nil
}

func (s *kafkaSender) Send(ctx context.Context, payload TransferPayload) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%s:%d", payload.TxHash, payload.LogIndex)),
		Value: value,
		Headers: []kafka.Header{
			{Key: "direction", Value: []byte(payload.Direction)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (s *kafkaSender) Close() error {
	return s.writer.Close()
}
