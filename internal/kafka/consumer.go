package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// Message is a consumed Kafka record.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Offset  int64
	Time    time.Time
	Headers []kafka.Header
}

// HandlerFunc processes one message. Returning an error leaves the offset
// uncommitted so the group sees the message again after a restart.
type HandlerFunc func(ctx context.Context, msg Message) error

// Consumer reads messages from a topic.
type Consumer interface {
	Subscribe(ctx context.Context, handler HandlerFunc) error
	Close() error
}

type consumer struct {
	reader  *kafka.Reader
	grouped bool
	logger  *slog.Logger
}

// NewConsumer creates a consumer for topic. With a groupID offsets are
// committed after each handled message and reading starts at the group's
// position; without one the consumer only follows new messages.
func NewConsumer(brokers []string, topic, groupID string, logger *slog.Logger) Consumer {
	cfg := kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	}
	if groupID != "" {
		cfg.GroupID = groupID
		cfg.StartOffset = kafka.FirstOffset
	} else {
		cfg.StartOffset = kafka.LastOffset
	}
	return &consumer{reader: kafka.NewReader(cfg), grouped: groupID != "", logger: logger}
}

// Subscribe reads until ctx is cancelled, which is not an error.
func (c *consumer) Subscribe(ctx context.Context, handler HandlerFunc) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		carrier := HeaderCarrier(m.Headers)
		msgCtx := otel.GetTextMapPropagator().Extract(ctx, &carrier)

		if err := handler(msgCtx, Message{
			Topic:   m.Topic,
			Key:     m.Key,
			Value:   m.Value,
			Offset:  m.Offset,
			Time:    m.Time,
			Headers: m.Headers,
		}); err != nil {
			c.logger.Error("message handler failed, skipping commit",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
			continue
		}

		if !c.grouped {
			continue
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.logger.Error("failed to commit kafka offset",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (c *consumer) Close() error { return c.reader.Close() }
