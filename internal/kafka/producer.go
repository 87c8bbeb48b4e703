package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// Producer publishes messages to Kafka.
type Producer interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
	Close() error
}

type producer struct {
	writer *kafka.Writer
}

// NewProducer creates a producer for brokers. Messages with the same key
// land on the same partition, so one correlation key's events stay ordered.
func NewProducer(brokers []string) Producer {
	return &producer{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            3,
		BatchTimeout:           50 * time.Millisecond,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
	}}
}

func (p *producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	headers := traceHeaders(ctx)

	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: headers,
		Time:    time.Now(),
	}); err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	return nil
}

func (p *producer) Close() error { return p.writer.Close() }

// traceHeaders carries the span in ctx to consumers.
func traceHeaders(ctx context.Context) HeaderCarrier {
	headers := HeaderCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, &headers)
	return headers
}
