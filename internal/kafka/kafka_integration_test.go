//go:build integration

package kafka

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcKafka "github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ramiqadoumi/go-task-orchestrator/internal/bus"
	"github.com/ramiqadoumi/go-task-orchestrator/internal/domain"
)

var testBrokers []string

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()
	ctr, err := tcKafka.Run(ctx, "confluentinc/confluent-local:7.7.1",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Kafka Server started").WithStartupTimeout(90*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("start kafka container: %v", err)
	}
	defer ctr.Terminate(ctx) //nolint:errcheck

	testBrokers, err = ctr.Brokers(ctx)
	if err != nil {
		log.Fatalf("kafka brokers: %v", err)
	}
	return m.Run()
}

// createTopic avoids racing the first publish against auto-creation.
func createTopic(t *testing.T, topic string) {
	t.Helper()
	conn, err := kafkago.DialContext(context.Background(), "tcp", testBrokers[0])
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.CreateTopics(kafkago.TopicConfig{
		Topic: topic, NumPartitions: 1, ReplicationFactor: 1,
	}))
}

func TestEventPublisher_RoundTrip(t *testing.T) {
	topic := fmt.Sprintf("events-%d", time.Now().UnixNano())
	createTopic(t, topic)

	producer := NewProducer(testBrokers)
	t.Cleanup(func() { producer.Close() }) //nolint:errcheck
	pub := NewEventPublisher(producer, topic, topic)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, pub.Handle(ctx, bus.Event{
		Payload: bus.Lifecycle{CorrelationKey: "session-1", Event: domain.PromptEvent(), At: time.Now()},
	}))

	consumer := NewConsumer(testBrokers, topic, "roundtrip", slog.Default())
	t.Cleanup(func() { consumer.Close() }) //nolint:errcheck

	received := make(chan Record, 1)
	go func() {
		consumer.Subscribe(ctx, func(_ context.Context, m Message) error { //nolint:errcheck
			rec, err := DecodeRecord(m)
			if err != nil {
				return err
			}
			received <- rec
			cancel()
			return nil
		})
	}()

	select {
	case rec := <-received:
		assert.Equal(t, "session-1", rec.CorrelationKey)
		require.NotNil(t, rec.Event)
		assert.Equal(t, domain.EventPrompt, rec.Event.Type)
	case <-ctx.Done():
		t.Fatal("timed out waiting for record")
	}
}
