package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ramiqadoumi/go-task-orchestrator/internal/bus"
	"github.com/ramiqadoumi/go-task-orchestrator/internal/domain"
)

const (
	DefaultEventsTopic  = "orchestrator.events"
	DefaultSettledTopic = "orchestrator.settled"
)

// Record kinds.
const (
	KindLifecycle = "lifecycle"
	KindSettled   = "settled"
)

// Record is the JSON value written for every bus event.
type Record struct {
	Kind           string           `json:"kind"`
	CorrelationKey string           `json:"correlation_key,omitempty"`
	Event          *domain.Event    `json:"event,omitempty"`
	Snapshot       *domain.Snapshot `json:"snapshot,omitempty"`
	At             time.Time        `json:"at"`
}

// EventPublisher is a sink that forwards lifecycle events and settled
// snapshots to Kafka, keyed by correlation key.
type EventPublisher struct {
	producer     Producer
	eventsTopic  string
	settledTopic string
}

// NewEventPublisher creates an EventPublisher. Empty topics fall back to
// the defaults.
func NewEventPublisher(p Producer, eventsTopic, settledTopic string) *EventPublisher {
	if eventsTopic == "" {
		eventsTopic = DefaultEventsTopic
	}
	if settledTopic == "" {
		settledTopic = DefaultSettledTopic
	}
	return &EventPublisher{producer: p, eventsTopic: eventsTopic, settledTopic: settledTopic}
}

func (p *EventPublisher) Name() string { return "kafka" }

// Handle publishes e. Payloads of any other type are skipped.
func (p *EventPublisher) Handle(ctx context.Context, e bus.Event) error {
	var (
		topic string
		rec   Record
	)
	switch v := e.Payload.(type) {
	case bus.Lifecycle:
		topic = p.eventsTopic
		ev := v.Event
		rec = Record{Kind: KindLifecycle, CorrelationKey: v.CorrelationKey, Event: &ev, At: v.At}
	case domain.Snapshot:
		topic = p.settledTopic
		rec = Record{Kind: KindSettled, CorrelationKey: v.CorrelationKey, Snapshot: &v, At: time.Now()}
	default:
		return nil
	}

	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", rec.Kind, err)
	}
	return p.producer.Publish(ctx, topic, rec.CorrelationKey, value)
}

// DecodeRecord parses a message written by EventPublisher.
func DecodeRecord(msg Message) (Record, error) {
	var rec Record
	if err := json.Unmarshal(msg.Value, &rec); err != nil {
		return Record{}, fmt.Errorf("decode record at offset %d: %w", msg.Offset, err)
	}
	return rec, nil
}
