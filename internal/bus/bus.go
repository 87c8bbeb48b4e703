// Package bus is an in-process pub/sub bus with topic prefix matching. The
// Manager publishes every lifecycle event on it; sinks subscribe.
package bus

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/go-task-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-task-orchestrator/pkg/telemetry"
)

const defaultBufferSize = 256

// Topics.
const (
	// TopicLifecycle prefixes every emitted event; the suffix is the event type.
	TopicLifecycle = "task.event."
	// TopicSettled carries a domain.Snapshot each time a background task settles.
	TopicSettled = "task.settled"
	// TopicSample carries a Sample each time the estimator learns a duration.
	TopicSample = "estimator.sample"
)

// LifecycleTopic returns the topic an event of type t is published on.
func LifecycleTopic(t domain.EventType) string { return TopicLifecycle + string(t) }

// Event is a message published on the bus. SpanContext is the publisher's
// trace position, zero when it had none.
type Event struct {
	Topic       string
	Payload     any
	SpanContext trace.SpanContext
}

// Lifecycle is the payload of lifecycle topics.
type Lifecycle struct {
	CorrelationKey string       `json:"correlation_key"`
	Event          domain.Event `json:"event"`
	At             time.Time    `json:"at"`
}

// Sample is the payload of TopicSample. Path is "inline" or "forked".
type Sample struct {
	Category domain.Category `json:"category"`
	Duration time.Duration   `json:"duration"`
	Path     string          `json:"path"`
	At       time.Time       `json:"at"`
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event { return s.ch }

// Prefix returns the topic prefix the subscription matches.
func (s *Subscription) Prefix() string { return s.prefix }

// Bus is safe for concurrent use. The zero value is not usable; call New.
type Bus struct {
	buffer int

	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// Option configures a Bus.
type Option func(*Bus)

// WithBuffer sets the per-subscription channel capacity.
func WithBuffer(n int) Option { return func(b *Bus) { b.buffer = n } }

func New(opts ...Option) *Bus {
	b := &Bus{
		buffer: defaultBufferSize,
		subs:   make(map[int]*Subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.buffer < 0 {
		b.buffer = 0
	}
	return b
}

// Subscribe creates a subscription for topics starting with topicPrefix.
// An empty prefix matches all topics.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, b.buffer),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers to every matching subscriber without blocking. A full
// subscriber misses the event and the drop is counted.
func (b *Bus) Publish(topic string, payload any) {
	b.publish(Event{Topic: topic, Payload: payload})
}

// PublishContext is Publish, tagging the event with the span in ctx.
func (b *Bus) PublishContext(ctx context.Context, topic string, payload any) {
	b.publish(Event{Topic: topic, Payload: payload, SpanContext: trace.SpanContextFromContext(ctx)})
}

func (b *Bus) publish(event Event) {
	topic := event.Topic

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			telemetry.BusDroppedTotal.WithLabelValues(topic).Inc()
		}
	}
}

// PublishLifecycle publishes e under its lifecycle topic.
func (b *Bus) PublishLifecycle(ctx context.Context, correlationKey string, e domain.Event) {
	b.PublishContext(ctx, LifecycleTopic(e.Type), Lifecycle{CorrelationKey: correlationKey, Event: e, At: time.Now()})
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
