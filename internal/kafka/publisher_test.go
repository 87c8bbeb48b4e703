package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-orchestrator/internal/bus"
	"github.com/ramiqadoumi/go-task-orchestrator/internal/domain"
)

// ── mocks ────────────────────────────────────────────────────────────────────

type published struct {
	topic, key string
	value      []byte
}

type fakeProducer struct {
	msgs []published
	err  error
}

func (p *fakeProducer) Publish(_ context.Context, topic, key string, value []byte) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{topic: topic, key: key, value: value})
	return nil
}
func (p *fakeProducer) Close() error { return nil }

// ── tests ────────────────────────────────────────────────────────────────────

func TestEventPublisher_Lifecycle(t *testing.T) {
	fp := &fakeProducer{}
	pub := NewEventPublisher(fp, "", "")
	assert.Equal(t, "kafka", pub.Name())

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err := pub.Handle(context.Background(), bus.Event{
		Topic:   bus.LifecycleTopic(domain.EventFork),
		Payload: bus.Lifecycle{CorrelationKey: "session-1", Event: domain.ForkEvent("t1", domain.CategoryRender, 45*time.Second), At: at},
	})
	require.NoError(t, err)
	require.Len(t, fp.msgs, 1)
	assert.Equal(t, DefaultEventsTopic, fp.msgs[0].topic)
	assert.Equal(t, "session-1", fp.msgs[0].key)

	rec, err := DecodeRecord(Message{Value: fp.msgs[0].value})
	require.NoError(t, err)
	assert.Equal(t, KindLifecycle, rec.Kind)
	require.NotNil(t, rec.Event)
	assert.Equal(t, domain.EventFork, rec.Event.Type)
	assert.Equal(t, "t1", rec.Event.TaskID)
	assert.True(t, rec.At.Equal(at))
}

func TestEventPublisher_Settled(t *testing.T) {
	fp := &fakeProducer{}
	pub := NewEventPublisher(fp, "events", "settled")

	err := pub.Handle(context.Background(), bus.Event{
		Topic:   bus.TopicSettled,
		Payload: domain.Snapshot{TaskID: "t2", CorrelationKey: "k", Status: domain.StatusFailed, Error: "boom"},
	})
	require.NoError(t, err)
	require.Len(t, fp.msgs, 1)
	assert.Equal(t, "settled", fp.msgs[0].topic)
	assert.Equal(t, "k", fp.msgs[0].key)

	rec, err := DecodeRecord(Message{Value: fp.msgs[0].value})
	require.NoError(t, err)
	assert.Equal(t, KindSettled, rec.Kind)
	require.NotNil(t, rec.Snapshot)
	assert.Equal(t, domain.StatusFailed, rec.Snapshot.Status)
}

func TestEventPublisher_SkipsUnknownPayloads(t *testing.T) {
	fp := &fakeProducer{}
	require.NoError(t, NewEventPublisher(fp, "", "").Handle(context.Background(), bus.Event{Topic: "x", Payload: 42}))
	assert.Empty(t, fp.msgs)
}

func TestEventPublisher_ProducerError(t *testing.T) {
	fp := &fakeProducer{err: errors.New("broker unreachable")}
	err := NewEventPublisher(fp, "", "").Handle(context.Background(), bus.Event{
		Payload: bus.Lifecycle{Event: domain.PromptEvent()},
	})
	assert.EqualError(t, err, "broker unreachable")
}

func TestDecodeRecord_Malformed(t *testing.T) {
	_, err := DecodeRecord(Message{Value: []byte("{"), Offset: 7})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offset 7")
}

func TestHeaderCarrier(t *testing.T) {
	c := HeaderCarrier{}
	c.Set("traceparent", "a")
	c.Set("baggage", "b")
	c.Set("traceparent", "c")

	assert.Equal(t, "c", c.Get("traceparent"))
	assert.Equal(t, "b", c.Get("baggage"))
	assert.Equal(t, "", c.Get("missing"))
	assert.Equal(t, []string{"traceparent", "baggage"}, c.Keys())
}
