package sink_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/go-task-orchestrator/internal/bus"
	"github.com/ramiqadoumi/go-task-orchestrator/internal/sink"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type recorder struct {
	mu     sync.Mutex
	topics []string
}

func (r *recorder) handle(_ context.Context, e bus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, e.Topic)
	if e.Payload == "fail" {
		return errors.New("transport down")
	}
	return nil
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.topics...)
}

func TestRun_DeliversMatchingTopics(t *testing.T) {
	b := bus.New()
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		sink.Run(ctx, b, bus.TopicSettled, sink.Func("rec", rec.handle), discard)
		close(done)
	}()
	assert.Eventually(t, func() bool { return b.SubscriberCount() == 1 }, time.Second, time.Millisecond)

	b.Publish("task.event.result", "ignored")
	b.Publish(bus.TopicSettled, "fail")
	b.Publish(bus.TopicSettled, "ok")

	assert.Eventually(t, func() bool { return len(rec.seen()) == 2 }, time.Second, time.Millisecond,
		"a failed delivery must not stop the loop")
	assert.Equal(t, []string{bus.TopicSettled, bus.TopicSettled}, rec.seen())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not return after cancel")
	}
	assert.Zero(t, b.SubscriberCount())
}

func TestRun_DrainsBufferedEventsOnCancel(t *testing.T) {
	b := bus.New()
	ctx, cancel := context.WithCancel(context.Background())

	gate := make(chan struct{})
	var mu sync.Mutex
	var delivered, liveCtx int
	handle := func(hctx context.Context, e bus.Event) error {
		<-gate
		mu.Lock()
		defer mu.Unlock()
		delivered++
		if hctx.Err() == nil {
			liveCtx++
		}
		return nil
	}

	done := make(chan struct{})
	go func() {
		sink.Run(ctx, b, bus.TopicSettled, sink.Func("gated", handle), discard)
		close(done)
	}()
	assert.Eventually(t, func() bool { return b.SubscriberCount() == 1 }, time.Second, time.Millisecond)

	// The first event blocks Handle; the rest wait in the subscription buffer.
	for i := 0; i < 50; i++ {
		b.Publish(bus.TopicSettled, i)
	}
	cancel()
	close(gate)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 50, delivered)
	assert.GreaterOrEqual(t, liveCtx, 49, "drained events get a live context")
}

func TestRun_RestoresPublisherSpan(t *testing.T) {
	b := bus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan trace.SpanContext, 1)
	go sink.Run(ctx, b, bus.TopicSettled, sink.Func("span", func(hctx context.Context, _ bus.Event) error {
		got <- trace.SpanContextFromContext(hctx)
		return nil
	}), discard)
	assert.Eventually(t, func() bool { return b.SubscriberCount() == 1 }, time.Second, time.Millisecond)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{9},
		SpanID:     trace.SpanID{7},
		TraceFlags: trace.FlagsSampled,
	})
	b.PublishContext(trace.ContextWithSpanContext(context.Background(), sc), bus.TopicSettled, "ok")

	select {
	case hsc := <-got:
		assert.Equal(t, sc.TraceID(), hsc.TraceID())
		assert.Equal(t, sc.SpanID(), hsc.SpanID())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}
