// Package sink drains bus topics into external transports.
package sink

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/go-task-orchestrator/internal/bus"
	"github.com/ramiqadoumi/go-task-orchestrator/pkg/telemetry"
)

// Sink delivers bus events somewhere outside the process.
type Sink interface {
	Name() string
	Handle(ctx context.Context, e bus.Event) error
}

// DrainTimeout bounds how long Run keeps delivering buffered events after its
// context is done.
const DrainTimeout = 10 * time.Second

// Run subscribes s to topicPrefix and feeds it events until ctx is done.
// Delivery failures are logged and counted; they never stop the loop.
// Events already buffered when ctx ends are still delivered, under a fresh
// context bounded by DrainTimeout.
func Run(ctx context.Context, b *bus.Bus, topicPrefix string, s Sink, logger *slog.Logger) {
	sub := b.Subscribe(topicPrefix)
	defer b.Unsubscribe(sub)

	log := logger.With(slog.String("sink", s.Name()), slog.String("topic_prefix", topicPrefix))
	log.Info("sink started")
	defer log.Info("sink stopped")

	for {
		if ctx.Err() != nil {
			drain(sub.Ch(), s, log)
			return
		}
		select {
		case <-ctx.Done():
			drain(sub.Ch(), s, log)
			return
		case e, ok := <-sub.Ch():
			if !ok {
				return
			}
			deliver(ctx, s, e, log)
		}
	}
}

func drain(ch <-chan bus.Event, s Sink, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), DrainTimeout)
	defer cancel()

	n := 0
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				log.Warn("sink drain timed out", slog.Int("delivered", n))
				return
			}
			deliver(ctx, s, e, log)
			n++
		default:
			if n > 0 {
				log.Info("sink drained", slog.Int("delivered", n))
			}
			return
		}
	}
}

func deliver(ctx context.Context, s Sink, e bus.Event, log *slog.Logger) {
	if e.SpanContext.IsValid() {
		ctx = trace.ContextWithRemoteSpanContext(ctx, e.SpanContext)
	}
	if err := s.Handle(ctx, e); err != nil {
		telemetry.SinkErrorsTotal.WithLabelValues(s.Name()).Inc()
		log.Error("sink delivery failed",
			slog.String("topic", e.Topic),
			slog.String("error", err.Error()),
		)
	}
}

// Func adapts a function into a Sink.
func Func(name string, fn func(ctx context.Context, e bus.Event) error) Sink {
	return funcSink{name: name, fn: fn}
}

type funcSink struct {
	name string
	fn   func(ctx context.Context, e bus.Event) error
}

func (f funcSink) Name() string                                  { return f.name }
func (f funcSink) Handle(ctx context.Context, e bus.Event) error { return f.fn(ctx, e) }
