package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/go-task-orchestrator/internal/bus"
	"github.com/ramiqadoumi/go-task-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-task-orchestrator/internal/task"
	"github.com/ramiqadoumi/go-task-orchestrator/pkg/telemetry"
)

const (
	pathInline = "inline"
	pathForked = "forked"
)

// Request is one unit of work handed to Submit.
type Request struct {
	Category       domain.Category
	Payload        task.PayloadFunc
	Args           domain.Args
	CorrelationKey string
}

// Submit admits req and returns its event stream, which is closed after the
// last event. Short requests run inline and yield a single result or error.
// Long-running requests are forked: the stream yields fork and prompt right
// away, then progress, then the outcome.
//
// The caller must drain the stream or cancel ctx. Cancelling ctx only stops
// the stream; a forked task keeps running until it settles or is cancelled
// through Cancel.
func (m *Manager) Submit(ctx context.Context, req Request) <-chan domain.Event {
	if req.Category == "" {
		req.Category = domain.CategoryUnknown
	}
	out := make(chan domain.Event, 8)
	emit := m.emitter(ctx, req.CorrelationKey, out)

	if !m.est.IsLongRunning(req.Category) {
		telemetry.SubmissionsTotal.WithLabelValues(string(req.Category), pathInline).Inc()
		go func() {
			defer close(out)
			m.runInline(ctx, req, emit)
		}()
		return out
	}

	telemetry.SubmissionsTotal.WithLabelValues(string(req.Category), pathForked).Inc()
	t, settled := m.fork(ctx, req)
	go func() {
		defer close(out)
		emit(domain.ForkEvent(t.ID(), t.Category(), t.ExpectedDuration()))
		emit(domain.PromptEvent())
		m.follow(ctx, t, settled, emit)
	}()
	return out
}

// emitter publishes every event on the bus and forwards it to out for as
// long as ctx is live.
func (m *Manager) emitter(ctx context.Context, correlationKey string, out chan<- domain.Event) func(domain.Event) {
	return func(e domain.Event) {
		m.bus.PublishLifecycle(ctx, correlationKey, e)
		if ctx.Err() != nil {
			return
		}
		select {
		case out <- e:
		case <-ctx.Done():
		}
	}
}

func (m *Manager) runInline(ctx context.Context, req Request, emit func(domain.Event)) {
	ctx, span := otel.Tracer("orchestrator").Start(ctx, "orchestrator.inline")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.category", string(req.Category)),
		attribute.String("correlation_key", req.CorrelationKey),
	)

	start := time.Now()
	value, err := call(ctx, req.Payload, req.Args.Clone())
	elapsed := time.Since(start)
	telemetry.TaskDurationSeconds.WithLabelValues(string(req.Category), pathInline).Observe(elapsed.Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Warn("inline request failed",
			slog.String("category", string(req.Category)),
			slog.String("correlation_key", req.CorrelationKey),
			slog.String("error", err.Error()),
		)
		emit(domain.ErrorEvent(err, req.Category))
		return
	}
	m.learn(ctx, req.Category, elapsed, pathInline)
	emit(domain.ResultEvent(value, req.Category, elapsed))
}

// learn records a successful duration and publishes it for persistence.
func (m *Manager) learn(ctx context.Context, c domain.Category, elapsed time.Duration, path string) {
	m.est.Record(c, elapsed)
	m.bus.PublishContext(ctx, bus.TopicSample, bus.Sample{Category: c, Duration: elapsed, Path: path, At: time.Now()})
}

// fork registers a pending task and starts it. settled is closed once the
// task has left the active registry and its bookkeeping is done. The task's
// span is a child of the span in ctx but does not inherit its cancellation.
func (m *Manager) fork(ctx context.Context, req Request) (*task.BackgroundTask, <-chan struct{}) {
	t := task.New(req.Category, req.CorrelationKey, req.Payload, req.Args,
		task.WithExpectedDuration(m.est.Estimate(req.Category)),
		task.WithHardTimeout(m.hardTimeout),
		task.WithAbandonGrace(m.abandonGrace),
		task.WithSettleHook(m.settle),
	)
	m.register(t)

	settled := make(chan struct{})
	m.wg.Add(1)
	go m.execute(trace.SpanContextFromContext(ctx), t, settled)
	return t, settled
}

func (m *Manager) execute(parent trace.SpanContext, t *task.BackgroundTask, settled chan<- struct{}) {
	defer m.wg.Done()
	defer close(settled)

	ctx, span := otel.Tracer("orchestrator").Start(trace.ContextWithSpanContext(m.baseCtx, parent), "orchestrator.background_task")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", t.ID()),
		attribute.String("task.category", string(t.Category())),
		attribute.String("correlation_key", t.CorrelationKey()),
	)

	log := m.logger.With(
		slog.String("task_id", t.ID()),
		slog.String("category", string(t.Category())),
		slog.String("correlation_key", t.CorrelationKey()),
	)
	log.Info("background task started", slog.Duration("expected", t.ExpectedDuration()))

	_, err := t.Execute(ctx)
	elapsed, _ := t.Elapsed()
	status := t.Status()

	telemetry.TasksSettledTotal.WithLabelValues(string(t.Category()), string(status)).Inc()
	telemetry.TaskDurationSeconds.WithLabelValues(string(t.Category()), pathForked).Observe(elapsed.Seconds())

	switch status {
	case domain.StatusCompleted:
		m.learn(ctx, t.Category(), elapsed, pathForked)
		log.Info("background task completed", slog.Duration("elapsed", elapsed))
	case domain.StatusCancelled:
		log.Info("background task cancelled", slog.Duration("elapsed", elapsed))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("background task failed",
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
	}
	m.bus.PublishContext(ctx, bus.TopicSettled, t.Snapshot())
}

// follow streams progress until the task settles, then its outcome. Progress
// is read on every update signal and on each poll tick, and emitted only when
// it has advanced by more than progressDelta since the last emission.
func (m *Manager) follow(ctx context.Context, t *task.BackgroundTask, settled <-chan struct{}, emit func(domain.Event)) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	var last float64
	for {
		select {
		case <-ctx.Done():
			return
		case <-settled:
			m.emitOutcome(t, emit)
			return
		case <-t.Updates():
		case <-ticker.C:
		}

		s := t.Snapshot()
		if s.Status == domain.StatusRunning && s.Progress-last > m.progressDelta {
			last = s.Progress
			telemetry.ProgressEventsTotal.Inc()
			emit(domain.ProgressEvent(t.ID(), s.Progress, s.ProgressMessage))
		}
	}
}

func (m *Manager) emitOutcome(t *task.BackgroundTask, emit func(domain.Event)) {
	s := t.Snapshot()
	switch s.Status {
	case domain.StatusCompleted:
		elapsed, _ := t.Elapsed()
		emit(domain.TaskCompleteEvent(t.ID(), elapsed))
		emit(domain.ResultEvent(s.Result, t.Category(), elapsed))
	case domain.StatusFailed:
		emit(domain.TaskFailedEvent(t.ID(), s.Error))
	case domain.StatusCancelled:
		emit(domain.TaskCancelledEvent(t.ID()))
	}
}

// call runs payload on the current goroutine, converting a panic into a
// PayloadPanicError.
func call(ctx context.Context, payload task.PayloadFunc, args domain.Args) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value, err = nil, &domain.PayloadPanicError{Value: r}
		}
	}()
	return payload(ctx, args)
}
