package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-task-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-task-orchestrator/pkg/telemetry"
)

var errNoQueryHandler = errors.New("no query handler")

// QueryHandler answers a follow-up question.
type QueryHandler func(ctx context.Context, question string) (any, error)

// HandleConcurrentQuery answers question while other work for the same
// correlation key may still be running in the background. The handler runs
// on its own goroutine and never touches, waits on, or pauses any task;
// runningTaskID is used for logging only. The returned stream carries
// exactly one result or error event.
func (m *Manager) HandleConcurrentQuery(
	ctx context.Context,
	question, correlationKey string,
	handler QueryHandler,
	runningTaskID string,
) <-chan domain.Event {
	category := m.est.Classify(question, "")

	m.mu.Lock()
	q, ok := m.queries[correlationKey]
	if !ok {
		q = &queryTally{}
		m.queries[correlationKey] = q
	}
	q.count++
	q.last = time.Now()
	m.mu.Unlock()

	out := make(chan domain.Event, 1)
	emit := m.emitter(ctx, correlationKey, out)

	go func() {
		defer close(out)

		ctx, span := otel.Tracer("orchestrator").Start(ctx, "orchestrator.concurrent_query")
		defer span.End()
		span.SetAttributes(
			attribute.String("task.category", string(category)),
			attribute.String("correlation_key", correlationKey),
			attribute.String("running_task.id", runningTaskID),
		)

		start := time.Now()
		value, err := call(ctx, func(ctx context.Context, _ domain.Args) (any, error) {
			if handler == nil {
				return nil, errNoQueryHandler
			}
			return handler(ctx, question)
		}, nil)
		elapsed := time.Since(start)

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			telemetry.ConcurrentQueriesTotal.WithLabelValues("error").Inc()
			m.logger.Warn("concurrent query failed",
				slog.String("category", string(category)),
				slog.String("correlation_key", correlationKey),
				slog.String("running_task_id", runningTaskID),
				slog.String("error", err.Error()),
			)
			emit(domain.ErrorEvent(err, category))
			return
		}
		telemetry.ConcurrentQueriesTotal.WithLabelValues("result").Inc()
		m.logger.Debug("concurrent query answered",
			slog.String("category", string(category)),
			slog.String("correlation_key", correlationKey),
			slog.String("running_task_id", runningTaskID),
			slog.Duration("elapsed", elapsed),
		)
		emit(domain.ResultEvent(value, category, elapsed))
	}()
	return out
}
