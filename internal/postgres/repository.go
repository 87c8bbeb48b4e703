package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/go-task-orchestrator/internal/bus"
	"github.com/ramiqadoumi/go-task-orchestrator/internal/domain"
)

// ExecutionRepository stores settled task snapshots and the duration samples
// the estimator learned from.
type ExecutionRepository interface {
	Record(ctx context.Context, s domain.Snapshot) error
	RecordSample(ctx context.Context, s bus.Sample) error
	GetByID(ctx context.Context, taskID string) (domain.Snapshot, error)
	ListByCorrelationKey(ctx context.Context, correlationKey string, limit int) ([]domain.Snapshot, error)
	RecentDurations(ctx context.Context, category domain.Category, limit int) ([]time.Duration, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgxpool with the ExecutionRepository interface.
func NewRepository(pool *pgxpool.Pool) ExecutionRepository {
	return &repository{pool: pool}
}

const selectColumns = `
	task_id, category, correlation_key, status, progress, progress_message,
	expected_seconds, result, error, created_at, started_at, completed_at, elapsed_seconds`

// Record upserts s; the latest snapshot of a task wins.
func (r *repository) Record(ctx context.Context, s domain.Snapshot) error {
	var result []byte
	if s.Result != nil {
		var err error
		if result, err = json.Marshal(s.Result); err != nil {
			return fmt.Errorf("marshal result of task %s: %w", s.TaskID, err)
		}
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO task_executions (`+selectColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (task_id) DO UPDATE SET
			status           = EXCLUDED.status,
			progress         = EXCLUDED.progress,
			progress_message = EXCLUDED.progress_message,
			result           = EXCLUDED.result,
			error            = EXCLUDED.error,
			started_at       = EXCLUDED.started_at,
			completed_at     = EXCLUDED.completed_at,
			elapsed_seconds  = EXCLUDED.elapsed_seconds,
			recorded_at      = NOW()
	`,
		s.TaskID, string(s.Category), s.CorrelationKey, string(s.Status), s.Progress, s.ProgressMessage,
		s.ExpectedDuration, result, s.Error, s.CreatedAt, s.StartedAt, s.CompletedAt, s.Elapsed,
	)
	if err != nil {
		return fmt.Errorf("record execution of task %s: %w", s.TaskID, err)
	}
	return nil
}

func (r *repository) GetByID(ctx context.Context, taskID string) (domain.Snapshot, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM task_executions WHERE task_id = $1`, taskID)
	s, err := scanSnapshot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Snapshot{}, &domain.TaskNotFoundError{TaskID: taskID}
	}
	return s, err
}

// ListByCorrelationKey returns the newest executions for a key first.
func (r *repository) ListByCorrelationKey(ctx context.Context, correlationKey string, limit int) ([]domain.Snapshot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+selectColumns+`
		FROM task_executions
		WHERE correlation_key = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, correlationKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions for %q: %w", correlationKey, err)
	}
	defer rows.Close()

	var out []domain.Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *repository) RecordSample(ctx context.Context, smp bus.Sample) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO duration_samples (category, path, seconds, recorded_at)
		VALUES ($1, $2, $3, $4)
	`, string(smp.Category), smp.Path, smp.Duration.Seconds(), smp.At)
	if err != nil {
		return fmt.Errorf("record %s sample: %w", smp.Category, err)
	}
	return nil
}

// RecentDurations returns the latest samples learned for category, inline
// and forked alike, oldest first.
func (r *repository) RecentDurations(ctx context.Context, category domain.Category, limit int) ([]time.Duration, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT seconds FROM (
			SELECT seconds, recorded_at, id
			FROM duration_samples
			WHERE category = $1
			ORDER BY recorded_at DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY recorded_at ASC, id ASC
	`, string(category), limit)
	if err != nil {
		return nil, fmt.Errorf("recent durations for %s: %w", category, err)
	}
	defer rows.Close()

	var out []time.Duration
	for rows.Next() {
		var secs float64
		if err := rows.Scan(&secs); err != nil {
			return nil, fmt.Errorf("scan duration: %w", err)
		}
		out = append(out, time.Duration(secs*float64(time.Second)))
	}
	return out, rows.Err()
}

func scanSnapshot(row pgx.Row) (domain.Snapshot, error) {
	var (
		s                domain.Snapshot
		category, status string
		result           []byte
	)
	err := row.Scan(
		&s.TaskID, &category, &s.CorrelationKey, &status, &s.Progress, &s.ProgressMessage,
		&s.ExpectedDuration, &result, &s.Error, &s.CreatedAt, &s.StartedAt, &s.CompletedAt, &s.Elapsed,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Snapshot{}, err
		}
		return domain.Snapshot{}, fmt.Errorf("scan execution: %w", err)
	}
	s.Category = domain.Category(category)
	s.Status = domain.Status(status)
	if len(result) > 0 {
		if err := json.Unmarshal(result, &s.Result); err != nil {
			return domain.Snapshot{}, fmt.Errorf("unmarshal result of task %s: %w", s.TaskID, err)
		}
	}
	return s, nil
}

// ExecutionSink records settled snapshots and estimator samples published on
// the bus. Other payloads are ignored.
type ExecutionSink struct {
	repo ExecutionRepository
}

func NewExecutionSink(repo ExecutionRepository) *ExecutionSink { return &ExecutionSink{repo: repo} }

func (s *ExecutionSink) Name() string { return "postgres" }

func (s *ExecutionSink) Handle(ctx context.Context, e bus.Event) error {
	switch p := e.Payload.(type) {
	case domain.Snapshot:
		return s.repo.Record(ctx, p)
	case bus.Sample:
		return s.repo.RecordSample(ctx, p)
	}
	return nil
}
