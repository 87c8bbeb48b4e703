package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-orchestrator/internal/bus"
	"github.com/ramiqadoumi/go-task-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-task-orchestrator/internal/postgres/migrations"
)

// ── mocks ────────────────────────────────────────────────────────────────────

type fakeRepo struct {
	recorded []domain.Snapshot
	samples  []bus.Sample
	err      error
}

func (r *fakeRepo) Record(_ context.Context, s domain.Snapshot) error {
	if r.err != nil {
		return r.err
	}
	r.recorded = append(r.recorded, s)
	return nil
}
func (r *fakeRepo) RecordSample(_ context.Context, s bus.Sample) error {
	if r.err != nil {
		return r.err
	}
	r.samples = append(r.samples, s)
	return nil
}
func (r *fakeRepo) GetByID(_ context.Context, id string) (domain.Snapshot, error) {
	return domain.Snapshot{}, &domain.TaskNotFoundError{TaskID: id}
}
func (r *fakeRepo) ListByCorrelationKey(context.Context, string, int) ([]domain.Snapshot, error) {
	return r.recorded, nil
}
func (r *fakeRepo) RecentDurations(context.Context, domain.Category, int) ([]time.Duration, error) {
	return nil, nil
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestExecutionSink_RecordsSettledSnapshots(t *testing.T) {
	repo := &fakeRepo{}
	s := NewExecutionSink(repo)
	assert.Equal(t, "postgres", s.Name())

	require.NoError(t, s.Handle(context.Background(), bus.Event{
		Topic: bus.TopicSettled, Payload: domain.Snapshot{TaskID: "t1", Status: domain.StatusCancelled},
	}))
	require.NoError(t, s.Handle(context.Background(), bus.Event{
		Topic: bus.LifecycleTopic(domain.EventResult), Payload: bus.Lifecycle{},
	}))

	require.Len(t, repo.recorded, 1)
	assert.Equal(t, domain.StatusCancelled, repo.recorded[0].Status)
}

func TestExecutionSink_RecordsSamples(t *testing.T) {
	repo := &fakeRepo{}
	require.NoError(t, NewExecutionSink(repo).Handle(context.Background(), bus.Event{
		Topic:   bus.TopicSample,
		Payload: bus.Sample{Category: domain.CategorySearch, Duration: 40 * time.Millisecond, Path: "inline"},
	}))

	require.Len(t, repo.samples, 1)
	assert.Equal(t, domain.CategorySearch, repo.samples[0].Category)
	assert.Equal(t, "inline", repo.samples[0].Path)
	assert.Empty(t, repo.recorded)
}

func TestExecutionSink_PropagatesErrors(t *testing.T) {
	repo := &fakeRepo{err: errors.New("connection refused")}
	err := NewExecutionSink(repo).Handle(context.Background(), bus.Event{Payload: domain.Snapshot{TaskID: "t1"}})
	assert.EqualError(t, err, "connection refused")
}

func TestMigrations_Ordered(t *testing.T) {
	files, err := migrations.Files()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"001_create_task_executions.sql",
		"002_index_completed_by_category.sql",
		"003_create_duration_samples.sql",
	}, files)
}
