//go:build integration

package postgres

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ramiqadoumi/go-task-orchestrator/internal/bus"
	"github.com/ramiqadoumi/go-task-orchestrator/internal/domain"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()
	ctr, err := tcPostgres.Run(ctx, "postgres:15-alpine",
		tcPostgres.WithDatabase("orchestrator"),
		tcPostgres.WithUsername("orchestrator"),
		tcPostgres.WithPassword("orchestrator"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("start postgres container: %v", err)
	}
	defer ctr.Terminate(ctx) //nolint:errcheck

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("postgres connection string: %v", err)
	}
	testPool, err = NewPool(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer testPool.Close()

	if _, err := Migrate(ctx, testPool); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	return m.Run()
}

func settled(id, key string, status domain.Status, created time.Time, elapsed time.Duration) domain.Snapshot {
	started := created.Add(10 * time.Millisecond)
	completed := started.Add(elapsed)
	return domain.Snapshot{
		TaskID:           id,
		Category:         domain.CategoryRender,
		CorrelationKey:   key,
		Status:           status,
		Progress:         1,
		ExpectedDuration: domain.SecondsPtr(45 * time.Second),
		Result:           map[string]any{"file": "video.mp4"},
		CreatedAt:        created,
		StartedAt:        &started,
		CompletedAt:      &completed,
		Elapsed:          domain.SecondsPtr(elapsed),
	}
}

func TestRepository_RecordAndGet(t *testing.T) {
	repo := NewRepository(testPool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	in := settled("pg-1", "session-pg", domain.StatusCompleted, now, 2*time.Second)
	require.NoError(t, repo.Record(ctx, in))

	got, err := repo.GetByID(ctx, "pg-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, domain.CategoryRender, got.Category)
	assert.Equal(t, map[string]any{"file": "video.mp4"}, got.Result)
	assert.True(t, now.Equal(got.CreatedAt))
	require.NotNil(t, got.Elapsed)
	assert.InDelta(t, 2.0, *got.Elapsed, 1e-6)
}

func TestRepository_RecordIsUpsert(t *testing.T) {
	repo := NewRepository(testPool)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, repo.Record(ctx, settled("pg-2", "k", domain.StatusCompleted, now, time.Second)))
	updated := settled("pg-2", "k", domain.StatusFailed, now, time.Second)
	updated.Result = nil
	updated.Error = "boom"
	require.NoError(t, repo.Record(ctx, updated))

	got, err := repo.GetByID(ctx, "pg-2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "boom", got.Error)
	assert.Nil(t, got.Result)
}

func TestRepository_GetByID_NotFound(t *testing.T) {
	_, err := NewRepository(testPool).GetByID(context.Background(), "missing")
	var notFound *domain.TaskNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "missing", notFound.TaskID)
}

func TestRepository_ListByCorrelationKey(t *testing.T) {
	repo := NewRepository(testPool)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"list-a", "list-b", "list-c"} {
		require.NoError(t, repo.Record(ctx, settled(id, "session-list", domain.StatusCompleted,
			base.Add(time.Duration(i)*time.Second), time.Second)))
	}

	got, err := repo.ListByCorrelationKey(ctx, "session-list", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "list-c", got[0].TaskID, "newest first")
	assert.Equal(t, "list-b", got[1].TaskID)
}

func TestRepository_RecentDurations(t *testing.T) {
	repo := NewRepository(testPool)
	ctx := context.Background()
	base := time.Now().UTC().Add(time.Hour)

	for i, smp := range []bus.Sample{
		{Category: domain.CategoryEvaluation, Duration: time.Second, Path: "forked"},
		{Category: domain.CategoryEvaluation, Duration: 20 * time.Millisecond, Path: "inline"},
		{Category: domain.CategoryEvaluation, Duration: 3 * time.Second, Path: "forked"},
		{Category: domain.CategorySearch, Duration: time.Hour, Path: "inline"},
	} {
		smp.At = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, repo.RecordSample(ctx, smp))
	}

	got, err := repo.RecentDurations(ctx, domain.CategoryEvaluation, 2)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{20 * time.Millisecond, 3 * time.Second}, got,
		"inline samples count and the oldest falls outside the limit")
}
