//go:build integration

// End-to-end tests against real infrastructure (Kafka, Redis, PostgreSQL)
// provided by testcontainers-go.
//
// Run with: go test -tags=integration -v ./services/orchestrator/handler/
package handler_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcKafka "github.com/testcontainers/testcontainers-go/modules/kafka"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ramiqadoumi/go-task-orchestrator/internal/bus"
	"github.com/ramiqadoumi/go-task-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-task-orchestrator/internal/estimator"
	"github.com/ramiqadoumi/go-task-orchestrator/internal/handlers"
	"github.com/ramiqadoumi/go-task-orchestrator/internal/kafka"
	"github.com/ramiqadoumi/go-task-orchestrator/internal/orchestrator"
	"github.com/ramiqadoumi/go-task-orchestrator/internal/postgres"
	redisstore "github.com/ramiqadoumi/go-task-orchestrator/internal/redis"
	"github.com/ramiqadoumi/go-task-orchestrator/internal/sink"
	"github.com/ramiqadoumi/go-task-orchestrator/services/orchestrator/handler"
)

var (
	testRedisAddr    string
	testPostgresDSN  string
	testKafkaBrokers []string
)

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()

	// ── Redis ────────────────────────────────────────────────────────────────
	redisCtr, err := tcRedis.Run(ctx, "redis:7-alpine")
	if err != nil {
		log.Fatalf("start redis container: %v", err)
	}
	defer redisCtr.Terminate(ctx) //nolint:errcheck

	redisConnStr, err := redisCtr.ConnectionString(ctx)
	if err != nil {
		log.Fatalf("redis connection string: %v", err)
	}
	testRedisAddr = strings.TrimPrefix(redisConnStr, "redis://")

	// ── PostgreSQL ───────────────────────────────────────────────────────────
	pgCtr, err := tcPostgres.Run(ctx, "postgres:15-alpine",
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
	defer pgCtr.Terminate(ctx) //nolint:errcheck

	testPostgresDSN, err = pgCtr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("postgres connection string: %v", err)
	}

	// ── Kafka ────────────────────────────────────────────────────────────────
	kafkaCtr, err := tcKafka.Run(ctx, "confluentinc/confluent-local:7.7.1",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Kafka Server started").
				WithStartupTimeout(90*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("start kafka container: %v", err)
	}
	defer kafkaCtr.Terminate(ctx) //nolint:errcheck

	testKafkaBrokers, err = kafkaCtr.Brokers(ctx)
	if err != nil {
		log.Fatalf("kafka brokers: %v", err)
	}

	return m.Run()
}

func createTopic(t *testing.T, topic string) {
	t.Helper()
	conn, err := kafkago.DialContext(context.Background(), "tcp", testKafkaBrokers[0])
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
}

// stack is one orchestrator process wired to the shared containers.
type stack struct {
	mgr *orchestrator.Manager
	srv *httptest.Server
}

func newStack(t *testing.T, eventsTopic, settledTopic string, registry *handlers.Registry) *stack {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	redisClient := redisstore.NewClient(testRedisAddr)
	store := redisstore.NewSnapshotStore(redisClient, time.Minute)

	pool, err := postgres.NewPool(ctx, testPostgresDSN)
	require.NoError(t, err)
	_, err = postgres.Migrate(ctx, pool)
	require.NoError(t, err)
	repo := postgres.NewRepository(pool)

	producer := kafka.NewProducer(testKafkaBrokers)

	eventBus := bus.New()
	mgr := orchestrator.New(
		estimator.New(estimator.WithThreshold(100*time.Millisecond)),
		orchestrator.WithLogger(discard),
		orchestrator.WithBus(eventBus),
	)

	var sinks sync.WaitGroup
	for _, w := range []struct {
		prefix string
		sink   sink.Sink
	}{
		{bus.TopicSettled, redisstore.NewSnapshotSink(store)},
		{bus.TopicSettled, postgres.NewExecutionSink(repo)},
		{bus.TopicSample, postgres.NewExecutionSink(repo)},
		{"task.", kafka.NewEventPublisher(producer, eventsTopic, settledTopic)},
	} {
		sinks.Add(1)
		go func() { defer sinks.Done(); sink.Run(ctx, eventBus, w.prefix, w.sink, discard) }()
	}
	require.Eventually(t, func() bool { return eventBus.SubscriberCount() == 4 }, 5*time.Second, 10*time.Millisecond)

	r := chi.NewRouter()
	handler.NewREST(mgr, registry, discard,
		handler.WithSnapshotCache(store),
		handler.WithHistory(repo),
		handler.WithRateLimiter(redisstore.NewRateLimiter(redisClient, 100, time.Minute)),
	).Routes(r)
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		srv.Close()
		mgr.Close()
		cancel()
		sinks.Wait()
		_ = producer.Close()
		pool.Close()
		_ = redisClient.Close()
	})
	return &stack{mgr: mgr, srv: srv}
}

func getSnapshot(t *testing.T, baseURL, id string) (int, domain.Snapshot) {
	t.Helper()
	resp, err := http.Get(baseURL + "/api/v1/tasks/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	var snap domain.Snapshot
	_ = json.NewDecoder(resp.Body).Decode(&snap)
	return resp.StatusCode, snap
}

// TestE2E_ForkedTaskSurvivesRestart submits a long-running request over HTTP,
// then checks that every store saw the settlement and that a fresh process
// still answers status queries for it.
func TestE2E_ForkedTaskSurvivesRestart(t *testing.T) {
	suffix := uuid.NewString()[:8]
	eventsTopic := fmt.Sprintf("e2e-events-%s", suffix)
	settledTopic := fmt.Sprintf("e2e-settled-%s", suffix)
	createTopic(t, eventsTopic)
	createTopic(t, settledTopic)

	reg := handlers.NewRegistry(handlers.NewSimulated(domain.CategoryRender, 60*time.Millisecond, 3))
	first := newStack(t, eventsTopic, settledTopic, reg)
	key := "e2e-" + suffix

	// ── Step 1: submit and follow the stream ─────────────────────────────────
	resp, err := http.Post(first.srv.URL+"/api/v1/sessions/"+key+"/requests",
		"application/json", strings.NewReader(`{"text":"render the intro video"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	events := readSSE(t, resp.Body)
	require.NotEmpty(t, events)
	assert.Equal(t, domain.EventFork, events[0].Type)
	last := events[len(events)-1]
	require.Equal(t, domain.EventResult, last.Type)
	assert.Equal(t, "long-form-media-render finished: render the intro video", last.Content)
	taskID := events[0].TaskID

	// ── Step 2: Kafka carries the settled snapshot ───────────────────────────
	consumer := kafka.NewConsumer(testKafkaBrokers, settledTopic, "e2e-"+key, discard)
	t.Cleanup(func() { _ = consumer.Close() })

	readCtx, readCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer readCancel()
	var rec kafka.Record
	_ = consumer.Subscribe(readCtx, func(_ context.Context, msg kafka.Message) error {
		got, err := kafka.DecodeRecord(msg)
		if err == nil && got.Snapshot != nil && got.Snapshot.TaskID == taskID {
			rec = got
			readCancel()
		}
		return nil
	})
	require.NotNil(t, rec.Snapshot, "settled record not published")
	assert.Equal(t, domain.StatusCompleted, rec.Snapshot.Status)
	assert.Equal(t, key, rec.CorrelationKey)

	// ── Step 3: a fresh process falls back to Redis, then PostgreSQL ─────────
	second := newStack(t, eventsTopic, settledTopic, reg)

	require.Eventually(t, func() bool {
		code, snap := getSnapshot(t, second.srv.URL, taskID)
		return code == http.StatusOK && snap.Status == domain.StatusCompleted
	}, 10*time.Second, 50*time.Millisecond, "redis fallback")

	flush := redisstore.NewClient(testRedisAddr)
	require.NoError(t, flush.FlushDB(context.Background()).Err())
	_ = flush.Close()

	require.Eventually(t, func() bool {
		code, snap := getSnapshot(t, second.srv.URL, taskID)
		return code == http.StatusOK && snap.Status == domain.StatusCompleted && snap.CorrelationKey == key
	}, 10*time.Second, 50*time.Millisecond, "postgres fallback")

	code, _ := getSnapshot(t, second.srv.URL, uuid.NewString())
	assert.Equal(t, http.StatusNotFound, code)
}
