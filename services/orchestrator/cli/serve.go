package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-task-orchestrator/internal/bus"
	"github.com/ramiqadoumi/go-task-orchestrator/internal/estimator"
	"github.com/ramiqadoumi/go-task-orchestrator/internal/kafka"
	"github.com/ramiqadoumi/go-task-orchestrator/internal/orchestrator"
	"github.com/ramiqadoumi/go-task-orchestrator/internal/postgres"
	redisstore "github.com/ramiqadoumi/go-task-orchestrator/internal/redis"
	"github.com/ramiqadoumi/go-task-orchestrator/internal/sink"
	"github.com/ramiqadoumi/go-task-orchestrator/internal/version"
	"github.com/ramiqadoumi/go-task-orchestrator/pkg/telemetry"
	"github.com/ramiqadoumi/go-task-orchestrator/services/orchestrator/config"
	"github.com/ramiqadoumi/go-task-orchestrator/services/orchestrator/handler"
	"github.com/ramiqadoumi/go-task-orchestrator/services/orchestrator/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator HTTP server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-port", "8080", "HTTP server port")
	serveCmd.Flags().String("metrics-addr", ":9095", "Prometheus metrics server address")
	serveCmd.Flags().Duration("threshold", estimator.DefaultThreshold, "estimate at or above which a request is forked")
	serveCmd.Flags().Duration("hard-timeout", 0, "cancel background tasks running longer than this; 0 disables")
	serveCmd.Flags().String("redis-addr", "", "Redis address (host:port); empty disables the snapshot cache and rate limiter")
	serveCmd.Flags().String("kafka-brokers", "", "comma-separated Kafka broker addresses; empty disables event publishing")
	serveCmd.Flags().String("postgres-dsn", "", "PostgreSQL connection string; empty disables execution history")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("http_port", serveCmd.Flags(), "http-port")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("threshold", serveCmd.Flags(), "threshold")
	bindFlag("hard_timeout", serveCmd.Flags(), "hard-timeout")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("postgres_dsn", serveCmd.Flags(), "postgres-dsn")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := buildLogger(cfg.LogLevel, serviceName)

	shutdownTracer, err := telemetry.InitTracer(context.Background(), serviceName, cfg.OTelEndpoint,
		telemetry.WithSampleRatio(cfg.OTelSample),
		telemetry.WithServiceVersion(version.Version),
	)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	// ── orchestration core ────────────────────────────────────────────────────
	est := estimator.New(
		estimator.WithThreshold(cfg.Threshold),
		estimator.WithHistoryLimit(cfg.HistoryLimit),
	)
	eventBus := bus.New()
	mgr := orchestrator.New(est,
		orchestrator.WithLogger(logger),
		orchestrator.WithBus(eventBus),
		orchestrator.WithPollInterval(cfg.PollInterval),
		orchestrator.WithProgressDelta(cfg.ProgressDelta),
		orchestrator.WithHardTimeout(cfg.HardTimeout),
		orchestrator.WithAbandonGrace(cfg.AbandonGrace),
		orchestrator.WithJanitorSchedule(cfg.JanitorSchedule),
		orchestrator.WithRetention(cfg.RetentionTTL, cfg.RetentionCap),
	)

	registry, err := buildRegistry(cfg, est)
	if err != nil {
		return err
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	var (
		restOpts []handler.Option
		checks   []telemetry.ReadyFunc
		sinks    sync.WaitGroup
	)
	startSink := func(prefix string, s sink.Sink) {
		sinks.Add(1)
		go func() {
			defer sinks.Done()
			sink.Run(runCtx, eventBus, prefix, s, logger)
		}()
	}

	// ── optional stores ───────────────────────────────────────────────────────
	if cfg.RedisAddr != "" {
		redisClient := redisstore.NewClient(cfg.RedisAddr)
		defer func() { _ = redisClient.Close() }()

		store := redisstore.NewSnapshotStore(redisClient, cfg.SnapshotTTL)
		startSink(bus.TopicSettled, redisstore.NewSnapshotSink(store))
		restOpts = append(restOpts, handler.WithSnapshotCache(store))
		checks = append(checks, func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
		if cfg.RateLimit > 0 {
			restOpts = append(restOpts, handler.WithRateLimiter(
				redisstore.NewRateLimiter(redisClient, cfg.RateLimit, cfg.RateWindow)))
		}
	}

	if brokers := cfg.Brokers(); len(brokers) > 0 {
		producer := kafka.NewProducer(brokers)
		defer func() { _ = producer.Close() }()
		startSink("task.", kafka.NewEventPublisher(producer, cfg.KafkaEventsTopic, cfg.KafkaSettled))
	}

	if cfg.PostgresDSN != "" {
		initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
		cancel()
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()

		repo := postgres.NewRepository(pool)
		execSink := postgres.NewExecutionSink(repo)
		startSink(bus.TopicSettled, execSink)
		startSink(bus.TopicSample, execSink)
		restOpts = append(restOpts, handler.WithHistory(repo))
		checks = append(checks, func(ctx context.Context) error { return pool.Ping(ctx) })

		if cfg.WarmStart {
			warmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			n := warmStart(warmCtx, est, repo, cfg.HistoryLimit, logger)
			cancel()
			logger.Info("estimator warm start", slog.Int("samples", n))
		}
	}
	restOpts = append(restOpts, handler.WithReadyChecks(checks...))

	// ── config hot reload ─────────────────────────────────────────────────────
	if viper.ConfigFileUsed() != "" {
		viper.OnConfigChange(func(e fsnotify.Event) {
			logger.Debug("config file changed", slog.String("path", e.Name), slog.String("op", e.Op.String()))
			reloadThreshold(est, viper.GetDuration("threshold"), logger)
		})
		viper.WatchConfig()
	}

	if err := mgr.Start(); err != nil {
		return err
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	rest := handler.NewREST(mgr, registry, logger, restOpts...)
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(1 << 20)) // 1MB limit
	rest.Routes(r)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: event streams stay open until the task settles.
		IdleTimeout: 60 * time.Second,
	}

	// ── signal handling ───────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	// ── Prometheus metrics ────────────────────────────────────────────────────
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger, checks...)

	go func() {
		logger.Info("orchestrator HTTP starting",
			slog.String("addr", httpSrv.Addr),
			slog.String("version", version.String()),
			slog.Duration("threshold", est.Threshold()),
			slog.String("stores", describeStores(cfg)),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("shutting down...")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
		_ = httpSrv.Close()
	}

	// Cancel what is still running; the settled snapshots land in the sink
	// buffers, which Run drains after runCancel.
	mgr.Close()
	runCancel()
	sinks.Wait()

	logger.Info("stopped")
	return nil
}
