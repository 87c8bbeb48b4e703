package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Admission ───────────────────────────────────────────────────────────────

	SubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "admission",
		Name:      "submissions_total",
		Help:      "Total submissions, labelled by category and execution path (inline | forked).",
	}, []string{"category", "path"})

	EstimateSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Subsystem: "estimator",
		Name:      "estimate_seconds",
		Help:      "Current duration estimate per category.",
	}, []string{"category"})

	// ─── Tasks ───────────────────────────────────────────────────────────────────

	TasksActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Subsystem: "tasks",
		Name:      "active",
		Help:      "Background tasks currently in the active registry.",
	})

	TasksRetained = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Subsystem: "tasks",
		Name:      "retained",
		Help:      "Terminal tasks held in the completed registry.",
	})

	TasksSettledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "tasks",
		Name:      "settled_total",
		Help:      "Background tasks reaching a terminal state, labelled by category and status.",
	}, []string{"category", "status"})

	TaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "orchestrator",
		Subsystem: "tasks",
		Name:      "duration_seconds",
		Help:      "Payload execution time in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 15, 30, 60, 120},
	}, []string{"category", "path"})

	ProgressEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "tasks",
		Name:      "progress_events_total",
		Help:      "Progress events emitted to callers.",
	})

	ConcurrentQueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "queries",
		Name:      "handled_total",
		Help:      "Concurrent follow-up queries, labelled by outcome (result | error).",
	}, []string{"outcome"})

	// ─── Plumbing ────────────────────────────────────────────────────────────────

	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "bus",
		Name:      "dropped_total",
		Help:      "Events dropped because a subscriber buffer was full.",
	}, []string{"topic"})

	SinkErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "sink",
		Name:      "errors_total",
		Help:      "Events a sink failed to deliver.",
	}, []string{"sink"})

	HandlerRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "handler",
		Name:      "retries_total",
		Help:      "Retry attempts made by payload handlers.",
	}, []string{"category"})

	APIRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "api",
		Name:      "rate_limited_total",
		Help:      "Submissions rejected by the per-session rate limiter.",
	})
)
