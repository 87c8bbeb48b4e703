package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ramiqadoumi/go-task-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-task-orchestrator/internal/handlers"
	"github.com/ramiqadoumi/go-task-orchestrator/internal/orchestrator"
	"github.com/ramiqadoumi/go-task-orchestrator/pkg/telemetry"
)

const (
	defaultWaitTimeout = 30 * time.Second
	maxWaitTimeout     = 5 * time.Minute
	historyLimit       = 50
)

// SnapshotCache serves snapshots of tasks that have left the in-memory registry.
type SnapshotCache interface {
	Get(ctx context.Context, taskID string) (domain.Snapshot, error)
}

// History serves the durable execution record.
type History interface {
	GetByID(ctx context.Context, taskID string) (domain.Snapshot, error)
	ListByCorrelationKey(ctx context.Context, correlationKey string, limit int) ([]domain.Snapshot, error)
}

// Limiter throttles submissions per correlation key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Limit() int
}

// REST handles HTTP requests for the orchestrator.
type REST struct {
	mgr      *orchestrator.Manager
	registry *handlers.Registry
	cache    SnapshotCache
	history  History
	limiter  Limiter
	checks   []telemetry.ReadyFunc
	logger   *slog.Logger
}

// Option configures optional REST collaborators.
type Option func(*REST)

func WithSnapshotCache(c SnapshotCache) Option { return func(h *REST) { h.cache = c } }
func WithHistory(hist History) Option          { return func(h *REST) { h.history = hist } }
func WithRateLimiter(l Limiter) Option         { return func(h *REST) { h.limiter = l } }

// WithReadyChecks adds dependency checks to /readyz.
func WithReadyChecks(checks ...telemetry.ReadyFunc) Option {
	return func(h *REST) { h.checks = append(h.checks, checks...) }
}

// NewREST creates a new REST handler.
func NewREST(mgr *orchestrator.Manager, registry *handlers.Registry, logger *slog.Logger, opts ...Option) *REST {
	h := &REST{mgr: mgr, registry: registry, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts every endpoint on r.
func (h *REST) Routes(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sessions/{key}", func(r chi.Router) {
			r.Post("/requests", h.SubmitRequest)
			r.Post("/queries", h.SubmitQuery)
			r.Get("/watch", h.Watch)
		})
		r.Get("/tasks", h.ListTasks)
		r.Get("/tasks/{id}", h.GetTaskStatus)
		r.Delete("/tasks/{id}", h.CancelTask)
		r.Get("/tasks/{id}/wait", h.WaitTask)
		r.Get("/estimates", h.Estimates)
		r.Get("/stats", h.Stats)
	})
}

// ListTasksResponse is the GET /api/v1/tasks response body.
type ListTasksResponse struct {
	Active  []domain.Snapshot `json:"active"`
	History []domain.Snapshot `json:"history,omitempty"`
}

// ListTasks handles GET /api/v1/tasks?correlation_key=.
// An empty key lists every active task; history needs a key.
func (h *REST) ListTasks(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("correlation_key")
	resp := ListTasksResponse{Active: h.mgr.GetActiveTasks(key)}

	if h.history != nil && key != "" {
		past, err := h.history.ListByCorrelationKey(r.Context(), key, historyLimit)
		if err != nil {
			h.logger.Warn("history lookup failed",
				slog.String("correlation_key", key),
				slog.String("error", err.Error()),
			)
		}
		resp.History = past
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetTaskStatus handles GET /api/v1/tasks/{id}. The in-memory registry is
// authoritative; the snapshot cache and then the history answer for tasks
// it no longer holds.
func (h *REST) GetTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if snap, ok := h.mgr.GetTaskStatus(taskID); ok {
		writeJSON(w, http.StatusOK, snap)
		return
	}

	ctx := r.Context()
	var notFound *domain.TaskNotFoundError

	if h.cache != nil {
		snap, err := h.cache.Get(ctx, taskID)
		if err == nil {
			writeJSON(w, http.StatusOK, snap)
			return
		}
		if !errors.As(err, &notFound) {
			h.logger.Warn("snapshot cache error", slog.String("task_id", taskID), slog.String("error", err.Error()))
		}
	}

	if h.history != nil {
		snap, err := h.history.GetByID(ctx, taskID)
		if err == nil {
			writeJSON(w, http.StatusOK, snap)
			return
		}
		if !errors.As(err, &notFound) {
			h.logger.Error("history error", slog.String("task_id", taskID), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to retrieve task")
			return
		}
	}

	writeError(w, http.StatusNotFound, "task not found")
}

// CancelTask handles DELETE /api/v1/tasks/{id}: 202 when the signal was
// delivered, 409 when the task already settled, 404 when it is unknown.
func (h *REST) CancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if h.mgr.Cancel(taskID) {
		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "status": "cancelling"})
		return
	}
	if snap, ok := h.mgr.GetTaskStatus(taskID); ok {
		writeJSON(w, http.StatusConflict, snap)
		return
	}
	writeError(w, http.StatusNotFound, "task not found")
}

// WaitTask handles GET /api/v1/tasks/{id}/wait?timeout=10s. It answers 200
// with the settled snapshot, or 408 when the timeout passes first.
func (h *REST) WaitTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	timeout, err := parseTimeout(r.URL.Query().Get("timeout"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, ok := h.mgr.GetTaskStatus(taskID); !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	snap, ok := h.mgr.Wait(r.Context(), taskID, timeout)
	if !ok {
		writeError(w, http.StatusRequestTimeout, "task still running")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// parseTimeout accepts a Go duration or a number of seconds.
func parseTimeout(raw string) (time.Duration, error) {
	if raw == "" {
		return defaultWaitTimeout, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		secs, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil {
			return 0, errors.New("invalid timeout")
		}
		d = time.Duration(secs * float64(time.Second))
	}
	if d <= 0 {
		return 0, errors.New("timeout must be positive")
	}
	return min(d, maxWaitTimeout), nil
}

// Estimates handles GET /api/v1/estimates.
func (h *REST) Estimates(w http.ResponseWriter, _ *http.Request) {
	est := h.mgr.Estimator()
	writeJSON(w, http.StatusOK, map[string]any{
		"threshold_seconds": est.Threshold().Seconds(),
		"categories":        est.Summaries(),
	})
}

// Stats handles GET /api/v1/stats.
func (h *REST) Stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.mgr.Stats())
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz by running every configured dependency check.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for _, check := range h.checks {
		if err := check(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
