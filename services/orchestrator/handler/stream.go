package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ramiqadoumi/go-task-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-task-orchestrator/internal/handlers"
	"github.com/ramiqadoumi/go-task-orchestrator/internal/orchestrator"
	"github.com/ramiqadoumi/go-task-orchestrator/pkg/telemetry"
)

// SubmitRequestBody is the JSON body for POST /api/v1/sessions/{key}/requests.
type SubmitRequestBody struct {
	Text string      `json:"text"`
	Hint string      `json:"hint,omitempty"`
	Args domain.Args `json:"args,omitempty"`
}

// SubmitQueryBody is the JSON body for POST /api/v1/sessions/{key}/queries.
type SubmitQueryBody struct {
	Question      string `json:"question"`
	RunningTaskID string `json:"running_task_id,omitempty"`
}

// SubmitRequest handles POST /api/v1/sessions/{key}/requests. The request is
// classified, then its lifecycle events are streamed back as server-sent
// events until the last one. Closing the connection stops the stream but
// leaves a forked task running.
func (h *REST) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("orchestrator-api").Start(r.Context(), "api.submit_request")
	defer span.End()

	key := chi.URLParam(r, "key")
	var body SubmitRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		writeError(w, http.StatusBadRequest, "field 'text' is required")
		return
	}

	if h.limiter != nil {
		allowed, err := h.limiter.Allow(ctx, key)
		if err != nil {
			h.logger.Warn("rate limiter unavailable, admitting request",
				slog.String("correlation_key", key),
				slog.String("error", err.Error()),
			)
		} else if !allowed {
			telemetry.APIRateLimitedTotal.Inc()
			rle := &domain.RateLimitExceededError{Key: key, Limit: h.limiter.Limit()}
			writeError(w, http.StatusTooManyRequests, rle.Error())
			return
		}
	}

	category := h.mgr.Estimator().Classify(body.Text, body.Hint)
	payload, err := h.registry.Payload(category)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	span.SetAttributes(
		attribute.String("task.category", string(category)),
		attribute.String("correlation_key", key),
	)

	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	args := body.Args.Clone()
	args[handlers.ArgText] = body.Text

	events := h.mgr.Submit(ctx, orchestrator.Request{
		Category:       category,
		Payload:        payload,
		Args:           args,
		CorrelationKey: key,
	})
	h.relay(sse, events, key)
}

// SubmitQuery handles POST /api/v1/sessions/{key}/queries. It answers while
// earlier requests for the session may still be running and streams a single
// result or error event.
func (h *REST) SubmitQuery(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("orchestrator-api").Start(r.Context(), "api.submit_query")
	defer span.End()

	key := chi.URLParam(r, "key")
	var body SubmitQueryBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Question) == "" {
		writeError(w, http.StatusBadRequest, "field 'question' is required")
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	var answer orchestrator.QueryHandler
	if fn, err := h.registry.Answer(h.mgr.Estimator().Classify(body.Question, "")); err == nil {
		answer = fn
	}
	events := h.mgr.HandleConcurrentQuery(ctx, body.Question, key, answer, body.RunningTaskID)
	h.relay(sse, events, key)
}

func (h *REST) relay(sse *sseWriter, events <-chan domain.Event, key string) {
	for e := range events {
		if err := sse.send(string(e.Type), e); err != nil {
			h.logger.Debug("sse: send failed",
				slog.String("correlation_key", key),
				slog.String("error", err.Error()),
			)
			// Drain so the producer is never left blocked on a full buffer.
			for range events {
			}
			return
		}
	}
}

// sseWriter frames values as server-sent events.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, true
}

func (s *sseWriter) send(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
