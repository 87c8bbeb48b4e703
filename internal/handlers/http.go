package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/go-task-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-task-orchestrator/internal/task"
	"github.com/ramiqadoumi/go-task-orchestrator/pkg/retry"
	"github.com/ramiqadoumi/go-task-orchestrator/pkg/telemetry"
)

const maxResponseBytes = 4 << 20

// httpRequest is the JSON body posted to a remote handler.
type httpRequest struct {
	Category domain.Category `json:"category"`
	Args     domain.Args     `json:"args"`
}

// HTTPHandler delegates a category to a remote service. Args are POSTed as
// JSON; a JSON response is decoded, anything else is returned as a string.
// Transport errors and 5xx responses are retried, 4xx responses are not.
type HTTPHandler struct {
	category  domain.Category
	endpoint  string
	client    *http.Client
	headers   map[string]string
	attempts  int
	baseDelay time.Duration
}

// HTTPOption configures an HTTPHandler.
type HTTPOption func(*HTTPHandler)

func WithHTTPClient(c *http.Client) HTTPOption     { return func(h *HTTPHandler) { h.client = c } }
func WithAttempts(n int) HTTPOption                { return func(h *HTTPHandler) { h.attempts = n } }
func WithBaseDelay(d time.Duration) HTTPOption     { return func(h *HTTPHandler) { h.baseDelay = d } }
func WithHeaders(hdr map[string]string) HTTPOption { return func(h *HTTPHandler) { h.headers = hdr } }

// NewHTTPHandler creates a handler for category backed by endpoint.
func NewHTTPHandler(category domain.Category, endpoint string, opts ...HTTPOption) *HTTPHandler {
	h := &HTTPHandler{
		category:  category,
		endpoint:  endpoint,
		client:    &http.Client{Timeout: 60 * time.Second},
		attempts:  3,
		baseDelay: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *HTTPHandler) Category() domain.Category { return h.category }
func (h *HTTPHandler) Endpoint() string          { return h.endpoint }

func (h *HTTPHandler) Handle(ctx context.Context, args domain.Args) (any, error) {
	ctx, span := otel.Tracer("handlers").Start(ctx, "handler.http")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.category", string(h.category)),
		attribute.String("http.url", h.endpoint),
	)

	body, err := json.Marshal(httpRequest{Category: h.category, Args: args})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode args failed")
		return nil, fmt.Errorf("encode %s args: %w", h.category, err)
	}

	var result any
	err = retry.Do(ctx, retry.Config{
		MaxAttempts: h.attempts,
		BaseDelay:   h.baseDelay,
		OnRetry: func(attempt int, err error) {
			telemetry.HandlerRetriesTotal.WithLabelValues(string(h.category)).Inc()
			span.AddEvent("retry", withAttempt(attempt, err))
		},
	}, func() error {
		var callErr error
		result, callErr = h.call(ctx, body)
		return callErr
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler call failed")
		return nil, err
	}
	task.ReportProgress(ctx, 1, "response received")
	return result, nil
}

func (h *HTTPHandler) call(ctx context.Context, body []byte) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("build %s request: %w", h.category, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/plain")
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, retry.Permanent(ctx.Err())
		}
		return nil, fmt.Errorf("%s call to %s: %w", h.category, h.endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", h.category, err)
	}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%s returned status %d", h.endpoint, resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, retry.Permanent(fmt.Errorf("%s returned status %d: %s", h.endpoint, resp.StatusCode, bytes.TrimSpace(raw)))
	}

	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt == "application/json" {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, retry.Permanent(fmt.Errorf("decode %s response: %w", h.category, err))
		}
		return v, nil
	}
	return string(raw), nil
}

func withAttempt(attempt int, err error) trace.EventOption {
	return trace.WithAttributes(
		attribute.Int("retry.attempt", attempt),
		attribute.String("retry.error", err.Error()),
	)
}
