// Package estimator predicts how long a request will take and decides whether
// it is worth forking into the background.
package estimator

import (
	"sync"
	"time"

	"github.com/ramiqadoumi/go-task-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-task-orchestrator/pkg/telemetry"
)

const (
	// DefaultThreshold is the estimate at or above which a category is long-running.
	DefaultThreshold = 15 * time.Second
	// DefaultHistoryLimit is how many recent samples are kept per category.
	DefaultHistoryLimit = 100
)

// Used when a category has no recorded history yet.
var staticDefaults = map[domain.Category]time.Duration{
	domain.CategoryRender:     45 * time.Second,
	domain.CategorySearch:     3 * time.Second,
	domain.CategoryRetrieval:  2 * time.Second,
	domain.CategoryCode:       1 * time.Second,
	domain.CategoryEvaluation: 10 * time.Second,
	domain.CategoryUnknown:    5 * time.Second,
}

// Estimator learns a running average of observed durations per category.
// It is safe for concurrent use.
type Estimator struct {
	threshold time.Duration
	limit     int
	defaults  map[domain.Category]time.Duration

	mu      sync.RWMutex
	history map[domain.Category][]time.Duration
}

// Option configures an Estimator.
type Option func(*Estimator)

func WithThreshold(d time.Duration) Option { return func(e *Estimator) { e.threshold = d } }
func WithHistoryLimit(n int) Option        { return func(e *Estimator) { e.limit = n } }

// WithDefaults overrides the static fallback for the given categories.
func WithDefaults(defaults map[domain.Category]time.Duration) Option {
	return func(e *Estimator) {
		for c, d := range defaults {
			e.defaults[c] = d
		}
	}
}

// New constructs an Estimator with empty history.
func New(opts ...Option) *Estimator {
	e := &Estimator{
		threshold: DefaultThreshold,
		limit:     DefaultHistoryLimit,
		defaults:  make(map[domain.Category]time.Duration, len(staticDefaults)),
		history:   make(map[domain.Category][]time.Duration),
	}
	for c, d := range staticDefaults {
		e.defaults[c] = d
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.limit <= 0 {
		e.limit = DefaultHistoryLimit
	}
	return e
}

// Classify picks the category for a request. See the package-level Classify.
func (e *Estimator) Classify(text, hint string) domain.Category {
	return Classify(text, hint)
}

// Threshold returns the long-running cut-off.
func (e *Estimator) Threshold() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.threshold
}

// SetThreshold replaces the long-running cut-off. Non-positive values are
// ignored.
func (e *Estimator) SetThreshold(d time.Duration) {
	if d <= 0 {
		return
	}
	e.mu.Lock()
	e.threshold = d
	e.mu.Unlock()
}

// Estimate returns the mean of the recorded history for c, or its static
// default when nothing has been recorded.
func (e *Estimator) Estimate(c domain.Category) time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.estimateLocked(c)
}

func (e *Estimator) estimateLocked(c domain.Category) time.Duration {
	samples := e.history[c]
	if len(samples) == 0 {
		if d, ok := e.defaults[c]; ok {
			return d
		}
		return e.defaults[domain.CategoryUnknown]
	}
	var sum time.Duration
	for _, s := range samples {
		sum += s
	}
	return sum / time.Duration(len(samples))
}

// IsLongRunning reports whether c should be forked into the background.
func (e *Estimator) IsLongRunning(c domain.Category) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.estimateLocked(c) >= e.threshold
}

// Record appends an observed duration for c, keeping only the most recent
// samples. Negative durations are ignored.
func (e *Estimator) Record(c domain.Category, actual time.Duration) {
	if actual < 0 {
		return
	}
	e.mu.Lock()
	samples := append(e.history[c], actual)
	if len(samples) > e.limit {
		samples = append([]time.Duration(nil), samples[len(samples)-e.limit:]...)
	}
	e.history[c] = samples
	est := e.estimateLocked(c)
	e.mu.Unlock()

	telemetry.EstimateSeconds.WithLabelValues(string(c)).Set(est.Seconds())
}

// Seed records each sample in order.
func (e *Estimator) Seed(c domain.Category, samples ...time.Duration) {
	for _, s := range samples {
		e.Record(c, s)
	}
}

// Samples returns a copy of the recorded history for c, oldest first.
func (e *Estimator) Samples(c domain.Category) []time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]time.Duration(nil), e.history[c]...)
}

// Summary describes the estimator's view of one category.
type Summary struct {
	Category    domain.Category `json:"category"`
	Estimate    float64         `json:"estimate_seconds"`
	Samples     int             `json:"samples"`
	LongRunning bool            `json:"long_running"`
}

// Summaries reports every category in classification order.
func (e *Estimator) Summaries() []Summary {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Summary, 0, len(domain.Categories()))
	for _, c := range domain.Categories() {
		est := e.estimateLocked(c)
		out = append(out, Summary{
			Category:    c,
			Estimate:    est.Seconds(),
			Samples:     len(e.history[c]),
			LongRunning: est >= e.threshold,
		})
	}
	return out
}
