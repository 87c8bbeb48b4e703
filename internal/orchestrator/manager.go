// Package orchestrator decides whether a request runs inline or in the
// background, keeps the registry of background tasks, and streams lifecycle
// events back to the caller.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/robfig/cron/v3"

	"github.com/ramiqadoumi/go-task-orchestrator/internal/bus"
	"github.com/ramiqadoumi/go-task-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-task-orchestrator/internal/estimator"
	"github.com/ramiqadoumi/go-task-orchestrator/internal/task"
	"github.com/ramiqadoumi/go-task-orchestrator/pkg/telemetry"
)

const (
	DefaultPollInterval    = 2 * time.Second
	DefaultProgressDelta   = 0.1
	DefaultRetentionTTL    = time.Hour
	DefaultRetentionCap    = 1024
	DefaultJanitorSchedule = "@every 1m"
)

// Manager owns the active and completed task registries. A task ID is in
// exactly one of them; the move happens under mu together with the task's
// terminal transition. Lock order is always mu, then the task's own lock.
type Manager struct {
	est    *estimator.Estimator
	bus    *bus.Bus
	logger *slog.Logger

	pollInterval  time.Duration
	progressDelta float64
	hardTimeout   time.Duration
	abandonGrace  time.Duration
	retentionTTL  time.Duration
	retentionCap  int
	schedule      string

	mu        sync.RWMutex
	active    map[string]*task.BackgroundTask
	completed *lru.Cache[string, *task.BackgroundTask]
	queries   map[string]*queryTally

	cron    *cron.Cron
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *slog.Logger) Option        { return func(m *Manager) { m.logger = l } }
func WithBus(b *bus.Bus) Option               { return func(m *Manager) { m.bus = b } }
func WithPollInterval(d time.Duration) Option { return func(m *Manager) { m.pollInterval = d } }
func WithProgressDelta(v float64) Option      { return func(m *Manager) { m.progressDelta = v } }
func WithHardTimeout(d time.Duration) Option  { return func(m *Manager) { m.hardTimeout = d } }
func WithAbandonGrace(d time.Duration) Option { return func(m *Manager) { m.abandonGrace = d } }
func WithJanitorSchedule(s string) Option     { return func(m *Manager) { m.schedule = s } }

// WithRetention bounds the completed registry by age and by count.
func WithRetention(ttl time.Duration, capacity int) Option {
	return func(m *Manager) {
		m.retentionTTL = ttl
		m.retentionCap = capacity
	}
}

// New constructs a Manager around est. Call Start to run the retention
// janitor and Close to release background work.
func New(est *estimator.Estimator, opts ...Option) *Manager {
	m := &Manager{
		est:           est,
		logger:        slog.Default(),
		pollInterval:  DefaultPollInterval,
		progressDelta: DefaultProgressDelta,
		abandonGrace:  task.DefaultAbandonGrace,
		retentionTTL:  DefaultRetentionTTL,
		retentionCap:  DefaultRetentionCap,
		schedule:      DefaultJanitorSchedule,
		active:        make(map[string]*task.BackgroundTask),
		queries:       make(map[string]*queryTally),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.est == nil {
		m.est = estimator.New()
	}
	if m.bus == nil {
		m.bus = bus.New()
	}
	if m.pollInterval <= 0 {
		m.pollInterval = DefaultPollInterval
	}
	if m.retentionCap <= 0 {
		m.retentionCap = DefaultRetentionCap
	}
	// lru.New only fails for a non-positive size.
	m.completed, _ = lru.New[string, *task.BackgroundTask](m.retentionCap)
	m.baseCtx, m.stop = context.WithCancel(context.Background())
	m.cron = cron.New()
	return m
}

// Estimator returns the estimator the Manager admits requests with.
func (m *Manager) Estimator() *estimator.Estimator { return m.est }

// Bus returns the bus every lifecycle event is published on.
func (m *Manager) Bus() *bus.Bus { return m.bus }

// Start schedules the retention janitor.
func (m *Manager) Start() error {
	if m.schedule == "" || m.retentionTTL <= 0 {
		return nil
	}
	if _, err := m.cron.AddFunc(m.schedule, func() {
		if n := m.Sweep(); n > 0 {
			m.logger.Debug("evicted expired tasks", slog.Int("count", n))
		}
	}); err != nil {
		return fmt.Errorf("schedule retention janitor %q: %w", m.schedule, err)
	}
	m.cron.Start()
	return nil
}

// Close stops the janitor, cancels every background task and waits for
// their goroutines to settle.
func (m *Manager) Close() {
	<-m.cron.Stop().Done()
	m.stop()
	m.wg.Wait()
}

// settle is the terminal-transition hook installed on every background task.
func (m *Manager) settle(t *task.BackgroundTask, commit func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	commit()
	delete(m.active, t.ID())
	m.completed.Add(t.ID(), t)
	telemetry.TasksActive.Set(float64(len(m.active)))
	telemetry.TasksRetained.Set(float64(m.completed.Len()))
}

func (m *Manager) register(t *task.BackgroundTask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[t.ID()] = t
	telemetry.TasksActive.Set(float64(len(m.active)))
}

func (m *Manager) lookup(taskID string) (*task.BackgroundTask, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.active[taskID]; ok {
		return t, true
	}
	return m.completed.Peek(taskID)
}

// GetActiveTasks returns snapshots of the non-terminal tasks for
// correlationKey, oldest first. An empty key matches every task.
func (m *Manager) GetActiveTasks(correlationKey string) []domain.Snapshot {
	m.mu.RLock()
	out := make([]domain.Snapshot, 0, len(m.active))
	for _, t := range m.active {
		if correlationKey == "" || t.CorrelationKey() == correlationKey {
			out = append(out, t.Snapshot())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// GetTaskStatus returns a snapshot of the task from either registry.
func (m *Manager) GetTaskStatus(taskID string) (domain.Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.active[taskID]; ok {
		return t.Snapshot(), true
	}
	if t, ok := m.completed.Peek(taskID); ok {
		return t.Snapshot(), true
	}
	return domain.Snapshot{}, false
}

// Cancel signals a running task to stop. It returns false when the ID is
// unknown or the task has already settled; a true result means the signal
// was delivered, not that the task has stopped.
func (m *Manager) Cancel(taskID string) bool {
	m.mu.RLock()
	t, ok := m.active[taskID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	if !t.Cancel() {
		return false
	}
	m.logger.Info("cancellation requested",
		slog.String("task_id", taskID),
		slog.String("category", string(t.Category())),
		slog.String("correlation_key", t.CorrelationKey()),
	)
	return true
}

// Wait blocks until the task settles, the timeout passes, or ctx is done.
// A non-positive timeout waits on ctx alone. Timing out never affects the
// task. The boolean is false for unknown IDs and timeouts.
func (m *Manager) Wait(ctx context.Context, taskID string, timeout time.Duration) (domain.Snapshot, bool) {
	t, ok := m.lookup(taskID)
	if !ok {
		return domain.Snapshot{}, false
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-t.Done():
		return t.Snapshot(), true
	case <-expired:
	case <-ctx.Done():
	}
	return domain.Snapshot{}, false
}

// Stats counts the tasks currently held by the Manager.
type Stats struct {
	Active    int `json:"active"`
	Completed int `json:"completed"`
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{Active: len(m.active), Completed: m.completed.Len()}
}

// queryTally counts the concurrent queries of one correlation key.
type queryTally struct {
	count int
	last  time.Time
}

// QueryCount returns how many concurrent queries correlationKey has issued.
// Keys idle for longer than the retention TTL are forgotten by Sweep.
func (m *Manager) QueryCount(correlationKey string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if q, ok := m.queries[correlationKey]; ok {
		return q.count
	}
	return 0
}
