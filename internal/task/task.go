// Package task implements a unit of work that runs in the background and
// tracks its own lifecycle.
package task

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ramiqadoumi/go-task-orchestrator/internal/domain"
)

// DefaultAbandonGrace is how long a payload may keep running after its
// context is done before the task stops waiting for it.
const DefaultAbandonGrace = 5 * time.Second

// PayloadFunc is the opaque callable a task executes. Payloads should watch
// ctx and may report progress with ReportProgress.
type PayloadFunc func(ctx context.Context, args domain.Args) (any, error)

// SettleHook runs the terminal transition. It must call commit exactly once;
// anything it does around commit happens atomically with the transition from
// the point of view of whoever holds the same locks.
type SettleHook func(t *BackgroundTask, commit func())

// BackgroundTask is a payload plus its mutable lifecycle state.
// All methods are safe for concurrent use.
type BackgroundTask struct {
	id       string
	category domain.Category
	key      string
	expected time.Duration
	payload  PayloadFunc
	args     domain.Args

	hardTimeout  time.Duration
	abandonGrace time.Duration
	settle       SettleHook

	mu              sync.Mutex
	started         bool
	status          domain.Status
	progress        float64
	message         string
	result          any
	err             error
	createdAt       time.Time
	startedAt       time.Time
	completedAt     time.Time
	cancelRequested bool
	cancelRun       context.CancelFunc

	done    chan struct{}
	updates chan struct{}
}

// Option configures a BackgroundTask.
type Option func(*BackgroundTask)

func WithExpectedDuration(d time.Duration) Option { return func(t *BackgroundTask) { t.expected = d } }
func WithSettleHook(h SettleHook) Option          { return func(t *BackgroundTask) { t.settle = h } }

// WithHardTimeout bounds the payload's run time. Zero disables the bound.
func WithHardTimeout(d time.Duration) Option { return func(t *BackgroundTask) { t.hardTimeout = d } }

// WithAbandonGrace sets how long to wait for a payload that ignores its
// cancelled context.
func WithAbandonGrace(d time.Duration) Option { return func(t *BackgroundTask) { t.abandonGrace = d } }

// New constructs a pending task with a fresh random ID. The task owns args.
func New(category domain.Category, correlationKey string, payload PayloadFunc, args domain.Args, opts ...Option) *BackgroundTask {
	t := &BackgroundTask{
		id:           uuid.NewString(),
		category:     category,
		key:          correlationKey,
		payload:      payload,
		args:         args.Clone(),
		abandonGrace: DefaultAbandonGrace,
		status:       domain.StatusPending,
		createdAt:    time.Now(),
		done:         make(chan struct{}),
		updates:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *BackgroundTask) ID() string                { return t.id }
func (t *BackgroundTask) Category() domain.Category { return t.category }
func (t *BackgroundTask) CorrelationKey() string    { return t.key }
func (t *BackgroundTask) ExpectedDuration() time.Duration {
	return t.expected
}

// Done is closed once the task reaches a terminal status.
func (t *BackgroundTask) Done() <-chan struct{} { return t.done }

// Updates receives a coalesced signal whenever status or progress changes.
func (t *BackgroundTask) Updates() <-chan struct{} { return t.updates }

// Status returns the current status.
func (t *BackgroundTask) Status() domain.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Execute runs the payload and drives the task to a terminal status.
// It may be called once; later calls return InvalidTransitionError and leave
// the task untouched. Cancellation, whether through Cancel or ctx, yields
// context.Canceled.
func (t *BackgroundTask) Execute(ctx context.Context) (any, error) {
	t.mu.Lock()
	if t.started {
		from := t.status
		t.mu.Unlock()
		return nil, &domain.InvalidTransitionError{TaskID: t.id, From: from, To: domain.StatusRunning}
	}
	t.started = true
	if t.cancelRequested || ctx.Err() != nil {
		t.mu.Unlock()
		t.finish(domain.StatusCancelled, nil, nil)
		return nil, context.Canceled
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if t.hardTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, t.hardTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	t.cancelRun = cancel
	t.status = domain.StatusRunning
	t.startedAt = time.Now()
	t.mu.Unlock()
	t.notify()

	value, err := t.run(context.WithValue(runCtx, reporterKey{}, t))

	t.mu.Lock()
	cancelled := t.cancelRequested
	t.mu.Unlock()

	switch {
	case err == nil:
		t.finish(domain.StatusCompleted, value, nil)
		return value, nil
	case cancelled || ctx.Err() != nil:
		t.finish(domain.StatusCancelled, nil, nil)
		return nil, context.Canceled
	case t.hardTimeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		err = &domain.TaskTimeoutError{TaskID: t.id, Timeout: t.hardTimeout}
	}
	t.finish(domain.StatusFailed, nil, err)
	return nil, err
}

type outcome struct {
	value any
	err   error
}

// run invokes the payload on its own goroutine. Once ctx is done the payload
// gets abandonGrace to return; after that it is left to finish on its own and
// its result is discarded.
func (t *BackgroundTask) run(ctx context.Context) (any, error) {
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: &domain.PayloadPanicError{Value: r}}
			}
		}()
		v, err := t.payload(ctx, t.args)
		ch <- outcome{value: v, err: err}
	}()

	select {
	case o := <-ch:
		return o.value, o.err
	case <-ctx.Done():
	}

	grace := time.NewTimer(t.abandonGrace)
	defer grace.Stop()
	select {
	case o := <-ch:
		return o.value, o.err
	case <-grace.C:
		return nil, ctx.Err()
	}
}

// finish performs the terminal transition, through the settle hook if any.
func (t *BackgroundTask) finish(status domain.Status, value any, err error) {
	var once sync.Once
	commit := func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			t.status = status
			t.completedAt = time.Now()
			t.cancelRun = nil
			switch status {
			case domain.StatusCompleted:
				t.result = value
				t.progress = 1
			case domain.StatusFailed:
				t.err = err
			}
			close(t.done)
		})
	}
	if t.settle != nil {
		t.settle(t, commit)
	}
	commit()
	t.notify()
}

// Cancel delivers a cancellation signal. The task moves to cancelled at the
// payload's next cooperative check, or as soon as Execute is called if it
// has not started yet.
// It returns false if the task is already terminal.
func (t *BackgroundTask) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.IsTerminal() {
		return false
	}
	t.cancelRequested = true
	if t.cancelRun != nil {
		t.cancelRun()
	}
	return true
}

// UpdateProgress records progress in [0, 1]. Out-of-range values are clamped
// and progress never moves backwards; a lower value only replaces the
// message. Updates after the terminal transition are ignored.
func (t *BackgroundTask) UpdateProgress(value float64, message string) {
	if math.IsNaN(value) {
		value = 0
	}
	value = min(max(value, 0), 1)

	t.mu.Lock()
	if t.status.IsTerminal() {
		t.mu.Unlock()
		return
	}
	if value > t.progress {
		t.progress = value
	}
	if message != "" {
		t.message = message
	}
	t.mu.Unlock()
	t.notify()
}

func (t *BackgroundTask) notify() {
	select {
	case t.updates <- struct{}{}:
	default:
	}
}

// Elapsed returns the time since the task started, frozen at completion.
// The boolean is false if the task never started.
func (t *BackgroundTask) Elapsed() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.elapsedLocked()
}

func (t *BackgroundTask) elapsedLocked() (time.Duration, bool) {
	if t.startedAt.IsZero() {
		return 0, false
	}
	end := t.completedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(t.startedAt), true
}

// Snapshot returns a copy of the task's current state.
func (t *BackgroundTask) Snapshot() domain.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := domain.Snapshot{
		TaskID:          t.id,
		Category:        t.category,
		CorrelationKey:  t.key,
		Status:          t.status,
		Progress:        t.progress,
		ProgressMessage: t.message,
		Result:          t.result,
		CreatedAt:       t.createdAt,
	}
	if t.expected > 0 {
		s.ExpectedDuration = domain.SecondsPtr(t.expected)
	}
	if t.err != nil {
		s.Error = t.err.Error()
	}
	if !t.startedAt.IsZero() {
		started := t.startedAt
		s.StartedAt = &started
	}
	if !t.completedAt.IsZero() {
		completed := t.completedAt
		s.CompletedAt = &completed
	}
	if d, ok := t.elapsedLocked(); ok {
		s.Elapsed = domain.SecondsPtr(d)
	}
	return s
}

// Err returns the failure recorded for a failed task.
func (t *BackgroundTask) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// CompletedAt returns when the task settled, or the zero time.
func (t *BackgroundTask) CompletedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completedAt
}
