package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-orchestrator/pkg/retry"
)

var fast = retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond}

func TestDo_Attempts(t *testing.T) {
	transient := errors.New("connection reset")
	tests := []struct {
		name      string
		failUntil int // calls that fail before the first success; -1 never succeeds
		wantCalls int
		wantErr   error
	}{
		{"first attempt succeeds", 0, 1, nil},
		{"second attempt succeeds", 1, 2, nil},
		{"exhausts attempts", -1, 3, transient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := retry.Do(context.Background(), fast, func() error {
				calls++
				if tt.failUntil < 0 || calls <= tt.failUntil {
					return transient
				}
				return nil
			})
			assert.Equal(t, tt.wantErr, err)
			assert.Equal(t, tt.wantCalls, calls)
		})
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	rejected := errors.New("400 bad request")
	calls := 0
	err := retry.Do(context.Background(), fast, func() error {
		calls++
		return retry.Permanent(rejected)
	})
	assert.Equal(t, rejected, err, "the permanent wrapper is removed")
	assert.Equal(t, 1, calls)
}

func TestDo_PermanentWrappedFurther(t *testing.T) {
	rejected := errors.New("422")
	calls := 0
	err := retry.Do(context.Background(), fast, func() error {
		calls++
		return errors.Join(errors.New("decode"), retry.Permanent(rejected))
	})
	assert.ErrorIs(t, err, rejected)
	assert.Equal(t, 1, calls)
}

func TestPermanent(t *testing.T) {
	assert.NoError(t, retry.Permanent(nil))
	base := errors.New("x")
	err := retry.Permanent(base)
	assert.True(t, retry.IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "x", err.Error())
	assert.False(t, retry.IsPermanent(base))
}

func TestDo_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retry.Do(ctx, retry.Config{MaxAttempts: 5, BaseDelay: time.Hour}, func() error {
		calls++
		cancel()
		return errors.New("fail")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_OnRetryCallback(t *testing.T) {
	var attempts []int
	_ = retry.Do(context.Background(), retry.Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		OnRetry:     func(attempt int, _ error) { attempts = append(attempts, attempt) },
	}, func() error { return errors.New("fail") })

	assert.Equal(t, []int{1, 2}, attempts, "no callback after the final attempt")
}

func TestDo_MaxDelayCapsWait(t *testing.T) {
	start := time.Now()
	_ = retry.Do(context.Background(), retry.Config{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    5 * time.Millisecond,
	}, func() error { return errors.New("fail") })

	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = retry.Do(context.Background(), retry.Config{}, func() error {
		calls++
		return errors.New("fail")
	})
	assert.Equal(t, 1, calls)
}
