package domain

import (
	"fmt"
	"time"
)

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// InvalidTransitionError is returned when a task is asked to leave a state it cannot leave.
type InvalidTransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: invalid status transition from %s to %s", e.TaskID, e.From, e.To)
}

// TaskTimeoutError is returned when a payload outlives its hard timeout.
type TaskTimeoutError struct {
	TaskID  string
	Timeout time.Duration
}

func (e *TaskTimeoutError) Error() string {
	return fmt.Sprintf("task %s exceeded hard timeout of %s", e.TaskID, e.Timeout)
}

// PayloadPanicError wraps a value recovered from a panicking payload.
type PayloadPanicError struct {
	Value any
}

func (e *PayloadPanicError) Error() string {
	return fmt.Sprintf("payload panicked: %v", e.Value)
}

// InvalidCategoryError is returned when no handler is registered for a category.
type InvalidCategoryError struct {
	Category Category
}

func (e *InvalidCategoryError) Error() string {
	return fmt.Sprintf("no handler registered for category %q", e.Category)
}

// RateLimitExceededError is returned when a correlation key submits too often.
type RateLimitExceededError struct {
	Key   string
	Limit int
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q: limit is %d", e.Key, e.Limit)
}
