package domain

import "time"

// Status represents the states a background task can be in.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether the state machine allows moving from s to next.
// Pending may also be cancelled directly, before it ever runs.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusCancelled
	case StatusRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// Args is the argument mapping handed to a payload.
type Args map[string]any

// Clone returns a shallow copy of a.
func (a Args) Clone() Args {
	if a == nil {
		return Args{}
	}
	out := make(Args, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// String returns the value under key if it is a string.
func (a Args) String(key string) string {
	s, _ := a[key].(string)
	return s
}

// Snapshot is a read-only copy of a background task's state.
// Durations are expressed in seconds.
type Snapshot struct {
	TaskID           string     `json:"task_id"`
	Category         Category   `json:"category"`
	CorrelationKey   string     `json:"correlation_key"`
	Status           Status     `json:"status"`
	Progress         float64    `json:"progress"`
	ProgressMessage  string     `json:"progress_message,omitempty"`
	ExpectedDuration *float64   `json:"expected_duration,omitempty"`
	Result           any        `json:"result,omitempty"`
	Error            string     `json:"error,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	Elapsed          *float64   `json:"elapsed,omitempty"`
}

// Seconds converts d into fractional seconds.
func Seconds(d time.Duration) float64 { return d.Seconds() }

// SecondsPtr converts d into fractional seconds and returns a pointer to it.
func SecondsPtr(d time.Duration) *float64 {
	s := d.Seconds()
	return &s
}
