package domain

import (
	"fmt"
	"time"
)

// EventType tags a lifecycle event.
type EventType string

const (
	EventResult        EventType = "result"
	EventError         EventType = "error"
	EventFork          EventType = "fork"
	EventPrompt        EventType = "prompt"
	EventProgress      EventType = "progress"
	EventTaskComplete  EventType = "task_complete"
	EventTaskFailed    EventType = "task_failed"
	EventTaskCancelled EventType = "task_cancelled"
)

// Event is one record of the lifecycle protocol emitted by a submission.
// Only the fields relevant to Type are populated.
type Event struct {
	Type             EventType `json:"type"`
	TaskID           string    `json:"task_id,omitempty"`
	Category         Category  `json:"category,omitempty"`
	Content          any       `json:"content,omitempty"`
	Error            string    `json:"error,omitempty"`
	Message          string    `json:"message,omitempty"`
	Duration         *float64  `json:"duration,omitempty"`
	ExpectedDuration *float64  `json:"expected_duration,omitempty"`
	Progress         *float64  `json:"progress,omitempty"`
	AwaitingInput    bool      `json:"awaiting_input,omitempty"`
}

// IsFinal reports whether no further events follow e on its stream.
func (e Event) IsFinal() bool {
	switch e.Type {
	case EventResult, EventError, EventTaskFailed, EventTaskCancelled:
		return true
	}
	return false
}

func ResultEvent(content any, category Category, duration time.Duration) Event {
	return Event{Type: EventResult, Content: content, Category: category, Duration: SecondsPtr(duration)}
}

func ErrorEvent(err error, category Category) Event {
	return Event{Type: EventError, Error: err.Error(), Category: category}
}

func ForkEvent(taskID string, category Category, expected time.Duration) Event {
	return Event{
		Type:             EventFork,
		TaskID:           taskID,
		Category:         category,
		ExpectedDuration: SecondsPtr(expected),
		Message: fmt.Sprintf("This looks like a %s request that usually takes about %s. "+
			"I'm running it in the background.", category, expected.Round(time.Second)),
	}
}

func PromptEvent() Event {
	return Event{
		Type:          EventPrompt,
		Message:       "While that runs, feel free to ask me something else.",
		AwaitingInput: true,
	}
}

func ProgressEvent(taskID string, progress float64, message string) Event {
	return Event{Type: EventProgress, TaskID: taskID, Progress: &progress, Message: message}
}

func TaskCompleteEvent(taskID string, duration time.Duration) Event {
	return Event{
		Type:     EventTaskComplete,
		TaskID:   taskID,
		Duration: SecondsPtr(duration),
		Message:  fmt.Sprintf("Background task finished after %s.", duration.Round(10*time.Millisecond)),
	}
}

func TaskFailedEvent(taskID, errMsg string) Event {
	return Event{
		Type:    EventTaskFailed,
		TaskID:  taskID,
		Error:   errMsg,
		Message: "The background task failed: " + errMsg,
	}
}

func TaskCancelledEvent(taskID string) Event {
	return Event{
		Type:    EventTaskCancelled,
		TaskID:  taskID,
		Message: "The background task was cancelled.",
	}
}
