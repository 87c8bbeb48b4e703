package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/ramiqadoumi/go-task-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-task-orchestrator/internal/task"
)

// Simulated stands in for a category that has no remote endpoint. It sleeps
// for a fixed duration in steps, reporting progress after each one, and
// answers with a short description of the request.
type Simulated struct {
	category domain.Category
	duration time.Duration
	steps    int
}

// NewSimulated creates a Simulated handler. steps below one are treated as one.
func NewSimulated(category domain.Category, duration time.Duration, steps int) *Simulated {
	if steps < 1 {
		steps = 1
	}
	return &Simulated{category: category, duration: duration, steps: steps}
}

func (s *Simulated) Category() domain.Category { return s.category }

func (s *Simulated) Handle(ctx context.Context, args domain.Args) (any, error) {
	step := s.duration / time.Duration(s.steps)
	timer := time.NewTimer(step)
	defer timer.Stop()

	for i := 1; i <= s.steps; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
		task.ReportProgress(ctx, float64(i)/float64(s.steps), fmt.Sprintf("step %d of %d", i, s.steps))
		timer.Reset(step)
	}

	subject := args.String(ArgText)
	if subject == "" {
		subject = args.String(ArgQuestion)
	}
	return fmt.Sprintf("%s finished: %s", s.category, subject), nil
}
