// Package handlers holds the payload collaborators the orchestrator runs:
// one Handler per category, looked up through a Registry.
package handlers

import (
	"context"
	"sort"
	"sync"

	"github.com/ramiqadoumi/go-task-orchestrator/internal/domain"
	"github.com/ramiqadoumi/go-task-orchestrator/internal/task"
)

// Argument keys the service layer fills in for handlers.
const (
	ArgText     = "text"
	ArgQuestion = "question"
)

// Handler performs the work for one category.
type Handler interface {
	Category() domain.Category
	Handle(ctx context.Context, args domain.Args) (any, error)
}

// Registry maps categories to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.Category]Handler
}

// NewRegistry creates a Registry holding hs.
func NewRegistry(hs ...Handler) *Registry {
	r := &Registry{handlers: make(map[domain.Category]Handler)}
	for _, h := range hs {
		r.Register(h)
	}
	return r
}

// Register adds a handler, replacing any previous one for its category.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Category()] = h
}

// Get returns the handler for c.
// Returns InvalidCategoryError if none is registered.
func (r *Registry) Get(c domain.Category) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[c]
	if !ok {
		return nil, &domain.InvalidCategoryError{Category: c}
	}
	return h, nil
}

// Categories lists the registered categories in sorted order.
func (r *Registry) Categories() []domain.Category {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Category, 0, len(r.handlers))
	for c := range r.handlers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Payload adapts the handler for c into a task payload.
func (r *Registry) Payload(c domain.Category) (task.PayloadFunc, error) {
	h, err := r.Get(c)
	if err != nil {
		return nil, err
	}
	return h.Handle, nil
}

// Answer adapts the handler for c into a follow-up query handler; the
// question is passed under ArgQuestion.
func (r *Registry) Answer(c domain.Category) (func(ctx context.Context, question string) (any, error), error) {
	h, err := r.Get(c)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, question string) (any, error) {
		return h.Handle(ctx, domain.Args{ArgQuestion: question})
	}, nil
}

// Func turns a plain function into a Handler.
func Func(c domain.Category, fn func(ctx context.Context, args domain.Args) (any, error)) Handler {
	return funcHandler{category: c, fn: fn}
}

type funcHandler struct {
	category domain.Category
	fn       func(ctx context.Context, args domain.Args) (any, error)
}

func (f funcHandler) Category() domain.Category { return f.category }
func (f funcHandler) Handle(ctx context.Context, args domain.Args) (any, error) {
	return f.fn(ctx, args)
}
