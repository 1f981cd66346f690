// Package shared implements the broker-agnostic worker engine: the handler
// registry and the runner that drives one envelope through tracking, handler
// execution, retries and the dead-letter queue.
package shared

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/taskhub/internal/domain"
)

// ProgressFunc reports handler progress. Payloads are codec-serialized and
// visible through the tracker row and the result backend while the task runs.
type ProgressFunc func(ctx context.Context, payload any)

// Request is what a handler receives for one execution attempt.
type Request struct {
	TaskID   string
	TaskName string
	Args     []any
	Kwargs   map[string]any
	Labels   map[string]any
	Attempt  int
	Report   ProgressFunc
	// Cancelled reports whether an operator cancelled this task. Handlers
	// poll it at safe points and return early when it turns true; observing
	// a cancel also cancels the handler context.
	Cancelled func(ctx context.Context) bool
}

// HandlerFunc executes one task attempt and returns its result value.
type HandlerFunc func(ctx context.Context, req Request) (any, error)

// Handler couples a task name to its function and per-task policy overrides.
// Zero-valued fields fall back to the runner's defaults.
type Handler struct {
	Name       string
	Fn         HandlerFunc
	Queue      string
	Timeout    time.Duration
	MaxRetries int
	// Retryable classifies handler errors; nil means retry transient errors.
	Retryable func(error) bool
}

// Registry maps task names to handlers. Registration happens at boot;
// lookups happen per delivery.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register adds a handler. Names must be unique and non-empty.
func (r *Registry) Register(h Handler) error {
	if h.Name == "" {
		return fmt.Errorf("op=registry.register: %w: empty handler name", domain.ErrInvalidArgument)
	}
	if h.Fn == nil {
		return fmt.Errorf("op=registry.register: %w: nil handler func for %q", domain.ErrInvalidArgument, h.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[h.Name]; dup {
		return fmt.Errorf("op=registry.register: %w: handler %q already registered", domain.ErrInvalidArgument, h.Name)
	}
	r.handlers[h.Name] = h
	return nil
}

// MustRegister panics on registration failure; for boot-time wiring.
func (r *Registry) MustRegister(h Handler) {
	if err := r.Register(h); err != nil {
		panic(err)
	}
}

// Get returns the handler for a task name.
func (r *Registry) Get(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return Handler{}, fmt.Errorf("op=registry.get: %w: %q", domain.ErrHandlerNotRegistered, name)
	}
	return h, nil
}

// Known reports whether a handler is registered under name.
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Names returns the registered task names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Queues returns the distinct queues handlers are bound to, with defaultQueue
// substituted for handlers that don't pin one.
func (r *Registry) Queues(defaultQueue string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	for _, h := range r.handlers {
		q := h.Queue
		if q == "" {
			q = defaultQueue
		}
		seen[q] = true
	}
	queues := make([]string, 0, len(seen))
	for q := range seen {
		queues = append(queues, q)
	}
	sort.Strings(queues)
	return queues
}
