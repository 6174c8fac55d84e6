// Package outbox runs fire-and-forget side effects off the request path.
// Delivery is at-most-best-effort: Enqueue never blocks the caller on the work
// itself, and failed tasks are logged and dropped.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/gomembership/pkg/membership"
)

var (
	// ErrQueueFull is returned when a bounded queue cannot accept more work
	ErrQueueFull = errors.New("outbox queue full")

	// ErrQueueClosed is returned by Enqueue after Close
	ErrQueueClosed = errors.New("outbox queue closed")

	// ErrNoHandler is returned when no handler is registered for a task kind
	ErrNoHandler = errors.New("no handler for task kind")
)

// Task is one unit of deferred work
type Task struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewTask encodes payload into a task of the given kind
func NewTask(kind string, payload interface{}) (Task, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	return Task{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   b,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v
func (t Task) Decode(v interface{}) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", t.Kind, err)
	}
	return nil
}

// Handler processes one task
type Handler func(ctx context.Context, t Task) error

// Queue accepts tasks for asynchronous processing
type Queue interface {
	Enqueue(ctx context.Context, t Task) error
	Close(ctx context.Context) error
}

// Mux routes tasks to handlers by kind
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   membership.Logger
}

// NewMux creates an empty Mux
func NewMux(logger membership.Logger) *Mux {
	if logger == nil {
		logger = &membership.NoopLogger{}
	}
	return &Mux{handlers: make(map[string]Handler), logger: logger}
}

// Handle registers h for kind, replacing any previous handler
func (m *Mux) Handle(kind string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[kind] = h
}

// Dispatch runs the handler registered for t.Kind. A panicking handler is
// converted into an error so one bad task cannot take a worker down.
func (m *Mux) Dispatch(ctx context.Context, t Task) (err error) {
	m.mu.RLock()
	h, ok := m.handlers[t.Kind]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, t.Kind)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.Kind, r)
		}
	}()
	return h(ctx, t)
}

// Run dispatches t and logs the outcome; errors never propagate
func (m *Mux) Run(ctx context.Context, t Task) {
	start := time.Now()
	if err := m.Dispatch(ctx, t); err != nil {
		m.logger.Error("outbox task failed",
			membership.F("task_id", t.ID), membership.F("kind", t.Kind), membership.F("error", err))
		return
	}
	m.logger.Debug("outbox task done",
		membership.F("task_id", t.ID), membership.F("kind", t.Kind), membership.F("duration", time.Since(start)))
}
