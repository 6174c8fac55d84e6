package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/mihaimyh/gomembership/pkg/membership"
)

// MemoryOptions configures a MemoryQueue
type MemoryOptions struct {
	// Workers is the number of concurrent handlers (default: 4)
	Workers int

	// Buffer is the channel capacity; Enqueue drops tasks when it is full (default: 1024)
	Buffer int

	// TaskTimeout bounds one handler invocation (default: 30s)
	TaskTimeout time.Duration

	Logger membership.Logger
}

// MemoryQueue is an in-process bounded queue drained by a fixed worker pool
type MemoryQueue struct {
	mux     *Mux
	tasks   chan Task
	timeout time.Duration
	logger  membership.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue starts the worker pool
func NewMemoryQueue(mux *Mux, opts MemoryOptions) *MemoryQueue {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = &membership.NoopLogger{}
	}

	q := &MemoryQueue{
		mux:     mux,
		tasks:   make(chan Task, opts.Buffer),
		timeout: opts.TaskTimeout,
		logger:  opts.Logger,
	}
	for i := 0; i < opts.Workers; i++ {
		q.wg.Add(1)
		go q.work()
	}
	return q
}

func (q *MemoryQueue) work() {
	defer q.wg.Done()
	for t := range q.tasks {
		// Tasks outlive the request that produced them.
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		q.mux.Run(ctx, t)
		cancel()
	}
}

// Enqueue hands t to the worker pool without waiting
func (q *MemoryQueue) Enqueue(_ context.Context, t Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.tasks <- t:
		return nil
	default:
		q.logger.Warn("outbox queue full, dropping task", membership.F("kind", t.Kind), membership.F("task_id", t.ID))
		return ErrQueueFull
	}
}

// Close stops accepting tasks and waits for queued ones to finish or ctx to end
func (q *MemoryQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
