// Package redis provides a Redis list-backed outbox.Queue.
// Producers LPUSH JSON tasks; workers BRPOP them, so tasks survive a process restart
// between enqueue and delivery.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gomembership/pkg/membership"
	"github.com/mihaimyh/gomembership/pkg/outbox"
)

// Config holds Redis queue configuration
type Config struct {
	// Key is the list holding pending tasks (default: "gomembership:outbox")
	Key string

	// Workers is the number of concurrent consumers (default: 2)
	Workers int

	// PollTimeout is how long one BRPOP blocks (default: 5s)
	PollTimeout time.Duration

	// TaskTimeout bounds one handler invocation (default: 30s)
	TaskTimeout time.Duration

	// EnqueueTimeout bounds the LPUSH issued by Enqueue (default: 2s)
	EnqueueTimeout time.Duration

	Logger membership.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Key:            "gomembership:outbox",
		Workers:        2,
		PollTimeout:    5 * time.Second,
		TaskTimeout:    30 * time.Second,
		EnqueueTimeout: 2 * time.Second,
	}
}

// Queue implements outbox.Queue on a Redis list
type Queue struct {
	client redis.UniversalClient
	mux    *outbox.Mux
	config Config

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

var _ outbox.Queue = (*Queue)(nil)

// New creates a queue. The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
// Consumers are not started until Start is called.
func New(client redis.UniversalClient, mux *outbox.Mux, config Config) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if mux == nil {
		return nil, fmt.Errorf("task mux is required")
	}

	defaults := DefaultConfig()
	if config.Key == "" {
		config.Key = defaults.Key
	}
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = defaults.PollTimeout
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = defaults.TaskTimeout
	}
	if config.EnqueueTimeout <= 0 {
		config.EnqueueTimeout = defaults.EnqueueTimeout
	}
	if config.Logger == nil {
		config.Logger = &membership.NoopLogger{}
	}

	return &Queue{client: client, mux: mux, config: config}, nil
}

// Enqueue pushes t onto the list. The push is detached from ctx so a finished
// request does not cancel it.
func (q *Queue) Enqueue(ctx context.Context, t outbox.Task) error {
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.config.EnqueueTimeout)
	defer cancel()
	if err := q.client.LPush(pushCtx, q.config.Key, b).Err(); err != nil {
		return fmt.Errorf("failed to push task: %w", err)
	}
	return nil
}

// Start launches the consumers; they stop when ctx ends or Close is called
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.config.Workers; i++ {
		q.wg.Add(1)
		go q.consume(ctx)
	}
	q.config.Logger.Info("redis outbox started",
		membership.F("key", q.config.Key), membership.F("workers", q.config.Workers))
}

func (q *Queue) consume(ctx context.Context) {
	defer q.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := q.client.BRPop(ctx, q.config.PollTimeout, q.config.Key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			q.config.Logger.Error("outbox poll failed", membership.F("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		// BRPOP returns [key, value]
		if len(res) != 2 {
			continue
		}
		q.handle(res[1])
	}
}

func (q *Queue) handle(raw string) {
	var t outbox.Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		q.config.Logger.Error("dropping malformed outbox task", membership.F("error", err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), q.config.TaskTimeout)
	defer cancel()
	q.mux.Run(ctx, t)
}

// Close stops the consumers and waits for in-flight tasks or ctx to end.
// Pending tasks stay in Redis for the next process.
func (q *Queue) Close(ctx context.Context) error {
	q.once.Do(func() {
		if q.cancel != nil {
			q.cancel()
		}
	})
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

// Pending returns the number of queued tasks
func (q *Queue) Pending(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.config.Key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}
	return n, nil
}
