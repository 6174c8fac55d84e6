// Package gatetest builds a seeded in-memory Access Gate for middleware tests.
package gatetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gomembership/pkg/auth"
	"github.com/mihaimyh/gomembership/pkg/envelope"
	"github.com/mihaimyh/gomembership/pkg/gate"
	"github.com/mihaimyh/gomembership/pkg/membership"
	"github.com/mihaimyh/gomembership/pkg/outbox"
	"github.com/mihaimyh/gomembership/storage/memory"
)

// Fixed identities known to Env.Auth
const (
	FreeToken  = "free-token"
	ProToken   = "pro-token"
	FreeUser   = "free-user"
	ProUser    = "pro-user"
	UpgradeURL = "https://app.test/pricing"
)

// Queue records enqueued tasks instead of running them
type Queue struct {
	mu    sync.Mutex
	tasks []outbox.Task
	Err   error
}

// Enqueue implements outbox.Queue
func (q *Queue) Enqueue(_ context.Context, t outbox.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return q.Err
	}
	q.tasks = append(q.tasks, t)
	return nil
}

// Close implements outbox.Queue
func (q *Queue) Close(context.Context) error { return nil }

// Increments decodes every recorded usage increment
func (q *Queue) Increments(t testing.TB) []outbox.UsageIncrement {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]outbox.UsageIncrement, 0, len(q.tasks))
	for _, task := range q.tasks {
		require.Equal(t, outbox.KindUsageIncrement, task.Kind)
		var inc outbox.UsageIncrement
		require.NoError(t, task.Decode(&inc))
		out = append(out, inc)
	}
	return out
}

// Env is a gate over the default catalog with one free and one pro user
type Env struct {
	Config     *membership.Config
	Store      *memory.Store
	Directory  *membership.Directory
	Usage      *membership.UsageEngine
	Queue      *Queue
	Gate       *gate.Gate
	Auth       auth.Static
	Translator *envelope.Translator
}

// New seeds the catalog and both users
func New(t testing.TB) *Env {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	e := &Env{Store: memory.New(), Queue: &Queue{}}
	cfg := &membership.Config{
		Users:  e.Store,
		System: e.Store,
		Clock:  membership.ClockFunc(func() time.Time { return now }),
	}
	e.Config = cfg

	var err error
	e.Directory, err = membership.NewDirectory(cfg)
	require.NoError(t, err)
	e.Usage, err = membership.NewUsageEngine(cfg)
	require.NoError(t, err)
	require.NoError(t, membership.SeedCatalog(ctx, e.Directory, membership.DefaultCatalog()))

	_, err = e.Directory.EnsureMembership(ctx, FreeUser, e.Usage)
	require.NoError(t, err)
	m, err := e.Directory.EnsureMembership(ctx, ProUser, e.Usage)
	require.NoError(t, err)
	pro, err := e.Directory.TierByName(ctx, "pro")
	require.NoError(t, err)
	m.TierID, m.TierName = pro.ID, pro.Name
	require.NoError(t, e.Store.SaveMembership(ctx, m))
	require.NoError(t, e.Usage.UpdateLimitsForTier(ctx, ProUser, pro.ID))

	e.Gate, err = gate.New(gate.Config{
		Directory:  e.Directory,
		Usage:      e.Usage,
		Queue:      e.Queue,
		UpgradeURL: UpgradeURL,
	})
	require.NoError(t, err)

	e.Auth = auth.Static{
		FreeToken: {ID: FreeUser, Email: "free@example.com"},
		ProToken:  {ID: ProUser, Email: "pro@example.com"},
	}
	e.Translator = envelope.NewTranslator(nil, false)
	return e
}

// Exhaust consumes the whole remaining quota of key for userID
func (e *Env) Exhaust(t testing.TB, userID, key string) {
	t.Helper()
	ctx := context.Background()
	snap, err := e.Usage.GetUsage(ctx, userID, key)
	require.NoError(t, err)
	require.NotNil(t, snap)
	if snap.Remaining > 0 {
		_, err = e.Usage.Increment(ctx, userID, key, snap.Remaining)
		require.NoError(t, err)
	}
}

// SetStatus overwrites the membership status of userID
func (e *Env) SetStatus(t testing.TB, userID string, status membership.Status) {
	t.Helper()
	ctx := context.Background()
	m, err := e.Store.GetMembership(ctx, userID)
	require.NoError(t, err)
	m.Status = status
	require.NoError(t, e.Store.SaveMembership(ctx, m))
}
