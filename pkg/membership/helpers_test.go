package membership_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gomembership/pkg/membership"
	"github.com/mihaimyh/gomembership/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordedEvents struct {
	mu      sync.Mutex
	started []string
	expired []string
	failed  []string
}

func (r *recordedEvents) OnTrialStarted(_ context.Context, m *membership.Membership) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, m.UserID)
}

func (r *recordedEvents) OnTrialExpired(_ context.Context, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expired = append(r.expired, userID)
}

func (r *recordedEvents) OnPaymentFailed(_ context.Context, userID string, _ *membership.PaymentHistory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, userID)
}

type fixture struct {
	store  *memory.Store
	clock  *fakeClock
	events *recordedEvents
	dir    *membership.Directory
	usage  *membership.UsageEngine
	trials *membership.TrialMachine
	admin  *membership.Admin
}

var jan15 = time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  memory.New(),
		clock:  newClock(jan15),
		events: &recordedEvents{},
	}
	cfg := &membership.Config{
		Users:  f.store,
		System: f.store,
		Clock:  f.clock,
		Events: f.events,
	}

	var err error
	f.dir, err = membership.NewDirectory(cfg)
	require.NoError(t, err)
	f.usage, err = membership.NewUsageEngine(cfg)
	require.NoError(t, err)
	f.trials, err = membership.NewTrialMachine(cfg, f.usage)
	require.NoError(t, err)
	f.admin, err = membership.NewAdmin(cfg, f.usage, f.trials)
	require.NoError(t, err)

	require.NoError(t, membership.SeedCatalog(context.Background(), f.dir, membership.DefaultCatalog()))
	return f
}

func (f *fixture) tier(t *testing.T, name string) *membership.Tier {
	t.Helper()
	tier, err := f.dir.TierByName(context.Background(), name)
	require.NoError(t, err)
	return tier
}

// onTier creates a membership on the named tier with freshly initialized counters
func (f *fixture) onTier(t *testing.T, userID, name string) {
	t.Helper()
	ctx := context.Background()
	tier := f.tier(t, name)
	now := f.clock.Now()
	_, err := f.store.InsertMembership(ctx, &membership.Membership{
		UserID: userID, TierID: tier.ID, Status: membership.StatusActive,
		StartedAt: &now, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	require.NoError(t, f.usage.InitializeUsage(ctx, userID, tier.ID))
}
