package membership_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gomembership/pkg/membership"
)

func TestTrialMachine_StartTrial(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ok, err := f.trials.CanStartTrial(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok, "a user without a membership is eligible")

	m, err := f.trials.StartTrial(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, membership.StatusTrial, m.Status)
	assert.Equal(t, membership.TierTrial, m.TierName)
	assert.True(t, m.HasUsedTrial)
	require.NotNil(t, m.TrialStartsAt)
	require.NotNil(t, m.TrialEndsAt)
	assert.True(t, m.TrialStartsAt.Equal(jan15))
	assert.Equal(t, membership.TrialDuration, m.TrialEndsAt.Sub(*m.TrialStartsAt))

	snap, err := f.usage.GetUsage(ctx, "u1", "api_calls")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), snap.UsageLimit)

	assert.Equal(t, []string{"u1"}, f.events.started)
}

func TestTrialMachine_TrialIsOncePerLifetime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.trials.StartTrial(ctx, "u1")
	require.NoError(t, err)

	_, err = f.trials.StartTrial(ctx, "u1")
	assert.ErrorIs(t, err, membership.ErrStateConflict)

	f.clock.Advance(membership.TrialDuration + time.Hour)
	expired, err := f.trials.ExpireSingleTrial(ctx, "u1")
	require.NoError(t, err)
	require.True(t, expired)

	ok, err := f.trials.CanStartTrial(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.trials.StartTrial(ctx, "u1")
	var sc *membership.StateConflictError
	assert.ErrorAs(t, err, &sc)

	// An admin override does not make the user eligible again.
	_, err = f.admin.OverrideMembership(ctx, "u1", membership.Override{TierID: f.tier(t, "premium").ID})
	require.NoError(t, err)
	_, err = f.trials.StartTrial(ctx, "u1")
	assert.ErrorIs(t, err, membership.ErrStateConflict)
}

func TestTrialMachine_GetTrialStatusIsReadOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.trials.StartTrial(ctx, "u1")
	require.NoError(t, err)

	f.clock.Advance(36 * time.Hour)
	st, err := f.trials.GetTrialStatus(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, st.IsOnTrial)
	assert.False(t, st.IsExpired)
	assert.Equal(t, 13, st.DaysRemaining)
	assert.False(t, st.CanStartTrial)

	f.clock.Advance(membership.TrialDuration)
	st, err = f.trials.GetTrialStatus(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, st.IsExpired)
	assert.Zero(t, st.DaysRemaining)

	m, err := f.store.GetMembership(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, membership.StatusTrial, m.Status, "status reads must not expire the trial")
	assert.Empty(t, f.events.expired)
}

func TestTrialMachine_GetTrialStatusNoMembership(t *testing.T) {
	f := newFixture(t)
	_, err := f.trials.GetTrialStatus(context.Background(), "ghost")
	assert.ErrorIs(t, err, membership.ErrNotFound)
}

func TestTrialMachine_CheckAndExpireTrial(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.trials.StartTrial(ctx, "u1")
	require.NoError(t, err)

	expired, err := f.trials.CheckAndExpireTrial(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, expired)

	f.clock.Advance(membership.TrialDuration + time.Second)
	expired, err = f.trials.CheckAndExpireTrial(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, expired)

	m, err := f.dir.GetMembership(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, membership.StatusActive, m.Status)
	assert.Equal(t, membership.TierFree, m.TierName)
	assert.True(t, m.HasUsedTrial)

	snap, err := f.usage.GetUsage(ctx, "u1", "api_calls")
	require.NoError(t, err)
	assert.Equal(t, int64(100), snap.UsageLimit)

	expired, err = f.trials.CheckAndExpireTrial(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, expired)
	assert.Equal(t, []string{"u1"}, f.events.expired)
}

func TestTrialMachine_ConcurrentExpiryDowngradesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.trials.StartTrial(ctx, "u1")
	require.NoError(t, err)
	f.clock.Advance(membership.TrialDuration + time.Minute)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := f.trials.ExpireSingleTrial(ctx, "u1")
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Len(t, f.events.expired, 1)
}

func TestTrialMachine_ExpireTrials(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, u := range []string{"a", "b"} {
		_, err := f.trials.StartTrial(ctx, u)
		require.NoError(t, err)
	}
	f.clock.Advance(24 * time.Hour)
	_, err := f.trials.StartTrial(ctx, "c")
	require.NoError(t, err)

	f.clock.Advance(membership.TrialDuration - 12*time.Hour)
	n, err := f.trials.ExpireTrials(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.trials.ExpireTrials(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	c, err := f.dir.GetMembership(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, membership.StatusTrial, c.Status)
}

func TestTrialMachine_ConvertTrialToPaid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.trials.StartTrial(ctx, "u1")
	require.NoError(t, err)
	_, err = f.usage.Increment(ctx, "u1", "api_calls", 250)
	require.NoError(t, err)

	pro := f.tier(t, "pro")
	start := jan15
	end := jan15.AddDate(0, 1, 0)
	m, err := f.trials.ConvertTrialToPaid(ctx, "u1", pro.ID, membership.CycleYearly, &membership.StripeLink{
		CustomerID:         "cus_1",
		SubscriptionID:     "sub_1",
		PriceID:            "price_pro_yearly",
		CurrentPeriodStart: &start,
		CurrentPeriodEnd:   &end,
	})
	require.NoError(t, err)
	assert.Equal(t, membership.StatusActive, m.Status)
	assert.Equal(t, "pro", m.TierName)
	assert.Equal(t, membership.CycleYearly, m.BillingCycle)
	assert.Equal(t, "sub_1", m.StripeSubscriptionID)

	p, err := f.store.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", p.StripeCustomerID)

	snap, err := f.usage.GetUsage(ctx, "u1", "api_calls")
	require.NoError(t, err)
	assert.True(t, snap.IsUnlimited)
	assert.Equal(t, int64(250), snap.CurrentUsage)
}

func TestTrialMachine_ConvertPreconditions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.onTier(t, "active", membership.TierFree)

	premium := f.tier(t, "premium")
	_, err := f.trials.ConvertTrialToPaid(ctx, "active", premium.ID, membership.CycleMonthly, nil)
	assert.ErrorIs(t, err, membership.ErrStateConflict)

	_, err = f.trials.StartTrial(ctx, "u1")
	require.NoError(t, err)

	for _, name := range []string{membership.TierFree, membership.TierTrial} {
		_, err = f.trials.ConvertTrialToPaid(ctx, "u1", f.tier(t, name).ID, membership.CycleMonthly, nil)
		var sc *membership.StateConflictError
		require.ErrorAs(t, err, &sc)
		assert.Equal(t, "cannot convert to free or trial tier", sc.Message)
	}

	_, err = f.trials.ConvertTrialToPaid(ctx, "u1", premium.ID, "weekly", nil)
	assert.ErrorIs(t, err, membership.ErrValidation)

	_, err = f.trials.ConvertTrialToPaid(ctx, "u1", "missing", membership.CycleMonthly, nil)
	assert.ErrorIs(t, err, membership.ErrNotFound)

	m, err := f.dir.GetMembership(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, membership.StatusTrial, m.Status)
}
