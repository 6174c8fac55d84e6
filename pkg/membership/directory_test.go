package membership_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gomembership/pkg/membership"
)

func TestDirectory_ListTiers(t *testing.T) {
	f := newFixture(t)

	tiers, err := f.dir.ListTiers(context.Background())
	require.NoError(t, err)
	require.Len(t, tiers, 4)
	assert.Equal(t, membership.TierFree, tiers[0].Tier.Name)
	assert.Equal(t, "pro", tiers[3].Tier.Name)

	tf, ok := tiers[3].Feature("analytics")
	require.True(t, ok)
	assert.Equal(t, membership.EnumValue("enterprise"), tf.Value)
}

func TestDirectory_EnsureMembershipIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := f.dir.EnsureMembership(ctx, "u1", f.usage)
			assert.NoError(t, err)
			assert.Equal(t, membership.TierFree, m.TierName)
		}()
	}
	wg.Wait()

	m, err := f.dir.GetMembership(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, membership.StatusActive, m.Status)

	rows, err := f.store.ListUsage(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestDirectory_GetMembershipNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.dir.GetMembership(context.Background(), "ghost")
	var nf *membership.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "membership", nf.Entity)
}

func TestDirectory_HasFeature(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.onTier(t, "free_user", membership.TierFree)
	f.onTier(t, "pro_user", "pro")

	tests := []struct {
		user, key string
		want      bool
	}{
		{"free_user", "priority_support", false},
		{"pro_user", "priority_support", true},
		{"free_user", "analytics", true},
		{"pro_user", "api_calls", true},
		{"free_user", "unknown", false},
		{"nobody", "analytics", false},
	}
	for _, tt := range tests {
		got, err := f.dir.HasFeature(ctx, tt.user, tt.key)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s/%s", tt.user, tt.key)
	}
}

func TestDirectory_TierAdministration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	err := f.dir.CreateTier(ctx, &membership.Tier{Name: " Premium "})
	assert.ErrorIs(t, err, membership.ErrStateConflict)

	err = f.dir.CreateTier(ctx, &membership.Tier{})
	assert.ErrorIs(t, err, membership.ErrValidation)

	team := &membership.Tier{Name: "Team", PriceMonthly: 49}
	require.NoError(t, f.dir.CreateTier(ctx, team))
	assert.Equal(t, "team", team.Name)

	team.Name = "renamed"
	team.DisplayName = "Team plan"
	require.NoError(t, f.dir.UpdateTier(ctx, team))
	got, err := f.dir.Tier(ctx, team.ID)
	require.NoError(t, err)
	assert.Equal(t, "team", got.Name)
	assert.Equal(t, "Team plan", got.DisplayName)

	require.NoError(t, f.dir.DeactivateTier(ctx, team.ID))
	tiers, err := f.dir.ListTiers(ctx)
	require.NoError(t, err)
	assert.Len(t, tiers, 4)

	err = f.dir.DeactivateTier(ctx, f.tier(t, membership.TierFree).ID)
	assert.ErrorIs(t, err, membership.ErrStateConflict)
}

func TestDirectory_BindFeatureValidatesValue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	premium := f.tier(t, "premium")

	err := f.dir.BindFeature(ctx, premium.ID, "api_calls", "lots", nil, membership.PeriodMonthly)
	assert.ErrorIs(t, err, membership.ErrValidation)

	err = f.dir.BindFeature(ctx, premium.ID, "priority_support", "maybe", nil, "")
	assert.ErrorIs(t, err, membership.ErrValidation)

	err = f.dir.BindFeature(ctx, premium.ID, "api_calls", "10", nil, "hourly")
	assert.ErrorIs(t, err, membership.ErrValidation)

	err = f.dir.BindFeature(ctx, premium.ID, "nope", "1", nil, "")
	assert.ErrorIs(t, err, membership.ErrNotFound)

	require.NoError(t, f.dir.BindFeature(ctx, premium.ID, "api_calls", "2000", nil, ""))
	twf, err := f.dir.TierWithFeatures(ctx, premium.ID)
	require.NoError(t, err)
	tf, ok := twf.Feature("api_calls")
	require.True(t, ok)
	assert.Equal(t, int64(2000), tf.Limit())
	assert.Equal(t, membership.PeriodMonthly, tf.PeriodType)
}

func TestDirectory_UpsertFeatureValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	assert.ErrorIs(t, f.dir.UpsertFeature(ctx, &membership.Feature{Key: "x", Type: "float"}), membership.ErrValidation)
	assert.ErrorIs(t, f.dir.UpsertFeature(ctx, &membership.Feature{Key: "", Type: membership.FeatureBoolean}), membership.ErrValidation)
	assert.ErrorIs(t, f.dir.UpsertFeature(ctx, &membership.Feature{
		Key: "x", Type: membership.FeatureLimit, DefaultValue: "ten",
	}), membership.ErrValidation)
}

func TestAdmin_OverrideMembership(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.onTier(t, "u1", membership.TierFree)
	_, err := f.usage.Increment(ctx, "u1", "api_calls", 90)
	require.NoError(t, err)

	premium := f.tier(t, "premium")
	m, err := f.admin.OverrideMembership(ctx, "u1", membership.Override{
		TierID: premium.ID, Status: membership.StatusPastDue, BillingCycle: membership.CycleMonthly,
	})
	require.NoError(t, err)
	assert.Equal(t, "premium", m.TierName)
	assert.Equal(t, membership.StatusPastDue, m.Status)

	snap, err := f.usage.GetUsage(ctx, "u1", "api_calls")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), snap.UsageLimit)
	assert.Equal(t, int64(90), snap.CurrentUsage)

	_, err = f.admin.OverrideMembership(ctx, "u1", membership.Override{Status: "frozen"})
	assert.ErrorIs(t, err, membership.ErrValidation)

	_, err = f.admin.OverrideMembership(ctx, "u1", membership.Override{TierID: "missing"})
	assert.ErrorIs(t, err, membership.ErrNotFound)
}

func TestAdmin_OverrideCreatesMembership(t *testing.T) {
	f := newFixture(t)
	m, err := f.admin.OverrideMembership(context.Background(), "new", membership.Override{TierID: f.tier(t, "pro").ID})
	require.NoError(t, err)
	assert.Equal(t, "pro", m.TierName)
	assert.Equal(t, membership.StatusActive, m.Status)
}
