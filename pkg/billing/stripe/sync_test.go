package stripe

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gomembership/pkg/membership"
)

func TestSyncUser_AppliesSubscription(t *testing.T) {
	f := newFixture(t)
	f.onPro(t)
	end := testNow.AddDate(0, 1, 0)
	f.api.subs[testSubscriptionID] = &Subscription{
		ID:                testSubscriptionID,
		Status:            "active",
		PriceID:           testPriceProMonth,
		CancelAtPeriodEnd: true,
		PeriodStart:       &testNow,
		PeriodEnd:         &end,
	}

	m, err := f.provider.SyncUser(context.Background(), testUserID)
	require.NoError(t, err)
	assert.Equal(t, "pro", m.TierName)
	assert.True(t, m.CancelAtPeriodEnd)
	require.NotNil(t, m.CurrentPeriodEnd)
	assert.True(t, m.CurrentPeriodEnd.Equal(end))

	assert.True(t, f.membership(t).CancelAtPeriodEnd)
}

func TestSyncUser_CanceledDowngrades(t *testing.T) {
	f := newFixture(t)
	f.onPro(t)
	f.api.subs[testSubscriptionID] = &Subscription{ID: testSubscriptionID, Status: "canceled", PriceID: testPriceProMonth}

	m, err := f.provider.SyncUser(context.Background(), testUserID)
	require.NoError(t, err)
	assert.Equal(t, "free", m.TierName)
	assert.Empty(t, m.StripeSubscriptionID)
	assert.Equal(t, "free", f.membership(t).TierName)
}

func TestSyncUser_WithoutSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.provider.SyncUser(ctx, testUserID)
	assert.ErrorIs(t, err, membership.ErrNotFound, "no membership yet")

	_, err = f.dir.EnsureMembership(ctx, testUserID, f.usage)
	require.NoError(t, err)
	_, err = f.provider.SyncUser(ctx, testUserID)
	var nf *membership.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "subscription", nf.Entity)
}

func TestSyncUser_ProviderFailure(t *testing.T) {
	f := newFixture(t)
	f.onPro(t)
	f.api.err = assert.AnError

	_, err := f.provider.SyncUser(context.Background(), testUserID)
	assert.ErrorIs(t, err, membership.ErrUpstream)
	assert.Equal(t, "pro", f.membership(t).TierName)
}
