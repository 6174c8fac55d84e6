package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gomembership/pkg/membership"
)

func seedTier(t *testing.T, s *Store, name string) *membership.Tier {
	t.Helper()
	tier := &membership.Tier{Name: name, IsActive: true}
	require.NoError(t, s.CreateTier(context.Background(), tier))
	require.NotEmpty(t, tier.ID)
	return tier
}

func TestStore_TierWithFeatures(t *testing.T) {
	ctx := context.Background()
	s := New()
	tier := seedTier(t, s, "premium")

	require.NoError(t, s.UpsertFeature(ctx, &membership.Feature{Key: "api_calls", Type: membership.FeatureLimit, IsActive: true}))
	require.NoError(t, s.UpsertFeature(ctx, &membership.Feature{Key: "analytics", Type: membership.FeatureEnum, IsActive: true}))
	require.NoError(t, s.BindTierFeature(ctx, tier.ID, "api_calls", "1000", nil, membership.PeriodMonthly))
	require.NoError(t, s.BindTierFeature(ctx, tier.ID, "analytics", `"advanced"`, nil, membership.PeriodNone))

	twf, err := s.GetTierWithFeatures(ctx, tier.ID)
	require.NoError(t, err)
	require.Len(t, twf.Features, 2)
	assert.Equal(t, "analytics", twf.Features[0].FeatureKey)
	assert.Equal(t, membership.EnumValue("advanced"), twf.Features[0].Value)
	assert.Equal(t, int64(1000), twf.Features[1].Limit())

	missing, err := s.GetTierWithFeatures(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_CreateTierDuplicateName(t *testing.T) {
	s := New()
	seedTier(t, s, "free")
	assert.Error(t, s.CreateTier(context.Background(), &membership.Tier{Name: "free"}))
}

func TestStore_InsertMembershipOnce(t *testing.T) {
	ctx := context.Background()
	s := New()
	tier := seedTier(t, s, "free")

	ok, err := s.InsertMembership(ctx, &membership.Membership{UserID: "u1", TierID: tier.ID, Status: membership.StatusActive})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.InsertMembership(ctx, &membership.Membership{UserID: "u1", TierID: "other", Status: membership.StatusExpired})
	require.NoError(t, err)
	assert.False(t, ok)

	m, err := s.GetMembership(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "free", m.TierName)
	assert.Equal(t, membership.StatusActive, m.Status)
}

func TestStore_SaveMembershipKeepsTrialFlag(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.SaveMembership(ctx, &membership.Membership{UserID: "u1", HasUsedTrial: true}))
	require.NoError(t, s.SaveMembership(ctx, &membership.Membership{UserID: "u1", HasUsedTrial: false}))

	m, err := s.GetMembership(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, m.HasUsedTrial)
}

func TestStore_ExpireTrialConcurrent(t *testing.T) {
	ctx := context.Background()
	s := New()
	past := time.Now().Add(-time.Hour)
	require.NoError(t, s.SaveMembership(ctx, &membership.Membership{
		UserID: "u1", TierID: "trial", Status: membership.StatusTrial, TrialEndsAt: &past,
	}))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ExpireTrial(ctx, "u1", "free", time.Now())
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
}

func TestStore_AddUsageFloorsAtZero(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.UpsertUsage(ctx, &membership.UsageTracking{UserID: "u1", FeatureKey: "api_calls", CurrentUsage: 3, UsageLimit: 10}))

	u, err := s.AddUsage(ctx, "u1", "api_calls", -5)
	require.NoError(t, err)
	assert.Equal(t, int64(0), u.CurrentUsage)

	u, err = s.AddUsage(ctx, "u1", "missing", 1)
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestStore_ResetUsagePeriodCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := New()
	end := time.Date(2026, 1, 31, 23, 59, 59, 0, time.UTC)
	require.NoError(t, s.UpsertUsage(ctx, &membership.UsageTracking{
		UserID: "u1", FeatureKey: "api_calls", CurrentUsage: 50, UsageLimit: 100,
		PeriodType: membership.PeriodMonthly, PeriodEnd: &end,
	}))

	newStart := end.Add(time.Hour)
	newEnd := newStart.AddDate(0, 1, 0)

	ok, err := s.ResetUsagePeriod(ctx, "u1", "api_calls", end, newStart, &newEnd)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ResetUsagePeriod(ctx, "u1", "api_calls", end, newStart, &newEnd)
	require.NoError(t, err)
	assert.False(t, ok, "second reset against the old window must not match")

	u, err := s.GetUsage(ctx, "u1", "api_calls")
	require.NoError(t, err)
	assert.Equal(t, int64(0), u.CurrentUsage)
	assert.True(t, u.PeriodEnd.Equal(newEnd))
}

func TestStore_WebhookEvents(t *testing.T) {
	ctx := context.Background()
	s := New()

	ok, err := s.InsertWebhookEvent(ctx, &membership.WebhookEvent{ExternalID: "evt_1", Type: "invoice.paid"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.InsertWebhookEvent(ctx, &membership.WebhookEvent{ExternalID: "evt_1", Type: "invoice.paid"})
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.MarkWebhookFailed(ctx, "evt_1", "boom"))
	e, err := s.GetWebhookEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, "boom", e.ErrorMessage)
	assert.Equal(t, 1, e.RetryCount)
	assert.False(t, e.Processed)

	require.NoError(t, s.MarkWebhookProcessed(ctx, "evt_1", time.Now()))
	e, err = s.GetWebhookEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, e.Processed)
	assert.Empty(t, e.ErrorMessage)

	assert.Error(t, s.MarkWebhookProcessed(ctx, "evt_missing", time.Now()))
}

func TestStore_StripeCustomerSetOnce(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.SetStripeCustomerID(ctx, "u1", "cus_1"))
	require.NoError(t, s.SetStripeCustomerID(ctx, "u1", "cus_2"))

	p, err := s.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", p.StripeCustomerID)
}

func TestStore_ListPaymentsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := New()
	for _, inv := range []string{"in_1", "in_2", "in_3"} {
		_, err := s.InsertPayment(ctx, &membership.PaymentHistory{UserID: "u1", StripeInvoiceID: inv})
		require.NoError(t, err)
	}
	_, err := s.InsertPayment(ctx, &membership.PaymentHistory{UserID: "u2", StripeInvoiceID: "in_x"})
	require.NoError(t, err)

	rows, err := s.ListPayments(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "in_3", rows[0].StripeInvoiceID)
	assert.Equal(t, "in_2", rows[1].StripeInvoiceID)

	rows, err = s.ListPayments(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
}

func TestStore_InsertPaymentSkipsRecordedEvent(t *testing.T) {
	ctx := context.Background()
	s := New()

	ok, err := s.InsertPayment(ctx, &membership.PaymentHistory{UserID: "u1", StripeInvoiceID: "in_1", StripeEventID: "evt_1"})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.InsertPayment(ctx, &membership.PaymentHistory{UserID: "u1", StripeInvoiceID: "in_1", StripeEventID: "evt_1"})
	require.NoError(t, err)
	assert.False(t, ok)

	// Rows without an event id are never deduplicated
	for i := 0; i < 2; i++ {
		ok, err = s.InsertPayment(ctx, &membership.PaymentHistory{UserID: "u1", StripeInvoiceID: "in_manual"})
		require.NoError(t, err)
		assert.True(t, ok)
	}

	rows, err := s.ListPayments(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}
