package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gomembership/pkg/billing"
	"github.com/mihaimyh/gomembership/pkg/membership"
	"github.com/mihaimyh/gomembership/storage/memory"
)

const (
	testWebhookSecret  = "whsec_test_secret"
	testUserID         = "test-user-123"
	testCustomerID     = "cus_test_123"
	testSubscriptionID = "sub_test_123"
	testPriceProMonth  = "price_pro_monthly"
	testPriceProYear   = "price_pro_yearly"
	testPricePremMonth = "price_premium_monthly"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeAPI struct {
	mu        sync.Mutex
	subs      map[string]*Subscription
	err       error
	checkouts []CheckoutParams
	portals   []string
}

func newFakeAPI() *fakeAPI { return &fakeAPI{subs: map[string]*Subscription{}} }

func (f *fakeAPI) RetrieveSubscription(_ context.Context, id string) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	sub, ok := f.subs[id]
	if !ok {
		return nil, errors.New("no such subscription: " + id)
	}
	cp := *sub
	return &cp, nil
}

func (f *fakeAPI) CreateCheckoutSession(_ context.Context, p CheckoutParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.checkouts = append(f.checkouts, p)
	return "https://checkout.stripe.test/session", nil
}

func (f *fakeAPI) CreatePortalSession(_ context.Context, customerID, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.portals = append(f.portals, customerID)
	return "https://billing.stripe.test/portal", nil
}

type paymentEvents struct {
	membership.NoopEventHandler
	mu     sync.Mutex
	failed []*membership.PaymentHistory
}

func (p *paymentEvents) OnPaymentFailed(_ context.Context, _ string, payment *membership.PaymentHistory) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = append(p.failed, payment)
}

type fixture struct {
	cfg      *membership.Config
	store    *memory.Store
	api      *fakeAPI
	events   *paymentEvents
	provider *Provider
	dir      *membership.Directory
	usage    *membership.UsageEngine
	changes  []billing.WebhookEvent
	metrics  billing.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{store: memory.New(), api: newFakeAPI(), events: &paymentEvents{}}

	f.cfg = &membership.Config{
		Users:  f.store,
		System: f.store,
		Clock:  membership.ClockFunc(func() time.Time { return testNow }),
		Events: f.events,
	}
	var err error
	f.dir, err = membership.NewDirectory(f.cfg)
	require.NoError(t, err)
	f.usage, err = membership.NewUsageEngine(f.cfg)
	require.NoError(t, err)
	require.NoError(t, membership.SeedCatalog(ctx, f.dir, membership.DefaultCatalog()))

	f.setPrices(t, "pro", testPriceProMonth, testPriceProYear)
	f.setPrices(t, "premium", testPricePremMonth, "")

	f.provider, err = NewProvider(Config{
		Config: billing.Config{
			Membership:    f.cfg,
			Usage:         f.usage,
			WebhookSecret: testWebhookSecret,
			OnWebhook: func(_ context.Context, e billing.WebhookEvent) error {
				f.changes = append(f.changes, e)
				return nil
			},
		},
		API: f.api,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) setPrices(t *testing.T, tierName, monthly, yearly string) {
	t.Helper()
	tier, err := f.dir.TierByName(context.Background(), tierName)
	require.NoError(t, err)
	tier.StripePriceMonthly = monthly
	tier.StripePriceYearly = yearly
	require.NoError(t, f.dir.UpdateTier(context.Background(), tier))
}

func (f *fixture) tier(t *testing.T, name string) *membership.Tier {
	t.Helper()
	tier, err := f.dir.TierByName(context.Background(), name)
	require.NoError(t, err)
	return tier
}

func (f *fixture) membership(t *testing.T) *membership.Membership {
	t.Helper()
	m, err := f.dir.GetMembership(context.Background(), testUserID)
	require.NoError(t, err)
	return m
}

// onPro puts the test user on an active pro subscription
func (f *fixture) onPro(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	m, err := f.dir.EnsureMembership(ctx, testUserID, f.usage)
	require.NoError(t, err)
	pro := f.tier(t, "pro")
	m.TierID, m.TierName = pro.ID, pro.Name
	m.BillingCycle = membership.CycleMonthly
	m.StripeSubscriptionID = testSubscriptionID
	m.StripePriceID = testPriceProMonth
	require.NoError(t, f.store.SaveMembership(ctx, m))
	require.NoError(t, f.usage.UpdateLimitsForTier(ctx, testUserID, pro.ID))
}

func newEvent(t *testing.T, id, eventType string, data interface{}) *stripe.Event {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return &stripe.Event{
		ID:      id,
		Type:    stripe.EventType(eventType),
		Created: testNow.Unix(),
		Data:    &stripe.EventData{Raw: raw},
	}
}

func subscriptionObject(id, status, priceID string, metadata map[string]string) map[string]interface{} {
	return map[string]interface{}{
		"id":                   id,
		"object":               "subscription",
		"customer":             testCustomerID,
		"status":               status,
		"cancel_at_period_end": false,
		"metadata":             metadata,
		"items": map[string]interface{}{
			"data": []map[string]interface{}{{
				"price":                map[string]interface{}{"id": priceID},
				"current_period_start": testNow.Unix(),
				"current_period_end":   testNow.AddDate(0, 1, 0).Unix(),
			}},
		},
	}
}

// flakySaves fails the next n SaveMembership calls, leaving every earlier write of a
// handler in place
type flakySaves struct {
	membership.SystemRepo
	mu sync.Mutex
	n  int
}

func (s *flakySaves) SaveMembership(ctx context.Context, m *membership.Membership) error {
	s.mu.Lock()
	if s.n > 0 {
		s.n--
		s.mu.Unlock()
		return errors.New("connection reset")
	}
	s.mu.Unlock()
	return s.SystemRepo.SaveMembership(ctx, m)
}

// failSaves rebuilds the provider over a system repo whose next n membership saves fail
func (f *fixture) failSaves(t *testing.T, n int) {
	t.Helper()
	cfg := *f.cfg
	cfg.System = &flakySaves{SystemRepo: f.store, n: n}
	var err error
	f.provider, err = NewProvider(Config{
		Config: billing.Config{Membership: &cfg, Usage: f.usage, WebhookSecret: testWebhookSecret, Metrics: f.metrics},
		API:    f.api,
	})
	require.NoError(t, err)
}
