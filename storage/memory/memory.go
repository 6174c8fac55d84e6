// Package memory provides an in-memory implementation of the membership repositories.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/gomembership/pkg/membership"
)

type binding struct {
	value      string
	usageLimit *int64
	period     membership.PeriodType
}

// Store implements membership.UserScopedRepo and membership.SystemRepo using in-memory maps.
// It performs no row-level scoping, so the same instance serves both privilege levels.
type Store struct {
	mu          sync.RWMutex
	tiers       map[string]*membership.Tier
	features    map[string]*membership.Feature
	bindings    map[string]map[string]binding
	memberships map[string]*membership.Membership
	usage       map[string]*membership.UsageTracking
	profiles    map[string]*membership.UserProfile
	payments    []membership.PaymentHistory
	webhooks    map[string]*membership.WebhookEvent
}

var (
	_ membership.UserScopedRepo = (*Store)(nil)
	_ membership.SystemRepo     = (*Store)(nil)
)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		tiers:       make(map[string]*membership.Tier),
		features:    make(map[string]*membership.Feature),
		bindings:    make(map[string]map[string]binding),
		memberships: make(map[string]*membership.Membership),
		usage:       make(map[string]*membership.UsageTracking),
		profiles:    make(map[string]*membership.UserProfile),
		webhooks:    make(map[string]*membership.WebhookEvent),
	}
}

func usageKey(userID, featureKey string) string {
	return userID + "/" + featureKey
}

// GetTier implements membership.ReferenceRepo
func (s *Store) GetTier(_ context.Context, tierID string) (*membership.Tier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tiers[tierID]
	if !ok {
		return nil, nil
	}
	tCopy := *t
	return &tCopy, nil
}

// GetTierByName implements membership.ReferenceRepo
func (s *Store) GetTierByName(_ context.Context, name string) (*membership.Tier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := s.tierByName(name)
	if t == nil {
		return nil, nil
	}
	tCopy := *t
	return &tCopy, nil
}

func (s *Store) tierByName(name string) *membership.Tier {
	for _, t := range s.tiers {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// GetTierWithFeatures implements membership.ReferenceRepo
func (s *Store) GetTierWithFeatures(_ context.Context, tierID string) (*membership.TierWithFeatures, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tiers[tierID]
	if !ok {
		return nil, nil
	}
	out := &membership.TierWithFeatures{Tier: *t, Features: []membership.TierFeature{}}
	for key := range s.bindings[tierID] {
		tf, err := s.tierFeature(tierID, key)
		if err != nil {
			return nil, err
		}
		if tf != nil {
			out.Features = append(out.Features, *tf)
		}
	}
	sort.Slice(out.Features, func(i, j int) bool {
		return out.Features[i].FeatureKey < out.Features[j].FeatureKey
	})
	return out, nil
}

// tierFeature resolves one binding; callers hold the lock
func (s *Store) tierFeature(tierID, featureKey string) (*membership.TierFeature, error) {
	b, ok := s.bindings[tierID][featureKey]
	if !ok {
		return nil, nil
	}
	f, ok := s.features[featureKey]
	if !ok || !f.IsActive {
		return nil, nil
	}
	v, err := membership.ParseFeatureValue(f.Type, b.value)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s on tier %s: %w", featureKey, tierID, err)
	}
	tf := &membership.TierFeature{
		TierID:      tierID,
		FeatureID:   f.ID,
		FeatureKey:  f.Key,
		FeatureType: f.Type,
		Value:       v,
		PeriodType:  b.period,
	}
	if b.usageLimit != nil {
		l := *b.usageLimit
		tf.UsageLimit = &l
	}
	return tf, nil
}

// ListTiers implements membership.ReferenceRepo
func (s *Store) ListTiers(_ context.Context, activeOnly bool) ([]membership.Tier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]membership.Tier, 0, len(s.tiers))
	for _, t := range s.tiers {
		if activeOnly && !t.IsActive {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// GetFeature implements membership.ReferenceRepo
func (s *Store) GetFeature(_ context.Context, key string) (*membership.Feature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.features[key]
	if !ok {
		return nil, nil
	}
	fCopy := *f
	return &fCopy, nil
}

// CreateTier implements membership.SystemRepo
func (s *Store) CreateTier(_ context.Context, t *membership.Tier) error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("invalid tier")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tierByName(t.Name) != nil {
		return fmt.Errorf("tier %s already exists", t.Name)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	tCopy := *t
	s.tiers[t.ID] = &tCopy
	return nil
}

// UpdateTier implements membership.SystemRepo
func (s *Store) UpdateTier(_ context.Context, t *membership.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tiers[t.ID]; !ok {
		return fmt.Errorf("tier %s does not exist", t.ID)
	}
	tCopy := *t
	s.tiers[t.ID] = &tCopy
	return nil
}

// UpsertFeature implements membership.SystemRepo
func (s *Store) UpsertFeature(_ context.Context, f *membership.Feature) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.features[f.Key]; ok {
		f.ID = existing.ID
	} else if f.ID == "" {
		f.ID = uuid.NewString()
	}
	fCopy := *f
	s.features[f.Key] = &fCopy
	return nil
}

// BindTierFeature implements membership.SystemRepo
func (s *Store) BindTierFeature(_ context.Context, tierID, featureKey, value string,
	usageLimit *int64, period membership.PeriodType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tiers[tierID]; !ok {
		return fmt.Errorf("tier %s does not exist", tierID)
	}
	if _, ok := s.features[featureKey]; !ok {
		return fmt.Errorf("feature %s does not exist", featureKey)
	}
	if s.bindings[tierID] == nil {
		s.bindings[tierID] = make(map[string]binding)
	}
	b := binding{value: value, period: period}
	if usageLimit != nil {
		l := *usageLimit
		b.usageLimit = &l
	}
	s.bindings[tierID][featureKey] = b
	return nil
}

// GetMembership implements membership.UserScopedRepo and membership.SystemRepo
func (s *Store) GetMembership(_ context.Context, userID string) (*membership.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.membership(userID), nil
}

// membership returns a copy with the tier name joined in; callers hold the lock
func (s *Store) membership(userID string) *membership.Membership {
	m, ok := s.memberships[userID]
	if !ok {
		return nil
	}
	mCopy := *m
	if t, ok := s.tiers[m.TierID]; ok {
		mCopy.TierName = t.Name
	}
	return &mCopy
}

// InsertMembership implements membership.SystemRepo
func (s *Store) InsertMembership(_ context.Context, m *membership.Membership) (bool, error) {
	if m == nil || m.UserID == "" {
		return false, fmt.Errorf("invalid membership")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.memberships[m.UserID]; ok {
		return false, nil
	}
	mCopy := *m
	s.memberships[m.UserID] = &mCopy
	return true, nil
}

// SaveMembership implements membership.SystemRepo
func (s *Store) SaveMembership(_ context.Context, m *membership.Membership) error {
	if m == nil || m.UserID == "" {
		return fmt.Errorf("invalid membership")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mCopy := *m
	if existing, ok := s.memberships[m.UserID]; ok {
		mCopy.CreatedAt = existing.CreatedAt
		// has_used_trial only ever moves to true
		mCopy.HasUsedTrial = existing.HasUsedTrial || m.HasUsedTrial
	}
	s.memberships[m.UserID] = &mCopy
	return nil
}

// StartTrial implements membership.SystemRepo
func (s *Store) StartTrial(_ context.Context, userID, trialTierID string, now, endsAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.memberships[userID]
	if !ok || m.HasUsedTrial || m.Status == membership.StatusTrial {
		return false, nil
	}
	m.TierID = trialTierID
	m.Status = membership.StatusTrial
	m.TrialStartsAt = &now
	m.TrialEndsAt = &endsAt
	m.HasUsedTrial = true
	m.StartedAt = &now
	m.UpdatedAt = now
	return true, nil
}

func trialLapsed(m *membership.Membership, now time.Time) bool {
	return m.Status == membership.StatusTrial && m.TrialEndsAt != nil && m.TrialEndsAt.Before(now)
}

// ExpireTrial implements membership.SystemRepo
func (s *Store) ExpireTrial(_ context.Context, userID, freeTierID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.memberships[userID]
	if !ok || !trialLapsed(m, now) {
		return false, nil
	}
	m.TierID = freeTierID
	m.Status = membership.StatusActive
	m.UpdatedAt = now
	return true, nil
}

// ExpireTrials implements membership.SystemRepo
func (s *Store) ExpireTrials(_ context.Context, freeTierID string, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var users []string
	for userID, m := range s.memberships {
		if !trialLapsed(m, now) {
			continue
		}
		m.TierID = freeTierID
		m.Status = membership.StatusActive
		m.UpdatedAt = now
		users = append(users, userID)
	}
	sort.Strings(users)
	return users, nil
}

// GetUsage implements membership.UserScopedRepo and membership.SystemRepo
func (s *Store) GetUsage(_ context.Context, userID, featureKey string) (*membership.UsageTracking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.usage[usageKey(userID, featureKey)]
	if !ok {
		return nil, nil // No usage yet is not an error
	}
	uCopy := *u
	return &uCopy, nil
}

// ListUsage implements membership.UserScopedRepo and membership.SystemRepo
func (s *Store) ListUsage(_ context.Context, userID string) ([]membership.UsageTracking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []membership.UsageTracking
	for _, u := range s.usage {
		if u.UserID == userID {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FeatureKey < out[j].FeatureKey })
	return out, nil
}

// UpsertUsage implements membership.SystemRepo
func (s *Store) UpsertUsage(_ context.Context, u *membership.UsageTracking) error {
	if u == nil || u.UserID == "" || u.FeatureKey == "" {
		return fmt.Errorf("invalid usage")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	uCopy := *u
	s.usage[usageKey(u.UserID, u.FeatureKey)] = &uCopy
	return nil
}

// UpdateUsageLimit implements membership.SystemRepo
func (s *Store) UpdateUsageLimit(_ context.Context, userID, featureKey string, limit int64,
	period membership.PeriodType) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.usage[usageKey(userID, featureKey)]
	if !ok {
		return false, nil
	}
	u.UsageLimit = limit
	u.PeriodType = period
	u.UpdatedAt = time.Now().UTC()
	return true, nil
}

// AddUsage implements membership.SystemRepo
func (s *Store) AddUsage(_ context.Context, userID, featureKey string, delta int64) (*membership.UsageTracking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.usage[usageKey(userID, featureKey)]
	if !ok {
		return nil, nil
	}
	u.CurrentUsage += delta
	if u.CurrentUsage < 0 {
		u.CurrentUsage = 0
	}
	u.UpdatedAt = time.Now().UTC()
	uCopy := *u
	return &uCopy, nil
}

// ResetUsagePeriod implements membership.SystemRepo
func (s *Store) ResetUsagePeriod(_ context.Context, userID, featureKey string, expectedEnd time.Time,
	start time.Time, end *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.usage[usageKey(userID, featureKey)]
	if !ok || u.PeriodEnd == nil || !u.PeriodEnd.Equal(expectedEnd) {
		return false, nil
	}
	u.CurrentUsage = 0
	u.PeriodStart = start
	if end != nil {
		e := *end
		u.PeriodEnd = &e
	} else {
		u.PeriodEnd = nil
	}
	u.UpdatedAt = start
	return true, nil
}

// ResetUsage implements membership.SystemRepo
func (s *Store) ResetUsage(_ context.Context, userID, featureKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.usage[usageKey(userID, featureKey)]
	if !ok {
		return false, nil
	}
	u.CurrentUsage = 0
	u.UpdatedAt = time.Now().UTC()
	return true, nil
}

// ListExpiredUsage implements membership.SystemRepo
func (s *Store) ListExpiredUsage(_ context.Context, now time.Time) ([]membership.UsageTracking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []membership.UsageTracking
	for _, u := range s.usage {
		if u.PeriodType.Resets() && u.PeriodEnd != nil && now.After(*u.PeriodEnd) {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return usageKey(out[i].UserID, out[i].FeatureKey) < usageKey(out[j].UserID, out[j].FeatureKey)
	})
	return out, nil
}

// GetFeatureLimitForUser implements membership.UserScopedRepo
func (s *Store) GetFeatureLimitForUser(_ context.Context, userID, featureKey string) (*membership.TierFeature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.memberships[userID]
	if !ok {
		return nil, nil
	}
	return s.tierFeature(m.TierID, featureKey)
}

// GetProfile implements membership.UserScopedRepo and membership.SystemRepo
func (s *Store) GetProfile(_ context.Context, userID string) (*membership.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, nil
	}
	pCopy := *p
	return &pCopy, nil
}

// SetProfile stores a profile; profiles are owned by the auth provider in production
func (s *Store) SetProfile(p *membership.UserProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pCopy := *p
	s.profiles[p.UserID] = &pCopy
}

// SetStripeCustomerID implements membership.SystemRepo
func (s *Store) SetStripeCustomerID(_ context.Context, userID, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[userID]
	if !ok {
		p = &membership.UserProfile{UserID: userID}
		s.profiles[userID] = p
	}
	if p.StripeCustomerID == "" {
		p.StripeCustomerID = customerID
	}
	return nil
}

// InsertPayment implements membership.SystemRepo
func (s *Store) InsertPayment(_ context.Context, p *membership.PaymentHistory) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.StripeEventID != "" {
		for i := range s.payments {
			if s.payments[i].StripeEventID == p.StripeEventID {
				return false, nil
			}
		}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	s.payments = append(s.payments, *p)
	return true, nil
}

// ListPayments implements membership.UserScopedRepo
func (s *Store) ListPayments(_ context.Context, userID string, limit int) ([]membership.PaymentHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []membership.PaymentHistory{}
	for i := len(s.payments) - 1; i >= 0; i-- {
		if s.payments[i].UserID != userID {
			continue
		}
		out = append(out, s.payments[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// InsertWebhookEvent implements membership.SystemRepo
func (s *Store) InsertWebhookEvent(_ context.Context, e *membership.WebhookEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.webhooks[e.ExternalID]; ok {
		return false, nil
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	eCopy := *e
	s.webhooks[e.ExternalID] = &eCopy
	return true, nil
}

// GetWebhookEvent implements membership.SystemRepo
func (s *Store) GetWebhookEvent(_ context.Context, externalID string) (*membership.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.webhooks[externalID]
	if !ok {
		return nil, nil
	}
	eCopy := *e
	return &eCopy, nil
}

// MarkWebhookProcessed implements membership.SystemRepo
func (s *Store) MarkWebhookProcessed(_ context.Context, externalID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.webhooks[externalID]
	if !ok {
		return fmt.Errorf("webhook event %s not logged", externalID)
	}
	e.Processed = true
	e.ProcessedAt = &at
	e.ErrorMessage = ""
	return nil
}

// MarkWebhookFailed implements membership.SystemRepo
func (s *Store) MarkWebhookFailed(_ context.Context, externalID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.webhooks[externalID]
	if !ok {
		return fmt.Errorf("webhook event %s not logged", externalID)
	}
	e.ErrorMessage = message
	e.RetryCount++
	return nil
}

// Ping implements membership.SystemRepo
func (s *Store) Ping(context.Context) error { return nil }
