package membership

import (
	"context"
	"time"
)

// Repositories return (nil, nil) for absent rows; services decide whether absence is an error.

// ReferenceRepo reads tier and feature reference data, which is not user-scoped.
type ReferenceRepo interface {
	GetTier(ctx context.Context, tierID string) (*Tier, error)
	GetTierByName(ctx context.Context, name string) (*Tier, error)
	// GetTierWithFeatures is the tier-with-features aggregate read
	GetTierWithFeatures(ctx context.Context, tierID string) (*TierWithFeatures, error)
	ListTiers(ctx context.Context, activeOnly bool) ([]Tier, error)
	GetFeature(ctx context.Context, key string) (*Feature, error)
}

// UserScopedRepo serves reads issued on behalf of an authenticated user.
// Backends enforce row-level scoping to userID.
type UserScopedRepo interface {
	ReferenceRepo

	GetMembership(ctx context.Context, userID string) (*Membership, error)
	GetUsage(ctx context.Context, userID, featureKey string) (*UsageTracking, error)
	ListUsage(ctx context.Context, userID string) ([]UsageTracking, error)
	// GetFeatureLimitForUser is the feature-limit-for-user aggregate read: the
	// binding of featureKey on the user's current tier, nil when unbound.
	GetFeatureLimitForUser(ctx context.Context, userID, featureKey string) (*TierFeature, error)
	GetProfile(ctx context.Context, userID string) (*UserProfile, error)
	ListPayments(ctx context.Context, userID string, limit int) ([]PaymentHistory, error)
}

// SystemRepo performs privileged writes: tier changes, webhook effects,
// trial expiry, usage resets and administrative overrides.
type SystemRepo interface {
	ReferenceRepo

	// Reference data administration
	CreateTier(ctx context.Context, t *Tier) error
	UpdateTier(ctx context.Context, t *Tier) error
	UpsertFeature(ctx context.Context, f *Feature) error
	BindTierFeature(ctx context.Context, tierID, featureKey, value string, usageLimit *int64, period PeriodType) error

	// Memberships
	GetMembership(ctx context.Context, userID string) (*Membership, error)
	// InsertMembership creates the record only if the user has none; reports whether it did
	InsertMembership(ctx context.Context, m *Membership) (bool, error)
	// SaveMembership overwrites the full record, creating it when absent
	SaveMembership(ctx context.Context, m *Membership) error
	// StartTrial switches an eligible membership to the trial tier. It only matches
	// rows with has_used_trial=false and status<>'trial' and reports whether one matched.
	StartTrial(ctx context.Context, userID, trialTierID string, now, endsAt time.Time) (bool, error)
	// ExpireTrial downgrades one membership guarded by status='trial' AND trial_ends_at<now
	ExpireTrial(ctx context.Context, userID, freeTierID string, now time.Time) (bool, error)
	// ExpireTrials applies the same guarded update to every lapsed trial and returns the affected users
	ExpireTrials(ctx context.Context, freeTierID string, now time.Time) ([]string, error)

	// Usage counters
	GetUsage(ctx context.Context, userID, featureKey string) (*UsageTracking, error)
	ListUsage(ctx context.Context, userID string) ([]UsageTracking, error)
	UpsertUsage(ctx context.Context, u *UsageTracking) error
	// UpdateUsageLimit changes limit and period type, keeping current_usage; reports whether the row exists
	UpdateUsageLimit(ctx context.Context, userID, featureKey string, limit int64, period PeriodType) (bool, error)
	// AddUsage atomically adds delta (negative allowed, floored at zero) and returns the updated row
	AddUsage(ctx context.Context, userID, featureKey string, delta int64) (*UsageTracking, error)
	// ResetUsagePeriod zeroes the counter and moves its window, only if period_end still equals expectedEnd
	ResetUsagePeriod(ctx context.Context, userID, featureKey string, expectedEnd time.Time, start time.Time, end *time.Time) (bool, error)
	// ResetUsage zeroes the counter unconditionally
	ResetUsage(ctx context.Context, userID, featureKey string) (bool, error)
	ListExpiredUsage(ctx context.Context, now time.Time) ([]UsageTracking, error)

	// Billing
	GetProfile(ctx context.Context, userID string) (*UserProfile, error)
	// SetStripeCustomerID stores the external customer id only when none is set
	SetStripeCustomerID(ctx context.Context, userID, customerID string) error
	// InsertPayment appends a payment. A payment whose StripeEventID was already recorded
	// is skipped and reported as false, so a redelivered event never adds a second row.
	InsertPayment(ctx context.Context, p *PaymentHistory) (bool, error)
	// InsertWebhookEvent logs an event; a duplicate external id is not an error and returns false
	InsertWebhookEvent(ctx context.Context, e *WebhookEvent) (bool, error)
	GetWebhookEvent(ctx context.Context, externalID string) (*WebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, externalID string, at time.Time) error
	MarkWebhookFailed(ctx context.Context, externalID, message string) error

	Ping(ctx context.Context) error
}
