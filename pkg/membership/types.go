package membership

import (
	"context"
	"time"
)

const (
	// Unlimited is the usage_limit sentinel for features without a cap
	Unlimited int64 = -1

	// TrialDuration is how long a trial grant lasts
	TrialDuration = 14 * 24 * time.Hour

	// TierFree is the reserved name of the fallback tier
	TierFree = "free"
	// TierTrial is the reserved name of the tier granted during a trial
	TierTrial = "trial"
)

// PeriodType defines how often a usage counter resets
type PeriodType string

const (
	// PeriodNone marks a counter that never resets and has no window
	PeriodNone PeriodType = "none"
	// PeriodDaily resets at the end of the current UTC day
	PeriodDaily PeriodType = "daily"
	// PeriodMonthly resets at the end of the current UTC month
	PeriodMonthly PeriodType = "monthly"
	// PeriodLifetime never resets
	PeriodLifetime PeriodType = "lifetime"
)

// Valid reports whether p is one of the known period types
func (p PeriodType) Valid() bool {
	switch p {
	case PeriodNone, PeriodDaily, PeriodMonthly, PeriodLifetime:
		return true
	}
	return false
}

// Resets reports whether counters of this period type roll over
func (p PeriodType) Resets() bool {
	return p == PeriodDaily || p == PeriodMonthly
}

// Status is the lifecycle state of a membership
type Status string

const (
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
	StatusTrial     Status = "trial"
	StatusPastDue   Status = "past_due"
)

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCancelled, StatusExpired, StatusTrial, StatusPastDue:
		return true
	}
	return false
}

// BillingCycle is the renewal interval of a paid membership
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
)

// Valid reports whether c is monthly or yearly
func (c BillingCycle) Valid() bool {
	return c == CycleMonthly || c == CycleYearly
}

// Tier is a named subscription level
type Tier struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	DisplayName        string    `json:"display_name"`
	PriceMonthly       float64   `json:"price_monthly"`
	PriceYearly        float64   `json:"price_yearly"`
	StripePriceMonthly string    `json:"stripe_price_monthly,omitempty"`
	StripePriceYearly  string    `json:"stripe_price_yearly,omitempty"`
	IsActive           bool      `json:"is_active"`
	IsDefault          bool      `json:"is_default"`
	SortOrder          int       `json:"sort_order"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// PriceFor returns the external price identifier for the given billing cycle
func (t *Tier) PriceFor(cycle BillingCycle) string {
	if cycle == CycleYearly {
		return t.StripePriceYearly
	}
	return t.StripePriceMonthly
}

// Feature is a named capability definition
type Feature struct {
	ID           string      `json:"id"`
	Key          string      `json:"key"`
	DisplayName  string      `json:"display_name"`
	Type         FeatureType `json:"type"`
	DefaultValue string      `json:"default_value,omitempty"`
	IsActive     bool        `json:"is_active"`
}

// TierFeature binds a feature to a tier with a concrete value.
// UsageLimit and PeriodType are only meaningful for limit features.
type TierFeature struct {
	TierID      string       `json:"-"`
	FeatureID   string       `json:"-"`
	FeatureKey  string       `json:"feature_key"`
	FeatureType FeatureType  `json:"feature_type"`
	Value       FeatureValue `json:"value"`
	UsageLimit  *int64       `json:"usage_limit,omitempty"`
	PeriodType  PeriodType   `json:"period_type,omitempty"`
}

// Limit returns the effective usage limit of a limit feature.
// An explicit UsageLimit wins over the numeric value of the binding.
func (tf *TierFeature) Limit() int64 {
	if tf.UsageLimit != nil {
		return *tf.UsageLimit
	}
	if tf.Value.Kind == KindLimit {
		return tf.Value.Limit
	}
	return 0
}

// TierWithFeatures is a tier joined with all of its feature bindings
type TierWithFeatures struct {
	Tier     Tier          `json:"tier"`
	Features []TierFeature `json:"features"`
}

// Feature returns the binding for key, if any
func (t *TierWithFeatures) Feature(key string) (TierFeature, bool) {
	for _, f := range t.Features {
		if f.FeatureKey == key {
			return f, true
		}
	}
	return TierFeature{}, false
}

// Membership is the single tier membership record of a user
type Membership struct {
	UserID       string       `json:"user_id"`
	TierID       string       `json:"tier_id"`
	TierName     string       `json:"tier_name"`
	Status       Status       `json:"status"`
	BillingCycle BillingCycle `json:"billing_cycle,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	TrialStartsAt *time.Time `json:"trial_starts_at,omitempty"`
	TrialEndsAt   *time.Time `json:"trial_ends_at,omitempty"`
	// HasUsedTrial is never reset once set
	HasUsedTrial bool `json:"has_used_trial"`

	StripeSubscriptionID string     `json:"stripe_subscription_id,omitempty"`
	StripePriceID        string     `json:"stripe_price_id,omitempty"`
	CurrentPeriodStart   *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd     *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd    bool       `json:"cancel_at_period_end"`

	LastPaymentAt       *time.Time `json:"last_payment_at,omitempty"`
	LastPaymentAmount   float64    `json:"last_payment_amount,omitempty"`
	LastPaymentCurrency string     `json:"last_payment_currency,omitempty"`
	LatestInvoiceStatus string     `json:"latest_invoice_status,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsEntitled reports whether the membership currently grants its tier
func (m *Membership) IsEntitled() bool {
	return m.Status == StatusActive || m.Status == StatusTrial
}

// UsageTracking is the persisted counter of one limit feature for one user
type UsageTracking struct {
	UserID       string
	FeatureKey   string
	CurrentUsage int64
	UsageLimit   int64
	PeriodType   PeriodType
	PeriodStart  time.Time
	PeriodEnd    *time.Time
	UpdatedAt    time.Time
}

// UsageSnapshot is the caller-facing view of a counter
type UsageSnapshot struct {
	FeatureKey   string     `json:"feature_key"`
	CurrentUsage int64      `json:"current_usage"`
	UsageLimit   int64      `json:"usage_limit"`
	Remaining    int64      `json:"remaining"`
	IsExceeded   bool       `json:"is_exceeded"`
	IsUnlimited  bool       `json:"is_unlimited"`
	Percentage   *int       `json:"percentage"`
	PeriodType   PeriodType `json:"period_type"`
	PeriodStart  time.Time  `json:"period_start"`
	PeriodEnd    *time.Time `json:"period_end,omitempty"`
}

// UsageSummary aggregates every tracked feature of a user
type UsageSummary struct {
	TierName string          `json:"tier_name"`
	Features []UsageSnapshot `json:"features"`
}

// PaymentStatus is the outcome recorded on a payment history row
type PaymentStatus string

const (
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
)

// PaymentHistory is an append-only ledger row per processed invoice event
type PaymentHistory struct {
	ID                    string        `json:"id"`
	UserID                string        `json:"user_id"`
	Amount                float64       `json:"amount"`
	Currency              string        `json:"currency"`
	Status                PaymentStatus `json:"status"`
	StripeInvoiceID       string        `json:"stripe_invoice_id,omitempty"`
	StripeSubscriptionID  string        `json:"stripe_subscription_id,omitempty"`
	StripePaymentIntentID string        `json:"stripe_payment_intent_id,omitempty"`
	Description           string        `json:"description,omitempty"`
	FailureReason         string        `json:"failure_reason,omitempty"`
	PaidAt                *time.Time    `json:"paid_at,omitempty"`
	CreatedAt             time.Time     `json:"created_at"`
	// StripeEventID is the webhook event that recorded the payment; unique when set
	StripeEventID string `json:"-"`
}

// WebhookEvent is the log entry of one external billing event
type WebhookEvent struct {
	ID           string
	ExternalID   string
	Type         string
	Payload      []byte
	Processed    bool
	ProcessedAt  *time.Time
	ErrorMessage string
	RetryCount   int
	CreatedAt    time.Time
}

// UserProfile holds per-user data owned outside of the membership record
type UserProfile struct {
	UserID           string
	Email            string
	StripeCustomerID string
}

// StripeLink carries the external subscription fields set on conversion
type StripeLink struct {
	CustomerID         string
	SubscriptionID     string
	PriceID            string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
}

// TrialStatus is the read-only trial snapshot of a user
type TrialStatus struct {
	Status        Status     `json:"status"`
	TierName      string     `json:"tier_name"`
	IsOnTrial     bool       `json:"is_on_trial"`
	IsExpired     bool       `json:"is_expired"`
	HasUsedTrial  bool       `json:"has_used_trial"`
	CanStartTrial bool       `json:"can_start_trial"`
	TrialStartsAt *time.Time `json:"trial_starts_at,omitempty"`
	TrialEndsAt   *time.Time `json:"trial_ends_at,omitempty"`
	DaysRemaining int        `json:"days_remaining"`
}

// EventHandler receives best-effort notifications about membership transitions.
// Implementations must not block; they are expected to hand work to a queue.
type EventHandler interface {
	OnTrialStarted(ctx context.Context, m *Membership)
	OnTrialExpired(ctx context.Context, userID string)
	OnPaymentFailed(ctx context.Context, userID string, payment *PaymentHistory)
}

// NoopEventHandler ignores every event.
type NoopEventHandler struct{}

func (NoopEventHandler) OnTrialStarted(context.Context, *Membership)              {}
func (NoopEventHandler) OnTrialExpired(context.Context, string)                   {}
func (NoopEventHandler) OnPaymentFailed(context.Context, string, *PaymentHistory) {}

// Clock supplies the current time; tests substitute a fixed clock
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface
type ClockFunc func() time.Time

// Now implements Clock
func (f ClockFunc) Now() time.Time { return f() }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Config holds the dependencies shared by the membership services
type Config struct {
	// Users is the restricted repository for user-initiated reads (required)
	Users UserScopedRepo

	// System is the elevated repository for system writes (required)
	System SystemRepo

	// Clock defaults to the UTC wall clock
	Clock Clock

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics is used for tracking usage and trial operations (default: NoopMetrics)
	Metrics Metrics

	// Events receives trial and payment notifications (default: NoopEventHandler)
	Events EventHandler
}

func (c *Config) withDefaults() (Config, error) {
	if c == nil {
		return Config{}, ErrInvalidConfig
	}
	cfg := *c
	if cfg.Users == nil || cfg.System == nil {
		return Config{}, ErrInvalidConfig
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}
	if cfg.Events == nil {
		cfg.Events = NoopEventHandler{}
	}
	return cfg, nil
}
