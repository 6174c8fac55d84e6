package api

import "github.com/mihaimyh/gomembership/pkg/membership"

// MembershipResponse is the caller's membership joined with its tier
type MembershipResponse struct {
	Membership *membership.Membership       `json:"membership"`
	Tier       *membership.TierWithFeatures `json:"tier"`
}

// URLResponse carries a hosted checkout or portal URL
type URLResponse struct {
	URL string `json:"url"`
}

// ExpireTrialsResponse is the result of the trial sweep
type ExpireTrialsResponse struct {
	Expired int `json:"expired"`
}

// ResetUsageResponse is the result of the periodic usage reset
type ResetUsageResponse struct {
	Reset int `json:"reset"`
}

// HealthResponse is the body of /healthz
type HealthResponse struct {
	Status string `json:"status"`
}

type convertRequest struct {
	TierID       string `json:"tier_id" validate:"required"`
	BillingCycle string `json:"billing_cycle" validate:"required,oneof=monthly yearly"`
}

type checkoutRequest struct {
	TierID       string `json:"tier_id" validate:"required"`
	BillingCycle string `json:"billing_cycle" validate:"required,oneof=monthly yearly"`
	SuccessURL   string `json:"success_url" validate:"required,url"`
	CancelURL    string `json:"cancel_url" validate:"required,url"`
}

type portalRequest struct {
	ReturnURL string `json:"return_url" validate:"required,url"`
}

type overrideRequest struct {
	TierID       string `json:"tier_id"`
	Status       string `json:"status" validate:"omitempty,oneof=active cancelled expired trial past_due"`
	BillingCycle string `json:"billing_cycle" validate:"omitempty,oneof=monthly yearly"`
}

type createTierRequest struct {
	Name               string  `json:"name" validate:"required,max=50"`
	DisplayName        string  `json:"display_name" validate:"max=100"`
	PriceMonthly       float64 `json:"price_monthly" validate:"gte=0"`
	PriceYearly        float64 `json:"price_yearly" validate:"gte=0"`
	StripePriceMonthly string  `json:"stripe_price_monthly"`
	StripePriceYearly  string  `json:"stripe_price_yearly"`
	SortOrder          int     `json:"sort_order"`
}

// updateTierRequest patches a tier; absent fields keep their value
type updateTierRequest struct {
	DisplayName        *string  `json:"display_name" validate:"omitempty,max=100"`
	PriceMonthly       *float64 `json:"price_monthly" validate:"omitempty,gte=0"`
	PriceYearly        *float64 `json:"price_yearly" validate:"omitempty,gte=0"`
	StripePriceMonthly *string  `json:"stripe_price_monthly"`
	StripePriceYearly  *string  `json:"stripe_price_yearly"`
	SortOrder          *int     `json:"sort_order"`
}

type featureRequest struct {
	DisplayName  string `json:"display_name"`
	Type         string `json:"type" validate:"required,oneof=boolean limit enum"`
	DefaultValue string `json:"default_value"`
	IsActive     *bool  `json:"is_active"`
}

type bindingRequest struct {
	Value      string `json:"value" validate:"required"`
	UsageLimit *int64 `json:"usage_limit" validate:"omitempty,gte=-1"`
	PeriodType string `json:"period_type" validate:"omitempty,oneof=none daily monthly lifetime"`
}
