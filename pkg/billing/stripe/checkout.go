package stripe

import (
	"context"
	"fmt"
	"strings"

	"github.com/mihaimyh/gomembership/pkg/billing"
	"github.com/mihaimyh/gomembership/pkg/membership"
)

// CheckoutURL creates a Stripe Checkout Session for a paid tier and returns its URL.
// user_id, tier_id and billing_cycle are written into the session and subscription
// metadata; every later webhook resolves the user from them.
func (p *Provider) CheckoutURL(ctx context.Context, req billing.CheckoutRequest) (string, error) {
	fields := map[string]string{}
	if !req.BillingCycle.Valid() {
		fields["billing_cycle"] = "oneof=monthly yearly"
	}
	if strings.TrimSpace(req.SuccessURL) == "" {
		fields["success_url"] = "required"
	}
	if strings.TrimSpace(req.CancelURL) == "" {
		fields["cancel_url"] = "required"
	}
	if len(fields) > 0 {
		return "", membership.NewValidationError("invalid checkout request", fields)
	}

	tier, err := p.directory.Tier(ctx, req.TierID)
	if err != nil {
		return "", err
	}
	if tier.Name == membership.TierFree || tier.Name == membership.TierTrial || !tier.IsActive {
		return "", membership.NewValidationError("tier is not purchasable", map[string]string{"tier_id": req.TierID})
	}
	priceID := tier.PriceFor(req.BillingCycle)
	if priceID == "" {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "tier_not_found")
		return "", membership.NewValidationError(
			fmt.Sprintf("%v: %s/%s", billing.ErrTierNotConfigured, tier.Name, req.BillingCycle),
			map[string]string{"tier_id": req.TierID, "billing_cycle": string(req.BillingCycle)})
	}

	// Reusing the stored customer avoids duplicate Stripe customers for returning users.
	profile, err := p.system.GetProfile(ctx, req.UserID)
	if err != nil {
		return "", &membership.UpstreamError{Op: "get profile", Err: err}
	}
	params := CheckoutParams{
		PriceID:    priceID,
		Email:      req.Email,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
		Metadata: map[string]string{
			metaUserID:       req.UserID,
			metaTierID:       tier.ID,
			metaBillingCycle: string(req.BillingCycle),
		},
	}
	if profile != nil {
		params.CustomerID = profile.StripeCustomerID
	}

	url, err := p.api.CreateCheckoutSession(ctx, params)
	if err != nil {
		return "", &membership.UpstreamError{Op: "create checkout session", Err: err}
	}
	p.logger.Info("checkout session created",
		membership.F("user_id", req.UserID), membership.F("tier", tier.Name), membership.F("billing_cycle", string(req.BillingCycle)))
	return url, nil
}

// PortalURL creates a Stripe Customer Portal session for the user's customer
func (p *Provider) PortalURL(ctx context.Context, userID, returnURL string) (string, error) {
	if strings.TrimSpace(returnURL) == "" {
		return "", membership.NewValidationError("invalid portal request", map[string]string{"return_url": "required"})
	}
	profile, err := p.system.GetProfile(ctx, userID)
	if err != nil {
		return "", &membership.UpstreamError{Op: "get profile", Err: err}
	}
	if profile == nil || profile.StripeCustomerID == "" {
		p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "customer_not_found")
		return "", &membership.NotFoundError{Entity: "customer", Key: userID}
	}

	url, err := p.api.CreatePortalSession(ctx, profile.StripeCustomerID, returnURL)
	if err != nil {
		return "", &membership.UpstreamError{Op: "create portal session", Err: err}
	}
	return url, nil
}
