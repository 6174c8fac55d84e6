package stripe

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/stripe/stripe-go/v83"
)

// Metadata keys written at checkout and read back from every event
const (
	metaUserID       = "user_id"
	metaTierID       = "tier_id"
	metaBillingCycle = "billing_cycle"
)

// expandable decodes a legacy Stripe reference that is either an id string or an expanded object
type expandable string

func (e *expandable) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = expandable(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandable(obj.ID)
	return nil
}

// subscriptionPayload is a webhook subscription. Pre-2025 API versions carry the
// billing period on the subscription instead of its items.
type subscriptionPayload struct {
	stripe.Subscription
	legacy struct {
		CurrentPeriodStart int64 `json:"current_period_start"`
		CurrentPeriodEnd   int64 `json:"current_period_end"`
	}
}

func (p *subscriptionPayload) UnmarshalJSON(b []byte) error {
	if err := json.Unmarshal(b, &p.Subscription); err != nil {
		return err
	}
	return json.Unmarshal(b, &p.legacy)
}

func (p *subscriptionPayload) subscription() *Subscription {
	s := fromSDKSubscription(&p.Subscription)
	if s.PeriodEnd == nil {
		s.PeriodStart = unixTime(p.legacy.CurrentPeriodStart)
		s.PeriodEnd = unixTime(p.legacy.CurrentPeriodEnd)
	}
	return s
}

// invoicePayload is a webhook invoice. Older API versions put the subscription,
// payment intent and subscription details at the top level.
type invoicePayload struct {
	stripe.Invoice
	legacy struct {
		Subscription        expandable `json:"subscription"`
		PaymentIntent       expandable `json:"payment_intent"`
		SubscriptionDetails *struct {
			Metadata map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	}
}

func (p *invoicePayload) UnmarshalJSON(b []byte) error {
	if err := json.Unmarshal(b, &p.Invoice); err != nil {
		return err
	}
	return json.Unmarshal(b, &p.legacy)
}

func (p *invoicePayload) parentDetails() *stripe.InvoiceParentSubscriptionDetails {
	if p.Parent == nil {
		return nil
	}
	return p.Parent.SubscriptionDetails
}

// metadata returns the first non-empty value of key across the places Stripe copies
// subscription metadata onto an invoice.
func (p *invoicePayload) metadata(key string) string {
	if v := p.Metadata[key]; v != "" {
		return v
	}
	if d := p.legacy.SubscriptionDetails; d != nil {
		if v := d.Metadata[key]; v != "" {
			return v
		}
	}
	if d := p.parentDetails(); d != nil {
		if v := d.Metadata[key]; v != "" {
			return v
		}
	}
	if p.Lines != nil {
		for _, line := range p.Lines.Data {
			if line == nil {
				continue
			}
			if v := line.Metadata[key]; v != "" {
				return v
			}
		}
	}
	return ""
}

func (p *invoicePayload) subscriptionID() string {
	if p.legacy.Subscription != "" {
		return string(p.legacy.Subscription)
	}
	if d := p.parentDetails(); d != nil && d.Subscription != nil {
		return d.Subscription.ID
	}
	return ""
}

func (p *invoicePayload) paymentIntentID() string {
	if p.legacy.PaymentIntent != "" {
		return string(p.legacy.PaymentIntent)
	}
	if p.Payments == nil {
		return ""
	}
	for _, ip := range p.Payments.Data {
		if ip != nil && ip.Payment != nil && ip.Payment.PaymentIntent != nil {
			return ip.Payment.PaymentIntent.ID
		}
	}
	return ""
}

func (p *invoicePayload) paidAt(fallback time.Time) time.Time {
	if p.StatusTransitions != nil {
		if t := unixTime(p.StatusTransitions.PaidAt); t != nil {
			return *t
		}
	}
	return fallback
}

func (p *invoicePayload) failureReason() string {
	if p.LastFinalizationError != nil && p.LastFinalizationError.Msg != "" {
		return p.LastFinalizationError.Msg
	}
	return "payment failed"
}

// minorToMajor converts an amount in the currency's minor unit (cents) to major units
func minorToMajor(amount int64) float64 {
	return float64(amount) / 100
}
