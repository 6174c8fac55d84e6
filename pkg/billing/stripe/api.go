package stripe

import (
	"context"
	"time"

	"github.com/stripe/stripe-go/v83"
)

// Subscription is the provider-neutral view of a Stripe subscription the reconciler
// works with. Both webhook payloads and API responses are converted into it.
type Subscription struct {
	ID                string
	CustomerID        string
	Status            string
	PriceID           string
	CancelAtPeriodEnd bool
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	Metadata          map[string]string
}

// CheckoutParams describes a subscription checkout session
type CheckoutParams struct {
	PriceID    string
	CustomerID string
	Email      string
	SuccessURL string
	CancelURL  string
	// Metadata is copied onto both the session and the resulting subscription
	Metadata map[string]string
}

// API is the subset of the Stripe API the provider calls. The SDK-backed
// implementation is used in production; tests substitute a fake.
type API interface {
	RetrieveSubscription(ctx context.Context, id string) (*Subscription, error)
	CreateCheckoutSession(ctx context.Context, p CheckoutParams) (string, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

type sdkAPI struct {
	client *stripe.Client
}

// NewAPI wraps a stripe-go client
func NewAPI(client *stripe.Client) API {
	return &sdkAPI{client: client}
}

func (a *sdkAPI) RetrieveSubscription(ctx context.Context, id string) (*Subscription, error) {
	sub, err := a.client.V1Subscriptions.Retrieve(ctx, id, nil)
	if err != nil {
		return nil, err
	}
	return fromSDKSubscription(sub), nil
}

func (a *sdkAPI) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (string, error) {
	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(p.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:       stripe.String(p.SuccessURL),
		CancelURL:        stripe.String(p.CancelURL),
		SubscriptionData: &stripe.CheckoutSessionCreateSubscriptionDataParams{},
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
		params.SubscriptionData.AddMetadata(k, v)
	}
	if userID := p.Metadata[metaUserID]; userID != "" {
		params.ClientReferenceID = stripe.String(userID)
	}
	if p.CustomerID != "" {
		params.Customer = stripe.String(p.CustomerID)
	} else if p.Email != "" {
		params.CustomerEmail = stripe.String(p.Email)
	}

	session, err := a.client.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		return "", err
	}
	return session.URL, nil
}

func (a *sdkAPI) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	session, err := a.client.V1BillingPortalSessions.Create(ctx, &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	})
	if err != nil {
		return "", err
	}
	return session.URL, nil
}

func fromSDKSubscription(sub *stripe.Subscription) *Subscription {
	s := &Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Metadata:          sub.Metadata,
	}
	if sub.Customer != nil {
		s.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil {
				continue
			}
			if item.Price != nil {
				s.PriceID = item.Price.ID
			}
			s.PeriodStart = unixTime(item.CurrentPeriodStart)
			s.PeriodEnd = unixTime(item.CurrentPeriodEnd)
			break
		}
	}
	return s
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
