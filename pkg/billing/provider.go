package billing

import (
	"context"
	"net/http"

	"github.com/mihaimyh/gomembership/pkg/membership"
)

// Provider is the contract a payment backend implements. Handlers depend on this
// interface only, so the transport layer never touches provider SDK types.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that verifies and reconciles
	// real-time events. It must receive the raw, unparsed request body.
	WebhookHandler() http.Handler

	// CheckoutURL creates a hosted checkout session for a paid tier and returns its URL
	CheckoutURL(ctx context.Context, req CheckoutRequest) (string, error)

	// PortalURL creates a self-service billing portal session for an existing customer
	PortalURL(ctx context.Context, userID, returnURL string) (string, error)

	// SyncUser re-reads the user's subscription from the provider and applies it to the
	// membership. Used for "restore purchases" and manual reconciliation.
	SyncUser(ctx context.Context, userID string) (*membership.Membership, error)
}

// CheckoutRequest describes a subscription checkout
type CheckoutRequest struct {
	UserID       string
	Email        string
	TierID       string
	BillingCycle membership.BillingCycle
	SuccessURL   string
	CancelURL    string
}
