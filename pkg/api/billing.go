package api

import (
	"net/http"

	"github.com/mihaimyh/gomembership/pkg/billing"
	"github.com/mihaimyh/gomembership/pkg/envelope"
	"github.com/mihaimyh/gomembership/pkg/membership"
)

// Checkout creates a hosted checkout session for a paid tier
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := h.bind(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	id := membership.IdentityFromContext(r.Context())
	url, err := h.config.Billing.CheckoutURL(r.Context(), billing.CheckoutRequest{
		UserID:       id.ID,
		Email:        id.Email,
		TierID:       req.TierID,
		BillingCycle: membership.BillingCycle(req.BillingCycle),
		SuccessURL:   req.SuccessURL,
		CancelURL:    req.CancelURL,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	envelope.OK(w, URLResponse{URL: url})
}

// Portal creates a customer portal session
func (h *Handler) Portal(w http.ResponseWriter, r *http.Request) {
	var req portalRequest
	if err := h.bind(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	url, err := h.config.Billing.PortalURL(r.Context(), userID(r), req.ReturnURL)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	envelope.OK(w, URLResponse{URL: url})
}

// SyncBilling re-reads the caller's subscription from the billing provider
func (h *Handler) SyncBilling(w http.ResponseWriter, r *http.Request) {
	m, err := h.config.Billing.SyncUser(r.Context(), userID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	envelope.Message(w, m, "subscription synced")
}
