package stripe

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/gomembership/pkg/billing/internal"
	"github.com/mihaimyh/gomembership/pkg/envelope"
	"github.com/mihaimyh/gomembership/pkg/membership"
)

// Stripe only reads the status code; the body keeps the shared response envelope.
func webhookError(msg string) envelope.Response {
	return envelope.Response{Success: false, Error: msg}
}

type webhookReceived struct {
	Received bool `json:"received"`
}

// handleWebhook verifies the Stripe signature over the raw body and hands the event
// to the reconciler. Verification failures are client errors and are not retried.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		_ = internal.WriteJSON(w, http.StatusMethodNotAllowed, webhookError("method not allowed"))
		return
	}
	if p.webhookSecret == "" {
		_ = internal.WriteJSON(w, http.StatusServiceUnavailable, webhookError("webhook secret not configured"))
		return
	}

	body, err := internal.ReadBodyStrict(w, r, webhookBodyLimit)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
			_ = internal.WriteJSON(w, http.StatusRequestEntityTooLarge, webhookError("payload too large"))
			return
		}
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		_ = internal.WriteJSON(w, http.StatusBadRequest, webhookError("failed to read request body"))
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sig) == "" {
		p.metrics.RecordWebhookError(providerName, "missing_signature")
		_ = internal.WriteJSON(w, http.StatusBadRequest, webhookError("missing Stripe signature"))
		return
	}

	event, err := webhook.ConstructEventWithOptions(body, sig, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		p.metrics.RecordWebhookError(providerName, "invalid_signature")
		p.logger.Warn("stripe webhook signature rejected",
			membership.F("remote_ip", internal.GetClientIP(r)), membership.F("error", err))
		_ = internal.WriteJSON(w, http.StatusBadRequest, webhookError("invalid Stripe signature"))
		return
	}

	if err := p.ProcessEvent(r.Context(), &event); err != nil {
		_ = internal.WriteJSON(w, http.StatusInternalServerError, webhookError("processing failed"))
		return
	}

	p.logger.Debug("stripe webhook handled",
		membership.F("event_id", event.ID), membership.F("type", string(event.Type)),
		membership.F("duration", time.Since(start).String()))
	_ = internal.WriteJSON(w, http.StatusOK, envelope.Response{Success: true, Data: webhookReceived{Received: true}})
}
