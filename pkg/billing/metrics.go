package billing

import (
	"time"

	"github.com/mihaimyh/gomembership/pkg/membership"
)

// Metrics defines the interface for tracking billing provider operations.
// All methods are optional - providers should gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the billing provider.
	// eventType: The type of event (e.g., "invoice.paid")
	// status: "success", "duplicate", "ignored" or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: The type of error (e.g., "invalid_signature", "payload_too_large", "processing_error")
	RecordWebhookError(provider, errorType string)

	// RecordUserSync records a user synchronization operation.
	// status: "success" or "error"
	RecordUserSync(provider, status string)

	// RecordUserSyncDuration records how long a user sync took.
	RecordUserSyncDuration(provider string, duration time.Duration)

	// RecordTierChange records when a user's tier changes.
	RecordTierChange(provider, fromTier, toTier string)

	// RecordAPICall records an API call to the billing provider.
	// endpoint: The API endpoint called (e.g., "/subscriptions")
	// status: "success", "error" or "circuit_open"
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)

	// RecordPayment records a payment written to the history. replayed is true when the
	// event had already recorded it and no row was added.
	RecordPayment(provider string, status membership.PaymentStatus, currency string, amount float64, replayed bool)

	// RecordBreakerState records a transition of the outbound circuit breaker
	RecordBreakerState(provider, state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                                               {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration)                    {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                                                  {}
func (n *NoopMetrics) RecordUserSync(_, _ string)                                                      {}
func (n *NoopMetrics) RecordUserSyncDuration(_ string, _ time.Duration)                                {}
func (n *NoopMetrics) RecordTierChange(_, _, _ string)                                                 {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                                    {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)                              {}
func (n *NoopMetrics) RecordPayment(_ string, _ membership.PaymentStatus, _ string, _ float64, _ bool) {}
func (n *NoopMetrics) RecordBreakerState(_, _ string)                                                  {}
