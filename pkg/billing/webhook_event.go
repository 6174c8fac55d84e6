package billing

import (
	"context"
	"time"

	"github.com/mihaimyh/gomembership/pkg/membership"
)

// WebhookEvent describes a membership change applied by a webhook. It is passed to
// the WebhookCallback after the change has been persisted.
type WebhookEvent struct {
	// UserID is the internal user identifier
	UserID string

	// PreviousTier is the tier name before the update (empty string if unknown)
	PreviousTier string

	// NewTier is the tier name after the update
	NewTier string

	// Status is the membership status after the update
	Status membership.Status

	// Provider is the billing provider name ("stripe")
	Provider string

	// EventID is the provider's idempotency key
	EventID string

	// EventType is the provider-specific event type, e.g. "customer.subscription.updated"
	EventType string

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time

	// Metadata is the metadata attached to the provider object (subscription or session)
	Metadata map[string]string
}

// TierChanged reports whether the update moved the user to another tier
func (e WebhookEvent) TierChanged() bool {
	return e.PreviousTier != e.NewTier
}

// WebhookCallback observes applied webhook changes. Errors are logged, never retried.
type WebhookCallback func(ctx context.Context, event WebhookEvent) error
