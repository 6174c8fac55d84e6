package billing

import (
	"net/http"

	"github.com/mihaimyh/gomembership/pkg/membership"
)

// Config defines the standard configuration all providers accept
type Config struct {
	// Membership carries the repositories, clock, logger and event handler shared with
	// the membership services. Webhook effects are written through Membership.System.
	Membership *membership.Config

	// Usage re-derives usage limits whenever a webhook changes a user's tier
	Usage *membership.UsageEngine

	// WebhookSecret is the shared secret used to verify webhook signatures
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// OnWebhook is called after a webhook changed a membership. Optional.
	OnWebhook WebhookCallback

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// billing/metrics/prometheus.NewMetrics exports them on a Prometheus registry.
	Metrics Metrics
}
