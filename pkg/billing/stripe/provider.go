// Package stripe implements billing.Provider on Stripe: signed webhook intake, the
// reconciler that maps subscription and invoice events onto memberships, and hosted
// checkout and portal sessions.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gomembership/pkg/billing"
	"github.com/mihaimyh/gomembership/pkg/billing/internal"
	"github.com/mihaimyh/gomembership/pkg/membership"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	defaultBreakerThreshold  = 5
	defaultBreakerTimeout    = 30 * time.Second
	webhookBodyLimit         = 256 * 1024
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config

	// API replaces the stripe-go backed client. Optional; used by tests.
	API API

	// Circuit breaker around outbound calls (defaults: 5 failures, 30s)
	BreakerThreshold int
	BreakerTimeout   time.Duration

	// Per-IP webhook rate limit (defaults: 100 requests per minute)
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// Provider implements billing.Provider for Stripe
type Provider struct {
	*Reconciler

	api           API
	breaker       *internal.Breaker
	rateLimiter   *internal.RateLimiter
	webhookSecret string
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Membership == nil || config.Membership.System == nil || config.Usage == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	dir, err := membership.NewDirectory(config.Membership)
	if err != nil {
		return nil, err
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Membership.Logger
	if logger == nil {
		logger = &membership.NoopLogger{}
	}
	clock := config.Membership.Clock
	if clock == nil {
		clock = membership.ClockFunc(func() time.Time { return time.Now().UTC() })
	}
	events := config.Membership.Events
	if events == nil {
		events = membership.NoopEventHandler{}
	}

	api := config.API
	if api == nil {
		apiKey := strings.TrimSpace(config.APIKey)
		if apiKey == "" {
			return nil, billing.ErrProviderNotConfigured
		}
		httpClient := config.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{Timeout: defaultHTTPTimeout}
		}
		backends := stripe.NewBackendsWithConfig(&stripe.BackendConfig{HTTPClient: httpClient})
		api = NewAPI(stripe.NewClient(apiKey, stripe.WithBackends(backends)))
	}

	threshold := config.BreakerThreshold
	if threshold <= 0 {
		threshold = defaultBreakerThreshold
	}
	timeout := config.BreakerTimeout
	if timeout <= 0 {
		timeout = defaultBreakerTimeout
	}
	breaker := internal.NewBreaker(threshold, timeout, func(s internal.BreakerState) {
		logger.Warn("stripe circuit breaker state changed", membership.F("state", string(s)))
		metrics.RecordBreakerState(providerName, string(s))
	})
	metrics.RecordBreakerState(providerName, string(breaker.State()))
	guarded := &guardedAPI{next: api, breaker: breaker, metrics: metrics}

	requests := config.RateLimitRequests
	if requests <= 0 {
		requests = defaultRateLimitRequests
	}
	window := config.RateLimitWindow
	if window <= 0 {
		window = defaultRateLimitWindow
	}

	return &Provider{
		Reconciler: &Reconciler{
			system:    config.Membership.System,
			directory: dir,
			usage:     config.Usage,
			api:       guarded,
			events:    events,
			onWebhook: config.OnWebhook,
			logger:    logger,
			metrics:   metrics,
			clock:     clock,
		},
		api:           guarded,
		breaker:       breaker,
		rateLimiter:   internal.NewRateLimiter(requests, window),
		webhookSecret: strings.TrimSpace(config.WebhookSecret),
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks, rate limited per client IP
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// BreakerState exposes the outbound circuit state for health reporting
func (p *Provider) BreakerState() string {
	return string(p.breaker.State())
}

// guardedAPI runs every call through the circuit breaker and records API metrics
type guardedAPI struct {
	next    API
	breaker *internal.Breaker
	metrics billing.Metrics
}

func (g *guardedAPI) RetrieveSubscription(ctx context.Context, id string) (*Subscription, error) {
	var sub *Subscription
	err := g.call(ctx, "/subscriptions", func(ctx context.Context) error {
		var err error
		sub, err = g.next.RetrieveSubscription(ctx, id)
		return err
	})
	return sub, err
}

func (g *guardedAPI) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (string, error) {
	var url string
	err := g.call(ctx, "/checkout/sessions", func(ctx context.Context) error {
		var err error
		url, err = g.next.CreateCheckoutSession(ctx, params)
		return err
	})
	return url, err
}

func (g *guardedAPI) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	var url string
	err := g.call(ctx, "/billing_portal/sessions", func(ctx context.Context) error {
		var err error
		url, err = g.next.CreatePortalSession(ctx, customerID, returnURL)
		return err
	})
	return url, err
}

func (g *guardedAPI) call(ctx context.Context, endpoint string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := g.breaker.Execute(ctx, fn)

	status := "success"
	switch {
	case err == nil:
	case errors.Is(err, internal.ErrCircuitOpen):
		status = "circuit_open"
	default:
		status = "error"
	}
	g.metrics.RecordAPICall(providerName, endpoint, status)
	g.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))

	if err != nil {
		return fmt.Errorf("%w: %s: %w", billing.ErrProviderAPIError, endpoint, err)
	}
	return nil
}
