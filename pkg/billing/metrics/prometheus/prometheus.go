// Package prommetrics exports billing reconciliation metrics to Prometheus: webhook
// intake, payments written to the history, outbound Stripe calls and breaker state.
package prommetrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/gomembership/pkg/billing"
	"github.com/mihaimyh/gomembership/pkg/membership"
)

const subsystem = "billing"

var breakerStates = []string{"closed", "open", "half_open"}

// Metrics implements billing.Metrics
type Metrics struct {
	webhooks        *prometheus.CounterVec
	webhookLatency  *prometheus.HistogramVec
	webhookRejected *prometheus.CounterVec

	payments       *prometheus.CounterVec
	paymentAmount  *prometheus.CounterVec
	paymentReplays *prometheus.CounterVec

	syncs       *prometheus.CounterVec
	syncLatency *prometheus.HistogramVec
	tierMoves   *prometheus.CounterVec

	calls       *prometheus.CounterVec
	callLatency *prometheus.HistogramVec
	breaker     *prometheus.GaugeVec
}

var _ billing.Metrics = (*Metrics)(nil)

// NewMetrics registers the billing collectors on reg under namespace_billing_*
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		}, labels)
	}
	histogram := func(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets,
		}, labels)
	}

	// Webhook handling includes one outbound Stripe read for checkout events
	webhookBuckets := []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5}

	m := &Metrics{
		webhooks: counter("webhook_events_total",
			"Webhook events by type and outcome (success, duplicate, error).", "provider", "event_type", "outcome"),
		webhookLatency: histogram("webhook_processing_duration_seconds",
			"Time spent reconciling one webhook event.", webhookBuckets, "provider", "event_type"),
		webhookRejected: counter("webhook_errors_total",
			"Webhook deliveries rejected or failed, by reason.", "provider", "reason"),

		payments: counter("payments_total",
			"Payments written to the payment history.", "provider", "status", "currency"),
		paymentAmount: counter("payment_amount_total",
			"Sum of recorded payment amounts in major currency units.", "provider", "status", "currency"),
		paymentReplays: counter("payment_replays_total",
			"Redelivered events whose payment was already recorded.", "provider", "status"),

		syncs: counter("subscription_syncs_total",
			"Manual subscription re-reads by outcome.", "provider", "outcome"),
		syncLatency: histogram("subscription_sync_duration_seconds",
			"Duration of a subscription re-read.", prometheus.DefBuckets, "provider"),
		tierMoves: counter("tier_changes_total",
			"Membership tier moves caused by billing events.", "provider", "from_tier", "to_tier"),

		calls: counter("api_calls_total",
			"Outbound Stripe calls by endpoint and outcome.", "provider", "endpoint", "outcome"),
		callLatency: histogram("api_call_duration_seconds",
			"Duration of outbound Stripe calls.", prometheus.DefBuckets, "provider", "endpoint"),
		breaker: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "circuit_breaker_state",
			Help: "1 for the current state of the outbound circuit breaker, 0 otherwise.",
		}, []string{"provider", "state"}),
	}
	return m
}

func (m *Metrics) RecordWebhookEvent(provider, eventType, status string) {
	m.webhooks.WithLabelValues(provider, eventType, status).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(provider, eventType string, d time.Duration) {
	m.webhookLatency.WithLabelValues(provider, eventType).Observe(d.Seconds())
}

func (m *Metrics) RecordWebhookError(provider, errorType string) {
	m.webhookRejected.WithLabelValues(provider, errorType).Inc()
}

func (m *Metrics) RecordUserSync(provider, status string) {
	m.syncs.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) RecordUserSyncDuration(provider string, d time.Duration) {
	m.syncLatency.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *Metrics) RecordTierChange(provider, fromTier, toTier string) {
	m.tierMoves.WithLabelValues(provider, fromTier, toTier).Inc()
}

func (m *Metrics) RecordAPICall(provider, endpoint, status string) {
	m.calls.WithLabelValues(provider, endpoint, status).Inc()
}

func (m *Metrics) RecordAPICallDuration(provider, endpoint string, d time.Duration) {
	m.callLatency.WithLabelValues(provider, endpoint).Observe(d.Seconds())
}

// RecordPayment counts a recorded payment and adds its amount; replays only bump
// payment_replays_total so revenue is never counted twice
func (m *Metrics) RecordPayment(provider string, status membership.PaymentStatus, currency string, amount float64, replayed bool) {
	if replayed {
		m.paymentReplays.WithLabelValues(provider, string(status)).Inc()
		return
	}
	currency = strings.ToLower(currency)
	m.payments.WithLabelValues(provider, string(status), currency).Inc()
	if amount > 0 {
		m.paymentAmount.WithLabelValues(provider, string(status), currency).Add(amount)
	}
}

// RecordBreakerState sets the gauge of state to 1 and every other state to 0
func (m *Metrics) RecordBreakerState(provider, state string) {
	for _, s := range breakerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.breaker.WithLabelValues(provider, s).Set(v)
	}
}
