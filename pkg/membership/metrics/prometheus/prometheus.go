package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements membership.Metrics using Prometheus.
type Metrics struct {
	usageIncrementsTotal *prometheus.CounterVec
	usageIncrementAmount *prometheus.HistogramVec
	rolloversTotal       *prometheus.CounterVec
	gateDecisionsTotal   *prometheus.CounterVec
	trialTransitions     *prometheus.CounterVec
	repoOpsDuration      *prometheus.HistogramVec
	repoOpsErrors        *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		usageIncrementsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_increments_total",
			Help:      "Total number of usage counter increments.",
		}, []string{"feature", "exceeded"}),

		usageIncrementAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "usage_increment_amount",
			Help:      "Distribution of usage increment amounts.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000},
		}, []string{"feature"}),

		rolloversTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_rollovers_total",
			Help:      "Total number of usage period rollovers.",
		}, []string{"feature", "trigger"}),

		gateDecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_decisions_total",
			Help:      "Total number of access gate decisions.",
		}, []string{"gate", "key", "outcome"}),

		trialTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trial_transitions_total",
			Help:      "Total number of trial state transitions.",
		}, []string{"transition"}),

		repoOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "repository_operation_duration_seconds",
			Help:      "Latency of repository operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		repoOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repository_operation_errors_total",
			Help:      "Total number of repository operation errors.",
		}, []string{"operation"}),
	}
}

func (m *Metrics) RecordUsageIncrement(featureKey string, amount int64, exceeded bool) {
	m.usageIncrementsTotal.WithLabelValues(featureKey, strconv.FormatBool(exceeded)).Inc()
	m.usageIncrementAmount.WithLabelValues(featureKey).Observe(float64(amount))
}

func (m *Metrics) RecordRollover(featureKey, trigger string) {
	m.rolloversTotal.WithLabelValues(featureKey, trigger).Inc()
}

func (m *Metrics) RecordGateDecision(gate, key, outcome string) {
	m.gateDecisionsTotal.WithLabelValues(gate, key, outcome).Inc()
}

func (m *Metrics) RecordTrialTransition(transition string) {
	m.trialTransitions.WithLabelValues(transition).Inc()
}

func (m *Metrics) RecordRepositoryOperation(operation string, duration time.Duration, err error) {
	m.repoOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.repoOpsErrors.WithLabelValues(operation).Inc()
	}
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
