package membership

import "time"

// Metrics defines the interface for tracking membership operations.
type Metrics interface {
	// RecordUsageIncrement records a counter increment and whether it pushed usage past the limit.
	RecordUsageIncrement(featureKey string, amount int64, exceeded bool)

	// RecordRollover records a lazy or batch period reset.
	// trigger: "lazy" or "batch"
	RecordRollover(featureKey string, trigger string)

	// RecordGateDecision records an access gate outcome.
	// gate: "feature", "limit" or "tier"; outcome: "allow" or "deny"
	RecordGateDecision(gate, key, outcome string)

	// RecordTrialTransition records a trial state change.
	// transition: "started", "expired" or "converted"
	RecordTrialTransition(transition string)

	// RecordRepositoryOperation records the latency and failure of a repository call.
	RecordRepositoryOperation(operation string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordUsageIncrement(_ string, _ int64, _ bool)              {}
func (n *NoopMetrics) RecordRollover(_, _ string)                                  {}
func (n *NoopMetrics) RecordGateDecision(_, _, _ string)                           {}
func (n *NoopMetrics) RecordTrialTransition(_ string)                              {}
func (n *NoopMetrics) RecordRepositoryOperation(_ string, _ time.Duration, _ error) {}
