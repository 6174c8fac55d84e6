package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gomembership/pkg/membership"
)

var _ membership.Metrics = (*Metrics)(nil)

func findFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return nil
}

func TestMetrics_RecordUsageIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordUsageIncrement("api_calls", 1, false)
	m.RecordUsageIncrement("api_calls", 5, true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.usageIncrementsTotal.WithLabelValues("api_calls", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.usageIncrementsTotal.WithLabelValues("api_calls", "true")))

	f := findFamily(t, reg, "test_usage_increment_amount")
	require.Len(t, f.GetMetric(), 1)
	assert.Equal(t, uint64(2), f.GetMetric()[0].GetHistogram().GetSampleCount())
	assert.Equal(t, 6.0, f.GetMetric()[0].GetHistogram().GetSampleSum())
}

func TestMetrics_RecordRolloverAndGate(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordRollover("exports", "lazy")
	m.RecordRollover("exports", "batch")
	m.RecordRollover("exports", "batch")
	m.RecordGateDecision("limit", "api_calls", "deny")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.rolloversTotal.WithLabelValues("exports", "batch")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gateDecisionsTotal.WithLabelValues("limit", "api_calls", "deny")))
}

func TestMetrics_RecordTrialTransition(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry(), "test")

	m.RecordTrialTransition("started")
	m.RecordTrialTransition("expired")
	m.RecordTrialTransition("expired")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.trialTransitions.WithLabelValues("started")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.trialTransitions.WithLabelValues("expired")))
}

func TestMetrics_RecordRepositoryOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordRepositoryOperation("get_usage", 10*time.Millisecond, nil)
	m.RecordRepositoryOperation("get_usage", 20*time.Millisecond, errors.New("timeout"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.repoOpsErrors.WithLabelValues("get_usage")))
	f := findFamily(t, reg, "test_repository_operation_duration_seconds")
	assert.Equal(t, uint64(2), f.GetMetric()[0].GetHistogram().GetSampleCount())
}
