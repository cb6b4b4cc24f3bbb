package telemetry

import (
	"fmt"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensorgrid/ruleengine/core"
)

func testRegistry() *Registry {
	return NewRegistry(Config{ServiceName: "test"})
}

func TestCounterRecordsWithAllowedLabels(t *testing.T) {
	r := testRegistry()
	defer r.Stop()

	err := r.IncCounter(MetricRuleExecutionTotal, map[string]string{
		"ruleChainId": "42",
		"status":      "success",
	})
	require.NoError(t, err)

	count := testutil.ToFloat64(r.counters[MetricRuleExecutionTotal].WithLabelValues("42", "success"))
	assert.Equal(t, 1.0, count)
}

func TestForbiddenLabelRejectedAndNothingRecorded(t *testing.T) {
	r := testRegistry()
	defer r.Stop()

	err := r.IncCounter(MetricRuleExecutionTotal, map[string]string{
		"ruleChainId": "42",
		"deviceUUID":  "abc-123",
	})
	require.ErrorIs(t, err, core.ErrForbiddenLabel)

	// No series was created for the partial label set
	families, gerr := r.Gatherer().Gather()
	require.NoError(t, gerr)
	for _, fam := range families {
		if fam.GetName() == MetricRuleExecutionTotal {
			assert.Empty(t, fam.GetMetric(), "rejected write must not create a series")
		}
	}
}

func TestUnknownLabelRejected(t *testing.T) {
	r := testRegistry()
	defer r.Stop()

	err := r.IncCounter(MetricRuleExecutionTotal, map[string]string{
		"somethingElse": "x",
	})
	assert.ErrorIs(t, err, core.ErrForbiddenLabel)
}

func TestCardinalityCapRejectsOverflow(t *testing.T) {
	r := NewRegistry(Config{
		LabelLimits: map[string]int{"ruleChainId": 3, "status": 5},
	})
	defer r.Stop()

	for i := 0; i < 3; i++ {
		err := r.IncCounter(MetricRuleExecutionTotal, map[string]string{
			"ruleChainId": fmt.Sprintf("%d", i),
			"status":      "success",
		})
		require.NoError(t, err)
	}

	err := r.IncCounter(MetricRuleExecutionTotal, map[string]string{
		"ruleChainId": "overflow",
		"status":      "success",
	})
	assert.ErrorIs(t, err, core.ErrCardinalityExceeded)

	// Re-using an existing value stays fine
	err = r.IncCounter(MetricRuleExecutionTotal, map[string]string{
		"ruleChainId": "1",
		"status":      "success",
	})
	assert.NoError(t, err)
}

func TestHistogramCustomBuckets(t *testing.T) {
	r := testRegistry()
	defer r.Stop()

	require.NoError(t, r.Observe(MetricRuleExecutionDuration, 7.5, map[string]string{"status": "success"}))

	families, err := r.Gatherer().Gather()
	require.NoError(t, err)
	found := false
	for _, fam := range families {
		if fam.GetName() != MetricRuleExecutionDuration {
			continue
		}
		found = true
		buckets := fam.GetMetric()[0].GetHistogram().GetBucket()
		var bounds []float64
		for _, b := range buckets {
			bounds = append(bounds, b.GetUpperBound())
		}
		assert.Equal(t, []float64{1, 5, 10, 30, 60}, bounds)
	}
	assert.True(t, found)
}

func TestGaugeSet(t *testing.T) {
	r := testRegistry()
	defer r.Stop()

	require.NoError(t, r.SetGauge(MetricQueueDepth, 1234, map[string]string{"state": "waiting"}))
	require.NoError(t, r.SetGauge(MetricCircuitState, 2, nil))

	v := testutil.ToFloat64(r.gauges[MetricQueueDepth].WithLabelValues("waiting"))
	assert.Equal(t, 1234.0, v)
}

func TestHandlerServesMetrics(t *testing.T) {
	r := testRegistry()
	defer r.Stop()

	require.NoError(t, r.IncCounter(MetricRuleTimeoutTotal, map[string]string{"error_code": "RULE_CHAIN_TIMEOUT"}))

	expected := strings.NewReader(`
# HELP rule_timeout_total Structured timeouts by code
# TYPE rule_timeout_total counter
rule_timeout_total{error_code="RULE_CHAIN_TIMEOUT"} 1
`)
	assert.NoError(t, testutil.GatherAndCompare(r.Gatherer(), expected, MetricRuleTimeoutTotal))
}

func TestGuardCleanupTracking(t *testing.T) {
	g := NewCardinalityGuard(map[string]int{"status": 5}, nil)
	defer g.Stop()

	require.NoError(t, g.Check(map[string]string{"status": "a"}))
	require.NoError(t, g.Check(map[string]string{"status": "b"}))
	assert.Equal(t, 2, g.CurrentCardinality())
}
