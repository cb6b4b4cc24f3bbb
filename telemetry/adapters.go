package telemetry

import (
	"strconv"
	"strings"
)

// Adapters bind the registry to the small per-package metric interfaces.
// Each adapter swallows guard rejections after the registry has logged them;
// a metrics policy violation must never affect the data path.

// GateMetrics implements the backpressure gate's metrics hook.
type GateMetrics struct{ R *Registry }

func (m *GateMetrics) SetCircuitState(state string) {
	_ = m.R.SetGauge(MetricCircuitState, circuitStateValue(state), nil)
}

func (m *GateMetrics) IncRejected(reason string) {
	_ = m.R.IncCounter(MetricBackpressureRejected, map[string]string{"reason": reason})
}

// BusMetrics implements the event bus's metrics hook.
type BusMetrics struct{ R *Registry }

func (m *BusMetrics) IncIngested(eventType string) {
	_ = m.R.IncCounter(MetricTelemetryIngestionTotal, map[string]string{"type": eventType})
}

func (m *BusMetrics) IncRejected(reason string) {
	_ = m.R.IncCounter(MetricBackpressureRejected, map[string]string{"reason": reason})
}

func (m *BusMetrics) SetQueueDepth(pending int64) {
	_ = m.R.SetGauge(MetricQueueDepth, float64(pending), map[string]string{"state": "pending"})
}

// IndexMetrics implements the originator index's metrics hook.
type IndexMetrics struct{ R *Registry }

func (m *IndexMetrics) IncRebuild(result string) {
	_ = m.R.IncCounter(MetricIndexRebuildTotal, map[string]string{"result": result})
}

// FilterMetrics implements the execution-type filter's metrics hook.
type FilterMetrics struct{ R *Registry }

func (m *FilterMetrics) IncSkippedByType(executionType string) {
	_ = m.R.IncCounter(MetricRulesSkippedByExecType, map[string]string{"type": executionType})
}

// PoolMetrics implements the worker pool's metrics hook.
type PoolMetrics struct{ R *Registry }

func (m *PoolMetrics) IncExecution(ruleChainID int64, status string) {
	_ = m.R.IncCounter(MetricRuleExecutionTotal, map[string]string{
		"ruleChainId": strconv.FormatInt(ruleChainID, 10),
		"status":      status,
	})
}

func (m *PoolMetrics) IncTimeout(code string) {
	_ = m.R.IncCounter(MetricRuleTimeoutTotal, map[string]string{"error_code": code})
}

func (m *PoolMetrics) ObserveExecution(status string, seconds float64) {
	_ = m.R.Observe(MetricRuleExecutionDuration, seconds, map[string]string{"status": status})
}

func (m *PoolMetrics) SetWorkerCount(n int) {
	_ = m.R.SetGauge(MetricWorkerCount, float64(n), nil)
}

// CollectorMetrics implements the data collector's metrics hook.
type CollectorMetrics struct{ R *Registry }

func (m *CollectorMetrics) IncFetchError(sourceType string) {
	_ = m.R.IncCounter(MetricCollectorFetchErrors, map[string]string{"type": sourceType})
}

func (m *CollectorMetrics) ObserveCollection(result string, seconds float64) {
	_ = m.R.Observe(MetricDataCollectionDuration, seconds, map[string]string{"result": result})
}

// NotifyMetrics implements the notification bridge's metrics hook.
type NotifyMetrics struct{ R *Registry }

func (m *NotifyMetrics) IncNotification(protocol, result string) {
	_ = m.R.IncCounter(MetricNotificationsSentTotal, map[string]string{
		"protocol": protocol,
		"result":   result,
	})
}

func (m *NotifyMetrics) IncStateChange(actionType string) {
	_ = m.R.IncCounter(MetricDeviceStateChangesTotal, map[string]string{"actionType": actionType})
}

// ScheduleMetrics implements the schedule manager's metrics hook.
type ScheduleMetrics struct{ R *Registry }

func (m *ScheduleMetrics) SetActiveSchedules(n int) {
	_ = m.R.SetGauge(MetricActiveSchedules, float64(n), nil)
}

// BreakerMetrics implements resilience.MetricsCollector for the per-chain
// breakers. Chain IDs stay within the label allow-list cap; the guard
// rejects overflow.
type BreakerMetrics struct{ R *Registry }

func (m *BreakerMetrics) RecordStateChange(name string, from, to string) {
	_ = m.R.SetGauge(MetricChainBreakerState, circuitStateValue(to), map[string]string{"ruleChainId": chainIDLabel(name)})
}

func (m *BreakerMetrics) RecordRejection(name string) {
	_ = m.R.IncCounter(MetricChainBreakerRejections, map[string]string{"ruleChainId": chainIDLabel(name)})
}

// chainIDLabel strips the breaker set's "chain-" name prefix so the label
// matches the bare IDs used by the execution counters.
func chainIDLabel(name string) string {
	return strings.TrimPrefix(name, "chain-")
}

// circuitStateValue maps both the gate's and the breakers' state names onto
// the shared 0/1/2 gauge scale.
func circuitStateValue(state string) float64 {
	switch state {
	case "CLOSED", "closed":
		return 0
	case "HALF_OPEN", "halfOpen":
		return 1
	case "OPEN", "open":
		return 2
	default:
		return -1
	}
}

// HTTPMetrics implements the health server's metrics hook.
type HTTPMetrics struct{ R *Registry }

func (m *HTTPMetrics) ObserveRequest(method, route string, status int, seconds float64) {
	_ = m.R.IncCounter(MetricHTTPRequestsTotal, map[string]string{
		"method":      method,
		"route":       route,
		"status_code": strconv.Itoa(status),
	})
	_ = m.R.Observe(MetricHTTPRequestDuration, seconds, map[string]string{
		"method": method,
		"route":  route,
	})
}
