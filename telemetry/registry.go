// Package telemetry provides the engine's metrics surface: Prometheus
// counters, histograms, and gauges behind a cardinality guard. Every label
// write passes the guard first; a rejected write records nothing.
package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sensorgrid/ruleengine/core"
)

// Metric names.
const (
	MetricRuleExecutionTotal       = "rule_execution_total"
	MetricRuleTimeoutTotal         = "rule_timeout_total"
	MetricHTTPRequestsTotal        = "http_requests_total"
	MetricTelemetryIngestionTotal  = "telemetry_ingestion_total"
	MetricNotificationsSentTotal   = "notifications_sent_total"
	MetricDeviceStateChangesTotal  = "device_state_changes_total"
	MetricRulesSkippedByExecType   = "rules_skipped_by_execution_type"
	MetricBackpressureRejected     = "backpressure_rejected_total"
	MetricIndexRebuildTotal        = "index_rebuild_total"
	MetricCollectorFetchErrors     = "collector_fetch_errors_total"

	MetricRuleExecutionDuration  = "rule_execution_duration_seconds"
	MetricDataCollectionDuration = "data_collection_duration_seconds"
	MetricHTTPRequestDuration    = "http_request_duration_seconds"

	MetricQueueDepth             = "queue_depth"
	MetricWorkerCount            = "worker_count"
	MetricCircuitState           = "circuit_state"
	MetricActiveSchedules        = "active_schedules"
	MetricChainBreakerState      = "rule_chain_breaker_state"
	MetricChainBreakerRejections = "rule_chain_breaker_rejections_total"
)

// Registry owns the Prometheus registry and the cardinality guard.
type Registry struct {
	registry *prometheus.Registry
	guard    *CardinalityGuard
	logger   core.Logger

	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
	mu         sync.RWMutex
}

// Config configures the metrics registry.
type Config struct {
	ServiceName     string
	LabelLimits     map[string]int
	ForbiddenLabels []string
	Logger          core.Logger
}

// NewRegistry builds the registry and pre-registers every engine metric.
func NewRegistry(cfg Config) *Registry {
	if cfg.LabelLimits == nil {
		cfg.LabelLimits = DefaultLabelLimits()
	}
	if cfg.ForbiddenLabels == nil {
		cfg.ForbiddenLabels = DefaultForbiddenLabels()
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}

	r := &Registry{
		registry:   prometheus.NewRegistry(),
		guard:      NewCardinalityGuard(cfg.LabelLimits, cfg.ForbiddenLabels),
		logger:     cfg.Logger,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}

	r.counter(MetricRuleExecutionTotal, "Rule chain executions by outcome", "ruleChainId", "status")
	r.counter(MetricRuleTimeoutTotal, "Structured timeouts by code", "error_code")
	r.counter(MetricHTTPRequestsTotal, "HTTP requests served", "method", "route", "status_code")
	r.counter(MetricTelemetryIngestionTotal, "Telemetry events admitted", "type")
	r.counter(MetricNotificationsSentTotal, "Notifications fanned out", "protocol", "result")
	r.counter(MetricDeviceStateChangesTotal, "Device state changes applied", "actionType")
	r.counter(MetricRulesSkippedByExecType, "Rule chains excluded by execution type", "type")
	r.counter(MetricBackpressureRejected, "Admissions rejected by the gate", "reason")
	r.counter(MetricIndexRebuildTotal, "Originator index rebuilds", "result")
	r.counter(MetricCollectorFetchErrors, "Collector batch fetch failures", "type")
	r.counter(MetricChainBreakerRejections, "Executions rejected by per-chain breakers", "ruleChainId")

	r.histogram(MetricRuleExecutionDuration, "Per-job rule execution duration",
		[]float64{1, 5, 10, 30, 60}, "status")
	r.histogram(MetricDataCollectionDuration, "Snapshot collection duration",
		[]float64{0.05, 0.1, 0.5, 1, 5, 10}, "result")
	r.histogram(MetricHTTPRequestDuration, "HTTP request duration",
		[]float64{0.005, 0.025, 0.1, 0.5, 1, 5}, "method", "route")

	r.gauge(MetricQueueDepth, "Durable queue depth by state", "state")
	r.gauge(MetricWorkerCount, "Active queue workers")
	r.gauge(MetricCircuitState, "Backpressure circuit state (0=CLOSED 1=HALF_OPEN 2=OPEN)")
	r.gauge(MetricActiveSchedules, "Registered cron schedules")
	r.gauge(MetricChainBreakerState, "Per-chain breaker state (0=closed 1=half-open 2=open)", "ruleChainId")

	return r
}

func (r *Registry) counter(name, help string, labels ...string) {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	r.registry.MustRegister(vec)
	r.counters[name] = vec
}

func (r *Registry) histogram(name, help string, buckets []float64, labels ...string) {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labels)
	r.registry.MustRegister(vec)
	r.histograms[name] = vec
}

func (r *Registry) gauge(name, help string, labels ...string) {
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	r.registry.MustRegister(vec)
	r.gauges[name] = vec
}

// IncCounter increments a counter after the label set passes the guard.
// On policy violation the error is returned and nothing is recorded.
func (r *Registry) IncCounter(name string, labels map[string]string) error {
	if err := r.guard.Check(labels); err != nil {
		r.logger.Warn("Metric label rejected", map[string]interface{}{
			"operation": "metric_guard",
			"metric":    name,
			"error":     err.Error(),
		})
		return err
	}
	r.mu.RLock()
	vec, ok := r.counters[name]
	r.mu.RUnlock()
	if !ok {
		return core.NewEngineError("telemetry.IncCounter", "telemetry", core.ErrInvalidArgument)
	}
	vec.With(prometheus.Labels(labels)).Inc()
	return nil
}

// Observe records a histogram observation after the guard check.
func (r *Registry) Observe(name string, value float64, labels map[string]string) error {
	if err := r.guard.Check(labels); err != nil {
		return err
	}
	r.mu.RLock()
	vec, ok := r.histograms[name]
	r.mu.RUnlock()
	if !ok {
		return core.NewEngineError("telemetry.Observe", "telemetry", core.ErrInvalidArgument)
	}
	vec.With(prometheus.Labels(labels)).Observe(value)
	return nil
}

// SetGauge sets a gauge after the guard check.
func (r *Registry) SetGauge(name string, value float64, labels map[string]string) error {
	if labels == nil {
		labels = map[string]string{}
	}
	if err := r.guard.Check(labels); err != nil {
		return err
	}
	r.mu.RLock()
	vec, ok := r.gauges[name]
	r.mu.RUnlock()
	if !ok {
		return core.NewEngineError("telemetry.SetGauge", "telemetry", core.ErrInvalidArgument)
	}
	vec.With(prometheus.Labels(labels)).Set(value)
	return nil
}

// Handler exposes the registry for Prometheus scraping.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry, for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Stop releases the guard's cleanup goroutine.
func (r *Registry) Stop() {
	r.guard.Stop()
}
