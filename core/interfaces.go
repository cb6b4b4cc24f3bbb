package core

import (
	"context"
)

// Logger interface - minimal logging interface
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// EmitOptions tunes a single emit call.
type EmitOptions struct {
	// Priority overrides the per-event-type default (1..10, lower is higher).
	Priority int
	// Delay schedules the job for later delivery.
	DelayMillis int64
}

// Enqueuer admits events into the engine. The schedule manager and the
// notification bridge depend on this interface rather than on the event bus
// directly, which breaks the cyclic references the managers otherwise form.
type Enqueuer interface {
	Emit(ctx context.Context, eventType string, payload map[string]interface{}, opts *EmitOptions) Admission
}

// ActionSink applies committed state changes. The worker pool depends on this
// interface; the notification bridge provides it.
type ActionSink interface {
	Apply(ctx context.Context, ruleChainID int64, actions []ActionCommand) error
}

// ChainProvider loads rule-chain configuration. The engine and the schedule
// manager are readers; the relational store is the owner.
type ChainProvider interface {
	RuleChains(ctx context.Context, ids []int64) ([]*RuleChain, error)
	RuleChain(ctx context.Context, id int64) (*RuleChain, error)
}

// QueueCounts is the observable state of the durable queue.
type QueueCounts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    int64 `json:"paused"`
}

// TotalPending is the admission-relevant depth: jobs waiting plus in flight.
func (c QueueCounts) TotalPending() int64 {
	return c.Waiting + c.Active
}

// Health classifications derived from queue depth.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthWarning  = "warning"
	HealthCritical = "critical"
)

// HealthFor classifies the pending depth against the warning/critical
// thresholds.
func (c QueueCounts) HealthFor(warning, critical int64) string {
	pending := c.TotalPending()
	switch {
	case pending >= critical:
		return HealthCritical
	case pending >= warning:
		return HealthWarning
	case warning > 0 && pending >= warning/2:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

// CountsSource exposes queue counts without coupling consumers to the queue
// implementation. The backpressure gate and health endpoints read through it.
type CountsSource interface {
	Counts(ctx context.Context) (QueueCounts, error)
}
