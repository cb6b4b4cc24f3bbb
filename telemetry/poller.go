package telemetry

import (
	"context"
	"time"

	"github.com/sensorgrid/ruleengine/core"
)

// QueueDepthPoller periodically exports the durable queue's per-state depths.
// The bus only updates the pending gauge on traffic; the poller keeps every
// state current even when ingestion is idle.
type QueueDepthPoller struct {
	counts   core.CountsSource
	registry *Registry
	interval time.Duration
	logger   core.Logger
}

// NewQueueDepthPoller creates the poller.
func NewQueueDepthPoller(counts core.CountsSource, registry *Registry, interval time.Duration, logger core.Logger) *QueueDepthPoller {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &QueueDepthPoller{
		counts:   counts,
		registry: registry,
		interval: interval,
		logger:   logger,
	}
}

// Run exports until the context is cancelled.
func (p *QueueDepthPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Export(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Export(ctx)
		}
	}
}

// Export records one round of queue-depth gauges.
func (p *QueueDepthPoller) Export(ctx context.Context) {
	counts, err := p.counts.Counts(ctx)
	if err != nil {
		p.logger.Warn("Queue counts unavailable for export", map[string]interface{}{
			"operation": "queue_depth_export",
			"error":     err.Error(),
		})
		return
	}
	for state, value := range map[string]int64{
		"waiting":   counts.Waiting,
		"active":    counts.Active,
		"delayed":   counts.Delayed,
		"completed": counts.Completed,
		"failed":    counts.Failed,
		"paused":    counts.Paused,
		"pending":   counts.TotalPending(),
	} {
		_ = p.registry.SetGauge(MetricQueueDepth, float64(value), map[string]string{"state": state})
	}
}
