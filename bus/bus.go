// Package bus implements the event enqueuer: the single admission path
// between protocol adapters and the durable queue. Every emit resolves to a
// tagged outcome, with cheap skips decided before the backpressure gate is
// consulted and before any job is created.
package bus

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sensorgrid/ruleengine/backpressure"
	"github.com/sensorgrid/ruleengine/core"
	"github.com/sensorgrid/ruleengine/queue"
)

// chainIndex is the originator index surface the bus needs.
type chainIndex interface {
	Lookup(ctx context.Context, sourceType, originatorID string, variables []string) []int64
	CacheNegative(ctx context.Context, sourceType, originatorID string, variables []string)
}

// chainFilter drops chains that can never run for event invocations. The
// execution-type filter implements it; a nil filter keeps every chain.
type chainFilter interface {
	EligibleChains(ctx context.Context, ids []int64, kind string) []int64
}

// jobQueue is the durable queue surface the bus needs.
type jobQueue interface {
	Add(ctx context.Context, name string, body map[string]interface{}, opts *queue.JobOptions) (*queue.Job, error)
}

// Metrics is the bus's observation hook.
type Metrics interface {
	IncIngested(eventType string)
	IncRejected(reason string)
	SetQueueDepth(pending int64)
}

// Config configures the bus.
type Config struct {
	// EnqueueRetries bounds the transient-failure retry on queue.Add.
	EnqueueRetries uint64

	Logger  core.Logger
	Metrics Metrics
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{EnqueueRetries: 2}
}

// Bus admits events. It implements core.Enqueuer.
type Bus struct {
	queue   jobQueue
	gate    *backpressure.Gate
	counts  core.CountsSource
	index   chainIndex
	filter  chainFilter
	logger  core.Logger
	metrics Metrics
	retries uint64
}

// New creates the bus. The filter may be nil.
func New(q jobQueue, gate *backpressure.Gate, counts core.CountsSource, idx chainIndex, filter chainFilter, config Config) *Bus {
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.EnqueueRetries == 0 {
		config.EnqueueRetries = 2
	}
	return &Bus{
		queue:   q,
		gate:    gate,
		counts:  counts,
		index:   idx,
		filter:  filter,
		logger:  config.Logger,
		metrics: config.Metrics,
		retries: config.EnqueueRetries,
	}
}

var _ core.Enqueuer = (*Bus)(nil)

// Emit admits one event. The decision ladder is: validate, skip events no
// eligible chain would see, consult the gate, then enqueue. Manual triggers
// bypass both the skip checks and the gate.
func (b *Bus) Emit(ctx context.Context, eventType string, payload map[string]interface{}, opts *core.EmitOptions) core.Admission {
	event := b.buildEvent(eventType, payload, opts)
	if err := event.Validate(); err != nil {
		b.logger.Warn("Rejecting malformed event", map[string]interface{}{
			"operation":  "bus_emit",
			"event_type": eventType,
			"error":      err.Error(),
		})
		b.incRejected(core.ReasonEnqueueError)
		return core.RejectedAdmission(core.ReasonEnqueueError, 0, "")
	}

	var chainIDs []int64
	manual := eventType == core.EventManualTrigger

	if !manual {
		if admission, skipped := b.skipCheck(ctx, event, &chainIDs); skipped {
			return admission
		}

		decision := b.admit(ctx, event.Priority)
		if !decision.Accept {
			b.incRejected(decision.Reason)
			b.logger.Warn("Event rejected by backpressure", map[string]interface{}{
				"operation":   "bus_emit",
				"event_type":  eventType,
				"reason":      decision.Reason,
				"queue_depth": decision.QueueDepth,
				"circuit":     decision.CircuitState.String(),
			})
			return core.RejectedAdmission(decision.Reason, decision.QueueDepth, decision.CircuitState.String())
		}
		if decision.Reason == core.ReasonHighPriorityAccept {
			b.logger.Info("High-priority event admitted through open circuit", map[string]interface{}{
				"operation":  "bus_emit",
				"event_type": eventType,
			})
		}
	}

	job, err := b.enqueue(ctx, event, chainIDs, opts)
	if err != nil {
		b.incRejected(core.ReasonEnqueueError)
		b.logger.Error("Enqueue failed after retries", map[string]interface{}{
			"operation":  "bus_emit",
			"event_type": eventType,
			"error":      err.Error(),
		})
		return core.RejectedAdmission(core.ReasonEnqueueError, 0, b.gate.State().String())
	}

	if b.metrics != nil {
		b.metrics.IncIngested(eventType)
	}
	return core.AcceptedAdmission(job.ID, b.gate.State().String())
}

// EmitManualTrigger synthesizes a manual-trigger event for one chain. Manual
// triggers run regardless of execution type and are never gated.
func (b *Bus) EmitManualTrigger(ctx context.Context, ruleChainID int64) core.Admission {
	return b.Emit(ctx, core.EventManualTrigger, map[string]interface{}{
		"ruleChainId": ruleChainID,
	}, &core.EmitOptions{Priority: core.PriorityHighest})
}

// buildEvent assembles the envelope from the raw emit arguments.
func (b *Bus) buildEvent(eventType string, payload map[string]interface{}, opts *core.EmitOptions) *core.Event {
	event := &core.Event{
		EventType:  eventType,
		Payload:    payload,
		Priority:   core.DefaultPriorityFor(eventType),
		EnqueuedAt: time.Now(),
	}
	if opts != nil && opts.Priority != 0 {
		event.Priority = opts.Priority
	}

	if v, ok := payload["originatorType"].(string); ok {
		event.OriginatorType = v
	}
	if v, ok := payload["originatorId"].(string); ok {
		event.OriginatorID = v
	}
	switch vars := payload["variables"].(type) {
	case map[string]interface{}:
		for name := range vars {
			event.VariableNames = append(event.VariableNames, name)
		}
	case []string:
		event.VariableNames = vars
	case []interface{}:
		for _, v := range vars {
			if s, ok := v.(string); ok {
				event.VariableNames = append(event.VariableNames, s)
			}
		}
	}
	return event
}

// skipCheck decides the no-op outcomes that cost nothing: events without
// variables, events no chain references, and events only schedule-only
// chains reference. On skip it records a negative cache entry so the same
// originator does not re-query the store.
func (b *Bus) skipCheck(ctx context.Context, event *core.Event, chainIDs *[]int64) (core.Admission, bool) {
	switch event.EventType {
	case core.EventTelemetryData, core.EventDeviceStateChange:
	default:
		return core.Admission{}, false
	}

	if len(event.VariableNames) == 0 {
		return core.SkippedAdmission(core.ReasonNoVariables), true
	}

	ids := b.index.Lookup(ctx, event.OriginatorType, event.OriginatorID, event.VariableNames)
	if len(ids) == 0 {
		b.index.CacheNegative(ctx, event.OriginatorType, event.OriginatorID, event.VariableNames)
		return core.SkippedAdmission(core.ReasonNoRuleChains), true
	}

	if b.filter != nil {
		ids = b.filter.EligibleChains(ctx, ids, "event")
		if len(ids) == 0 {
			return core.SkippedAdmission(core.ReasonNoEventRules), true
		}
	}

	*chainIDs = ids
	return core.Admission{}, false
}

// admit consults the gate with the current queue counts. A counts failure
// fails open so a Redis blip does not stall ingestion.
func (b *Bus) admit(ctx context.Context, priority int) backpressure.Decision {
	counts, err := b.counts.Counts(ctx)
	if err != nil {
		b.logger.Warn("Queue counts unavailable, admitting without gate", map[string]interface{}{
			"operation": "bus_emit",
			"error":     err.Error(),
		})
		return backpressure.Decision{Accept: true, CircuitState: b.gate.State()}
	}
	if b.metrics != nil {
		b.metrics.SetQueueDepth(counts.TotalPending())
	}
	return b.gate.Admit(counts, priority)
}

// enqueue writes the job with a bounded exponential retry on transient
// failures.
func (b *Bus) enqueue(ctx context.Context, event *core.Event, chainIDs []int64, emitOpts *core.EmitOptions) (*queue.Job, error) {
	body := map[string]interface{}{
		"eventType":      event.EventType,
		"originatorType": event.OriginatorType,
		"originatorId":   event.OriginatorID,
		"variableNames":  event.VariableNames,
		"payload":        event.Payload,
		"priority":       event.Priority,
		"enqueuedAt":     event.EnqueuedAt.Format(time.RFC3339Nano),
	}
	if len(chainIDs) > 0 {
		body["ruleChainIds"] = chainIDs
	}

	opts := &queue.JobOptions{Priority: event.Priority}
	if emitOpts != nil && emitOpts.DelayMillis > 0 {
		opts.Delay = time.Duration(emitOpts.DelayMillis) * time.Millisecond
	}

	var job *queue.Job
	operation := func() error {
		var err error
		job, err = b.queue.Add(ctx, event.EventType, body, opts)
		if err != nil && core.IsInvalidArgument(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), b.retries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return job, nil
}

func (b *Bus) incRejected(reason string) {
	if b.metrics != nil {
		b.metrics.IncRejected(reason)
	}
}
