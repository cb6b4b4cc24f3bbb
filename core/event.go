package core

import (
	"fmt"
	"time"
)

// Event types recognized by the engine. The worker dispatches on these;
// the enqueuer additionally distinguishes manual triggers and external events.
const (
	EventTelemetryData     = "telemetry-data"
	EventDeviceStateChange = "device-state-change"
	EventScheduled         = "scheduled"
	EventBatchOperation    = "batch-operation"
	EventManualTrigger     = "manual-trigger"
	EventExternal          = "external"
)

// Originator source types. Only these two are valid index keys.
const (
	SourceSensor = "sensor"
	SourceDevice = "device"
	SourceNone   = "none"
)

// Priority bounds; lower number means higher priority.
const (
	PriorityHighest = 1
	PriorityDefault = 5
	PriorityLowest  = 10
)

// DefaultPriorityFor returns the default priority for an event type.
func DefaultPriorityFor(eventType string) int {
	switch eventType {
	case EventScheduled:
		return 1
	case "critical-alarm":
		return 1
	case EventTelemetryData, EventDeviceStateChange:
		return 5
	case EventBatchOperation:
		return 10
	default:
		return PriorityDefault
	}
}

// Event is the immutable in-flight unit of work. Events are created by
// collaborators (protocol adapters, the schedule manager), consumed once by
// a worker, and never mutated.
type Event struct {
	EventType      string                 `json:"eventType"`
	OriginatorType string                 `json:"originatorType"`
	OriginatorID   string                 `json:"originatorId,omitempty"`
	VariableNames  []string               `json:"variableNames,omitempty"`
	Payload        map[string]interface{} `json:"payload"`
	Priority       int                    `json:"priority"`
	EnqueuedAt     time.Time              `json:"enqueuedAt"`
}

// Validate enforces the event shape invariants.
func (e *Event) Validate() error {
	if e.EventType == "" {
		return fmt.Errorf("event type is required: %w", ErrInvalidArgument)
	}
	switch e.OriginatorType {
	case SourceSensor, SourceDevice:
		if e.OriginatorID == "" {
			return fmt.Errorf("originator id required for originator type %q: %w", e.OriginatorType, ErrInvalidArgument)
		}
	case SourceNone, "":
	default:
		return fmt.Errorf("originator type %q: %w", e.OriginatorType, ErrUnknownSource)
	}
	if e.Priority != 0 && (e.Priority < PriorityHighest || e.Priority > PriorityLowest) {
		return fmt.Errorf("priority %d out of range [%d,%d]: %w", e.Priority, PriorityHighest, PriorityLowest, ErrInvalidArgument)
	}
	return nil
}

// Admission outcomes. Every emit resolves to exactly one of these.
type AdmissionOutcome string

const (
	AdmissionAccepted AdmissionOutcome = "accepted"
	AdmissionRejected AdmissionOutcome = "rejected"
	AdmissionSkipped  AdmissionOutcome = "skipped"
)

// Rejection reasons (backpressure outcomes).
const (
	ReasonQueueCritical   = "queue-critical"
	ReasonCircuitOpen     = "circuit-open"
	ReasonLowPriorityShed = "low-priority-shed"
	ReasonEnqueueError    = "enqueue-error"
)

// Skip reasons (optimization outcomes).
const (
	ReasonNoVariables        = "no-variables"
	ReasonNoRuleChains       = "no-rule-chains"
	ReasonNoEventRules       = "no-event-rules"
	ReasonChainBreakerOpen   = "circuit_breaker_open"
	ReasonHighPriorityAccept = "high-priority-override"
)

// Admission is the tagged outcome returned by the enqueuer. Exactly one of
// the outcome-specific fields is meaningful for a given Outcome value.
type Admission struct {
	Outcome AdmissionOutcome `json:"outcome"`

	// Accepted
	JobID string `json:"jobId,omitempty"`

	// Rejected or Skipped
	Reason string `json:"reason,omitempty"`

	// Rejected: queue depth observed at rejection time
	QueueDepth int64 `json:"queueDepth,omitempty"`

	// Circuit state observed during admission, when backpressure was consulted
	CircuitState string `json:"circuitState,omitempty"`
}

// Accepted reports whether the event was enqueued.
func (a Admission) Accepted() bool { return a.Outcome == AdmissionAccepted }

// Skipped reports whether the event was dropped as a no-op before admission.
func (a Admission) Skipped() bool { return a.Outcome == AdmissionSkipped }

// Rejected reports whether backpressure or the enqueue path refused the event.
func (a Admission) Rejected() bool { return a.Outcome == AdmissionRejected }

// AcceptedAdmission builds an accepted outcome.
func AcceptedAdmission(jobID, circuitState string) Admission {
	return Admission{Outcome: AdmissionAccepted, JobID: jobID, CircuitState: circuitState}
}

// RejectedAdmission builds a rejected outcome.
func RejectedAdmission(reason string, depth int64, circuitState string) Admission {
	return Admission{Outcome: AdmissionRejected, Reason: reason, QueueDepth: depth, CircuitState: circuitState}
}

// SkippedAdmission builds a skipped outcome.
func SkippedAdmission(reason string) Admission {
	return Admission{Outcome: AdmissionSkipped, Reason: reason}
}
