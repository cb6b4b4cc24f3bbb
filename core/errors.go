package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Validation errors
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidCron     = errors.New("invalid cron expression")
	ErrUnknownSource   = errors.New("unknown source type")

	// Lookup errors
	ErrRuleChainNotFound = errors.New("rule chain not found")
	ErrDeviceNotFound    = errors.New("device not found")
	ErrSensorNotFound    = errors.New("sensor not found")
	ErrScheduleNotFound  = errors.New("schedule not found")

	// Structural errors that must never retry
	ErrChainCycle          = errors.New("rule chain contains a cycle")
	ErrChainDepthExceeded  = errors.New("rule chain depth exceeded")
	ErrForbiddenLabel      = errors.New("forbidden metric label")
	ErrCardinalityExceeded = errors.New("metric label cardinality exceeded")

	// Availability errors, retryable by the queue substrate
	ErrStoreUnavailable = errors.New("persistent store unavailable")
	ErrCacheUnavailable = errors.New("cache unavailable")
	ErrQueueUnavailable = errors.New("queue unavailable")

	// State errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotInitialized = errors.New("not initialized")
	ErrQueuePaused    = errors.New("queue paused")

	// Breaker/admission errors
	ErrCircuitOpen        = errors.New("circuit breaker is open")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
)

// Timeout error codes, one per operation class bounded by the worker.
const (
	TimeoutDataCollection = "DATA_COLLECTION_TIMEOUT"
	TimeoutRuleChain      = "RULE_CHAIN_TIMEOUT"
	TimeoutWorker         = "WORKER_TIMEOUT"
	TimeoutExternalAction = "EXTERNAL_ACTION_TIMEOUT"
)

// TimeoutError is a structured timeout carrying the operation class that
// expired. It unwraps to context.DeadlineExceeded so errors.Is keeps working.
type TimeoutError struct {
	Code    string
	Elapsed string
	Err     error
}

func (e *TimeoutError) Error() string {
	if e.Elapsed != "" {
		return fmt.Sprintf("%s after %s", e.Code, e.Elapsed)
	}
	return e.Code
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// NewTimeoutError creates a TimeoutError for the given code.
func NewTimeoutError(code, elapsed string, err error) *TimeoutError {
	return &TimeoutError{Code: code, Elapsed: elapsed, Err: err}
}

// EngineError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type EngineError struct {
	Op      string // Operation that failed (e.g., "index.Lookup")
	Kind    string // Error kind (e.g., "index", "queue", "schedule")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

func (e *EngineError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewEngineError creates a new EngineError
func NewEngineError(op, kind string, err error) *EngineError {
	return &EngineError{Op: op, Kind: kind, Err: err}
}

// IsRetryable checks if an error is retryable. Retryable errors are
// transient infrastructure issues; the queue substrate re-delivers them.
func IsRetryable(err error) bool {
	if IsFatal(err) {
		return false
	}
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrCacheUnavailable) ||
		errors.Is(err, ErrQueueUnavailable) ||
		IsTimeout(err)
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRuleChainNotFound) ||
		errors.Is(err, ErrDeviceNotFound) ||
		errors.Is(err, ErrSensorNotFound) ||
		errors.Is(err, ErrScheduleNotFound)
}

// IsInvalidArgument checks if an error is a validation failure
func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrInvalidCron) ||
		errors.Is(err, ErrUnknownSource)
}

// IsFatal checks if an error is structural and must not be retried.
// Fatal errors mark the job as dead instead of re-entering the retry schedule.
func IsFatal(err error) bool {
	return errors.Is(err, ErrChainCycle) ||
		errors.Is(err, ErrChainDepthExceeded) ||
		errors.Is(err, ErrForbiddenLabel) ||
		errors.Is(err, ErrCardinalityExceeded)
}

// IsTimeout checks if an error is a structured timeout
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// TimeoutCode extracts the timeout code from an error chain, or "".
func TimeoutCode(err error) string {
	var te *TimeoutError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}
