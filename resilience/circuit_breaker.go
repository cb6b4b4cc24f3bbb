// Package resilience provides the circuit breakers and retry helpers used by
// the worker pool and the storage paths.
//
// The per-chain breaker is a consecutive-failure machine: it opens after a
// configured number of failures inside the failure window, stays open for the
// recovery timeout, then admits a single trial call in half-open state. The
// trial call closes or reopens the breaker atomically.
package resilience

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int32

const (
	// StateClosed allows all calls through
	StateClosed CircuitState = iota
	// StateOpen rejects all calls until the recovery timeout elapses
	StateOpen
	// StateHalfOpen admits one trial call
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "halfOpen"
	default:
		return "unknown"
	}
}

// MetricsCollector receives breaker events for export.
type MetricsCollector interface {
	RecordStateChange(name string, from, to string)
	RecordRejection(name string)
}

type noopMetrics struct{}

func (n *noopMetrics) RecordStateChange(name string, from, to string) {}
func (n *noopMetrics) RecordRejection(name string)                    {}

// BreakerConfig holds configuration for a circuit breaker.
type BreakerConfig struct {
	// Name identifies the breaker (e.g. "chain-42").
	Name string

	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int

	// FailureWindow bounds how far apart failures may be and still count as
	// consecutive. Zero disables the window.
	FailureWindow time.Duration

	// RecoveryTimeout is how long to stay open before admitting a trial call.
	RecoveryTimeout time.Duration

	// Metrics receives state change and rejection events.
	Metrics MetricsCollector

	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// DefaultBreakerConfig returns the engine defaults: 5 failures / 60s recovery.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		FailureWindow:    60 * time.Second,
		RecoveryTimeout:  60 * time.Second,
	}
}

// Breaker is a consecutive-failure circuit breaker. State transitions are
// functions of (prevState, now, failures); there is no background timer.
type Breaker struct {
	config BreakerConfig

	mu           sync.Mutex
	state        CircuitState
	failures     int
	lastFailure  time.Time
	openedAt     time.Time
	trialPending bool

	rejected atomic.Uint64
}

// NewBreaker creates a breaker with defaults applied.
func NewBreaker(config BreakerConfig) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.Metrics == nil {
		config.Metrics = &noopMetrics{}
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	return &Breaker{config: config, state: StateClosed}
}

// Allow reports whether a call may proceed. An open breaker past its
// recovery timeout transitions to half-open and admits exactly one trial;
// further calls are rejected until that trial completes.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.config.Clock()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(b.openedAt) >= b.config.RecoveryTimeout {
			b.transition(StateHalfOpen)
			b.trialPending = true
			return true
		}
		b.rejected.Add(1)
		b.config.Metrics.RecordRejection(b.config.Name)
		return false
	case StateHalfOpen:
		if b.trialPending {
			b.rejected.Add(1)
			b.config.Metrics.RecordRejection(b.config.Name)
			return false
		}
		b.trialPending = true
		return true
	default:
		return false
	}
}

// RecordSuccess resets the failure count and closes a half-open breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.trialPending = false
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// RecordFailure counts a failure; at the threshold the breaker opens for the
// recovery timeout. A failed half-open trial reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.config.Clock()

	if b.state == StateHalfOpen {
		b.trialPending = false
		b.openedAt = now
		b.transition(StateOpen)
		return
	}

	// Failures outside the window restart the count.
	if b.config.FailureWindow > 0 && !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.config.FailureWindow {
		b.failures = 0
	}
	b.failures++
	b.lastFailure = now

	if b.state == StateClosed && b.failures >= b.config.FailureThreshold {
		b.openedAt = now
		b.transition(StateOpen)
	}
}

func (b *Breaker) transition(next CircuitState) {
	prev := b.state
	if prev == next {
		return
	}
	b.state = next
	b.config.Metrics.RecordStateChange(b.config.Name, prev.String(), next.String())
}

// State returns the current state, applying the open→halfOpen clock
// transition so observers never see a stale open past its timeout.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.config.Clock().Sub(b.openedAt) >= b.config.RecoveryTimeout {
		b.transition(StateHalfOpen)
	}
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Rejected returns the total rejection count.
func (b *Breaker) Rejected() uint64 {
	return b.rejected.Load()
}

// Snapshot reports the breaker state for observability surfaces.
func (b *Breaker) Snapshot() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := map[string]interface{}{
		"name":     b.config.Name,
		"state":    b.state.String(),
		"failures": b.failures,
		"rejected": b.rejected.Load(),
	}
	if b.state == StateOpen {
		snap["openedUntil"] = b.openedAt.Add(b.config.RecoveryTimeout)
	}
	return snap
}

// BreakerSet is a concurrent map of breakers keyed by rule-chain ID. Entries
// are created lazily with a shared template config; access is lock-free on
// the hot path.
type BreakerSet struct {
	template BreakerConfig
	breakers sync.Map // map[int64]*Breaker
}

// NewBreakerSet creates a set whose members copy the template config.
func NewBreakerSet(template BreakerConfig) *BreakerSet {
	return &BreakerSet{template: template}
}

// For returns the breaker for a rule chain, creating it on first use.
func (s *BreakerSet) For(ruleChainID int64) *Breaker {
	if b, ok := s.breakers.Load(ruleChainID); ok {
		return b.(*Breaker)
	}
	cfg := s.template
	cfg.Name = fmt.Sprintf("chain-%d", ruleChainID)
	created, _ := s.breakers.LoadOrStore(ruleChainID, NewBreaker(cfg))
	return created.(*Breaker)
}

// Range visits every breaker in the set.
func (s *BreakerSet) Range(fn func(ruleChainID int64, b *Breaker) bool) {
	s.breakers.Range(func(k, v interface{}) bool {
		return fn(k.(int64), v.(*Breaker))
	})
}
