// Package backpressure implements queue-depth-sensitive admission control as
// a three-state circuit breaker. Admission is a pure function of the current
// queue counts, the event priority, and the previous gate state; the gate
// never blocks and never touches the queue itself.
package backpressure

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sensorgrid/ruleengine/core"
)

// Gate states.
type State int32

const (
	StateClosed State = iota // normal admission
	StateOpen                // rejecting
	StateHalfOpen            // trial admission while the queue drains
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Decision is the outcome of one admit call.
type Decision struct {
	Accept       bool
	Reason       string
	CircuitState State
	QueueDepth   int64
}

// Metrics receives gate observability updates.
type Metrics interface {
	SetCircuitState(state string)
	IncRejected(reason string)
}

type noopMetrics struct{}

func (noopMetrics) SetCircuitState(state string) {}
func (noopMetrics) IncRejected(reason string)    {}

// Config holds the gate thresholds, in pending jobs.
type Config struct {
	Warning  int64
	Critical int64
	Recovery int64
	Enabled  bool

	Logger  core.Logger
	Metrics Metrics
	Clock   func() time.Time
}

// DefaultConfig returns the standard thresholds: 10k / 50k / 5k.
func DefaultConfig() Config {
	return Config{
		Warning:  10_000,
		Critical: 50_000,
		Recovery: 5_000,
		Enabled:  true,
	}
}

// Gate is the three-state backpressure circuit breaker.
type Gate struct {
	config Config

	state           atomic.Int32
	rejectedCount   atomic.Uint64
	lastStateChange atomic.Value // time.Time

	warnMu   sync.Mutex
	lastWarn time.Time
}

// NewGate creates a gate in the CLOSED state.
func NewGate(config Config) *Gate {
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = noopMetrics{}
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	g := &Gate{config: config}
	g.state.Store(int32(StateClosed))
	g.lastStateChange.Store(config.Clock())
	g.config.Metrics.SetCircuitState(StateClosed.String())
	return g
}

// transitionFor is the explicit transition table: the next state is a pure
// function of the previous state and the pending depth.
func (g *Gate) transitionFor(prev State, pending int64) State {
	switch prev {
	case StateClosed:
		if pending >= g.config.Critical {
			return StateOpen
		}
	case StateOpen:
		if pending <= g.config.Recovery {
			return StateHalfOpen
		}
	case StateHalfOpen:
		if pending >= g.config.Warning {
			return StateOpen
		}
		if float64(pending) <= 0.6*float64(g.config.Recovery) {
			return StateClosed
		}
	}
	return prev
}

// Admit decides whether an event may enter the queue. It advances the state
// machine against the observed counts, then applies the admission rules:
//
//   - OPEN rejects, except the high-priority override (priority <= 1 while
//     pending >= critical).
//   - CLOSED and HALF_OPEN shed low-priority events (priority > 5) once the
//     queue passes 80% of critical.
func (g *Gate) Admit(counts core.QueueCounts, priority int) Decision {
	pending := counts.TotalPending()

	if !g.config.Enabled {
		return Decision{Accept: true, CircuitState: g.State(), QueueDepth: pending}
	}

	state := g.advance(pending)

	if state == StateOpen {
		if priority <= core.PriorityHighest && pending >= g.config.Critical {
			return Decision{
				Accept:       true,
				Reason:       core.ReasonHighPriorityAccept,
				CircuitState: state,
				QueueDepth:   pending,
			}
		}
		reason := core.ReasonCircuitOpen
		if pending >= g.config.Critical {
			reason = core.ReasonQueueCritical
		}
		return g.reject(reason, state, pending)
	}

	if priority > core.PriorityDefault && float64(pending) >= 0.8*float64(g.config.Critical) {
		return g.reject(core.ReasonLowPriorityShed, state, pending)
	}

	g.maybeWarn(pending)

	return Decision{Accept: true, CircuitState: state, QueueDepth: pending}
}

func (g *Gate) advance(pending int64) State {
	for {
		prev := State(g.state.Load())
		next := g.transitionFor(prev, pending)
		if next == prev {
			return prev
		}
		if g.state.CompareAndSwap(int32(prev), int32(next)) {
			g.lastStateChange.Store(g.config.Clock())
			g.config.Metrics.SetCircuitState(next.String())
			g.config.Logger.Info("Backpressure state changed", map[string]interface{}{
				"operation": "backpressure_transition",
				"from":      prev.String(),
				"to":        next.String(),
				"pending":   pending,
			})
			return next
		}
	}
}

func (g *Gate) reject(reason string, state State, pending int64) Decision {
	g.rejectedCount.Add(1)
	g.config.Metrics.IncRejected(reason)
	return Decision{
		Accept:       false,
		Reason:       reason,
		CircuitState: state,
		QueueDepth:   pending,
	}
}

// maybeWarn emits at most one warning-band log line per 30 seconds.
func (g *Gate) maybeWarn(pending int64) {
	if pending < g.config.Warning {
		return
	}
	now := g.config.Clock()
	g.warnMu.Lock()
	defer g.warnMu.Unlock()
	if now.Sub(g.lastWarn) < 30*time.Second {
		return
	}
	g.lastWarn = now
	g.config.Logger.Warn("Queue depth in warning band", map[string]interface{}{
		"operation": "backpressure_warning",
		"pending":   pending,
		"warning":   g.config.Warning,
		"critical":  g.config.Critical,
	})
}

// State returns the current gate state.
func (g *Gate) State() State {
	return State(g.state.Load())
}

// RejectedCount returns the total number of rejected admissions.
func (g *Gate) RejectedCount() uint64 {
	return g.rejectedCount.Load()
}

// LastStateChange returns when the gate last transitioned.
func (g *Gate) LastStateChange() time.Time {
	return g.lastStateChange.Load().(time.Time)
}
