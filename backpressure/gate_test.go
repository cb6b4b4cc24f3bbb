package backpressure

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensorgrid/ruleengine/core"
)

func testGate() *Gate {
	cfg := DefaultConfig()
	cfg.Logger = &core.NoOpLogger{}
	return NewGate(cfg)
}

func counts(waiting, active int64) core.QueueCounts {
	return core.QueueCounts{Waiting: waiting, Active: active}
}

func TestGateAcceptsUnderNormalLoad(t *testing.T) {
	g := testGate()

	d := g.Admit(counts(100, 10), core.PriorityDefault)
	assert.True(t, d.Accept)
	assert.Equal(t, StateClosed, d.CircuitState)
	assert.Equal(t, int64(110), d.QueueDepth)
}

func TestGateOpensAtCriticalAndOverridesHighPriority(t *testing.T) {
	g := testGate()

	// pending=55_000 with critical=50_000: the gate opens
	d := g.Admit(counts(55_000, 0), core.PriorityDefault)
	require.False(t, d.Accept)
	assert.Equal(t, core.ReasonQueueCritical, d.Reason)
	assert.Equal(t, StateOpen, d.CircuitState)

	// priority 1 overrides while pending is at or above critical
	d = g.Admit(counts(55_000, 0), 1)
	assert.True(t, d.Accept)
	assert.Equal(t, core.ReasonHighPriorityAccept, d.Reason)

	// priority 5 at the same counts stays rejected
	d = g.Admit(counts(55_000, 0), 5)
	assert.False(t, d.Accept)
	assert.Equal(t, core.ReasonQueueCritical, d.Reason)
}

func TestGateOpenRejectsWithCircuitOpenBelowCritical(t *testing.T) {
	g := testGate()

	g.Admit(counts(55_000, 0), 5) // opens
	// still open at 20k (above recovery), but below critical
	d := g.Admit(counts(20_000, 0), 5)
	require.False(t, d.Accept)
	assert.Equal(t, core.ReasonCircuitOpen, d.Reason)

	// the override needs pending >= critical, not just priority 1
	d = g.Admit(counts(20_000, 0), 1)
	assert.False(t, d.Accept)
}

func TestGateRecoversThroughHalfOpen(t *testing.T) {
	g := testGate()

	g.Admit(counts(55_000, 0), 5) // CLOSED -> OPEN
	require.Equal(t, StateOpen, g.State())

	// pending <= recovery: OPEN -> HALF_OPEN, admission resumes
	d := g.Admit(counts(4_000, 0), 5)
	assert.True(t, d.Accept)
	assert.Equal(t, StateHalfOpen, d.CircuitState)

	// pending <= 0.6*recovery: HALF_OPEN -> CLOSED
	d = g.Admit(counts(2_500, 0), 5)
	assert.True(t, d.Accept)
	assert.Equal(t, StateClosed, d.CircuitState)
}

func TestGateHalfOpenReopensAtWarning(t *testing.T) {
	g := testGate()

	g.Admit(counts(55_000, 0), 5) // -> OPEN
	g.Admit(counts(4_000, 0), 5)  // -> HALF_OPEN
	require.Equal(t, StateHalfOpen, g.State())

	d := g.Admit(counts(12_000, 0), 5) // pending >= warning: -> OPEN
	assert.False(t, d.Accept)
	assert.Equal(t, StateOpen, d.CircuitState)
}

func TestGateShedsLowPriorityNearCritical(t *testing.T) {
	g := testGate()

	// 0.8 * 50_000 = 40_000
	d := g.Admit(counts(41_000, 0), 10)
	require.False(t, d.Accept)
	assert.Equal(t, core.ReasonLowPriorityShed, d.Reason)
	assert.Equal(t, StateClosed, d.CircuitState)

	// default priority is not shed
	d = g.Admit(counts(41_000, 0), 5)
	assert.True(t, d.Accept)
}

func TestGateDisabledAcceptsEverything(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	g := NewGate(cfg)

	d := g.Admit(counts(100_000, 0), 10)
	assert.True(t, d.Accept)
}

func TestGateRejectedCountAndStateChange(t *testing.T) {
	g := testGate()
	before := g.LastStateChange()

	g.Admit(counts(55_000, 0), 5)
	g.Admit(counts(55_000, 0), 5)

	assert.Equal(t, uint64(2), g.RejectedCount())
	assert.True(t, g.LastStateChange().After(before) || g.LastStateChange().Equal(before))
}

func TestGateWarningLogThrottled(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cfg := DefaultConfig()
	cfg.Clock = func() time.Time { return now }
	logged := 0
	cfg.Logger = &countingLogger{warn: func() { logged++ }}
	g := NewGate(cfg)

	g.Admit(counts(11_000, 0), 5)
	g.Admit(counts(11_000, 0), 5)
	assert.Equal(t, 1, logged, "second warning inside 30s should be throttled")

	now = now.Add(31 * time.Second)
	g.Admit(counts(11_000, 0), 5)
	assert.Equal(t, 2, logged)
}

type countingLogger struct {
	core.NoOpLogger
	warn func()
}

func (l *countingLogger) Warn(msg string, fields map[string]interface{}) { l.warn() }
