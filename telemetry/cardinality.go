package telemetry

import (
	"fmt"
	"sync"
	"time"

	"github.com/sensorgrid/ruleengine/core"
)

// Label policy. Only allow-listed label names may appear on any metric, each
// bounded by a maximum cardinality; deny-listed names are rejected outright.
// High-cardinality identifiers (per-device, per-job, per-request) must never
// become labels.

// DefaultLabelLimits is the fixed allow-list with per-label maximum
// cardinalities.
func DefaultLabelLimits() map[string]int {
	return map[string]int{
		"ruleChainId":    200,
		"organizationId": 100,
		"status":         5,
		"type":           10,
		"method":         10,
		"route":          50,
		"status_code":    15,
		"protocol":       10,
		"result":         10,
		"actionType":     20,
		"error_code":     10,
		"reason":         10,
		"state":          10,
	}
}

// DefaultForbiddenLabels is the deny-list of label names that would explode
// cardinality or leak identifiers.
func DefaultForbiddenLabels() []string {
	return []string{
		"sensorUUID",
		"deviceUUID",
		"userId",
		"telemetryDataId",
		"jobId",
		"requestId",
		"sessionId",
		"deviceToken",
	}
}

// CardinalityGuard enforces the label policy. A label write that violates the
// policy is rejected with an error and no metric is recorded.
type CardinalityGuard struct {
	limits    map[string]int
	forbidden map[string]struct{}
	seen      sync.Map // map[labelName]*sync.Map value -> time.Time

	stopChan chan struct{}
	stopped  sync.Once
}

// NewCardinalityGuard creates a guard with the given policy and starts the
// periodic cleanup that keeps stale label values from pinning memory.
func NewCardinalityGuard(limits map[string]int, forbidden []string) *CardinalityGuard {
	f := make(map[string]struct{}, len(forbidden))
	for _, name := range forbidden {
		f[name] = struct{}{}
	}
	g := &CardinalityGuard{
		limits:    limits,
		forbidden: f,
		stopChan:  make(chan struct{}),
	}
	go g.cleanupLoop()
	return g
}

// Check validates a label set against the policy. It returns
// core.ErrForbiddenLabel for deny-listed or unknown label names and
// core.ErrCardinalityExceeded when a label would exceed its cap.
func (g *CardinalityGuard) Check(labels map[string]string) error {
	for name, value := range labels {
		if _, banned := g.forbidden[name]; banned {
			return fmt.Errorf("label %q: %w", name, core.ErrForbiddenLabel)
		}
		limit, allowed := g.limits[name]
		if !allowed {
			return fmt.Errorf("label %q is not allow-listed: %w", name, core.ErrForbiddenLabel)
		}

		valMapI, _ := g.seen.LoadOrStore(name, &sync.Map{})
		valMap := valMapI.(*sync.Map)

		if _, exists := valMap.Load(value); exists {
			valMap.Store(value, time.Now())
			continue
		}

		count := 0
		valMap.Range(func(k, v interface{}) bool {
			count++
			return count < limit
		})
		if count >= limit {
			return fmt.Errorf("label %q at cap %d: %w", name, limit, core.ErrCardinalityExceeded)
		}
		valMap.Store(value, time.Now())
	}
	return nil
}

// CurrentCardinality returns the total number of tracked label values.
func (g *CardinalityGuard) CurrentCardinality() int {
	total := 0
	g.seen.Range(func(key, valMapI interface{}) bool {
		valMap := valMapI.(*sync.Map)
		valMap.Range(func(k, v interface{}) bool {
			total++
			return true
		})
		return true
	})
	return total
}

func (g *CardinalityGuard) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.cleanup()
		case <-g.stopChan:
			return
		}
	}
}

// cleanup removes label values not seen for 10 minutes.
func (g *CardinalityGuard) cleanup() {
	cutoff := time.Now().Add(-10 * time.Minute)
	g.seen.Range(func(key, valMapI interface{}) bool {
		valMap := valMapI.(*sync.Map)
		valMap.Range(func(val, seenAt interface{}) bool {
			if seenAt.(time.Time).Before(cutoff) {
				valMap.Delete(val)
			}
			return true
		})
		return true
	})
}

// Stop stops the cleanup goroutine.
func (g *CardinalityGuard) Stop() {
	g.stopped.Do(func() {
		close(g.stopChan)
	})
}
