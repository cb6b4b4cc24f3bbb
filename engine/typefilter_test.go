package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensorgrid/ruleengine/core"
)

type skipCounter struct {
	byType map[string]int
}

func (m *skipCounter) IncSkippedByType(executionType string) {
	if m.byType == nil {
		m.byType = make(map[string]int)
	}
	m.byType[executionType]++
}

type countingChains struct {
	fakeChains
	calls int
}

func (c *countingChains) RuleChains(ctx context.Context, ids []int64) ([]*core.RuleChain, error) {
	c.calls++
	return c.fakeChains.RuleChains(ctx, ids)
}

func TestEligibleChainsFiltersByExecutionType(t *testing.T) {
	chains := &fakeChains{chains: map[int64]*core.RuleChain{
		1: {ID: 1, ExecutionType: core.ExecutionEventTriggered},
		2: {ID: 2, ExecutionType: core.ExecutionScheduleOnly},
		3: {ID: 3, ExecutionType: core.ExecutionHybrid},
	}}
	metrics := &skipCounter{}
	cfg := DefaultTypeFilterConfig()
	cfg.Metrics = metrics
	f := NewTypeFilter(chains, cfg)

	eligible := f.EligibleChains(context.Background(), []int64{1, 2, 3}, "event")
	assert.Equal(t, []int64{1, 3}, eligible)
	assert.Equal(t, 1, metrics.byType[core.ExecutionScheduleOnly])

	eligible = f.EligibleChains(context.Background(), []int64{1, 2, 3}, "schedule")
	assert.Equal(t, []int64{2, 3}, eligible)
}

func TestEligibleChainsCachesTypes(t *testing.T) {
	chains := &countingChains{fakeChains: fakeChains{chains: map[int64]*core.RuleChain{
		1: {ID: 1, ExecutionType: core.ExecutionEventTriggered},
	}}}
	f := NewTypeFilter(chains, DefaultTypeFilterConfig())

	f.EligibleChains(context.Background(), []int64{1}, "event")
	f.EligibleChains(context.Background(), []int64{1}, "event")
	assert.Equal(t, 1, chains.calls, "second call must be served from cache")

	f.Invalidate(1)
	f.EligibleChains(context.Background(), []int64{1}, "event")
	assert.Equal(t, 2, chains.calls)
}

func TestEligibleChainsFailsOpenOnStoreError(t *testing.T) {
	chains := &fakeChains{err: errors.New("store down")}
	f := NewTypeFilter(chains, DefaultTypeFilterConfig())

	eligible := f.EligibleChains(context.Background(), []int64{1, 2}, "event")
	assert.Equal(t, []int64{1, 2}, eligible, "a store error must not drop work")
}

func TestEligibleChainsDropsVanishedChains(t *testing.T) {
	chains := &fakeChains{chains: map[int64]*core.RuleChain{
		1: {ID: 1, ExecutionType: core.ExecutionEventTriggered},
	}}
	f := NewTypeFilter(chains, DefaultTypeFilterConfig())

	eligible := f.EligibleChains(context.Background(), []int64{1, 99}, "event")
	require.Equal(t, []int64{1}, eligible)
}
