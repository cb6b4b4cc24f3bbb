package engine

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/sensorgrid/ruleengine/core"
)

// FilterMetrics observes filter decisions.
type FilterMetrics interface {
	IncSkippedByType(executionType string)
}

// TypeFilterConfig configures the execution-type filter.
type TypeFilterConfig struct {
	// CacheSize bounds the execution-type LRU.
	CacheSize int
	// CacheTTL bounds staleness after a chain's type changes.
	CacheTTL time.Duration

	Logger  core.Logger
	Metrics FilterMetrics
}

// DefaultTypeFilterConfig returns the engine defaults.
func DefaultTypeFilterConfig() TypeFilterConfig {
	return TypeFilterConfig{CacheSize: 4096, CacheTTL: 5 * time.Minute}
}

// TypeFilter drops chains whose execution type excludes the invocation kind.
// It caches execution types in an expiring LRU so the hot admission path
// rarely touches the store, and it fails open: a store error keeps the
// unresolved chains rather than silently dropping work.
type TypeFilter struct {
	chains  core.ChainProvider
	cache   *expirable.LRU[int64, string]
	logger  core.Logger
	metrics FilterMetrics
}

// NewTypeFilter creates the filter.
func NewTypeFilter(chains core.ChainProvider, config TypeFilterConfig) *TypeFilter {
	if config.CacheSize <= 0 {
		config.CacheSize = 4096
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 5 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	return &TypeFilter{
		chains:  chains,
		cache:   expirable.NewLRU[int64, string](config.CacheSize, nil, config.CacheTTL),
		logger:  config.Logger,
		metrics: config.Metrics,
	}
}

// EligibleChains returns the subset of ids whose execution type permits the
// invocation kind ("event" or "schedule"), preserving order.
func (f *TypeFilter) EligibleChains(ctx context.Context, ids []int64, kind string) []int64 {
	types := make(map[int64]string, len(ids))
	var missed []int64
	for _, id := range ids {
		if t, ok := f.cache.Get(id); ok {
			types[id] = t
		} else {
			missed = append(missed, id)
		}
	}

	failedOpen := false
	if len(missed) > 0 {
		chains, err := f.chains.RuleChains(ctx, missed)
		if err != nil {
			f.logger.Warn("Execution type lookup failed, keeping unresolved chains", map[string]interface{}{
				"operation": "type_filter",
				"missed":    len(missed),
				"error":     err.Error(),
			})
			failedOpen = true
		} else {
			for _, chain := range chains {
				types[chain.ID] = chain.ExecutionType
				f.cache.Add(chain.ID, chain.ExecutionType)
			}
		}
	}

	eligible := make([]int64, 0, len(ids))
	for _, id := range ids {
		execType, known := types[id]
		if !known {
			if failedOpen {
				eligible = append(eligible, id)
			}
			// A chain the store resolved nothing for no longer exists.
			continue
		}
		probe := core.RuleChain{ID: id, ExecutionType: execType}
		if probe.EligibleFor(kind) {
			eligible = append(eligible, id)
			continue
		}
		if f.metrics != nil {
			f.metrics.IncSkippedByType(execType)
		}
	}
	return eligible
}

// Invalidate drops a chain's cached execution type, for configuration
// updates.
func (f *TypeFilter) Invalidate(id int64) {
	f.cache.Remove(id)
}
