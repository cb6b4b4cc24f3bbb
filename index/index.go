// Package index maintains the originator index: a Redis-cached mapping from
// (source type, originator ID, variable name) to the sorted list of rule
// chain IDs that reference that variable. The event bus consults it before
// admission so events no chain cares about never reach the queue.
//
// The cache is read-through. A miss rebuilds every variable entry for the
// originator with a single store query; a store failure degrades to an empty
// result so ingestion keeps flowing while rules sit idle.
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/sensorgrid/ruleengine/core"
)

// RefSource answers which rule chains reference which variables. The
// relational store implements it.
type RefSource interface {
	// VariableRefs returns, for one originator, every variable name that any
	// rule chain references mapped to the referencing chain IDs.
	VariableRefs(ctx context.Context, sourceType, originatorID string) (map[string][]int64, error)

	// ChainOriginators returns every originator a rule chain references.
	ChainOriginators(ctx context.Context, ruleChainID int64) ([]Originator, error)
}

// Originator identifies one indexed entity.
type Originator struct {
	SourceType string
	ID         string
}

// Metrics is the index's observation hook.
type Metrics interface {
	IncRebuild(result string)
}

// Config configures the index.
type Config struct {
	// TTL bounds cache staleness after a missed invalidation.
	TTL time.Duration

	Logger  core.Logger
	Metrics Metrics
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{TTL: time.Hour}
}

// Index is the read-through originator index.
type Index struct {
	rc      *core.RedisClient
	refs    RefSource
	ttl     time.Duration
	logger  core.Logger
	metrics Metrics
}

// New creates the index over the shared Redis handle.
func New(rc *core.RedisClient, refs RefSource, config Config) *Index {
	if config.TTL <= 0 {
		config.TTL = time.Hour
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	return &Index{
		rc:      rc,
		refs:    refs,
		ttl:     config.TTL,
		logger:  config.Logger,
		metrics: config.Metrics,
	}
}

func (i *Index) entryKey(sourceType, originatorID, variable string) string {
	return i.rc.Key("rulechain", "var", sourceType, originatorID, variable)
}

func (i *Index) entryPattern(sourceType, originatorID string) string {
	return i.rc.Key("rulechain", "var", sourceType, originatorID, "*")
}

// Lookup returns the sorted, de-duplicated union of rule chain IDs that
// reference any of the given variables of the originator. Variables no chain
// references contribute nothing. A cache miss triggers a full rebuild for
// the originator; a store failure yields an empty result, never an error.
// Unknown source types are logged and resolve to nothing.
func (i *Index) Lookup(ctx context.Context, sourceType, originatorID string, variables []string) []int64 {
	if sourceType != core.SourceSensor && sourceType != core.SourceDevice {
		i.logger.Warn("Lookup for unknown source type", map[string]interface{}{
			"operation":       "index_lookup",
			"originator_type": sourceType,
			"originator_id":   originatorID,
			"error":           core.ErrUnknownSource.Error(),
		})
		return nil
	}
	if len(variables) == 0 {
		return nil
	}

	entries, missed := i.cachedEntries(ctx, sourceType, originatorID, variables)
	if missed {
		rebuilt, ok := i.rebuild(ctx, sourceType, originatorID, variables)
		if !ok {
			return []int64{}
		}
		entries = make(map[string][]int64, len(variables))
		for _, v := range variables {
			entries[v] = rebuilt[v]
		}
	}

	seen := make(map[int64]struct{})
	var union []int64
	for _, v := range variables {
		for _, id := range entries[v] {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				union = append(union, id)
			}
		}
	}
	sort.Slice(union, func(a, b int) bool { return union[a] < union[b] })
	return union
}

// cachedEntries loads the requested variables from the cache. missed is true
// when any variable had no cache entry, which forces a rebuild; a Redis error
// is treated as a full miss.
func (i *Index) cachedEntries(ctx context.Context, sourceType, originatorID string, variables []string) (map[string][]int64, bool) {
	keys := make([]string, len(variables))
	for n, v := range variables {
		keys[n] = i.entryKey(sourceType, originatorID, v)
	}

	values, err := i.rc.Client().MGet(ctx, keys...).Result()
	if err != nil {
		i.logger.Warn("Index cache read failed", map[string]interface{}{
			"operation":       "index_lookup",
			"originator_type": sourceType,
			"error":           err.Error(),
		})
		return nil, true
	}

	entries := make(map[string][]int64, len(variables))
	for n, raw := range values {
		if raw == nil {
			return nil, true
		}
		str, ok := raw.(string)
		if !ok {
			return nil, true
		}
		var ids []int64
		if err := json.Unmarshal([]byte(str), &ids); err != nil {
			return nil, true
		}
		entries[variables[n]] = ids
	}
	return entries, false
}

// rebuild reloads every variable entry for the originator from the store and
// writes the full set back in one pipeline. Requested variables the store
// does not mention get an explicit empty entry, so their next lookup is a
// cached miss rather than a store round trip.
func (i *Index) rebuild(ctx context.Context, sourceType, originatorID string, requested []string) (map[string][]int64, bool) {
	refs, err := i.refs.VariableRefs(ctx, sourceType, originatorID)
	if err != nil {
		i.logger.Error("Index rebuild failed, degrading to empty set", map[string]interface{}{
			"operation":       "index_rebuild",
			"originator_type": sourceType,
			"originator_id":   originatorID,
			"error":           err.Error(),
		})
		i.incRebuild("error")
		return nil, false
	}

	pipe := i.rc.Client().Pipeline()
	for variable, ids := range refs {
		sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
		data, merr := json.Marshal(ids)
		if merr != nil {
			continue
		}
		pipe.Set(ctx, i.entryKey(sourceType, originatorID, variable), data, i.ttl)
	}
	for _, v := range requested {
		if _, known := refs[v]; !known {
			pipe.Set(ctx, i.entryKey(sourceType, originatorID, v), "[]", i.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		i.logger.Warn("Index cache write failed", map[string]interface{}{
			"operation": "index_rebuild",
			"error":     err.Error(),
		})
	}

	i.incRebuild("success")
	i.logger.Debug("Index rebuilt", map[string]interface{}{
		"operation":       "index_rebuild",
		"originator_type": sourceType,
		"originator_id":   originatorID,
		"variables":       len(refs),
	})
	return refs, true
}

// CacheNegative records empty entries for variables that produced a rebuild
// with no references, preventing repeated store queries for quiet
// originators.
func (i *Index) CacheNegative(ctx context.Context, sourceType, originatorID string, variables []string) {
	pipe := i.rc.Client().Pipeline()
	for _, v := range variables {
		pipe.SetNX(ctx, i.entryKey(sourceType, originatorID, v), "[]", i.ttl)
	}
	_, _ = pipe.Exec(ctx)
}

// Invalidate drops every cached entry for one originator. The next lookup
// rebuilds from the store.
func (i *Index) Invalidate(ctx context.Context, sourceType, originatorID string) error {
	client := i.rc.Client()
	var cursor uint64
	for {
		keys, next, err := client.Scan(ctx, cursor, i.entryPattern(sourceType, originatorID), 100).Result()
		if err != nil {
			return fmt.Errorf("index invalidate scan: %v: %w", err, core.ErrCacheUnavailable)
		}
		if len(keys) > 0 {
			if err := client.Del(ctx, keys...).Err(); err != nil && err != redis.Nil {
				return fmt.Errorf("index invalidate del: %v: %w", err, core.ErrCacheUnavailable)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	i.logger.Debug("Index invalidated", map[string]interface{}{
		"operation":       "index_invalidate",
		"originator_type": sourceType,
		"originator_id":   originatorID,
	})
	return nil
}

// InvalidateByRuleChain drops the cached entries of every originator a rule
// chain references. Called after chain create, update, or delete.
func (i *Index) InvalidateByRuleChain(ctx context.Context, ruleChainID int64) error {
	originators, err := i.refs.ChainOriginators(ctx, ruleChainID)
	if err != nil {
		return fmt.Errorf("resolving originators for chain %d: %w", ruleChainID, err)
	}
	for _, o := range originators {
		if err := i.Invalidate(ctx, o.SourceType, o.ID); err != nil {
			return err
		}
	}
	return nil
}

func (i *Index) incRebuild(result string) {
	if i.metrics != nil {
		i.metrics.IncRebuild(result)
	}
}
