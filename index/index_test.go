package index

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensorgrid/ruleengine/core"
)

type fakeRefs struct {
	refs        map[string][]int64
	originators []Originator
	err         error
	queries     int
}

func (f *fakeRefs) VariableRefs(ctx context.Context, sourceType, originatorID string) (map[string][]int64, error) {
	f.queries++
	if f.err != nil {
		return nil, f.err
	}
	return f.refs, nil
}

func (f *fakeRefs) ChainOriginators(ctx context.Context, ruleChainID int64) ([]Originator, error) {
	return f.originators, f.err
}

type rebuildCounter struct {
	success int
	failed  int
}

func (m *rebuildCounter) IncRebuild(result string) {
	if result == "success" {
		m.success++
	} else {
		m.failed++
	}
}

func testIndex(t *testing.T, refs *fakeRefs) (*Index, *miniredis.Miniredis, *rebuildCounter) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	rc := core.NewRedisClientFromExisting(client, "test", nil)
	metrics := &rebuildCounter{}
	cfg := DefaultConfig()
	cfg.Metrics = metrics
	return New(rc, refs, cfg), mr, metrics
}

func TestLookupRebuildsOnMissAndCaches(t *testing.T) {
	refs := &fakeRefs{refs: map[string][]int64{
		"temperature": {7, 3},
		"humidity":    {3},
	}}
	idx, _, metrics := testIndex(t, refs)
	ctx := context.Background()

	ids := idx.Lookup(ctx, core.SourceSensor, "s-1", []string{"temperature"})
	assert.Equal(t, []int64{3, 7}, ids, "result is sorted and de-duplicated")
	assert.Equal(t, 1, refs.queries)
	assert.Equal(t, 1, metrics.success)

	// The rebuild populated every variable of the originator: a lookup for a
	// different variable is now a cache hit.
	ids = idx.Lookup(ctx, core.SourceSensor, "s-1", []string{"humidity"})
	assert.Equal(t, []int64{3}, ids)
	assert.Equal(t, 1, refs.queries, "second lookup must not hit the store")
}

func TestLookupUnionAcrossVariables(t *testing.T) {
	refs := &fakeRefs{refs: map[string][]int64{
		"temperature": {5, 2},
		"humidity":    {9, 2},
	}}
	idx, _, _ := testIndex(t, refs)

	ids := idx.Lookup(context.Background(), core.SourceSensor, "s-1", []string{"temperature", "humidity"})
	assert.Equal(t, []int64{2, 5, 9}, ids)
}

func TestLookupStoreFailureDegradesToEmpty(t *testing.T) {
	refs := &fakeRefs{err: errors.New("connection refused")}
	idx, _, metrics := testIndex(t, refs)

	ids := idx.Lookup(context.Background(), core.SourceSensor, "s-1", []string{"temperature"})
	require.NotNil(t, ids)
	assert.Empty(t, ids, "store failure must degrade to an empty set, not an error")
	assert.Equal(t, 1, metrics.failed)
}

func TestLookupUnreferencedVariableCachedNegative(t *testing.T) {
	refs := &fakeRefs{refs: map[string][]int64{"temperature": {1}}}
	idx, mr, _ := testIndex(t, refs)
	ctx := context.Background()

	// "pressure" is unknown to the store: the rebuild writes an explicit
	// empty entry for it alongside the referenced variables.
	ids := idx.Lookup(ctx, core.SourceSensor, "s-1", []string{"pressure"})
	assert.Empty(t, ids)
	require.Equal(t, 1, refs.queries)
	require.True(t, mr.Exists("test:rulechain:var:sensor:s-1:pressure"))

	ids = idx.Lookup(ctx, core.SourceSensor, "s-1", []string{"pressure"})
	assert.Empty(t, ids)
	assert.Equal(t, 1, refs.queries, "the negative entry must absorb the repeat lookup")
}

func TestLookupMixedVariablesRebuildOnce(t *testing.T) {
	refs := &fakeRefs{refs: map[string][]int64{"temperature": {1}}}
	idx, _, _ := testIndex(t, refs)
	ctx := context.Background()
	vars := []string{"temperature", "humidity"}

	// "humidity" is referenced by no chain; the first rebuild still caches
	// an entry for it, so the identical second lookup never hits the store.
	ids := idx.Lookup(ctx, core.SourceSensor, "s-1", vars)
	assert.Equal(t, []int64{1}, ids)
	require.Equal(t, 1, refs.queries)

	ids = idx.Lookup(ctx, core.SourceSensor, "s-1", vars)
	assert.Equal(t, []int64{1}, ids)
	assert.Equal(t, 1, refs.queries, "a mixed lookup must not rebuild on every call")
}

func TestLookupRejectsUnknownSourceType(t *testing.T) {
	refs := &fakeRefs{refs: map[string][]int64{"temperature": {1}}}
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	rc := core.NewRedisClientFromExisting(client, "test", nil)
	logger := &warnLogger{}
	idx := New(rc, refs, Config{Logger: logger})

	assert.Nil(t, idx.Lookup(context.Background(), "gateway", "g-1", []string{"temperature"}))
	assert.Zero(t, refs.queries)
	require.Len(t, logger.warnings, 1, "an unmapped source type must be visible in the logs")
	assert.Equal(t, "index_lookup", logger.warnings[0]["operation"])
	assert.Equal(t, "gateway", logger.warnings[0]["originator_type"])
}

// warnLogger captures Warn fields for assertions.
type warnLogger struct {
	core.NoOpLogger
	warnings []map[string]interface{}
}

func (l *warnLogger) Warn(msg string, fields map[string]interface{}) {
	l.warnings = append(l.warnings, fields)
}

func TestInvalidateDropsOriginatorEntries(t *testing.T) {
	refs := &fakeRefs{refs: map[string][]int64{"temperature": {1}}}
	idx, mr, _ := testIndex(t, refs)
	ctx := context.Background()

	idx.Lookup(ctx, core.SourceSensor, "s-1", []string{"temperature"})
	require.True(t, mr.Exists("test:rulechain:var:sensor:s-1:temperature"))

	require.NoError(t, idx.Invalidate(ctx, core.SourceSensor, "s-1"))
	assert.False(t, mr.Exists("test:rulechain:var:sensor:s-1:temperature"))

	// Next lookup goes back to the store
	refs.refs = map[string][]int64{"temperature": {1, 8}}
	ids := idx.Lookup(ctx, core.SourceSensor, "s-1", []string{"temperature"})
	assert.Equal(t, []int64{1, 8}, ids)
}

func TestInvalidateByRuleChain(t *testing.T) {
	refs := &fakeRefs{
		refs: map[string][]int64{"temperature": {1}},
		originators: []Originator{
			{SourceType: core.SourceSensor, ID: "s-1"},
			{SourceType: core.SourceDevice, ID: "d-1"},
		},
	}
	idx, mr, _ := testIndex(t, refs)
	ctx := context.Background()

	idx.Lookup(ctx, core.SourceSensor, "s-1", []string{"temperature"})
	idx.Lookup(ctx, core.SourceDevice, "d-1", []string{"temperature"})
	require.True(t, mr.Exists("test:rulechain:var:sensor:s-1:temperature"))
	require.True(t, mr.Exists("test:rulechain:var:device:d-1:temperature"))

	require.NoError(t, idx.InvalidateByRuleChain(ctx, 1))
	assert.False(t, mr.Exists("test:rulechain:var:sensor:s-1:temperature"))
	assert.False(t, mr.Exists("test:rulechain:var:device:d-1:temperature"))
}

func TestCacheEntriesExpire(t *testing.T) {
	refs := &fakeRefs{refs: map[string][]int64{"temperature": {1}}}
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	rc := core.NewRedisClientFromExisting(client, "test", nil)
	idx := New(rc, refs, Config{TTL: time.Minute})
	ctx := context.Background()

	idx.Lookup(ctx, core.SourceSensor, "s-1", []string{"temperature"})
	require.Equal(t, 1, refs.queries)

	mr.FastForward(2 * time.Minute)
	idx.Lookup(ctx, core.SourceSensor, "s-1", []string{"temperature"})
	assert.Equal(t, 2, refs.queries, "expired entry must rebuild")
}
