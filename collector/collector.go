// Package collector builds the latest-value snapshot a set of rule chains
// executes over. It plans the read set from the chains' filter and transform
// references, batches one store query per source type, and keeps a short-TTL
// cache so bursts of telemetry for the same originators do not hammer the
// store.
package collector

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/sensorgrid/ruleengine/core"
	"github.com/sensorgrid/ruleengine/store"
)

// ValueSource is the latest-value store surface. *store.Store implements it.
type ValueSource interface {
	LatestSensorValues(ctx context.Context, uuids []string, keys []string) ([]store.LatestValue, error)
	LatestDeviceValues(ctx context.Context, uuids []string, keys []string) ([]store.LatestValue, error)
}

// Metrics is the collector's observation hook.
type Metrics interface {
	IncFetchError(sourceType string)
	ObserveCollection(result string, seconds float64)
}

// Config configures the collector.
type Config struct {
	// CacheTTL bounds value staleness. Kept short: the snapshot is a
	// point-in-time view, not a cache of record.
	CacheTTL time.Duration
	// CacheSize bounds the value LRU.
	CacheSize int

	Logger  core.Logger
	Metrics Metrics
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{CacheTTL: 5 * time.Second, CacheSize: 4096}
}

type cachedValue struct {
	value     interface{}
	timestamp time.Time
}

// Collector assembles snapshots.
type Collector struct {
	source  ValueSource
	cache   *expirable.LRU[string, cachedValue]
	logger  core.Logger
	metrics Metrics
}

// New creates the collector.
func New(source ValueSource, config Config) *Collector {
	if config.CacheTTL <= 0 {
		config.CacheTTL = 5 * time.Second
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 4096
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	return &Collector{
		source:  source,
		cache:   expirable.NewLRU[string, cachedValue](config.CacheSize, nil, config.CacheTTL),
		logger:  config.Logger,
		metrics: config.Metrics,
	}
}

// plan is the de-duplicated read set for one source type.
type plan struct {
	uuids []string
	keys  []string
	want  map[string]struct{} // "uuid\x00key"
}

func newPlan() *plan {
	return &plan{want: make(map[string]struct{})}
}

func (p *plan) add(uuid, key string) {
	ref := uuid + "\x00" + key
	if _, ok := p.want[ref]; ok {
		return
	}
	p.want[ref] = struct{}{}
	if !contains(p.uuids, uuid) {
		p.uuids = append(p.uuids, uuid)
	}
	if !contains(p.keys, key) {
		p.keys = append(p.keys, key)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Collect builds the snapshot for the chains. A fetch failure for one source
// type degrades to partial results rather than failing the job; references
// the store has no value for are simply absent, and filters over them
// evaluate to false.
func (c *Collector) Collect(ctx context.Context, chains []*core.RuleChain) (*core.Snapshot, error) {
	start := time.Now()
	sensorPlan, devicePlan := c.planReads(chains)

	snap := &core.Snapshot{}
	result := "success"

	if !c.fill(ctx, core.SourceSensor, sensorPlan, snap) {
		result = "partial"
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if !c.fill(ctx, core.SourceDevice, devicePlan, snap) {
		result = "partial"
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if c.metrics != nil {
		c.metrics.ObserveCollection(result, time.Since(start).Seconds())
	}
	return snap, nil
}

// planReads derives the read set from every chain's snapshot references.
// References without a key name cannot be fetched and are dropped.
func (c *Collector) planReads(chains []*core.RuleChain) (*plan, *plan) {
	sensorPlan, devicePlan := newPlan(), newPlan()
	for _, chain := range chains {
		for _, leaf := range chain.FilterLeaves() {
			if leaf.UUID == "" || leaf.Key == "" {
				continue
			}
			switch leaf.SourceType {
			case core.SourceSensor:
				sensorPlan.add(leaf.UUID, leaf.Key)
			case core.SourceDevice:
				devicePlan.add(leaf.UUID, leaf.Key)
			}
		}
	}
	return sensorPlan, devicePlan
}

// fill resolves one source type's plan from cache plus at most one store
// query, writing hits into the snapshot. Returns false when the store fetch
// failed.
func (c *Collector) fill(ctx context.Context, sourceType string, p *plan, snap *core.Snapshot) bool {
	if len(p.want) == 0 {
		return true
	}

	missed := newPlan()
	for ref := range p.want {
		uuid, key, _ := strings.Cut(ref, "\x00")
		if entry, ok := c.cache.Get(cacheKey(sourceType, uuid, key)); ok {
			snap.PutAt(sourceType, uuid, key, entry.value, entry.timestamp)
		} else {
			missed.add(uuid, key)
		}
	}
	if len(missed.want) == 0 {
		return true
	}

	var rows []store.LatestValue
	var err error
	switch sourceType {
	case core.SourceSensor:
		rows, err = c.source.LatestSensorValues(ctx, missed.uuids, missed.keys)
	case core.SourceDevice:
		rows, err = c.source.LatestDeviceValues(ctx, missed.uuids, missed.keys)
	}
	if err != nil {
		c.logger.Error("Snapshot fetch failed, continuing with partial data", map[string]interface{}{
			"operation":   "collector_fetch",
			"source_type": sourceType,
			"uuids":       len(missed.uuids),
			"error":       err.Error(),
		})
		if c.metrics != nil {
			c.metrics.IncFetchError(sourceType)
		}
		return false
	}

	for _, row := range rows {
		value := coerce(row.Value, row.DataType)
		snap.PutAt(sourceType, row.UUID, row.Key, value, row.Timestamp)
		c.cache.Add(cacheKey(sourceType, row.UUID, row.Key), cachedValue{
			value:     value,
			timestamp: row.Timestamp,
		})
	}
	return true
}

func cacheKey(sourceType, uuid, key string) string {
	return sourceType + ":" + uuid + ":" + key
}

// coerce converts the stored string representation by declared data type.
// Values that fail conversion fall back to the raw string so a malformed row
// degrades a comparison instead of dropping the reference.
func coerce(raw, dataType string) interface{} {
	switch dataType {
	case "number":
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f
		}
		return raw
	case "boolean":
		switch strings.ToLower(raw) {
		case "true", "1":
			return true
		case "false", "0":
			return false
		}
		return raw
	default:
		return raw
	}
}
