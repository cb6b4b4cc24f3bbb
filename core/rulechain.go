package core

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Execution types restrict when a chain may run.
const (
	ExecutionEventTriggered = "event-triggered"
	ExecutionScheduleOnly   = "schedule-only"
	ExecutionHybrid         = "hybrid"
)

// Node types forming the filter/transform/action DAG.
const (
	NodeFilter    = "filter"
	NodeTransform = "transform"
	NodeAction    = "action"
)

// DefaultMaxChainDepth bounds linear traversal of a chain.
const DefaultMaxChainDepth = 32

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// RuleChain is the persistent configuration unit of user-defined logic.
// The engine is a reader; ownership lives in the relational store.
type RuleChain struct {
	ID             int64           `json:"id" db:"id"`
	OrganizationID int64           `json:"organizationId" db:"organization_id"`
	Name           string          `json:"name" db:"name"`
	ExecutionType  string          `json:"executionType" db:"execution_type"`
	ScheduleEnabled bool           `json:"scheduleEnabled" db:"schedule_enabled"`
	CronExpression string          `json:"cronExpression,omitempty" db:"cron_expression"`
	Timezone       string          `json:"timezone,omitempty" db:"timezone"`
	Priority       int             `json:"priority" db:"priority"`
	MaxRetries     int             `json:"maxRetries" db:"max_retries"`
	RetryDelay     time.Duration   `json:"retryDelay" db:"retry_delay"`
	Nodes          []RuleChainNode `json:"nodes"`
	LastExecutedAt *time.Time      `json:"lastExecutedAt,omitempty" db:"last_executed_at"`
	ExecutionCount int64           `json:"executionCount" db:"execution_count"`
	FailureCount   int64           `json:"failureCount" db:"failure_count"`
}

// RuleChainNode is one node of the chain's linear DAG.
type RuleChainNode struct {
	ID          int64       `json:"id" db:"id"`
	RuleChainID int64       `json:"ruleChainId" db:"rule_chain_id"`
	Type        string      `json:"type" db:"type"`
	Config      NodeConfig  `json:"config"`
	NextNodeID  *int64      `json:"nextNodeId,omitempty" db:"next_node_id"`
}

// NodeConfig is the structured per-node configuration. Which fields are
// populated depends on the node type.
type NodeConfig struct {
	// Filter nodes: a boolean expression over snapshot leaves.
	Expression *FilterExpression `json:"expression,omitempty"`

	// Transform nodes: derived value written back into the snapshot.
	OutputName string `json:"outputName,omitempty"`
	Operation  string `json:"operation,omitempty"` // sum, avg, min, max, diff
	Inputs     []FilterLeaf `json:"inputs,omitempty"`

	// Action nodes: the state command to emit.
	TargetDeviceUUID string      `json:"targetDeviceUuid,omitempty"`
	StateName        string      `json:"stateName,omitempty"`
	Value            interface{} `json:"value,omitempty"`
}

// FilterExpression is an AND/OR tree whose leaves reference snapshot values.
// Exactly one of Leaf or (Operator, Children) is set.
type FilterExpression struct {
	Operator string             `json:"operator,omitempty"` // "and" | "or"
	Children []FilterExpression `json:"children,omitempty"`
	Leaf     *FilterCondition   `json:"leaf,omitempty"`
}

// FilterLeaf identifies a snapshot value.
type FilterLeaf struct {
	SourceType string `json:"sourceType"` // sensor | device
	UUID       string `json:"uuid"`
	Key        string `json:"key"`
}

// FilterCondition is a single comparison leaf.
type FilterCondition struct {
	FilterLeaf
	Op    string      `json:"op"` // eq, neq, gt, gte, lt, lte, contains
	Value interface{} `json:"value"`
}

// Validate checks configuration invariants: a schedule-enabled chain needs a
// valid cron form and a schedule-capable execution type, and the node list
// must form an acyclic linear traversal within the depth bound.
func (rc *RuleChain) Validate() error {
	switch rc.ExecutionType {
	case ExecutionEventTriggered, ExecutionScheduleOnly, ExecutionHybrid:
	default:
		return fmt.Errorf("rule chain %d execution type %q: %w", rc.ID, rc.ExecutionType, ErrInvalidArgument)
	}
	if rc.ScheduleEnabled {
		if rc.ExecutionType == ExecutionEventTriggered {
			return fmt.Errorf("rule chain %d is schedule-enabled but event-triggered: %w", rc.ID, ErrInvalidArgument)
		}
		if err := ValidateCron(rc.CronExpression); err != nil {
			return fmt.Errorf("rule chain %d: %w", rc.ID, err)
		}
	}
	return rc.ValidateTraversal(DefaultMaxChainDepth)
}

// ValidateCron checks a five-field cron expression.
func ValidateCron(expr string) error {
	if expr == "" {
		return fmt.Errorf("cron expression is empty: %w", ErrInvalidCron)
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("cron expression %q: %v: %w", expr, err, ErrInvalidCron)
	}
	return nil
}

// ValidateTraversal rejects cycles and over-deep chains at load time so the
// executor never has to defend against them at runtime.
func (rc *RuleChain) ValidateTraversal(maxDepth int) error {
	if len(rc.Nodes) == 0 {
		return nil
	}
	byID := make(map[int64]*RuleChainNode, len(rc.Nodes))
	for i := range rc.Nodes {
		byID[rc.Nodes[i].ID] = &rc.Nodes[i]
	}
	visited := make(map[int64]bool, len(rc.Nodes))
	depth := 0
	node := &rc.Nodes[0]
	for node != nil {
		if visited[node.ID] {
			return fmt.Errorf("rule chain %d at node %d: %w", rc.ID, node.ID, ErrChainCycle)
		}
		visited[node.ID] = true
		depth++
		if depth > maxDepth {
			return fmt.Errorf("rule chain %d exceeds depth %d: %w", rc.ID, maxDepth, ErrChainDepthExceeded)
		}
		if node.NextNodeID == nil {
			break
		}
		next, ok := byID[*node.NextNodeID]
		if !ok {
			return fmt.Errorf("rule chain %d node %d references missing node %d: %w", rc.ID, node.ID, *node.NextNodeID, ErrInvalidArgument)
		}
		node = next
	}
	return nil
}

// EligibleFor reports whether the chain may run for the given invocation kind
// ("event" or "schedule").
func (rc *RuleChain) EligibleFor(kind string) bool {
	switch kind {
	case "event":
		return rc.ExecutionType == ExecutionEventTriggered || rc.ExecutionType == ExecutionHybrid
	case "schedule":
		return rc.ExecutionType == ExecutionScheduleOnly || rc.ExecutionType == ExecutionHybrid
	default:
		return false
	}
}

// FilterLeaves collects every snapshot reference made by the chain's filter
// and transform nodes. The collector uses this to plan its batch reads.
func (rc *RuleChain) FilterLeaves() []FilterLeaf {
	var leaves []FilterLeaf
	for i := range rc.Nodes {
		n := &rc.Nodes[i]
		switch n.Type {
		case NodeFilter:
			if n.Config.Expression != nil {
				leaves = append(leaves, n.Config.Expression.leaves()...)
			}
		case NodeTransform:
			leaves = append(leaves, n.Config.Inputs...)
		}
	}
	return leaves
}

func (e *FilterExpression) leaves() []FilterLeaf {
	if e.Leaf != nil {
		return []FilterLeaf{e.Leaf.FilterLeaf}
	}
	var out []FilterLeaf
	for i := range e.Children {
		out = append(out, e.Children[i].leaves()...)
	}
	return out
}

// ActionCommand is the state change emitted by an action node. The executor
// collects these; the notification bridge is the only component that applies
// them.
type ActionCommand struct {
	DeviceUUID string      `json:"deviceUuid"`
	StateName  string      `json:"stateName"`
	Value      interface{} `json:"value"`
}

// Snapshot is the ephemeral latest-value view a single execution runs over.
type Snapshot struct {
	SensorData []SnapshotEntry `json:"sensorData"`
	DeviceData []SnapshotEntry `json:"deviceData"`
}

// SnapshotEntry holds the coerced latest values for one originator.
type SnapshotEntry struct {
	UUID      string                 `json:"uuid"`
	Values    map[string]interface{} `json:"values"`
	Timestamp time.Time              `json:"timestamp"`
}

// Clone deep-copies the snapshot. Concurrent chain executions each get
// their own copy so transform write-backs never race.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{
		SensorData: cloneEntries(s.SensorData),
		DeviceData: cloneEntries(s.DeviceData),
	}
	return out
}

func cloneEntries(entries []SnapshotEntry) []SnapshotEntry {
	if entries == nil {
		return nil
	}
	out := make([]SnapshotEntry, len(entries))
	for i := range entries {
		out[i] = entries[i]
		values := make(map[string]interface{}, len(entries[i].Values))
		for k, v := range entries[i].Values {
			values[k] = v
		}
		out[i].Values = values
	}
	return out
}

// Lookup resolves a snapshot reference; ok is false when the originator or
// key is absent. Unresolved references evaluate to false in filters.
func (s *Snapshot) Lookup(sourceType, uuid, key string) (interface{}, bool) {
	var entries []SnapshotEntry
	switch sourceType {
	case SourceSensor:
		entries = s.SensorData
	case SourceDevice:
		entries = s.DeviceData
	default:
		return nil, false
	}
	for i := range entries {
		if entries[i].UUID == uuid {
			v, ok := entries[i].Values[key]
			return v, ok
		}
	}
	return nil, false
}

// Put writes a value into the snapshot, creating the entry if needed.
// Transform nodes use this to record derived quantities, stamped at write
// time.
func (s *Snapshot) Put(sourceType, uuid, key string, value interface{}) {
	s.PutAt(sourceType, uuid, key, value, time.Now())
}

// PutAt writes a value carrying the time the source row was received, so the
// snapshot records measurement time rather than collection time. An entry
// holding values from several rows keeps the latest of their timestamps.
func (s *Snapshot) PutAt(sourceType, uuid, key string, value interface{}, at time.Time) {
	var entries *[]SnapshotEntry
	switch sourceType {
	case SourceSensor:
		entries = &s.SensorData
	case SourceDevice:
		entries = &s.DeviceData
	default:
		return
	}
	for i := range *entries {
		if (*entries)[i].UUID == uuid {
			if (*entries)[i].Values == nil {
				(*entries)[i].Values = make(map[string]interface{})
			}
			(*entries)[i].Values[key] = value
			if at.After((*entries)[i].Timestamp) {
				(*entries)[i].Timestamp = at
			}
			return
		}
	}
	*entries = append(*entries, SnapshotEntry{
		UUID:      uuid,
		Values:    map[string]interface{}{key: value},
		Timestamp: at,
	})
}
