package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linearNodes(ids ...int64) []RuleChainNode {
	nodes := make([]RuleChainNode, len(ids))
	for i, id := range ids {
		nodes[i] = RuleChainNode{ID: id, Type: NodeFilter}
		if i+1 < len(ids) {
			next := ids[i+1]
			nodes[i].NextNodeID = &next
		}
	}
	return nodes
}

func TestRuleChainValidate(t *testing.T) {
	chain := &RuleChain{
		ID:            1,
		ExecutionType: ExecutionEventTriggered,
		Nodes:         linearNodes(1, 2, 3),
	}
	assert.NoError(t, chain.Validate())
}

func TestRuleChainValidateRejectsUnknownExecutionType(t *testing.T) {
	chain := &RuleChain{ID: 1, ExecutionType: "on-demand"}
	assert.ErrorIs(t, chain.Validate(), ErrInvalidArgument)
}

func TestRuleChainValidateScheduleNeedsCron(t *testing.T) {
	chain := &RuleChain{
		ID:              1,
		ExecutionType:   ExecutionScheduleOnly,
		ScheduleEnabled: true,
	}
	assert.ErrorIs(t, chain.Validate(), ErrInvalidCron)

	chain.CronExpression = "*/5 * * * *"
	assert.NoError(t, chain.Validate())
}

func TestRuleChainValidateScheduleOnEventTriggered(t *testing.T) {
	chain := &RuleChain{
		ID:              1,
		ExecutionType:   ExecutionEventTriggered,
		ScheduleEnabled: true,
		CronExpression:  "*/5 * * * *",
	}
	assert.ErrorIs(t, chain.Validate(), ErrInvalidArgument)
}

func TestValidateCron(t *testing.T) {
	assert.NoError(t, ValidateCron("0 */2 * * 1-5"))
	assert.ErrorIs(t, ValidateCron(""), ErrInvalidCron)
	assert.ErrorIs(t, ValidateCron("not a cron"), ErrInvalidCron)
	// Six fields (with seconds) are not accepted.
	assert.ErrorIs(t, ValidateCron("0 0 */2 * * *"), ErrInvalidCron)
}

func TestValidateTraversalDetectsCycle(t *testing.T) {
	nodes := linearNodes(1, 2, 3)
	back := int64(1)
	nodes[2].NextNodeID = &back

	chain := &RuleChain{ID: 1, ExecutionType: ExecutionEventTriggered, Nodes: nodes}
	assert.ErrorIs(t, chain.ValidateTraversal(DefaultMaxChainDepth), ErrChainCycle)
}

func TestValidateTraversalDepthBound(t *testing.T) {
	ids := make([]int64, 10)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	chain := &RuleChain{ID: 1, Nodes: linearNodes(ids...)}

	assert.NoError(t, chain.ValidateTraversal(10))
	assert.ErrorIs(t, chain.ValidateTraversal(9), ErrChainDepthExceeded)
}

func TestValidateTraversalMissingNode(t *testing.T) {
	missing := int64(99)
	chain := &RuleChain{ID: 1, Nodes: []RuleChainNode{
		{ID: 1, Type: NodeFilter, NextNodeID: &missing},
	}}
	assert.ErrorIs(t, chain.ValidateTraversal(DefaultMaxChainDepth), ErrInvalidArgument)
}

func TestEligibleFor(t *testing.T) {
	event := &RuleChain{ExecutionType: ExecutionEventTriggered}
	scheduled := &RuleChain{ExecutionType: ExecutionScheduleOnly}
	hybrid := &RuleChain{ExecutionType: ExecutionHybrid}

	assert.True(t, event.EligibleFor("event"))
	assert.False(t, event.EligibleFor("schedule"))
	assert.False(t, scheduled.EligibleFor("event"))
	assert.True(t, scheduled.EligibleFor("schedule"))
	assert.True(t, hybrid.EligibleFor("event"))
	assert.True(t, hybrid.EligibleFor("schedule"))
	assert.False(t, hybrid.EligibleFor("manual"))
}

func TestFilterLeavesCollectsFilterAndTransformRefs(t *testing.T) {
	chain := &RuleChain{Nodes: []RuleChainNode{
		{ID: 1, Type: NodeFilter, Config: NodeConfig{Expression: &FilterExpression{
			Operator: "and",
			Children: []FilterExpression{
				{Leaf: &FilterCondition{FilterLeaf: FilterLeaf{SourceType: SourceSensor, UUID: "s-1", Key: "temp"}, Op: "gt", Value: 30}},
				{Leaf: &FilterCondition{FilterLeaf: FilterLeaf{SourceType: SourceDevice, UUID: "d-1", Key: "mode"}, Op: "eq", Value: "auto"}},
			},
		}}},
		{ID: 2, Type: NodeTransform, Config: NodeConfig{
			Operation:  "avg",
			OutputName: "avgTemp",
			Inputs: []FilterLeaf{
				{SourceType: SourceSensor, UUID: "s-1", Key: "temp"},
				{SourceType: SourceSensor, UUID: "s-2", Key: "temp"},
			},
		}},
		{ID: 3, Type: NodeAction},
	}}

	leaves := chain.FilterLeaves()
	require.Len(t, leaves, 4)
	assert.Equal(t, "s-2", leaves[3].UUID)
}

func TestSnapshotLookupAndPut(t *testing.T) {
	snap := &Snapshot{}
	_, ok := snap.Lookup(SourceSensor, "s-1", "temp")
	assert.False(t, ok)

	snap.Put(SourceSensor, "s-1", "temp", 21.5)
	v, ok := snap.Lookup(SourceSensor, "s-1", "temp")
	require.True(t, ok)
	assert.Equal(t, 21.5, v)

	// Same originator, new key.
	snap.Put(SourceSensor, "s-1", "humidity", 40.0)
	require.Len(t, snap.SensorData, 1)

	// Unknown source types are ignored on both paths.
	snap.Put("gateway", "g-1", "x", 1)
	_, ok = snap.Lookup("gateway", "g-1", "x")
	assert.False(t, ok)
}

func TestSnapshotPutAtKeepsSourceTimestamp(t *testing.T) {
	received := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	snap := &Snapshot{}

	snap.PutAt(SourceSensor, "s-1", "temp", 21.5, received)
	require.Len(t, snap.SensorData, 1)
	assert.Equal(t, received, snap.SensorData[0].Timestamp)

	// A second row for the same originator keeps the latest timestamp.
	snap.PutAt(SourceSensor, "s-1", "humidity", 40.0, received.Add(-time.Hour))
	assert.Equal(t, received, snap.SensorData[0].Timestamp)
	snap.PutAt(SourceSensor, "s-1", "pressure", 1013.0, received.Add(time.Minute))
	assert.Equal(t, received.Add(time.Minute), snap.SensorData[0].Timestamp)
}

func TestSnapshotCloneIsIndependent(t *testing.T) {
	snap := &Snapshot{}
	snap.Put(SourceSensor, "s-1", "temp", 21.5)
	snap.Put(SourceDevice, "d-1", "mode", "auto")

	clone := snap.Clone()
	clone.Put(SourceSensor, "s-1", "temp", 99.0)
	clone.Put(SourceDevice, "d-2", "mode", "eco")

	v, _ := snap.Lookup(SourceSensor, "s-1", "temp")
	assert.Equal(t, 21.5, v, "clone writes must not reach the original")
	assert.Len(t, snap.DeviceData, 1)
	assert.Len(t, clone.DeviceData, 2)
}
