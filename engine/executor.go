// Package engine runs rule chains: the worker pool drains the durable
// queue, the execution-type filter drops chains that can never run for the
// invocation kind, and the executor walks each chain's node list over a
// collected snapshot.
package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sensorgrid/ruleengine/core"
)

// Chain execution statuses.
const (
	StatusSuccess = "success"
	StatusUnmet   = "unmet"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// NodeResult records the outcome of one node.
type NodeResult struct {
	NodeID int64       `json:"nodeId"`
	Type   string      `json:"type"`
	Status string      `json:"status"`
	Output interface{} `json:"output,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// ChainResult is the per-chain outcome aggregated into the job result.
type ChainResult struct {
	RuleChainID int64                `json:"ruleChainId"`
	Status      string               `json:"status"`
	Reason      string               `json:"reason,omitempty"`
	NodeResults []NodeResult         `json:"nodeResults,omitempty"`
	Actions     []core.ActionCommand `json:"-"`
	Err         error                `json:"-"`
}

// Executor walks a chain's linear node list over a snapshot. It is stateless
// and safe for concurrent use.
type Executor struct {
	logger core.Logger
}

// NewExecutor creates an executor.
func NewExecutor(logger core.Logger) *Executor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Executor{logger: logger}
}

// Execute runs one chain. A filter node whose condition is unmet
// short-circuits the rest of the chain; transform outputs are written back
// into the snapshot so later nodes can reference them; action commands are
// collected, never applied here.
func (e *Executor) Execute(chain *core.RuleChain, snap *core.Snapshot) ChainResult {
	result := ChainResult{RuleChainID: chain.ID, Status: StatusSuccess}
	if len(chain.Nodes) == 0 {
		return result
	}

	byID := make(map[int64]*core.RuleChainNode, len(chain.Nodes))
	for i := range chain.Nodes {
		byID[chain.Nodes[i].ID] = &chain.Nodes[i]
	}

	node := &chain.Nodes[0]
	depth := 0
	for node != nil {
		depth++
		if depth > core.DefaultMaxChainDepth {
			result.Status = StatusError
			result.Err = fmt.Errorf("chain %d: %w", chain.ID, core.ErrChainDepthExceeded)
			return result
		}

		nodeResult := NodeResult{NodeID: node.ID, Type: node.Type, Status: StatusSuccess}
		switch node.Type {
		case core.NodeFilter:
			met := node.Config.Expression != nil && evaluate(node.Config.Expression, snap)
			nodeResult.Output = met
			result.NodeResults = append(result.NodeResults, nodeResult)
			if !met {
				result.Status = StatusUnmet
				return result
			}

		case core.NodeTransform:
			value, err := e.transform(node, snap)
			if err != nil {
				nodeResult.Status = StatusError
				nodeResult.Error = err.Error()
				result.NodeResults = append(result.NodeResults, nodeResult)
				result.Status = StatusError
				result.Err = err
				return result
			}
			nodeResult.Output = value
			result.NodeResults = append(result.NodeResults, nodeResult)

		case core.NodeAction:
			result.Actions = append(result.Actions, core.ActionCommand{
				DeviceUUID: node.Config.TargetDeviceUUID,
				StateName:  node.Config.StateName,
				Value:      node.Config.Value,
			})
			result.NodeResults = append(result.NodeResults, nodeResult)

		default:
			nodeResult.Status = StatusError
			nodeResult.Error = "unknown node type"
			result.NodeResults = append(result.NodeResults, nodeResult)
			result.Status = StatusError
			result.Err = fmt.Errorf("chain %d node %d type %q: %w", chain.ID, node.ID, node.Type, core.ErrInvalidArgument)
			return result
		}

		if node.NextNodeID == nil {
			break
		}
		next, ok := byID[*node.NextNodeID]
		if !ok {
			result.Status = StatusError
			result.Err = fmt.Errorf("chain %d node %d references missing node %d: %w",
				chain.ID, node.ID, *node.NextNodeID, core.ErrInvalidArgument)
			return result
		}
		node = next
	}
	return result
}

// transform computes the node's aggregate over its snapshot inputs and
// writes the derived value back under the output name.
func (e *Executor) transform(node *core.RuleChainNode, snap *core.Snapshot) (float64, error) {
	cfg := &node.Config
	if len(cfg.Inputs) == 0 {
		return 0, fmt.Errorf("transform node %d has no inputs: %w", node.ID, core.ErrInvalidArgument)
	}
	if cfg.OutputName == "" {
		return 0, fmt.Errorf("transform node %d has no output name: %w", node.ID, core.ErrInvalidArgument)
	}

	values := make([]float64, 0, len(cfg.Inputs))
	for _, in := range cfg.Inputs {
		raw, ok := snap.Lookup(in.SourceType, in.UUID, in.Key)
		if !ok {
			return 0, fmt.Errorf("transform node %d input %s/%s/%s not in snapshot: %w",
				node.ID, in.SourceType, in.UUID, in.Key, core.ErrInvalidArgument)
		}
		num, ok := toNumber(raw)
		if !ok {
			return 0, fmt.Errorf("transform node %d input %s is not numeric: %w",
				node.ID, in.Key, core.ErrInvalidArgument)
		}
		values = append(values, num)
	}

	var out float64
	switch cfg.Operation {
	case "sum":
		for _, v := range values {
			out += v
		}
	case "avg":
		for _, v := range values {
			out += v
		}
		out /= float64(len(values))
	case "min":
		out = values[0]
		for _, v := range values[1:] {
			if v < out {
				out = v
			}
		}
	case "max":
		out = values[0]
		for _, v := range values[1:] {
			if v > out {
				out = v
			}
		}
	case "diff":
		if len(values) != 2 {
			return 0, fmt.Errorf("transform node %d diff needs exactly two inputs: %w", node.ID, core.ErrInvalidArgument)
		}
		out = values[0] - values[1]
	default:
		return 0, fmt.Errorf("transform node %d operation %q: %w", node.ID, cfg.Operation, core.ErrInvalidArgument)
	}

	first := cfg.Inputs[0]
	snap.Put(first.SourceType, first.UUID, cfg.OutputName, out)
	return out, nil
}

// evaluate walks the AND/OR expression tree. Unresolvable references
// evaluate to false rather than erroring, matching filter semantics.
func evaluate(expr *core.FilterExpression, snap *core.Snapshot) bool {
	if expr.Leaf != nil {
		return evaluateLeaf(expr.Leaf, snap)
	}
	switch strings.ToLower(expr.Operator) {
	case "and":
		for i := range expr.Children {
			if !evaluate(&expr.Children[i], snap) {
				return false
			}
		}
		return len(expr.Children) > 0
	case "or":
		for i := range expr.Children {
			if evaluate(&expr.Children[i], snap) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func evaluateLeaf(cond *core.FilterCondition, snap *core.Snapshot) bool {
	actual, ok := snap.Lookup(cond.SourceType, cond.UUID, cond.Key)
	if !ok {
		return false
	}
	return compare(actual, cond.Op, cond.Value)
}

// compare applies one comparison operator. Numbers compare numerically,
// everything else compares as strings; ordering operators require numbers.
func compare(actual interface{}, op string, expected interface{}) bool {
	aNum, aIsNum := toNumber(actual)
	eNum, eIsNum := toNumber(expected)
	numeric := aIsNum && eIsNum

	switch op {
	case "eq":
		if numeric {
			return aNum == eNum
		}
		return fmt.Sprintf("%v", actual) == fmt.Sprintf("%v", expected)
	case "neq":
		if numeric {
			return aNum != eNum
		}
		return fmt.Sprintf("%v", actual) != fmt.Sprintf("%v", expected)
	case "gt":
		return numeric && aNum > eNum
	case "gte":
		return numeric && aNum >= eNum
	case "lt":
		return numeric && aNum < eNum
	case "lte":
		return numeric && aNum <= eNum
	case "contains":
		return strings.Contains(fmt.Sprintf("%v", actual), fmt.Sprintf("%v", expected))
	default:
		return false
	}
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
