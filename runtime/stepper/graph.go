package stepper

import (
	"encoding/json"
	"sort"

	"github.com/vespid-ai/workflow-core/runtime/run"
	"github.com/vespid-ai/workflow-core/runtime/workflow"
)

const (
	ReasonConditionNotMet           = "CONDITION_NOT_MET"
	ReasonDependenciesNotSatisfied  = "DEPENDENCIES_NOT_SATISFIED"
	ReasonNotReached                = "NOT_REACHED"
)

// graphIndex precomputes the adjacency views graph traversal needs from a
// v3 GraphDSL: nodes by id and incoming edges by target.
type graphIndex struct {
	byID     map[string]workflow.Node
	incoming map[string][]workflow.Edge
}

func buildGraphIndex(g *workflow.GraphDSL) graphIndex {
	idx := graphIndex{byID: make(map[string]workflow.Node, len(g.Nodes)), incoming: make(map[string][]workflow.Edge)}
	for _, n := range g.Nodes {
		idx.byID[n.ID] = n
	}
	for _, e := range g.Edges {
		idx.incoming[e.To] = append(idx.incoming[e.To], e)
	}
	return idx
}

// ParallelJoinOutput is the output payload a parallel.join node succeeds
// with (spec §4.4.2).
type ParallelJoinOutput struct {
	Joined            bool     `json:"joined"`
	RequiredIncoming  int      `json:"requiredIncoming"`
	SatisfiedIncoming int      `json:"satisfiedIncoming"`
	IncomingFrom      []string `json:"incomingFrom"`
}

// readyNodes returns the ids of every node whose incoming edges are all
// satisfied and which has not yet completed, sorted lexicographically by
// nodeId for deterministic tie-break (spec §4.4.2).
func readyNodes(idx graphIndex, state *run.GraphV3State) []string {
	var ready []string
	for id := range idx.byID {
		if state.IsCompleted(id) {
			continue
		}
		if edgesSatisfied(idx, state, id) {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// edgesSatisfied reports whether every incoming edge of nodeID is satisfied
// by the current traversal state. A node with no incoming edges (an entry
// node) is always satisfied.
func edgesSatisfied(idx graphIndex, state *run.GraphV3State, nodeID string) bool {
	edges := idx.incoming[nodeID]
	if len(edges) == 0 {
		return true
	}
	// parallel.join requires ALL incoming edges to be satisfied; ordinary
	// nodes with multiple incoming edges (e.g. converging branches without
	// an explicit join) use the same "all satisfied" rule, matching the
	// single uniform edge-satisfaction pass the spec describes.
	for _, e := range edges {
		if !edgeSatisfied(idx, state, e) {
			return false
		}
	}
	return true
}

func edgeSatisfied(idx graphIndex, state *run.GraphV3State, e workflow.Edge) bool {
	if !state.IsCompleted(e.From) {
		return false
	}
	switch e.Type {
	case workflow.EdgeAlways:
		return true
	case workflow.EdgeCondTrue:
		return state.Decisions[e.From]
	case workflow.EdgeCondFalse:
		return !state.Decisions[e.From]
	default:
		return false
	}
}

// JoinStatus computes the parallel.join bookkeeping for nodeID: how many
// incoming edges exist, how many are currently satisfied, and which
// upstream nodes have completed.
func JoinStatus(graph *workflow.GraphDSL, state *run.GraphV3State, nodeID string) ParallelJoinOutput {
	idx := buildGraphIndex(graph)
	edges := idx.incoming[nodeID]
	out := ParallelJoinOutput{RequiredIncoming: len(edges)}
	for _, e := range edges {
		if edgeSatisfied(idx, state, e) {
			out.SatisfiedIncoming++
			out.IncomingFrom = append(out.IncomingFrom, e.From)
		}
	}
	out.Joined = out.SatisfiedIncoming == out.RequiredIncoming
	sort.Strings(out.IncomingFrom)
	return out
}

// NextReady returns the single next node to execute this iteration (spec:
// "a single node is executed per iteration"), or "", false when no node is
// ready.
func NextReady(graph *workflow.GraphDSL, state *run.GraphV3State) (string, bool) {
	idx := buildGraphIndex(graph)
	ready := readyNodes(idx, state)
	if len(ready) == 0 {
		return "", false
	}
	return ready[0], true
}

// ClassifySkipped computes the final graphV3.skipped snapshot once no
// further node is ready: every non-completed node is classified
// CONDITION_NOT_MET (an incoming conditional edge evaluated the other way
// and no other path reaches it), DEPENDENCIES_NOT_SATISFIED (an upstream
// dependency never completed, e.g. it failed or was itself skipped), or
// NOT_REACHED (it has no incoming edges, or none of its direct upstream
// nodes completed).
func ClassifySkipped(graph *workflow.GraphDSL, state *run.GraphV3State) map[string]run.SkippedNode {
	idx := buildGraphIndex(graph)
	skipped := make(map[string]run.SkippedNode)
	for id := range idx.byID {
		if state.IsCompleted(id) {
			continue
		}
		skipped[id] = run.SkippedNode{ReasonCode: classifyReason(idx, state, id)}
	}
	return skipped
}

func classifyReason(idx graphIndex, state *run.GraphV3State, nodeID string) string {
	edges := idx.incoming[nodeID]
	if len(edges) == 0 {
		return ReasonNotReached
	}
	anyUpstreamCompleted := false
	anyConditionMismatch := false
	for _, e := range edges {
		if !state.IsCompleted(e.From) {
			continue
		}
		anyUpstreamCompleted = true
		if (e.Type == workflow.EdgeCondTrue || e.Type == workflow.EdgeCondFalse) && !edgeSatisfied(idx, state, e) {
			anyConditionMismatch = true
		}
	}
	if anyConditionMismatch {
		return ReasonConditionNotMet
	}
	if anyUpstreamCompleted {
		return ReasonDependenciesNotSatisfied
	}
	return ReasonNotReached
}

// decodeConditionConfig decodes a condition node's config.
func decodeConditionConfig(node workflow.Node) (ConditionConfig, error) {
	var cfg ConditionConfig
	if len(node.Config) == 0 {
		return cfg, nil
	}
	err := json.Unmarshal(node.Config, &cfg)
	return cfg, err
}
