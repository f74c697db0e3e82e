// Package workflow defines the versioned workflow graph description: the
// node catalogue, the v2 (linear) and v3 (graph) DSL shapes, and the
// publish-time validation that protects the stepper from malformed DAGs.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Status is the publication lifecycle of a Workflow.
type Status string

const (
	// StatusDraft workflows cannot be started; only published versions run.
	StatusDraft Status = "draft"
	// StatusPublished workflows are immutable and eligible for execution.
	StatusPublished Status = "published"
)

// DSLVersion identifies the shape of a Workflow's node graph.
type DSLVersion string

const (
	// DSLLinear is the v2 ordered-node-list shape.
	DSLLinear DSLVersion = "v2"
	// DSLGraph is the v3 DAG shape with typed edges.
	DSLGraph DSLVersion = "v3"
)

// NodeType enumerates the node kinds the stepper's executor registry knows
// how to dispatch. Unknown types fail the run at the first node of that type.
type NodeType string

const (
	NodeCondition    NodeType = "condition"
	NodeParallelJoin NodeType = "parallel.join"
	NodeAgentExecute NodeType = "agent.execute"
	NodeAgentRun     NodeType = "agent.run"
	NodeConnector    NodeType = "connector.action"
	NodeShellRun     NodeType = "shell.run"
	NodeHTTPRequest  NodeType = "http.request"
)

// EdgeType enumerates the typed edges a v3 graph may declare between nodes.
type EdgeType string

const (
	// EdgeAlways requires the upstream node to have succeeded, with no
	// additional condition.
	EdgeAlways EdgeType = "always"
	// EdgeCondTrue requires the upstream condition node's decision to be true.
	EdgeCondTrue EdgeType = "cond_true"
	// EdgeCondFalse requires the upstream condition node's decision to be false.
	EdgeCondFalse EdgeType = "cond_false"
)

type (
	// Node is a single unit of work in a workflow graph.
	Node struct {
		ID     string          `json:"id" bson:"id"`
		Type   NodeType        `json:"type" bson:"type"`
		Config json.RawMessage `json:"config,omitempty" bson:"config,omitempty"`
	}

	// Edge connects two nodes in a v3 graph with a typed relationship.
	Edge struct {
		From string   `json:"from" bson:"from"`
		To   string   `json:"to" bson:"to"`
		Type EdgeType `json:"type" bson:"type"`
	}

	// DSL is the workflow graph description. Exactly one of Linear or Graph
	// is populated, selected by Version.
	DSL struct {
		Version DSLVersion `json:"version" bson:"version"`
		// Linear holds the v2 ordered node list.
		Linear []Node `json:"linear,omitempty" bson:"linear,omitempty"`
		// Graph holds the v3 DAG nodes and edges.
		Graph *GraphDSL `json:"graph,omitempty" bson:"graph,omitempty"`
	}

	// GraphDSL is the v3 DAG shape: nodes plus typed edges, with an entry
	// node set implied by "no incoming edges."
	GraphDSL struct {
		Nodes []Node `json:"nodes" bson:"nodes"`
		Edges []Edge `json:"edges" bson:"edges"`
	}

	// Workflow is an identified, versioned graph description.
	Workflow struct {
		ID             string `json:"id" bson:"id"`
		OrganizationID string `json:"organizationId" bson:"organization_id"`
		Name           string `json:"name" bson:"name"`
		Version        int    `json:"version" bson:"version"`
		Status         Status `json:"status" bson:"status"`
		DSL            DSL    `json:"dsl" bson:"dsl"`
	}
)

// NodeByID returns the node with the given id, searching whichever DSL shape
// is populated.
func (d DSL) NodeByID(id string) (Node, bool) {
	switch d.Version {
	case DSLLinear:
		for _, n := range d.Linear {
			if n.ID == id {
				return n, true
			}
		}
	case DSLGraph:
		if d.Graph == nil {
			return Node{}, false
		}
		for _, n := range d.Graph.Nodes {
			if n.ID == id {
				return n, true
			}
		}
	}
	return Node{}, false
}

// Nodes returns every node in the DSL regardless of shape, in declaration order.
func (d DSL) Nodes() []Node {
	if d.Version == DSLLinear {
		return d.Linear
	}
	if d.Graph != nil {
		return d.Graph.Nodes
	}
	return nil
}

var (
	// ErrEmptyGraph indicates a v3 DSL with no nodes.
	ErrEmptyGraph = errors.New("workflow: v3 graph has no nodes")
	// ErrCycle indicates the v3 graph is not a DAG.
	ErrCycle = errors.New("workflow: v3 graph contains a cycle")
	// ErrUnreachable indicates a node with no path from the entry set.
	ErrUnreachable = errors.New("workflow: v3 graph has an unreachable node")
	// ErrBadConditionalEdge indicates a cond_true/cond_false edge whose
	// source is not a condition node.
	ErrBadConditionalEdge = errors.New("workflow: conditional edge leaves a non-condition node")
	// ErrDuplicateNodeID indicates two nodes in the same DSL share an id.
	ErrDuplicateNodeID = errors.New("workflow: duplicate node id")
	// ErrDanglingEdge indicates an edge referencing an unknown node id.
	ErrDanglingEdge = errors.New("workflow: edge references unknown node id")
)

// Validate checks the DSL invariants required before publish and before run
// start: for v3, no cycles, every node reachable from the entry set, and
// conditional outgoing edges only leave condition nodes.
func (d DSL) Validate() error {
	switch d.Version {
	case DSLLinear:
		seen := make(map[string]struct{}, len(d.Linear))
		for _, n := range d.Linear {
			if _, dup := seen[n.ID]; dup {
				return fmt.Errorf("%w: %s", ErrDuplicateNodeID, n.ID)
			}
			seen[n.ID] = struct{}{}
		}
		return nil
	case DSLGraph:
		return d.validateGraph()
	default:
		return fmt.Errorf("workflow: unknown DSL version %q", d.Version)
	}
}

func (d DSL) validateGraph() error {
	g := d.Graph
	if g == nil || len(g.Nodes) == 0 {
		return ErrEmptyGraph
	}
	byID := make(map[string]Node, len(g.Nodes))
	for _, n := range g.Nodes {
		if _, dup := byID[n.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateNodeID, n.ID)
		}
		byID[n.ID] = n
	}

	incoming := make(map[string][]Edge, len(g.Nodes))
	outgoing := make(map[string][]Edge, len(g.Nodes))
	for _, e := range g.Edges {
		if _, ok := byID[e.From]; !ok {
			return fmt.Errorf("%w: %s", ErrDanglingEdge, e.From)
		}
		if _, ok := byID[e.To]; !ok {
			return fmt.Errorf("%w: %s", ErrDanglingEdge, e.To)
		}
		if e.Type == EdgeCondTrue || e.Type == EdgeCondFalse {
			if byID[e.From].Type != NodeCondition {
				return fmt.Errorf("%w: edge %s->%s", ErrBadConditionalEdge, e.From, e.To)
			}
		}
		incoming[e.To] = append(incoming[e.To], e)
		outgoing[e.From] = append(outgoing[e.From], e)
	}

	if err := detectCycle(byID, outgoing); err != nil {
		return err
	}
	return checkReachability(byID, incoming, outgoing)
}

func detectCycle(byID map[string]Node, outgoing map[string][]Edge) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(byID))
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, e := range outgoing[id] {
			switch color[e.To] {
			case gray:
				return fmt.Errorf("%w: at %s", ErrCycle, e.To)
			case white:
				if err := visit(e.To); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for id := range byID {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkReachability(byID map[string]Node, incoming, outgoing map[string][]Edge) error {
	var entries []string
	for id := range byID {
		if len(incoming[id]) == 0 {
			entries = append(entries, id)
		}
	}
	reached := make(map[string]struct{}, len(byID))
	var walk func(id string)
	walk = func(id string) {
		if _, ok := reached[id]; ok {
			return
		}
		reached[id] = struct{}{}
		for _, e := range outgoing[id] {
			walk(e.To)
		}
	}
	for _, id := range entries {
		walk(id)
	}
	for id := range byID {
		if _, ok := reached[id]; !ok {
			return fmt.Errorf("%w: %s", ErrUnreachable, id)
		}
	}
	return nil
}
