// Package stepper implements the workflow stepper (component C4): the
// worker pool that claims queued run attempts, advances a run's v2 linear
// or v3 graph DSL one node at a time, checkpoints progress after each node,
// and suspends a run to the gateway (C3) when a node blocks on remote work.
package stepper

import (
	"context"
	"encoding/json"

	"github.com/vespid-ai/workflow-core/runtime/gateway"
	"github.com/vespid-ai/workflow-core/runtime/run"
	"github.com/vespid-ai/workflow-core/runtime/workflow"
)

// ExecStatus is the terminal shape of one node execution.
type ExecStatus string

const (
	ExecSucceeded ExecStatus = "succeeded"
	ExecFailed    ExecStatus = "failed"
	ExecBlocked   ExecStatus = "blocked"
)

// ExecContext is handed to a NodeExecutor for one node invocation. It
// exposes just enough of the run's state for the executor to act on, plus
// the checkpoint/emit callbacks the executor uses to persist intermediate
// progress without reaching into the store directly.
type ExecContext struct {
	Context context.Context

	OrgID        string
	UserID       string
	RunID        string
	WorkflowID   string
	NodeID       string
	NodeType     workflow.NodeType
	AttemptCount int

	Node    workflow.Node
	RunInput json.RawMessage
	Steps   []run.Step
	Runtime *run.RuntimeState
	// Graph is the v3 DAG this node belongs to, non-nil only when the
	// owning workflow's DSL is v3. parallel.join executors use it to
	// compute join status; linear (v2) node executors never see it.
	Graph *workflow.GraphDSL

	// PendingRemoteResult is non-nil exactly once, when this invocation is
	// resuming a node that had a result staged by a continuation.
	PendingRemoteResult *run.PendingRemoteResult

	OrganizationSettings OrganizationSettings

	// EmitEvent appends an event to the run's log without altering block
	// state (used for progress events emitted mid-execution, e.g. agent
	// loop turns).
	EmitEvent func(ev run.Event)
	// CheckpointRuntime persists an intermediate runtime snapshot without
	// ending the node invocation (used by the agent loop to survive a
	// worker restart between tool calls).
	CheckpointRuntime func(rt run.RuntimeState)
}

// OrganizationSettings carries the tenant policy knobs node executors must
// honor (spec §4.5.3 step 11: shellRunEnabled gate).
type OrganizationSettings struct {
	ShellRunEnabled bool
}

// Block describes remote work a node execution suspends on.
type Block struct {
	Kind          run.BlockKind
	Payload       json.RawMessage
	DispatchNodeID string
	Selector      *gateway.Selector
	Secret        string
	TimeoutMs     int64
}

// ExecResult is returned by a NodeExecutor.
type ExecResult struct {
	Status ExecStatus

	Output  json.RawMessage
	Error   string
	Runtime *run.RuntimeState

	Block *Block
}

// NodeExecutor implements one node type's execution semantics. Registered
// executors are looked up by workflow.NodeType in the stepper's Registry.
type NodeExecutor interface {
	Execute(ec ExecContext) (ExecResult, error)
}

// NodeExecutorFunc adapts a function to NodeExecutor.
type NodeExecutorFunc func(ec ExecContext) (ExecResult, error)

func (f NodeExecutorFunc) Execute(ec ExecContext) (ExecResult, error) { return f(ec) }

// Registry maps node types to their executor.
type Registry struct {
	executors map[workflow.NodeType]NodeExecutor
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[workflow.NodeType]NodeExecutor)}
}

// Register binds nodeType to executor, overwriting any prior binding.
func (r *Registry) Register(nodeType workflow.NodeType, executor NodeExecutor) {
	r.executors[nodeType] = executor
}

// UnknownNodeTypeError reports a node type with no registered executor.
// Callers distinguish it from other Lookup errors with errors.As.
type UnknownNodeTypeError struct {
	NodeType workflow.NodeType
}

func (e *UnknownNodeTypeError) Error() string {
	if e.NodeType == "" {
		return "stepper: unknown node type"
	}
	return "stepper: unknown node type " + string(e.NodeType)
}

// Lookup returns the executor registered for nodeType.
func (r *Registry) Lookup(nodeType workflow.NodeType) (NodeExecutor, error) {
	ex, ok := r.executors[nodeType]
	if !ok {
		return nil, &UnknownNodeTypeError{NodeType: nodeType}
	}
	return ex, nil
}

// DefaultTimeoutMs is applied to a block when the node executor does not
// set one, matching the gateway's own default.
const DefaultTimeoutMs = gateway.DefaultTimeoutMs
