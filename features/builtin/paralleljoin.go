package builtin

import (
	"encoding/json"

	"github.com/vespid-ai/workflow-core/runtime/stepper"
)

// NewParallelJoinExecutor builds the parallel.join node executor. By the
// time the graph stepper selects this node as ready (runtime/stepper's
// NextReady), every incoming edge is already satisfied, so the node always
// succeeds; its output reports the join bookkeeping for observability.
func NewParallelJoinExecutor() stepper.NodeExecutor {
	return stepper.NodeExecutorFunc(func(ec stepper.ExecContext) (stepper.ExecResult, error) {
		if ec.Graph == nil {
			return stepper.ExecResult{Status: stepper.ExecFailed, Error: "parallel.join: requires a v3 graph workflow"}, nil
		}
		state := ec.Runtime
		if state == nil || state.GraphV3 == nil {
			return stepper.ExecResult{Status: stepper.ExecFailed, Error: "parallel.join: missing graph traversal state"}, nil
		}
		status := stepper.JoinStatus(ec.Graph, state.GraphV3, ec.NodeID)
		output, _ := json.Marshal(status)
		if !status.Joined {
			return stepper.ExecResult{Status: stepper.ExecFailed, Error: "parallel.join: incoming edges not all satisfied", Output: output}, nil
		}
		return stepper.ExecResult{Status: stepper.ExecSucceeded, Output: output}, nil
	})
}
