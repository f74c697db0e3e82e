package builtin

import (
	"encoding/json"
	"fmt"

	"github.com/vespid-ai/workflow-core/runtime/gateway"
	"github.com/vespid-ai/workflow-core/runtime/run"
	"github.com/vespid-ai/workflow-core/runtime/stepper"
)

// NewConnectorActionExecutor builds the connector.action node executor. A
// community connector action runs on a registered executor process (managed
// or BYON), so the node always blocks on its first invocation and resolves
// from the pending remote result on resume, mirroring
// runtime/stepper/stepper_test.go's remoteExecutor fixture.
func NewConnectorActionExecutor() stepper.NodeExecutor {
	return stepper.NodeExecutorFunc(func(ec stepper.ExecContext) (stepper.ExecResult, error) {
		if ec.PendingRemoteResult != nil {
			return applyRemoteResult(ec.PendingRemoteResult)
		}
		var selector *gateway.Selector
		var timeoutMs int64
		var cfg struct {
			Selector *gateway.Selector `json:"selector,omitempty"`
			TimeoutMs int64            `json:"timeoutMs,omitempty"`
		}
		if len(ec.Node.Config) > 0 {
			_ = json.Unmarshal(ec.Node.Config, &cfg)
			selector = cfg.Selector
			timeoutMs = cfg.TimeoutMs
		}
		return stepper.ExecResult{Status: stepper.ExecBlocked, Block: &stepper.Block{
			Kind: run.BlockConnectorAction, Payload: ec.Node.Config, Selector: selector, TimeoutMs: timeoutMs,
		}}, nil
	})
}

// NewAgentExecuteExecutor builds the agent.execute node executor: a remote
// agent run hosted entirely on an executor process (as distinct from
// agent.run's in-worker loop), dispatched and resolved the same way as
// connector.action.
func NewAgentExecuteExecutor() stepper.NodeExecutor {
	return stepper.NodeExecutorFunc(func(ec stepper.ExecContext) (stepper.ExecResult, error) {
		if ec.PendingRemoteResult != nil {
			return applyRemoteResult(ec.PendingRemoteResult)
		}
		var cfg struct {
			Selector *gateway.Selector `json:"selector,omitempty"`
			TimeoutMs int64            `json:"timeoutMs,omitempty"`
		}
		if len(ec.Node.Config) > 0 {
			_ = json.Unmarshal(ec.Node.Config, &cfg)
		}
		return stepper.ExecResult{Status: stepper.ExecBlocked, Block: &stepper.Block{
			Kind: run.BlockAgentExecute, Payload: ec.Node.Config, Selector: cfg.Selector, TimeoutMs: cfg.TimeoutMs,
		}}, nil
	})
}

func applyRemoteResult(pending *run.PendingRemoteResult) (stepper.ExecResult, error) {
	var result gateway.Result
	if err := json.Unmarshal(pending.Result, &result); err != nil {
		return stepper.ExecResult{}, fmt.Errorf("builtin: decode remote result: %w", err)
	}
	if result.Status == gateway.ResultFailed {
		return stepper.ExecResult{Status: stepper.ExecFailed, Error: result.Error}, nil
	}
	return stepper.ExecResult{Status: stepper.ExecSucceeded, Output: result.Output}, nil
}
