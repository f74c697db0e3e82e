package builtin

import (
	"encoding/json"

	"github.com/vespid-ai/workflow-core/runtime/agentloop"
	"github.com/vespid-ai/workflow-core/runtime/stepper"
)

// NewShellRunExecutor builds the shell.run node executor: it runs inline in
// the worker process (no gateway Block exists for shell.run; unlike
// connector.action/agent.execute/agent.run, a shell task is always executed
// by whichever worker claimed the run). Sandbox is the same external
// collaborator contract the agent loop's shell.run tool depends on.
func NewShellRunExecutor(sandbox agentloop.ShellSandbox) stepper.NodeExecutor {
	return stepper.NodeExecutorFunc(func(ec stepper.ExecContext) (stepper.ExecResult, error) {
		if !ec.OrganizationSettings.ShellRunEnabled {
			return stepper.ExecResult{Status: stepper.ExecFailed, Error: "TOOL_POLICY_DENIED:shell.run"}, nil
		}
		var args agentloop.ShellTaskArgs
		if len(ec.Node.Config) == 0 {
			return stepper.ExecResult{Status: stepper.ExecFailed, Error: "INVALID_TOOL_INPUT"}, nil
		}
		if err := json.Unmarshal(ec.Node.Config, &args); err != nil || args.Command == "" {
			return stepper.ExecResult{Status: stepper.ExecFailed, Error: "INVALID_TOOL_INPUT"}, nil
		}
		result, err := sandbox.ExecuteShellTask(ec.Context, ec.OrgID, ec.RunID, args)
		if err != nil {
			return stepper.ExecResult{Status: stepper.ExecFailed, Error: "shell.run: " + err.Error()}, nil
		}
		output, _ := json.Marshal(result)
		return stepper.ExecResult{Status: stepper.ExecSucceeded, Output: output}, nil
	})
}
