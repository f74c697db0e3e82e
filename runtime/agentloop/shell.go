package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
)

// ShellTaskArgs is the validated input shape for the shell.run tool.
type ShellTaskArgs struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Cwd     string   `json:"cwd,omitempty"`
	TimeoutMs int64  `json:"timeoutMs,omitempty"`
}

// ShellResult is the output shape of a successful shell.run invocation.
type ShellResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// ShellSandbox is the external collaborator that actually runs a shell
// task (spec §1: "the sandbox backend (Docker/host)" is out of scope; this
// module defines only the interface contract, per spec §9's
// executeShellTask(...) dispatch contract).
type ShellSandbox interface {
	ExecuteShellTask(ctx context.Context, orgID, runID string, args ShellTaskArgs) (ShellResult, error)
}

// NewShellTool builds the shell.run Tool. The caller (loop.go) gates this
// tool behind organizationSettings.tools.shellRunEnabled before dispatch
// (spec §4.5.3 step 11); this constructor assumes the gate already passed.
func NewShellTool(sandbox ShellSandbox) Tool {
	return ToolFunc(func(tc ToolContext, input json.RawMessage) (ToolOutcome, error) {
		var args ShellTaskArgs
		if err := json.Unmarshal(input, &args); err != nil || args.Command == "" {
			return ToolOutcome{Status: ToolFailed, Error: ErrInvalidToolInput}, nil
		}
		result, err := sandbox.ExecuteShellTask(tc.Context, tc.OrgID, tc.RunID, args)
		if err != nil {
			return ToolOutcome{Status: ToolFailed, Error: fmt.Sprintf("shell.run: %v", err)}, nil
		}
		output, _ := json.Marshal(result)
		return ToolOutcome{Status: ToolSucceeded, Output: SummarizeJSON(output, DefaultToolSummaryMaxChars)}, nil
	})
}
