package builtin

import (
	"github.com/vespid-ai/workflow-core/runtime/agentloop"
	"github.com/vespid-ai/workflow-core/runtime/stepper"
	"github.com/vespid-ai/workflow-core/runtime/workflow"
)

// Register wires every builtin node executor except agent.run (which the
// caller registers directly with its configured *agentloop.Loop) into reg.
func Register(reg *stepper.Registry, sandbox agentloop.ShellSandbox) {
	reg.Register(workflow.NodeCondition, NewConditionExecutor())
	reg.Register(workflow.NodeParallelJoin, NewParallelJoinExecutor())
	reg.Register(workflow.NodeConnector, NewConnectorActionExecutor())
	reg.Register(workflow.NodeAgentExecute, NewAgentExecuteExecutor())
	reg.Register(workflow.NodeHTTPRequest, NewHTTPRequestExecutor())
	reg.Register(workflow.NodeShellRun, NewShellRunExecutor(sandbox))
}
