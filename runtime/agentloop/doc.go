// Package agentloop implements the bounded LLM-driven tool loop (component
// C5): a ReAct-style agent that drives a model through a strict JSON
// envelope, validates its output, enforces per-tool allowlists and org
// policy, supports hierarchical team delegation, and checkpoints tool
// history so remote tool calls survive a worker restart.
//
// The loop is exposed as a stepper.NodeExecutor (Loop.Execute) so it plugs
// into the workflow stepper (C4) like any other node type: a blocked tool
// call suspends the node exactly the way a connector.action node does,
// and resumes from runtime.agentRuns[nodeId] on the next invocation.
package agentloop
