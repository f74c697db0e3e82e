// Package builtin implements the stepper.NodeExecutor for every node type a
// workflow DSL can declare other than agent.run (runtime/agentloop.Loop
// implements that one directly): the graph-control node types condition and
// parallel.join, and the work node types connector.action, shell.run,
// http.request, and agent.execute.
package builtin
