package stepper

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid-ai/workflow-core/runtime/run"
	"github.com/vespid-ai/workflow-core/runtime/workflow"
)

func branchGraph() *workflow.GraphDSL {
	return &workflow.GraphDSL{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeCondition},
			{ID: "a", Type: workflow.NodeShellRun},
			{ID: "b", Type: workflow.NodeShellRun},
			{ID: "join", Type: workflow.NodeParallelJoin},
			{ID: "tail", Type: workflow.NodeShellRun},
		},
		Edges: []workflow.Edge{
			{From: "start", To: "a", Type: workflow.EdgeCondTrue},
			{From: "start", To: "b", Type: workflow.EdgeCondFalse},
			{From: "a", To: "join", Type: workflow.EdgeAlways},
			{From: "b", To: "join", Type: workflow.EdgeAlways},
			{From: "join", To: "tail", Type: workflow.EdgeAlways},
		},
	}
}

func TestNextReady_EntryNodeThenLexicographicTieBreak(t *testing.T) {
	g := branchGraph()
	state := &run.GraphV3State{}

	id, ok := NextReady(g, state)
	require.True(t, ok)
	assert.Equal(t, "start", id)

	state.Decisions = map[string]bool{"start": true}
	state.MarkCompleted("start")

	id, ok = NextReady(g, state)
	require.True(t, ok)
	assert.Equal(t, "a", id) // b's cond_false edge is unsatisfied; only a is ready
}

func TestJoinStatus_PartialSatisfactionNotJoined(t *testing.T) {
	g := branchGraph()
	state := &run.GraphV3State{Decisions: map[string]bool{"start": true}}
	state.MarkCompleted("start")
	state.MarkCompleted("a")

	status := JoinStatus(g, state, "join")
	assert.Equal(t, 2, status.RequiredIncoming)
	assert.Equal(t, 1, status.SatisfiedIncoming)
	assert.False(t, status.Joined)
	assert.Equal(t, []string{"a"}, status.IncomingFrom)
}

func TestClassifySkipped_AllThreeReasons(t *testing.T) {
	g := branchGraph()
	state := &run.GraphV3State{Decisions: map[string]bool{"start": true}}
	state.MarkCompleted("start")
	state.MarkCompleted("a")

	_, ready := NextReady(g, state)
	require.False(t, ready, "join and tail should both be blocked at this point")

	skipped := ClassifySkipped(g, state)
	require.Len(t, skipped, 3)
	assert.Equal(t, ReasonConditionNotMet, skipped["b"].ReasonCode)
	assert.Equal(t, ReasonDependenciesNotSatisfied, skipped["join"].ReasonCode)
	assert.Equal(t, ReasonNotReached, skipped["tail"].ReasonCode)
}

func TestReadyNodes_EntryNodeWithNoIncomingIsAlwaysReady(t *testing.T) {
	g := &workflow.GraphDSL{Nodes: []workflow.Node{{ID: "only", Type: workflow.NodeShellRun}}}
	idx := buildGraphIndex(g)
	ready := readyNodes(idx, &run.GraphV3State{})
	assert.Equal(t, []string{"only"}, ready)
}
