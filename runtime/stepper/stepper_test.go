package stepper

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid-ai/workflow-core/runtime/gateway"
	"github.com/vespid-ai/workflow-core/runtime/queue"
	"github.com/vespid-ai/workflow-core/runtime/queue/memqueue"
	"github.com/vespid-ai/workflow-core/runtime/run"
	"github.com/vespid-ai/workflow-core/runtime/store/memstore"
	"github.com/vespid-ai/workflow-core/runtime/workflow"
)

type fakeWorkflowLoader struct {
	wf workflow.Workflow
}

func (f fakeWorkflowLoader) GetWorkflow(_ context.Context, _ string) (workflow.Workflow, error) {
	return f.wf, nil
}

type fakeDispatcher struct {
	requestID  string
	err        error
	dispatched []gateway.InvokeRequest
}

func (f *fakeDispatcher) Dispatch(_ context.Context, req gateway.InvokeRequest) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.dispatched = append(f.dispatched, req)
	id := f.requestID
	if id == "" {
		id = "req-1"
	}
	return id, nil
}

func succeedingExecutor() NodeExecutor {
	return NodeExecutorFunc(func(ec ExecContext) (ExecResult, error) {
		return ExecResult{Status: ExecSucceeded, Output: json.RawMessage(`{"ok":true}`)}, nil
	})
}

func failingExecutor(errMsg string) NodeExecutor {
	return NodeExecutorFunc(func(ec ExecContext) (ExecResult, error) {
		return ExecResult{Status: ExecFailed, Error: errMsg}, nil
	})
}

// remoteExecutor blocks on its first invocation and resolves from the
// pending remote result on resumption, mirroring a connector.action node.
func remoteExecutor() NodeExecutor {
	return NodeExecutorFunc(func(ec ExecContext) (ExecResult, error) {
		if ec.PendingRemoteResult != nil {
			var result gateway.Result
			if err := json.Unmarshal(ec.PendingRemoteResult.Result, &result); err != nil {
				return ExecResult{}, err
			}
			if result.Status == gateway.ResultFailed {
				return ExecResult{Status: ExecFailed, Error: result.Error}, nil
			}
			return ExecResult{Status: ExecSucceeded, Output: result.Output}, nil
		}
		return ExecResult{Status: ExecBlocked, Block: &Block{Kind: run.BlockConnectorAction, Payload: json.RawMessage(`{}`)}}, nil
	})
}

func newLinearWorkflow(nodeTypes ...workflow.NodeType) workflow.Workflow {
	nodes := make([]workflow.Node, len(nodeTypes))
	for i, nt := range nodeTypes {
		nodes[i] = workflow.Node{ID: fmt.Sprintf("n%d", i), Type: nt}
	}
	return workflow.Workflow{ID: "wf-1", Status: workflow.StatusPublished, DSL: workflow.DSL{Version: workflow.DSLLinear, Linear: nodes}}
}

func newTestStepper(t *testing.T, wf workflow.Workflow, registry *Registry, dispatcher Dispatcher) (*Stepper, *memstore.Store, queue.Queue) {
	t.Helper()
	st := memstore.New()
	runQueue := memqueue.New()
	contQueue := memqueue.New()
	s := NewStepper(st, fakeWorkflowLoader{wf: wf}, registry, dispatcher, runQueue, contQueue, nil, nil)
	return s, st, contQueue
}

func TestStepRun_LinearSucceeds(t *testing.T) {
	wf := newLinearWorkflow(workflow.NodeShellRun, workflow.NodeShellRun)
	registry := NewRegistry()
	registry.Register(workflow.NodeShellRun, succeedingExecutor())
	s, st, _ := newTestStepper(t, wf, registry, &fakeDispatcher{})

	ctx := context.Background()
	created, err := st.CreateRun(ctx, run.WorkflowRun{ID: "run-1", WorkflowID: "wf-1", Input: json.RawMessage(`{}`)})
	require.NoError(t, err)

	require.NoError(t, s.StepRun(ctx, created.ID))

	r, err := st.GetRunByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusSucceeded, r.Status)
	assert.Len(t, r.Output.Steps, 2)
	assert.Equal(t, 2, r.Output.Output.CompletedNodeCount)
}

func TestStepRun_BlocksDispatchesAndEnqueuesPoll(t *testing.T) {
	wf := newLinearWorkflow(workflow.NodeConnector)
	registry := NewRegistry()
	registry.Register(workflow.NodeConnector, remoteExecutor())
	dispatcher := &fakeDispatcher{requestID: "req-1"}
	s, st, contQueue := newTestStepper(t, wf, registry, dispatcher)

	ctx := context.Background()
	created, err := st.CreateRun(ctx, run.WorkflowRun{ID: "run-2", WorkflowID: "wf-1", Input: json.RawMessage(`{}`)})
	require.NoError(t, err)

	require.NoError(t, s.StepRun(ctx, created.ID))
	require.Len(t, dispatcher.dispatched, 1)

	r, err := st.GetRunByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusBlocked, r.Status)
	assert.Equal(t, "req-1", r.BlockedRequestID)

	d, ok, err := contQueue.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, queue.PollJobID("req-1"), d.JobID)
	var job queue.ContinuationJob
	require.NoError(t, json.Unmarshal(d.Payload, &job))
	assert.Equal(t, queue.ContinuationPoll, job.Kind)
	assert.Equal(t, "req-1", job.RequestID)
}

func TestStepRun_ResumesAfterContinuationAppliesResult(t *testing.T) {
	wf := newLinearWorkflow(workflow.NodeConnector)
	registry := NewRegistry()
	registry.Register(workflow.NodeConnector, remoteExecutor())
	dispatcher := &fakeDispatcher{requestID: "req-9"}
	s, st, contQueue := newTestStepper(t, wf, registry, dispatcher)
	runQueue := s.RunQueue

	ctx := context.Background()
	created, err := st.CreateRun(ctx, run.WorkflowRun{ID: "run-3", WorkflowID: "wf-1", Input: json.RawMessage(`{}`)})
	require.NoError(t, err)
	require.NoError(t, s.StepRun(ctx, created.ID))

	fetcher := &fakeResultFetcher{result: gateway.Result{
		RequestID: "req-9", Status: gateway.ResultSucceeded, Output: json.RawMessage(`{"value":1}`),
	}}
	handler := NewContinuationHandler(st, fetcher, runQueue, contQueue, nil)

	d, ok, err := contQueue.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, handler.HandleDelivery(ctx, d))

	r, err := st.GetRunByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusRunning, r.Status)
	assert.Empty(t, r.BlockedRequestID)
	require.NotNil(t, r.Output.Runtime)
	require.NotNil(t, r.Output.Runtime.PendingRemoteResult)
	assert.Equal(t, "req-9", r.Output.Runtime.PendingRemoteResult.RequestID)

	rd, ok, err := runQueue.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, queue.RunJobID(created.ID), rd.JobID)

	require.NoError(t, s.StepRun(ctx, created.ID))
	r, err = st.GetRunByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusSucceeded, r.Status)
	assert.Len(t, r.Output.Steps, 1)
	assert.Equal(t, "succeeded", r.Output.Steps[0].Status)
}

func TestStepRun_RetriesThenFailsAtMaxAttempts(t *testing.T) {
	wf := newLinearWorkflow(workflow.NodeShellRun)
	registry := NewRegistry()
	registry.Register(workflow.NodeShellRun, failingExecutor("boom"))
	s, st, _ := newTestStepper(t, wf, registry, &fakeDispatcher{})

	ctx := context.Background()
	created, err := st.CreateRun(ctx, run.WorkflowRun{ID: "run-4", WorkflowID: "wf-1", Input: json.RawMessage(`{}`), MaxAttempts: 2})
	require.NoError(t, err)

	err = s.StepRun(ctx, created.ID)
	require.Error(t, err)
	r, gerr := st.GetRunByID(ctx, created.ID)
	require.NoError(t, gerr)
	assert.Equal(t, run.StatusQueued, r.Status)

	err = s.StepRun(ctx, created.ID)
	require.NoError(t, err)
	r, gerr = st.GetRunByID(ctx, created.ID)
	require.NoError(t, gerr)
	assert.Equal(t, run.StatusFailed, r.Status)
	assert.Contains(t, r.Error, "boom")
}

func TestStepRun_TerminalRunIsNoOp(t *testing.T) {
	wf := newLinearWorkflow(workflow.NodeShellRun)
	registry := NewRegistry()
	s, st, _ := newTestStepper(t, wf, registry, &fakeDispatcher{})

	ctx := context.Background()
	created, err := st.CreateRun(ctx, run.WorkflowRun{ID: "run-5", WorkflowID: "wf-1", Status: run.StatusSucceeded})
	require.NoError(t, err)

	assert.NoError(t, s.StepRun(ctx, created.ID))
	r, err := st.GetRunByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusSucceeded, r.Status)
}
