package stepper

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid-ai/workflow-core/runtime/gateway"
	"github.com/vespid-ai/workflow-core/runtime/queue"
	"github.com/vespid-ai/workflow-core/runtime/queue/memqueue"
	"github.com/vespid-ai/workflow-core/runtime/run"
	"github.com/vespid-ai/workflow-core/runtime/store/memstore"
)

type fakeResultFetcher struct {
	result  gateway.Result
	notReady bool
}

func (f *fakeResultFetcher) FetchResult(_ context.Context, requestID string) (gateway.Result, error) {
	if f.notReady {
		return gateway.Result{}, &gateway.DispatchError{Code: gateway.ErrResultNotReady, Message: requestID}
	}
	return f.result, nil
}

func blockedRun(t *testing.T, st *memstore.Store, requestID string) run.WorkflowRun {
	t.Helper()
	ctx := context.Background()
	created, err := st.CreateRun(ctx, run.WorkflowRun{ID: "run-cont", WorkflowID: "wf-1"})
	require.NoError(t, err)
	require.NoError(t, st.MarkBlocked(ctx, created.ID, 0, requestID, "n0", "connector.action", run.BlockConnectorAction, time.Now().Add(time.Minute), created.Output))
	r, err := st.GetRunByID(ctx, created.ID)
	require.NoError(t, err)
	return r
}

func TestContinuationHandler_PollReschedulesWhenNotReady(t *testing.T) {
	st := memstore.New()
	blockedRun(t, st, "req-np")
	runQueue := memqueue.New()
	contQueue := memqueue.New()
	fetcher := &fakeResultFetcher{notReady: true}
	handler := NewContinuationHandler(st, fetcher, runQueue, contQueue, nil)

	job := queue.ContinuationJob{Kind: queue.ContinuationPoll, RunID: "run-cont", RequestID: "req-np"}
	payload, err := json.Marshal(job)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, handler.HandleDelivery(ctx, queue.Delivery{JobID: queue.PollJobID("req-np"), Payload: payload, Attempt: 1}))

	r, err := st.GetRunByID(ctx, "run-cont")
	require.NoError(t, err)
	assert.Equal(t, run.StatusBlocked, r.Status, "not-ready poll must not disturb the block")

	d, ok, err := contQueue.Dequeue(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "rescheduled poll is delayed, not immediately ready")
	_ = d
}

func TestContinuationHandler_ApplyIsCASIdempotentAgainstDuplicateDelivery(t *testing.T) {
	st := memstore.New()
	blockedRun(t, st, "req-dup")
	runQueue := memqueue.New()
	contQueue := memqueue.New()
	fetcher := &fakeResultFetcher{result: gateway.Result{RequestID: "req-dup", Status: gateway.ResultSucceeded, Output: json.RawMessage(`{}`)}}
	handler := NewContinuationHandler(st, fetcher, runQueue, contQueue, nil)

	ctx := context.Background()
	require.NoError(t, handler.applyResult(ctx, "run-cont", "req-dup", fetcher.result))
	require.NoError(t, handler.applyResult(ctx, "run-cont", "req-dup", fetcher.result))

	r, err := st.GetRunByID(ctx, "run-cont")
	require.NoError(t, err)
	assert.Equal(t, run.StatusRunning, r.Status)

	count := 0
	for {
		_, ok, err := runQueue.Dequeue(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		count++
	}
	assert.Equal(t, 1, count, "the duplicate apply must not enqueue a second run job")
}

func TestContinuationHandler_EventAppendsWithoutChangingRunState(t *testing.T) {
	st := memstore.New()
	blockedRun(t, st, "req-evt")
	runQueue := memqueue.New()
	contQueue := memqueue.New()
	handler := NewContinuationHandler(st, &fakeResultFetcher{}, runQueue, contQueue, nil)

	ctx := context.Background()
	job := queue.ContinuationJob{
		Kind: queue.ContinuationEvent, RunID: "run-cont",
		Event: &gateway.RemoteEvent{RequestID: "req-evt", Kind: "log", Message: "progress", Ts: time.Now()},
	}
	payload, err := json.Marshal(job)
	require.NoError(t, err)
	require.NoError(t, handler.HandleDelivery(ctx, queue.Delivery{JobID: "evt-1", Payload: payload}))

	r, err := st.GetRunByID(ctx, "run-cont")
	require.NoError(t, err)
	assert.Equal(t, run.StatusBlocked, r.Status)

	page, err := st.ListEvents(ctx, "run-cont", run.EventsCursor{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, run.EventRemoteEvent, page.Items[0].EventType)
	assert.Equal(t, "progress", page.Items[0].Message)
}
