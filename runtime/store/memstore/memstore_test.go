package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid-ai/workflow-core/runtime/run"
	"github.com/vespid-ai/workflow-core/runtime/store"
)

func TestStore_CreateAndGetRun(t *testing.T) {
	s := New()
	ctx := context.Background()
	created, err := s.CreateRun(ctx, run.WorkflowRun{ID: "run-1", WorkflowID: "wf-1"})
	require.NoError(t, err)
	assert.Equal(t, run.StatusQueued, created.Status)

	got, err := s.GetRunByID(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", got.WorkflowID)

	_, err = s.GetRunByID(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_MarkBlockedAndClearBlockCAS(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.CreateRun(ctx, run.WorkflowRun{ID: "run-1"})
	require.NoError(t, err)
	require.NoError(t, s.MarkRunning(ctx, "run-1", 1))

	require.NoError(t, s.MarkBlocked(ctx, "run-1", 2, "req-1", "node-2", "agent.execute", run.BlockAgentExecute, time.Now().Add(time.Minute), run.Output{}))

	got, err := s.GetRunByID(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.StatusBlocked, got.Status)
	assert.Equal(t, "req-1", got.BlockedRequestID)

	// Stale continuation using the wrong requestId must fail CAS.
	err = s.ClearBlock(ctx, "run-1", "wrong-request", run.Output{})
	assert.ErrorIs(t, err, store.ErrCASFailed)

	require.NoError(t, s.ClearBlock(ctx, "run-1", "req-1", run.Output{}))
	got, err = s.GetRunByID(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.StatusRunning, got.Status)
	assert.Empty(t, got.BlockedRequestID)

	// A second attempt to clear the same (now-cleared) block is a no-op CAS
	// failure too: the blockedRequestId is empty, not "req-1".
	err = s.ClearBlock(ctx, "run-1", "req-1", run.Output{})
	assert.ErrorIs(t, err, store.ErrCASFailed)
}

func TestStore_ClaimNextQueuedRespectsNextAttemptAt(t *testing.T) {
	s := New()
	ctx := context.Background()
	future := time.Now().Add(time.Hour)
	_, err := s.CreateRun(ctx, run.WorkflowRun{ID: "run-future", Status: run.StatusQueued, NextAttemptAt: &future})
	require.NoError(t, err)
	_, err = s.CreateRun(ctx, run.WorkflowRun{ID: "run-ready", Status: run.StatusQueued})
	require.NoError(t, err)

	claimed, err := s.ClaimNextQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-ready", claimed.ID)
	assert.Equal(t, 1, claimed.AttemptCount)
	assert.Equal(t, run.StatusRunning, claimed.Status)

	_, err = s.ClaimNextQueued(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_AppendAndListEventsOrdered(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.CreateRun(ctx, run.WorkflowRun{ID: "run-1"})
	require.NoError(t, err)

	require.NoError(t, s.AppendEvent(ctx, run.Event{RunID: "run-1", EventType: run.EventRunStarted}))
	require.NoError(t, s.AppendEvent(ctx, run.Event{RunID: "run-1", EventType: run.EventNodeStarted}))
	require.NoError(t, s.AppendEvent(ctx, run.Event{RunID: "run-1", EventType: run.EventNodeSucceeded}))

	page, err := s.ListEvents(ctx, "run-1", run.EventsCursor{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, run.EventRunStarted, page.Items[0].EventType)
	assert.Equal(t, run.EventNodeStarted, page.Items[1].EventType)
	assert.NotEmpty(t, page.Next)

	next, err := s.ListEvents(ctx, "run-1", run.EventsCursor{AfterID: page.Next})
	require.NoError(t, err)
	require.Len(t, next.Items, 1)
	assert.Equal(t, run.EventNodeSucceeded, next.Items[0].EventType)
}
