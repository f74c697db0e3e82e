package memqueue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_EnqueueDequeueAck(t *testing.T) {
	q := New()
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "job-1", json.RawMessage(`{"a":1}`), 0))

	d, ok, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "job-1", d.JobID)
	assert.Equal(t, 1, d.Attempt)

	_, ok, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, q.Ack(ctx, "job-1"))
}

func TestQueue_DuplicateEnqueueCollapses(t *testing.T) {
	q := New()
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "job-1", json.RawMessage(`{}`), 0))
	require.NoError(t, q.Enqueue(ctx, "job-1", json.RawMessage(`{"different":true}`), 0))

	_, ok, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "duplicate enqueue for the same jobID must not produce a second job")
}

func TestQueue_DelayHidesJobUntilReady(t *testing.T) {
	q := New()
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "job-delayed", json.RawMessage(`{}`), 50*time.Millisecond))

	_, ok, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.Eventually(t, func() bool {
		_, ok, _ := q.Dequeue(ctx)
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestQueue_RetryReschedulesWithBumpedAttempt(t *testing.T) {
	q := New()
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "job-1", json.RawMessage(`{}`), 0))

	d, ok, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.Retry(ctx, d.JobID, 0))

	d2, ok, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, d2.Attempt)
}
