// Package store defines the durable store contract (component C1): the
// single source of truth for a WorkflowRun's state machine and its
// append-only event log. Every transition below is a single write to the run
// record; events are appended separately through AppendEvent. Concurrent stepper
// attempts on the same run race safely because losing writers either see a
// CAS failure or an unexpected current status and exit quietly, mirroring
// the teacher's run-store contract in features/run/mongo/store.go.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/vespid-ai/workflow-core/runtime/run"
)

// ErrNotFound indicates no run (or event cursor) matched the lookup.
var ErrNotFound = errors.New("store: not found")

// ErrCASFailed indicates a compare-and-swap transition observed a
// blockedRequestId or status other than the one the caller expected; the
// caller should treat this as a no-op and exit quietly rather than retry.
var ErrCASFailed = errors.New("store: compare-and-swap failed")

// Cursor paginates ListRuns reads; ListEvents takes a run.EventsCursor.
type Cursor struct {
	After string
	Limit int
}

// Page is a single page of results plus the cursor to fetch the next one.
// Next is empty when there is no further page.
type Page[T any] struct {
	Items []T
	Next  string
}

// Store is the durable store contract for C1. Runs are addressed by id
// alone; no method takes or reads an organization id.
type Store interface {
	CreateRun(ctx context.Context, r run.WorkflowRun) (run.WorkflowRun, error)
	GetRunByID(ctx context.Context, runID string) (run.WorkflowRun, error)
	ListRuns(ctx context.Context, workflowID string, cursor Cursor) (Page[run.WorkflowRun], error)

	MarkRunning(ctx context.Context, runID string, attempt int) error
	UpdateProgress(ctx context.Context, runID string, cursor int, output run.Output) error

	MarkBlocked(ctx context.Context, runID string, cursor int, requestID, nodeID, nodeType string, kind run.BlockKind, timeoutAt time.Time, output run.Output) error
	ClearBlock(ctx context.Context, runID, expectedRequestID string, output run.Output) error
	ClearBlockAndAdvance(ctx context.Context, runID, expectedRequestID string, nextCursor int, output run.Output) error

	MarkSucceeded(ctx context.Context, runID string, output run.Output) error
	MarkFailed(ctx context.Context, runID string, errCode string, output run.Output) error
	QueueForRetry(ctx context.Context, runID string, errCode string, nextAttemptAt *time.Time) error

	AppendEvent(ctx context.Context, ev run.Event) error
	ListEvents(ctx context.Context, runID string, cursor run.EventsCursor) (Page[run.Event], error)

	// ClaimNextQueued atomically transitions one queued row whose
	// nextAttemptAt <= now to running and bumps its attempt count,
	// mirroring a `SELECT ... FOR UPDATE SKIP LOCKED` claim. It returns
	// ErrNotFound when no claimable row exists.
	ClaimNextQueued(ctx context.Context) (run.WorkflowRun, error)
}
