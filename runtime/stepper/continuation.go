package stepper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vespid-ai/workflow-core/runtime/gateway"
	"github.com/vespid-ai/workflow-core/runtime/queue"
	"github.com/vespid-ai/workflow-core/runtime/run"
	"github.com/vespid-ai/workflow-core/runtime/store"
	"github.com/vespid-ai/workflow-core/runtime/telemetry"
)

// DefaultPollInterval is the cadence at which a remote.poll job reschedules
// itself while its result is not yet ready (spec §4.2: "poll cadence
// default 2s").
const DefaultPollInterval = 2 * time.Second

// ErrRemoteResultApplyFailed is the stable error code wrapping a failure to
// durably apply a remote result to run state (spec §6); it is distinct from
// a CAS no-op, which is not an error.
const ErrRemoteResultApplyFailed = "REMOTE_RESULT_APPLY_FAILED"

// ResultFetcher is the C3 surface a continuation worker polls for a
// dispatch's terminal result.
type ResultFetcher interface {
	FetchResult(ctx context.Context, requestID string) (gateway.Result, error)
}

// ContinuationHandler consumes the continuation queue (spec §4.4.4): it
// applies a remote result to the run it belongs to via the store's CAS
// clearBlock, then re-enqueues the run job so the stepper resumes the node
// that was waiting on it. remote.poll jobs that find no result yet
// reschedule themselves; remote.event jobs only append to the event log.
type ContinuationHandler struct {
	Store         store.Store
	Results       ResultFetcher
	RunQueue      queue.Queue
	Continuations queue.Queue
	Logger        telemetry.Logger

	PollInterval time.Duration
}

// NewContinuationHandler constructs a ContinuationHandler with defaults
// applied to optional fields.
func NewContinuationHandler(st store.Store, results ResultFetcher, runQueue, continuations queue.Queue, logger telemetry.Logger) *ContinuationHandler {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &ContinuationHandler{
		Store: st, Results: results, RunQueue: runQueue, Continuations: continuations,
		Logger: logger, PollInterval: DefaultPollInterval,
	}
}

// RunWorkerPool starts concurrency independent RunWorkerLoop goroutines
// sharing the same continuation queue (WORKFLOW_CONTINUATION_CONCURRENCY,
// spec §6). It blocks until every loop returns. concurrency <= 0 is
// treated as 1.
func (h *ContinuationHandler) RunWorkerPool(ctx context.Context, concurrency int, idle time.Duration) {
	if concurrency <= 0 {
		concurrency = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.RunWorkerLoop(ctx, idle)
		}()
	}
	wg.Wait()
}

// RunWorkerLoop repeatedly claims and handles continuation-queue jobs until
// ctx is canceled.
func (h *ContinuationHandler) RunWorkerLoop(ctx context.Context, idle time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d, ok, err := h.Continuations.Dequeue(ctx)
		if err != nil {
			h.Logger.Error(ctx, "continuation: dequeue failed", "error", err)
			time.Sleep(idle)
			continue
		}
		if !ok {
			time.Sleep(idle)
			continue
		}
		if err := h.HandleDelivery(ctx, d); err != nil {
			h.Logger.Warn(ctx, "continuation: handler raised, retrying job", "jobId", d.JobID, "error", err)
			_ = h.Continuations.Retry(ctx, d.JobID, queue.Backoff(RetryBaseDelay, d.Attempt))
			continue
		}
		_ = h.Continuations.Ack(ctx, d.JobID)
	}
}

// HandleDelivery dispatches one claimed continuation job by kind.
func (h *ContinuationHandler) HandleDelivery(ctx context.Context, d queue.Delivery) error {
	var job queue.ContinuationJob
	if err := json.Unmarshal(d.Payload, &job); err != nil {
		h.Logger.Error(ctx, "continuation: malformed job payload, dropping", "jobId", d.JobID)
		return nil
	}
	switch job.Kind {
	case queue.ContinuationPoll:
		return h.handlePoll(ctx, job)
	case queue.ContinuationApply:
		return h.handleApply(ctx, job)
	case queue.ContinuationEvent:
		return h.handleEvent(ctx, job)
	default:
		return fmt.Errorf("continuation: unknown kind %q", job.Kind)
	}
}

func (h *ContinuationHandler) handlePoll(ctx context.Context, job queue.ContinuationJob) error {
	result, err := h.Results.FetchResult(ctx, job.RequestID)
	if err != nil {
		var derr *gateway.DispatchError
		if errors.As(err, &derr) && derr.Code == gateway.ErrResultNotReady {
			if timedOut, terr := h.blockedTimedOut(ctx, job.RunID, job.RequestID); terr == nil && timedOut {
				return h.applyResult(ctx, job.RunID, job.RequestID, gateway.Result{
					RequestID: job.RequestID, Status: gateway.ResultFailed, Error: gateway.ErrNodeExecutionTimeout,
				})
			}
			payload, _ := json.Marshal(job)
			return h.Continuations.Enqueue(ctx, queue.PollJobID(job.RequestID), payload, h.pollInterval())
		}
		return fmt.Errorf("continuation: fetch result: %w", err)
	}
	return h.applyResult(ctx, job.RunID, job.RequestID, result)
}

// blockedTimedOut reports whether runID is still blocked on requestID and
// its durable BlockedTimeoutAt deadline has passed (spec §4.3 "Timeouts":
// "the continuation handler synthesizes {status:failed,
// error:NODE_EXECUTION_TIMEOUT} once now >= blockedTimeoutAt"). This is the
// durable backstop for the gateway's in-process timer, which is lost on a
// gateway restart.
func (h *ContinuationHandler) blockedTimedOut(ctx context.Context, runID, requestID string) (bool, error) {
	r, err := h.Store.GetRunByID(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if r.Status != run.StatusBlocked || r.BlockedRequestID != requestID {
		return false, nil // already resumed by a prior delivery
	}
	if r.BlockedTimeoutAt.IsZero() {
		return false, nil
	}
	return !time.Now().UTC().Before(r.BlockedTimeoutAt), nil
}

func (h *ContinuationHandler) handleApply(ctx context.Context, job queue.ContinuationJob) error {
	if job.Result == nil {
		return errors.New("continuation: remote.apply job missing result")
	}
	return h.applyResult(ctx, job.RunID, job.RequestID, *job.Result)
}

// applyResult implements spec §4.4.4: stage the result as the run's
// pendingRemoteResult and clear the block via CAS on expectedRequestId, then
// re-enqueue the run job so the stepper resumes. A CAS failure means
// another delivery (the push racing the poll fallback, or a duplicate
// delivery) already applied this result; that is a success, not an error.
func (h *ContinuationHandler) applyResult(ctx context.Context, runID, requestID string, result gateway.Result) error {
	r, err := h.Store.GetRunByID(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("continuation: load run: %w", err)
	}
	if r.Status != run.StatusBlocked || r.BlockedRequestID != requestID {
		return nil // already resumed by a prior delivery
	}

	resultPayload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("continuation: %s: marshal result: %w", ErrRemoteResultApplyFailed, err)
	}
	output := r.Output
	if output.Runtime == nil {
		output.Runtime = &run.RuntimeState{}
	}
	output.Runtime.PendingRemoteResult = &run.PendingRemoteResult{RequestID: requestID, Result: resultPayload}

	if err := h.Store.ClearBlock(ctx, runID, requestID, output); err != nil {
		if errors.Is(err, store.ErrCASFailed) {
			return nil
		}
		return fmt.Errorf("continuation: %s: clear block: %w", ErrRemoteResultApplyFailed, err)
	}

	_ = h.Store.AppendEvent(ctx, run.Event{
		RunID: runID, AttemptCount: r.AttemptCount, Ts: time.Now().UTC(),
		EventType: run.EventRemoteResultReceived, NodeID: r.BlockedNodeID, NodeType: r.BlockedNodeType,
		Level: run.LevelInfo, Payload: resultPayload,
	})

	jobPayload, err := json.Marshal(queue.RunJob{
		RunID: runID, OrgID: r.OrganizationID, WorkflowID: r.WorkflowID, RequestedByUserID: r.RequestedByUserID,
	})
	if err != nil {
		return fmt.Errorf("continuation: marshal run job: %w", err)
	}
	return h.RunQueue.Enqueue(ctx, queue.RunJobID(runID), jobPayload, 0)
}

// handleEvent appends a remote out-of-band event to the run's log without
// touching run state (spec §4.4.4: remote.event jobs are fire-and-forget).
func (h *ContinuationHandler) handleEvent(ctx context.Context, job queue.ContinuationJob) error {
	if job.Event == nil {
		return nil
	}
	return h.Store.AppendEvent(ctx, run.Event{
		RunID: job.RunID, AttemptCount: job.AttemptCount, Ts: job.Event.Ts,
		EventType: run.EventRemoteEvent, Level: levelFromString(job.Event.Level),
		Message: job.Event.Message, Payload: job.Event.Payload,
	})
}

func (h *ContinuationHandler) pollInterval() time.Duration {
	if h.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return h.PollInterval
}

func levelFromString(s string) run.Level {
	switch run.Level(s) {
	case run.LevelWarn, run.LevelError:
		return run.Level(s)
	default:
		return run.LevelInfo
	}
}
