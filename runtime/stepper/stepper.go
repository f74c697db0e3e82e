package stepper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vespid-ai/workflow-core/runtime/gateway"
	"github.com/vespid-ai/workflow-core/runtime/queue"
	"github.com/vespid-ai/workflow-core/runtime/run"
	"github.com/vespid-ai/workflow-core/runtime/store"
	"github.com/vespid-ai/workflow-core/runtime/telemetry"
	"github.com/vespid-ai/workflow-core/runtime/workflow"
)

// ErrWorkflowNotPublished is the stable error code for a run whose
// workflow is not in the published state (spec §4.4 step 2).
const ErrWorkflowNotPublished = "WORKFLOW_NOT_PUBLISHED"

// ErrContinuationQueueNotConfigured is the stable error code for a node that
// blocked on remote work when the stepper has no continuation queue wired
// to schedule the remote.poll fallback (spec §6).
const ErrContinuationQueueNotConfigured = "CONTINUATION_QUEUE_NOT_CONFIGURED"

// RetryBaseDelay is the base of the exponential retry backoff applied to
// failed run attempts (spec §4.4.5: min(60s, base*2^(attempt-1))).
const RetryBaseDelay = 1 * time.Second

// WorkflowLoader resolves the workflow + DSL a run targets.
type WorkflowLoader interface {
	GetWorkflow(ctx context.Context, workflowID string) (workflow.Workflow, error)
}

// Dispatcher is the C3 surface the stepper needs: issue a dispatch for a
// blocked node.
type Dispatcher interface {
	Dispatch(ctx context.Context, req gateway.InvokeRequest) (requestID string, err error)
}

// Stepper is the C4 worker: it claims queued run attempts from the run
// queue and advances them one node at a time, checkpointing after each
// node and suspending to the gateway when a node blocks.
type Stepper struct {
	Store      store.Store
	Workflows  WorkflowLoader
	Executors  *Registry
	Dispatcher Dispatcher
	RunQueue   queue.Queue
	Continuations queue.Queue

	Logger  telemetry.Logger
	Metrics telemetry.Metrics

	// MaxAttempts bounds retries when a run's own MaxAttempts is unset.
	MaxAttempts int

	// EventPayloadMaxChars bounds the JSON length of any event payload
	// appended to the run's event log (WORKFLOW_EVENT_PAYLOAD_MAX_CHARS,
	// spec §6); oversized payloads are truncated via run.TruncatePayload.
	// Zero applies DefaultEventPayloadMaxChars.
	EventPayloadMaxChars int

	// DefaultNodeExecTimeoutMs is applied to a block's dispatch when the
	// node itself did not set one (NODE_EXEC_TIMEOUT_MS, spec §6). Zero
	// applies gateway.DefaultTimeoutMs.
	DefaultNodeExecTimeoutMs int64

	// RetryBaseDelay is the base of the exponential retry backoff applied
	// to a failed run-queue job (WORKFLOW_RETRY_BACKOFF_MS, spec §6). Zero
	// applies the package default RetryBaseDelay.
	RetryBaseDelay time.Duration
}

// DefaultEventPayloadMaxChars is the spec §6 default for
// WORKFLOW_EVENT_PAYLOAD_MAX_CHARS.
const DefaultEventPayloadMaxChars = 4_000

// DefaultMaxAttempts is the spec §6 default for WORKFLOW_RETRY_ATTEMPTS.
const DefaultMaxAttempts = 5

// NewStepper constructs a Stepper with sane defaults for optional fields.
func NewStepper(st store.Store, wf WorkflowLoader, executors *Registry, dispatcher Dispatcher, runQueue, continuations queue.Queue, logger telemetry.Logger, metrics telemetry.Metrics) *Stepper {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Stepper{
		Store: st, Workflows: wf, Executors: executors, Dispatcher: dispatcher,
		RunQueue: runQueue, Continuations: continuations,
		Logger: logger, Metrics: metrics, MaxAttempts: DefaultMaxAttempts,
	}
}

// RunWorkerPool starts concurrency independent RunWorkerLoop goroutines
// sharing the same run queue, implementing the bounded per-process run
// concurrency spec §5 and WORKFLOW_QUEUE_CONCURRENCY (spec §6) describe.
// It blocks until every loop returns, which happens only once ctx is
// canceled. concurrency <= 0 is treated as 1.
func (s *Stepper) RunWorkerPool(ctx context.Context, concurrency int, idle time.Duration) {
	if concurrency <= 0 {
		concurrency = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RunWorkerLoop(ctx, idle)
		}()
	}
	wg.Wait()
}

// RunWorkerLoop repeatedly claims and steps run-queue jobs until ctx is
// canceled. idle is the poll interval used when the queue has nothing ready.
func (s *Stepper) RunWorkerLoop(ctx context.Context, idle time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d, ok, err := s.RunQueue.Dequeue(ctx)
		if err != nil {
			s.Logger.Error(ctx, "stepper: dequeue run job failed", "error", err)
			time.Sleep(idle)
			continue
		}
		if !ok {
			time.Sleep(idle)
			continue
		}
		var job queue.RunJob
		if err := json.Unmarshal(d.Payload, &job); err != nil {
			s.Logger.Error(ctx, "stepper: malformed run job, dropping", "jobId", d.JobID)
			_ = s.RunQueue.Ack(ctx, d.JobID)
			continue
		}
		if err := s.StepRun(ctx, job.RunID); err != nil {
			s.Logger.Warn(ctx, "stepper: step run raised, retrying job", "runId", job.RunID, "error", err)
			_ = s.RunQueue.Retry(ctx, d.JobID, queue.Backoff(s.retryBaseDelay(), d.Attempt))
			continue
		}
		_ = s.RunQueue.Ack(ctx, d.JobID)
	}
}

// StepRun loads one run attempt and advances it until it blocks,
// completes, fails terminally, or is queued for retry. It implements spec
// §4.4 steps 1-4 and the outer failure/retry catch of §4.4.5.
func (s *Stepper) StepRun(ctx context.Context, runID string) error {
	r, err := s.Store.GetRunByID(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil // nothing to do; a stale job for a deleted run
		}
		return fmt.Errorf("stepper: load run: %w", err)
	}

	if r.Status == run.StatusSucceeded || r.Status == run.StatusFailed {
		return nil // terminal; another stepper already finished it
	}
	if r.Status == run.StatusBlocked || r.BlockedRequestID != "" {
		return nil // owned by an outstanding dispatch
	}

	wf, err := s.Workflows.GetWorkflow(ctx, r.WorkflowID)
	if err != nil {
		return fmt.Errorf("stepper: load workflow: %w", err)
	}
	if wf.Status != workflow.StatusPublished {
		return s.Store.MarkFailed(ctx, runID, ErrWorkflowNotPublished, r.Output)
	}

	if r.Status == run.StatusQueued {
		attempt := r.AttemptCount + 1
		if err := s.Store.MarkRunning(ctx, runID, attempt); err != nil {
			return fmt.Errorf("stepper: mark running: %w", err)
		}
		r.AttemptCount = attempt
		r.Output.Status = run.StatusRunning
		_ = s.appendEvent(ctx, r, run.EventRunStarted, "", "", run.LevelInfo, "", nil)
	}

	if wf.DSL.Version == workflow.DSLGraph {
		return s.stepGraph(ctx, r, wf)
	}
	return s.stepLinear(ctx, r, wf)
}

// stepLinear implements v2 linear execution (spec §4.4.1).
func (s *Stepper) stepLinear(ctx context.Context, r run.WorkflowRun, wf workflow.Workflow) error {
	nodes := wf.DSL.Linear
	for i := r.CursorNodeIndex; i < len(nodes); i++ {
		node := nodes[i]
		res, execErr := s.executeNode(ctx, &r, wf, node)
		if execErr != nil {
			return s.handleAttemptError(ctx, r, execErr)
		}
		switch res.Status {
		case ExecBlocked:
			return nil // dispatched; release the job
		case ExecSucceeded:
			r = s.appendStep(ctx, r, run.Step{NodeID: node.ID, Status: "succeeded", Output: res.Output})
			if err := s.Store.UpdateProgress(ctx, r.ID, i+1, r.Output); err != nil {
				return fmt.Errorf("stepper: update progress: %w", err)
			}
			r.CursorNodeIndex = i + 1
		case ExecFailed:
			r = s.appendStep(ctx, r, run.Step{NodeID: node.ID, Status: "failed", Output: res.Output, Error: res.Error})
			_ = s.appendEvent(ctx, r, run.EventNodeFailed, node.ID, string(node.Type), run.LevelError, res.Error, res.Output)
			return s.handleAttemptError(ctx, r, fmt.Errorf("node %s failed: %s", node.ID, res.Error))
		}
	}
	return s.finishSucceeded(ctx, r)
}

// stepGraph implements v3 graph execution (spec §4.4.2).
func (s *Stepper) stepGraph(ctx context.Context, r run.WorkflowRun, wf workflow.Workflow) error {
	if r.Output.Runtime == nil {
		r.Output.Runtime = &run.RuntimeState{}
	}
	if r.Output.Runtime.GraphV3 == nil {
		r.Output.Runtime.GraphV3 = &run.GraphV3State{}
	}
	state := r.Output.Runtime.GraphV3

	for {
		nodeID, ok := NextReady(wf.DSL.Graph, state)
		if !ok {
			break
		}
		node, _ := wf.DSL.NodeByID(nodeID)
		res, execErr := s.executeNode(ctx, &r, wf, node)
		if execErr != nil {
			return s.handleAttemptError(ctx, r, execErr)
		}
		switch res.Status {
		case ExecBlocked:
			return nil
		case ExecSucceeded:
			if node.Type == workflow.NodeCondition {
				cfg, _ := decodeConditionConfig(node)
				cr := EvaluateCondition(r.Input, cfg)
				if state.Decisions == nil {
					state.Decisions = make(map[string]bool)
				}
				state.Decisions[node.ID] = cr.Result
			}
			state.MarkCompleted(node.ID)
			r = s.appendStep(ctx, r, run.Step{NodeID: node.ID, Status: "succeeded", Output: res.Output})
			if err := s.Store.UpdateProgress(ctx, r.ID, r.CursorNodeIndex, r.Output); err != nil {
				return fmt.Errorf("stepper: update progress: %w", err)
			}
		case ExecFailed:
			r = s.appendStep(ctx, r, run.Step{NodeID: node.ID, Status: "failed", Output: res.Output, Error: res.Error})
			_ = s.appendEvent(ctx, r, run.EventNodeFailed, node.ID, string(node.Type), run.LevelError, res.Error, res.Output)
			return s.handleAttemptError(ctx, r, fmt.Errorf("node %s failed: %s", node.ID, res.Error))
		}
	}

	skipped := ClassifySkipped(wf.DSL.Graph, state)
	state.Skipped = skipped
	for _, n := range wf.DSL.Graph.Nodes {
		if sk, ok := skipped[n.ID]; ok {
			_ = s.appendEvent(ctx, r, run.EventNodeSkipped, n.ID, string(n.Type), run.LevelInfo, sk.ReasonCode, nil)
		}
	}
	if err := s.Store.UpdateProgress(ctx, r.ID, r.CursorNodeIndex, r.Output); err != nil {
		return fmt.Errorf("stepper: checkpoint skipped: %w", err)
	}
	return s.finishSucceeded(ctx, r)
}

// executeNode dispatches one node to its registered executor, handling the
// blocked path (dispatch to C3, markBlocked, enqueue remote.poll) inline.
func (s *Stepper) executeNode(ctx context.Context, r *run.WorkflowRun, wf workflow.Workflow, node workflow.Node) (ExecResult, error) {
	executor, err := s.Executors.Lookup(node.Type)
	if err != nil {
		return ExecResult{}, err
	}

	_ = s.appendEvent(ctx, *r, run.EventNodeStarted, node.ID, string(node.Type), run.LevelInfo, "", nil)

	var pending *run.PendingRemoteResult
	if r.Output.Runtime != nil && r.Output.Runtime.PendingRemoteResult != nil {
		pending = r.Output.Runtime.PendingRemoteResult
	}

	ec := ExecContext{
		Context: ctx, OrgID: r.OrganizationID, UserID: r.RequestedByUserID,
		RunID: r.ID, WorkflowID: r.WorkflowID, NodeID: node.ID, NodeType: node.Type,
		AttemptCount: r.AttemptCount, Node: node, RunInput: r.Input, Steps: r.Output.Steps,
		Runtime: r.Output.Runtime, PendingRemoteResult: pending, Graph: wf.DSL.Graph,
		EmitEvent: func(ev run.Event) { _ = s.appendEvent(ctx, *r, ev.EventType, ev.NodeID, ev.NodeType, ev.Level, ev.Message, ev.Payload) },
		CheckpointRuntime: func(rt run.RuntimeState) {
			r.Output.Runtime = &rt
			_ = s.Store.UpdateProgress(ctx, r.ID, r.CursorNodeIndex, r.Output)
		},
	}
	res, err := executor.Execute(ec)
	if err != nil {
		return ExecResult{}, err
	}
	if res.Runtime != nil {
		r.Output.Runtime = res.Runtime
	}
	if r.Output.Runtime != nil && r.Output.Runtime.PendingRemoteResult != nil && res.Status != ExecBlocked {
		r.Output.Runtime.PendingRemoteResult = nil
	}

	if res.Status == ExecBlocked {
		if err := s.dispatchBlock(ctx, r, node, res.Block); err != nil {
			return ExecResult{}, err
		}
	}
	return res, nil
}

// dispatchBlock implements spec §4.4.3 steps 1-4.
func (s *Stepper) dispatchBlock(ctx context.Context, r *run.WorkflowRun, node workflow.Node, block *Block) error {
	if block == nil {
		return errors.New("stepper: blocked result missing block descriptor")
	}
	if s.Continuations == nil {
		return errors.New(ErrContinuationQueueNotConfigured)
	}
	timeoutMs := block.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = s.DefaultNodeExecTimeoutMs
	}
	if timeoutMs <= 0 {
		timeoutMs = gateway.DefaultTimeoutMs
	}

	req := gateway.InvokeRequest{
		OrgID: r.OrganizationID, UserID: r.RequestedByUserID, RunID: r.ID,
		WorkflowID: r.WorkflowID, NodeID: node.ID, NodeType: string(node.Type),
		AttemptCount: r.AttemptCount, Kind: gateway.Kind(block.Kind), Payload: block.Payload,
		Selector: block.Selector, Secret: block.Secret, TimeoutMs: timeoutMs,
	}
	requestID, err := s.Dispatcher.Dispatch(ctx, req)
	if err != nil {
		return fmt.Errorf("stepper: dispatch block: %w", err)
	}

	timeoutAt := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)

	if err := s.Store.MarkBlocked(ctx, r.ID, r.CursorNodeIndex, requestID, node.ID, string(node.Type), block.Kind, timeoutAt, r.Output); err != nil {
		return fmt.Errorf("stepper: mark blocked: %w", err)
	}
	payload, _ := json.Marshal(map[string]any{"requestId": requestID, "kind": block.Kind})
	if err := s.appendEvent(ctx, *r, run.EventNodeDispatched, node.ID, string(node.Type), run.LevelInfo, "", payload); err != nil {
		return err
	}

	jobPayload, _ := json.Marshal(queue.ContinuationJob{
		Kind: queue.ContinuationPoll, OrgID: r.OrganizationID, WorkflowID: r.WorkflowID,
		RunID: r.ID, RequestID: requestID, AttemptCount: r.AttemptCount,
	})
	return s.Continuations.Enqueue(ctx, queue.PollJobID(requestID), jobPayload, 2*time.Second)
}

// handleAttemptError implements the outer catch of spec §4.4.5.
func (s *Stepper) handleAttemptError(ctx context.Context, r run.WorkflowRun, cause error) error {
	maxAttempts := r.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.MaxAttempts
	}
	errCode := cause.Error()
	if r.AttemptCount < maxAttempts {
		if err := s.Store.QueueForRetry(ctx, r.ID, errCode, nil); err != nil {
			return fmt.Errorf("stepper: queue for retry: %w", err)
		}
		_ = s.appendEvent(ctx, r, run.EventRunRetried, "", "", run.LevelWarn, errCode, nil)
		return cause // rethrow so the caller's queue job retries with backoff
	}
	if err := s.Store.MarkFailed(ctx, r.ID, errCode, r.Output); err != nil {
		return fmt.Errorf("stepper: mark failed: %w", err)
	}
	_ = s.appendEvent(ctx, r, run.EventRunFailed, "", "", run.LevelError, errCode, nil)
	return nil
}

func (s *Stepper) retryBaseDelay() time.Duration {
	if s.RetryBaseDelay <= 0 {
		return RetryBaseDelay
	}
	return s.RetryBaseDelay
}

func (s *Stepper) finishSucceeded(ctx context.Context, r run.WorkflowRun) error {
	r.Output.Status = run.StatusSucceeded
	if err := s.Store.MarkSucceeded(ctx, r.ID, r.Output); err != nil {
		return fmt.Errorf("stepper: mark succeeded: %w", err)
	}
	return s.appendEvent(ctx, r, run.EventRunSucceeded, "", "", run.LevelInfo, "", nil)
}

func (s *Stepper) appendStep(ctx context.Context, r run.WorkflowRun, step run.Step) run.WorkflowRun {
	r.Output.Steps = append(r.Output.Steps, step)
	if step.Status == "succeeded" {
		r.Output.Output.CompletedNodeCount++
	} else {
		r.Output.Output.FailedNodeID = step.NodeID
	}
	if step.Status == "succeeded" {
		_ = s.appendEvent(ctx, r, run.EventNodeSucceeded, step.NodeID, "", run.LevelInfo, "", step.Output)
	}
	return r
}

func (s *Stepper) appendEvent(ctx context.Context, r run.WorkflowRun, eventType run.EventType, nodeID, nodeType string, level run.Level, message string, payload json.RawMessage) error {
	maxChars := s.EventPayloadMaxChars
	if maxChars <= 0 {
		maxChars = DefaultEventPayloadMaxChars
	}
	return s.Store.AppendEvent(ctx, run.Event{
		RunID: r.ID, AttemptCount: r.AttemptCount, Ts: time.Now().UTC(),
		EventType: eventType, NodeID: nodeID, NodeType: nodeType, Level: level,
		Message: message, Payload: run.TruncatePayload(payload, maxChars),
	})
}

// newRequestID is exposed for node executors that need to mint a
// request-scoped identifier (e.g. the agent loop's per-tool-call dispatch
// id suffix, spec §4.5.4).
func newRequestID() string { return uuid.NewString() }
