package queue

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/vespid-ai/workflow-core/runtime/gateway"
)

// RunJobQueueName names the durable queue carrying one job per run attempt
// (spec §4.2 "Run queue payload").
const RunJobQueueName = "workflow-runs"

// ContinuationQueueName names the durable queue carrying remote.poll,
// remote.apply, and remote.event jobs (spec §4.2 "Continuation queue
// payloads").
const ContinuationQueueName = "workflow-continuations"

// RunJob is the run-queue payload: enough to load and step one run attempt.
type RunJob struct {
	RunID             string `json:"runId"`
	OrgID             string `json:"orgId"`
	WorkflowID        string `json:"workflowId"`
	RequestedByUserID string `json:"requestedByUserId,omitempty"`
}

// ContinuationKind distinguishes the three continuation-job shapes.
type ContinuationKind string

const (
	ContinuationPoll  ContinuationKind = "remote.poll"
	ContinuationApply ContinuationKind = "remote.apply"
	ContinuationEvent ContinuationKind = "remote.event"
)

// ContinuationJob is the continuation-queue payload. Only the fields
// relevant to Kind are populated.
type ContinuationJob struct {
	Kind         ContinuationKind  `json:"kind"`
	OrgID        string            `json:"orgId"`
	WorkflowID   string            `json:"workflowId"`
	RunID        string            `json:"runId"`
	RequestID    string            `json:"requestId"`
	AttemptCount int               `json:"attemptCount"`
	Result       *gateway.Result   `json:"result,omitempty"`
	Event        *gateway.RemoteEvent `json:"event,omitempty"`
}

// PollJobID derives the stable jobID for a remote.poll job from its
// requestId, so repeated scheduling of the poll fallback for the same
// request collapses into a single queued job (spec §4.2: "push path uses a
// jobId = hash(requestId)").
func PollJobID(requestID string) string {
	sum := sha256.Sum256([]byte("remote.poll:" + requestID))
	return hex.EncodeToString(sum[:])
}

// RunJobID derives the stable jobID for a run-queue job from its runID, so
// the run-queue's FIFO-plus-jobId-per-run semantics (spec §7 "Mutual
// exclusion per run") ensure at most one job per run is active at a time.
func RunJobID(runID string) string {
	return "run:" + runID
}

// ApplyJobID derives the jobID for a remote.apply push job. Applies are not
// deduped against polls for the same request (spec §9 open question, left
// as-is): a push and its poll fallback may both land, but ClearBlock's CAS
// on blockedRequestId makes the second one a harmless no-op.
func ApplyJobID(requestID string) string {
	sum := sha256.Sum256([]byte("remote.apply:" + requestID))
	return hex.EncodeToString(sum[:])
}
