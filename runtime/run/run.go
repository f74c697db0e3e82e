// Package run defines the runtime entity executed by the stepper: the
// WorkflowRun state machine, its append-only RunEvent log, and the derived
// Snapshot view used by UI and audit surfaces.
//
// # Core concepts
//
// RunID identifies a single durable execution of a workflow version for an
// organization. It carries the per-node runtime state (agent loop
// checkpoints, graph v3 traversal state, the pending remote result staged by
// a continuation) that lets the stepper resume exactly where a crash left
// off, without re-executing completed nodes.
package run

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is the coarse-grained lifecycle state of a WorkflowRun.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusBlocked   Status = "blocked"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// BlockKind identifies what kind of remote work a blocked run is waiting on.
type BlockKind string

const (
	BlockConnectorAction BlockKind = "connector.action"
	BlockAgentExecute    BlockKind = "agent.execute"
	BlockAgentRun        BlockKind = "agent.run"
)

// ErrNotFound indicates no run exists for the given identifier.
var ErrNotFound = errors.New("run: not found")

// ErrCASFailed indicates a compare-and-swap transition lost a race: the
// run's blockedRequestId no longer matched the caller's expectation, or the
// run's status no longer matched the precondition required for the
// transition. Callers must treat this as "another attempt already handled
// it" and exit quietly, never as a hard failure.
var ErrCASFailed = errors.New("run: compare-and-swap precondition failed")

type (
	// WorkflowRun is the runtime entity advanced by the stepper.
	WorkflowRun struct {
		ID                string `json:"id" bson:"_id"`
		OrganizationID    string `json:"organizationId" bson:"organization_id"`
		WorkflowID        string `json:"workflowId" bson:"workflow_id"`
		TriggerType       string `json:"triggerType" bson:"trigger_type"`
		RequestedByUserID string `json:"requestedByUserId" bson:"requested_by_user_id"`
		Input             json.RawMessage `json:"input" bson:"input"`

		Status        Status `json:"status" bson:"status"`
		AttemptCount  int    `json:"attemptCount" bson:"attempt_count"`
		MaxAttempts   int    `json:"maxAttempts" bson:"max_attempts"`
		CursorNodeIndex int  `json:"cursorNodeIndex" bson:"cursor_node_index"`

		StartedAt       time.Time  `json:"startedAt,omitempty" bson:"started_at,omitempty"`
		FinishedAt      time.Time  `json:"finishedAt,omitempty" bson:"finished_at,omitempty"`
		NextAttemptAt   *time.Time `json:"nextAttemptAt,omitempty" bson:"next_attempt_at,omitempty"`
		Error           string     `json:"error,omitempty" bson:"error,omitempty"`

		BlockedRequestID  string     `json:"blockedRequestId,omitempty" bson:"blocked_request_id,omitempty"`
		BlockedNodeID     string     `json:"blockedNodeId,omitempty" bson:"blocked_node_id,omitempty"`
		BlockedNodeType   string     `json:"blockedNodeType,omitempty" bson:"blocked_node_type,omitempty"`
		BlockedKind       BlockKind  `json:"blockedKind,omitempty" bson:"blocked_kind,omitempty"`
		BlockedTimeoutAt  time.Time  `json:"blockedTimeoutAt,omitempty" bson:"blocked_timeout_at,omitempty"`

		Output Output `json:"output" bson:"output"`

		// SessionID/TurnID additively correlate this run into a conversation
		// thread, mirroring the application-layer identifiers the agent loop
		// carries alongside the infrastructure-layer RunID.
		SessionID string `json:"sessionId,omitempty" bson:"session_id,omitempty"`
		TurnID    string `json:"turnId,omitempty" bson:"turn_id,omitempty"`
	}

	// Output is the structured progress snapshot persisted on every
	// checkpoint. It is the authoritative record of what has executed;
	// Snapshot (see snapshot.go) is a read-only derived projection.
	Output struct {
		Status  Status        `json:"status"`
		Steps   []Step        `json:"steps"`
		Output  StepSummary   `json:"output"`
		Runtime *RuntimeState `json:"runtime,omitempty"`
	}

	// Step records the terminal outcome of one executed node.
	Step struct {
		NodeID string          `json:"nodeId"`
		Status string          `json:"status"` // "succeeded" | "failed"
		Output json.RawMessage `json:"output,omitempty"`
		Error  string          `json:"error,omitempty"`
	}

	// StepSummary is the rolled-up counters surfaced in Output.Output.
	StepSummary struct {
		CompletedNodeCount int    `json:"completedNodeCount"`
		FailedNodeID       string `json:"failedNodeId,omitempty"`
	}

	// RuntimeState holds the node-executor-private runtime carried across
	// checkpoints: per-agent-node loop state, the pending remote result
	// staged by a continuation, and the v3 graph traversal snapshot.
	RuntimeState struct {
		AgentRuns           map[string]json.RawMessage `json:"agentRuns,omitempty"`
		PendingRemoteResult *PendingRemoteResult        `json:"pendingRemoteResult,omitempty"`
		GraphV3             *GraphV3State               `json:"graphV3,omitempty"`
	}

	// PendingRemoteResult is staged by a continuation and consumed exactly
	// once by the next stepper invocation for this run.
	PendingRemoteResult struct {
		RequestID string          `json:"requestId"`
		Result    json.RawMessage `json:"result"`
	}

	// GraphV3State snapshots v3 traversal progress: completed/ready/skipped
	// nodes, condition decisions, and join counts.
	GraphV3State struct {
		Completed  map[string]struct{}        `json:"-"`
		Decisions  map[string]bool            `json:"decisions,omitempty"`
		JoinCounts map[string]int             `json:"joinCounts,omitempty"`
		Skipped    map[string]SkippedNode     `json:"skipped,omitempty"`
		CompletedList []string                `json:"completed,omitempty"`
	}

	// SkippedNode records why a v3 node was never executed.
	SkippedNode struct {
		ReasonCode string `json:"reasonCode"` // CONDITION_NOT_MET | DEPENDENCIES_NOT_SATISFIED | NOT_REACHED
	}
)

// MarkCompleted records nodeID as completed, keeping the serializable
// CompletedList in sync with the in-memory Completed set.
func (g *GraphV3State) MarkCompleted(nodeID string) {
	if g.Completed == nil {
		g.Completed = make(map[string]struct{})
	}
	if _, ok := g.Completed[nodeID]; ok {
		return
	}
	g.Completed[nodeID] = struct{}{}
	g.CompletedList = append(g.CompletedList, nodeID)
}

// IsCompleted reports whether nodeID has already executed in this attempt.
func (g *GraphV3State) IsCompleted(nodeID string) bool {
	if g == nil {
		return false
	}
	_, ok := g.Completed[nodeID]
	return ok
}

// hydrateCompleted rebuilds the Completed set from CompletedList after a
// round-trip through JSON: Completed is excluded from JSON by its `json:"-"`
// tag, and CompletedList is the serialized form; see UnmarshalJSON below.
func (g *GraphV3State) hydrateCompleted() {
	if g.Completed == nil {
		g.Completed = make(map[string]struct{}, len(g.CompletedList))
	}
	for _, id := range g.CompletedList {
		g.Completed[id] = struct{}{}
	}
}

// UnmarshalJSON restores the Completed set from the serialized CompletedList.
func (g *GraphV3State) UnmarshalJSON(data []byte) error {
	type alias GraphV3State
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*g = GraphV3State(a)
	g.hydrateCompleted()
	return nil
}
