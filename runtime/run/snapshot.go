package run

import "time"

// Snapshot is a derived view of a run computed from its stored Output and
// block fields (see Project); the event log is not replayed. Snapshots are
// never persisted directly; they are recomputed on demand for UI and audit
// surfaces so they never drift from the canonical Output that the stepper
// itself relies on.
type Snapshot struct {
	RunID     string
	WorkflowID string
	SessionID string
	TurnID    string

	Status Status

	StartedAt time.Time
	UpdatedAt time.Time

	CompletedNodeCount int
	FailedNodeID       string

	// Blocked describes the current block when Status is StatusBlocked.
	Blocked *BlockedSnapshot
}

// BlockedSnapshot describes a run's outstanding remote dispatch.
type BlockedSnapshot struct {
	RequestID string
	NodeID    string
	NodeType  string
	Kind      BlockKind
	TimeoutAt time.Time
}

// Project computes a Snapshot from a WorkflowRun row. It intentionally reads
// only already-durable fields (Output, block fields) rather than replaying
// the full event log, since Output is kept as the authoritative progress
// projection by every C1 transition.
func Project(r WorkflowRun) Snapshot {
	s := Snapshot{
		RunID:              r.ID,
		WorkflowID:         r.WorkflowID,
		SessionID:          r.SessionID,
		TurnID:             r.TurnID,
		Status:             r.Status,
		StartedAt:          r.StartedAt,
		UpdatedAt:          r.FinishedAt,
		CompletedNodeCount: r.Output.Output.CompletedNodeCount,
		FailedNodeID:       r.Output.Output.FailedNodeID,
	}
	if r.Status == StatusBlocked && r.BlockedRequestID != "" {
		s.Blocked = &BlockedSnapshot{
			RequestID: r.BlockedRequestID,
			NodeID:    r.BlockedNodeID,
			NodeType:  r.BlockedNodeType,
			Kind:      r.BlockedKind,
			TimeoutAt: r.BlockedTimeoutAt,
		}
	}
	return s
}
