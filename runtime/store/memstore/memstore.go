// Package memstore is an in-process Store implementation used by tests and
// single-process deployments. It holds every run and its event log behind a
// single mutex, which is sufficient to exercise the CAS and claim semantics
// the mongostore implementation provides durably.
package memstore

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/vespid-ai/workflow-core/runtime/run"
	"github.com/vespid-ai/workflow-core/runtime/store"
)

type record struct {
	run    run.WorkflowRun
	events []run.Event
}

// Store is an in-memory store.Store.
type Store struct {
	mu      sync.Mutex
	runs    map[string]*record
	nextSeq map[string]int64
}

// New constructs an empty Store.
func New() *Store {
	return &Store{runs: make(map[string]*record), nextSeq: make(map[string]int64)}
}

// CreateRun inserts r, assigning an id if one was not already set.
func (s *Store) CreateRun(_ context.Context, r run.WorkflowRun) (run.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.Status == "" {
		r.Status = run.StatusQueued
	}
	s.runs[r.ID] = &record{run: r}
	return r, nil
}

// GetRunByID returns a copy of the stored run.
func (s *Store) GetRunByID(_ context.Context, runID string) (run.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return run.WorkflowRun{}, store.ErrNotFound
	}
	return rec.run, nil
}

// ListRuns returns runs for workflowID in id order, newest cursor.After
// exclusive.
func (s *Store) ListRuns(_ context.Context, workflowID string, cursor store.Cursor) (store.Page[run.WorkflowRun], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, rec := range s.runs {
		if workflowID != "" && rec.run.WorkflowID != workflowID {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	limit := cursor.Limit
	if limit <= 0 {
		limit = 50
	}
	var page store.Page[run.WorkflowRun]
	started := cursor.After == ""
	for _, id := range ids {
		if !started {
			if id == cursor.After {
				started = true
			}
			continue
		}
		if len(page.Items) >= limit {
			page.Next = page.Items[len(page.Items)-1].ID
			break
		}
		page.Items = append(page.Items, s.runs[id].run)
	}
	return page, nil
}

// MarkRunning transitions a queued or resumable run to running.
func (s *Store) MarkRunning(_ context.Context, runID string, attempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	rec.run.Status = run.StatusRunning
	if attempt > rec.run.AttemptCount {
		rec.run.AttemptCount = attempt
	}
	if rec.run.StartedAt.IsZero() {
		rec.run.StartedAt = time.Now().UTC()
	}
	return nil
}

// UpdateProgress checkpoints cursor/output for an in-flight attempt.
func (s *Store) UpdateProgress(_ context.Context, runID string, cursor int, output run.Output) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	if cursor > rec.run.CursorNodeIndex {
		rec.run.CursorNodeIndex = cursor
	}
	rec.run.Output = output
	return nil
}

// MarkBlocked suspends runID awaiting a dispatched remote result.
func (s *Store) MarkBlocked(_ context.Context, runID string, cursor int, requestID, nodeID, nodeType string, kind run.BlockKind, timeoutAt time.Time, output run.Output) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	rec.run.Status = run.StatusBlocked
	if cursor > rec.run.CursorNodeIndex {
		rec.run.CursorNodeIndex = cursor
	}
	rec.run.BlockedRequestID = requestID
	rec.run.BlockedNodeID = nodeID
	rec.run.BlockedNodeType = nodeType
	rec.run.BlockedKind = kind
	rec.run.BlockedTimeoutAt = timeoutAt
	rec.run.Output = output
	return nil
}

// ClearBlock releases the block on runID iff it is currently blocked on
// expectedRequestID; otherwise it is a no-op CAS failure.
func (s *Store) ClearBlock(_ context.Context, runID, expectedRequestID string, output run.Output) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	if rec.run.Status != run.StatusBlocked || rec.run.BlockedRequestID != expectedRequestID {
		return store.ErrCASFailed
	}
	rec.run.Status = run.StatusRunning
	rec.run.BlockedRequestID = ""
	rec.run.BlockedNodeID = ""
	rec.run.BlockedNodeType = ""
	rec.run.BlockedKind = ""
	rec.run.BlockedTimeoutAt = time.Time{}
	rec.run.Output = output
	return nil
}

// ClearBlockAndAdvance is ClearBlock plus a cursor bump, used when the
// blocked node itself is now complete.
func (s *Store) ClearBlockAndAdvance(ctx context.Context, runID, expectedRequestID string, nextCursor int, output run.Output) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	if rec.run.Status != run.StatusBlocked || rec.run.BlockedRequestID != expectedRequestID {
		return store.ErrCASFailed
	}
	rec.run.Status = run.StatusRunning
	rec.run.BlockedRequestID = ""
	rec.run.BlockedNodeID = ""
	rec.run.BlockedNodeType = ""
	rec.run.BlockedKind = ""
	rec.run.BlockedTimeoutAt = time.Time{}
	if nextCursor > rec.run.CursorNodeIndex {
		rec.run.CursorNodeIndex = nextCursor
	}
	rec.run.Output = output
	return nil
}

// MarkSucceeded finalizes runID as succeeded.
func (s *Store) MarkSucceeded(_ context.Context, runID string, output run.Output) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	rec.run.Status = run.StatusSucceeded
	rec.run.Output = output
	rec.run.FinishedAt = time.Now().UTC()
	return nil
}

// MarkFailed finalizes runID as failed, terminally (no further retries).
func (s *Store) MarkFailed(_ context.Context, runID string, errCode string, output run.Output) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	rec.run.Status = run.StatusFailed
	rec.run.Error = errCode
	rec.run.Output = output
	rec.run.FinishedAt = time.Now().UTC()
	return nil
}

// QueueForRetry re-queues runID for another attempt after a transient
// failure, scheduling it at nextAttemptAt (immediately if nil).
func (s *Store) QueueForRetry(_ context.Context, runID string, errCode string, nextAttemptAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	rec.run.Status = run.StatusQueued
	rec.run.Error = errCode
	rec.run.NextAttemptAt = nextAttemptAt
	return nil
}

// AppendEvent appends ev to runID's log, assigning the next monotonic Seq
// for its AttemptCount if Seq is unset.
func (s *Store) AppendEvent(_ context.Context, ev run.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[ev.RunID]
	if !ok {
		return store.ErrNotFound
	}
	if ev.Seq == 0 {
		s.nextSeq[ev.RunID]++
		ev.Seq = s.nextSeq[ev.RunID]
	}
	if ev.Ts.IsZero() {
		ev.Ts = time.Now().UTC()
	}
	rec.events = append(rec.events, ev)
	return nil
}

// ListEvents returns events for runID in Seq order, cursor.AfterID exclusive.
func (s *Store) ListEvents(_ context.Context, runID string, cursor run.EventsCursor) (store.Page[run.Event], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return store.Page[run.Event]{}, store.ErrNotFound
	}
	limit := cursor.Limit
	if limit <= 0 {
		limit = 200
	}
	var page store.Page[run.Event]
	started := cursor.AfterID == ""
	for _, ev := range rec.events {
		key := eventKey(ev)
		if !started {
			if key == cursor.AfterID {
				started = true
			}
			continue
		}
		if len(page.Items) >= limit {
			page.Next = eventKey(page.Items[len(page.Items)-1])
			break
		}
		page.Items = append(page.Items, ev)
	}
	return page, nil
}

// ClaimNextQueued picks the oldest queued run whose NextAttemptAt has
// elapsed and transitions it to running, bumping its attempt count. Returns
// store.ErrNotFound if nothing is claimable, mirroring a losing
// SELECT...FOR UPDATE SKIP LOCKED race.
func (s *Store) ClaimNextQueued(_ context.Context) (run.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var best *record
	for _, rec := range s.runs {
		if rec.run.Status != run.StatusQueued {
			continue
		}
		if rec.run.NextAttemptAt != nil && rec.run.NextAttemptAt.After(now) {
			continue
		}
		if best == nil || rec.run.ID < best.run.ID {
			best = rec
		}
	}
	if best == nil {
		return run.WorkflowRun{}, store.ErrNotFound
	}
	best.run.Status = run.StatusRunning
	best.run.AttemptCount++
	if best.run.StartedAt.IsZero() {
		best.run.StartedAt = now
	}
	return best.run, nil
}

func eventKey(ev run.Event) string {
	return ev.RunID + ":" + strconv.FormatInt(ev.Seq, 10)
}
