// Package mongostore implements store.Store on MongoDB, grounded on the
// teacher's features/run/mongo/{store.go,clients/mongo/client.go}: a thin
// Store that works on two *mongo.Collection handles directly. CAS
// transitions use UpdateOne with the precondition folded into the filter; a
// no-document match is the losing side of the race and is reported as
// store.ErrCASFailed rather than an error worth retrying.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/vespid-ai/workflow-core/runtime/run"
	"github.com/vespid-ai/workflow-core/runtime/store"
)

const (
	defaultRunsCollection   = "workflow_runs"
	defaultEventsCollection = "workflow_run_events"
	defaultOpTimeout        = 5 * time.Second
)

// Options configures the Mongo-backed store.
type Options struct {
	Client            *mongo.Client
	Database          string
	RunsCollection    string
	EventsCollection  string
	Timeout           time.Duration
}

// Store implements store.Store on top of two MongoDB collections: one
// document per WorkflowRun, one document per RunEvent.
type Store struct {
	runs    *mongo.Collection
	events  *mongo.Collection
	timeout time.Duration
}

// New constructs a Store, ensuring the indexes CAS/claim correctness depend
// on: a unique run id index and a queued/nextAttemptAt index for claims.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongostore: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongostore: database name is required")
	}
	runsColl := opts.RunsCollection
	if runsColl == "" {
		runsColl = defaultRunsCollection
	}
	eventsColl := opts.EventsCollection
	if eventsColl == "" {
		eventsColl = defaultEventsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	db := opts.Client.Database(opts.Database)
	s := &Store{runs: db.Collection(runsColl), events: db.Collection(eventsColl), timeout: timeout}

	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.ensureIndexes(ictx); err != nil {
		return nil, fmt.Errorf("mongostore: ensure indexes: %w", err)
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	if _, err := s.runs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	if _, err := s.runs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_attempt_at", Value: 1}},
	}); err != nil {
		return err
	}
	_, err := s.events.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}

// CreateRun inserts r.
func (s *Store) CreateRun(ctx context.Context, r run.WorkflowRun) (run.WorkflowRun, error) {
	if r.Status == "" {
		r.Status = run.StatusQueued
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.runs.InsertOne(ctx, r); err != nil {
		return run.WorkflowRun{}, fmt.Errorf("mongostore: insert run: %w", err)
	}
	return r, nil
}

// GetRunByID loads a run by its id.
func (s *Store) GetRunByID(ctx context.Context, runID string) (run.WorkflowRun, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var r run.WorkflowRun
	err := s.runs.FindOne(ctx, bson.M{"_id": runID}).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return run.WorkflowRun{}, store.ErrNotFound
	}
	if err != nil {
		return run.WorkflowRun{}, fmt.Errorf("mongostore: get run: %w", err)
	}
	return r, nil
}

// ListRuns returns a page of runs for workflowID ordered by id.
func (s *Store) ListRuns(ctx context.Context, workflowID string, cursor store.Cursor) (store.Page[run.WorkflowRun], error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{}
	if workflowID != "" {
		filter["workflow_id"] = workflowID
	}
	if cursor.After != "" {
		filter["_id"] = bson.M{"$gt": cursor.After}
	}
	limit := int64(cursor.Limit)
	if limit <= 0 {
		limit = 50
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(limit + 1)
	cur, err := s.runs.Find(ctx, filter, opts)
	if err != nil {
		return store.Page[run.WorkflowRun]{}, fmt.Errorf("mongostore: list runs: %w", err)
	}
	defer cur.Close(ctx)

	var page store.Page[run.WorkflowRun]
	for cur.Next(ctx) {
		var r run.WorkflowRun
		if err := cur.Decode(&r); err != nil {
			return store.Page[run.WorkflowRun]{}, fmt.Errorf("mongostore: decode run: %w", err)
		}
		if int64(len(page.Items)) >= limit {
			page.Next = page.Items[len(page.Items)-1].ID
			break
		}
		page.Items = append(page.Items, r)
	}
	return page, cur.Err()
}

// MarkRunning transitions runID to running and bumps its attempt count.
func (s *Store) MarkRunning(ctx context.Context, runID string, attempt int) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$set": bson.M{"status": run.StatusRunning, "attempt_count": attempt}}
	res, err := s.runs.UpdateOne(ctx, bson.M{"_id": runID}, update)
	if err != nil {
		return fmt.Errorf("mongostore: mark running: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UpdateProgress checkpoints cursor/output for runID.
func (s *Store) UpdateProgress(ctx context.Context, runID string, cursor int, output run.Output) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$set": bson.M{"cursor_node_index": cursor, "output": output}}
	res, err := s.runs.UpdateOne(ctx, bson.M{"_id": runID}, update)
	if err != nil {
		return fmt.Errorf("mongostore: update progress: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// MarkBlocked suspends runID awaiting a dispatched remote result.
func (s *Store) MarkBlocked(ctx context.Context, runID string, cursor int, requestID, nodeID, nodeType string, kind run.BlockKind, timeoutAt time.Time, output run.Output) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$set": bson.M{
		"status":             run.StatusBlocked,
		"cursor_node_index":  cursor,
		"blocked_request_id": requestID,
		"blocked_node_id":    nodeID,
		"blocked_node_type":  nodeType,
		"blocked_kind":       kind,
		"blocked_timeout_at": timeoutAt,
		"output":             output,
	}}
	res, err := s.runs.UpdateOne(ctx, bson.M{"_id": runID}, update)
	if err != nil {
		return fmt.Errorf("mongostore: mark blocked: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ClearBlock releases the block on runID iff it is still blocked on
// expectedRequestID; a non-matching document is the CAS-loser case.
func (s *Store) ClearBlock(ctx context.Context, runID, expectedRequestID string, output run.Output) error {
	return s.clearBlock(ctx, runID, expectedRequestID, nil, output)
}

// ClearBlockAndAdvance is ClearBlock plus a cursor bump.
func (s *Store) ClearBlockAndAdvance(ctx context.Context, runID, expectedRequestID string, nextCursor int, output run.Output) error {
	return s.clearBlock(ctx, runID, expectedRequestID, &nextCursor, output)
}

func (s *Store) clearBlock(ctx context.Context, runID, expectedRequestID string, nextCursor *int, output run.Output) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"_id": runID, "status": run.StatusBlocked, "blocked_request_id": expectedRequestID}
	set := bson.M{
		"status":              run.StatusRunning,
		"blocked_request_id":  "",
		"blocked_node_id":     "",
		"blocked_node_type":   "",
		"blocked_kind":        "",
		"output":              output,
	}
	if nextCursor != nil {
		set["cursor_node_index"] = *nextCursor
	}
	res, err := s.runs.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("mongostore: clear block: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrCASFailed
	}
	return nil
}

// MarkSucceeded finalizes runID as succeeded.
func (s *Store) MarkSucceeded(ctx context.Context, runID string, output run.Output) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$set": bson.M{"status": run.StatusSucceeded, "output": output, "finished_at": time.Now().UTC()}}
	res, err := s.runs.UpdateOne(ctx, bson.M{"_id": runID}, update)
	if err != nil {
		return fmt.Errorf("mongostore: mark succeeded: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// MarkFailed finalizes runID as failed.
func (s *Store) MarkFailed(ctx context.Context, runID string, errCode string, output run.Output) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$set": bson.M{"status": run.StatusFailed, "error": errCode, "output": output, "finished_at": time.Now().UTC()}}
	res, err := s.runs.UpdateOne(ctx, bson.M{"_id": runID}, update)
	if err != nil {
		return fmt.Errorf("mongostore: mark failed: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// QueueForRetry re-queues runID, scheduling its next attempt.
func (s *Store) QueueForRetry(ctx context.Context, runID string, errCode string, nextAttemptAt *time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$set": bson.M{"status": run.StatusQueued, "error": errCode, "next_attempt_at": nextAttemptAt}}
	res, err := s.runs.UpdateOne(ctx, bson.M{"_id": runID}, update)
	if err != nil {
		return fmt.Errorf("mongostore: queue for retry: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AppendEvent inserts ev into the event log. An unset Seq is assigned from a
// per-run counter kept on the run document, so Seq increases within a run.
func (s *Store) AppendEvent(ctx context.Context, ev run.Event) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if ev.Ts.IsZero() {
		ev.Ts = time.Now().UTC()
	}
	if ev.Seq == 0 {
		var counter struct {
			Seq int64 `bson:"event_seq"`
		}
		opts := options.FindOneAndUpdate().SetReturnDocument(options.After).SetProjection(bson.M{"event_seq": 1})
		err := s.runs.FindOneAndUpdate(ctx, bson.M{"_id": ev.RunID}, bson.M{"$inc": bson.M{"event_seq": 1}}, opts).Decode(&counter)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("mongostore: next event seq: %w", err)
		}
		ev.Seq = counter.Seq
	}
	_, err := s.events.InsertOne(ctx, ev)
	if err != nil {
		return fmt.Errorf("mongostore: append event: %w", err)
	}
	return nil
}

// ListEvents returns a page of runID's events ordered by Seq.
func (s *Store) ListEvents(ctx context.Context, runID string, cursor run.EventsCursor) (store.Page[run.Event], error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"run_id": runID}
	if cursor.AfterID != "" {
		after, err := strconv.ParseInt(cursor.AfterID, 10, 64)
		if err != nil {
			return store.Page[run.Event]{}, fmt.Errorf("mongostore: bad events cursor: %w", err)
		}
		filter["seq"] = bson.M{"$gt": after}
	}
	limit := int64(cursor.Limit)
	if limit <= 0 {
		limit = 200
	}
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}).SetLimit(limit + 1)
	cur, err := s.events.Find(ctx, filter, opts)
	if err != nil {
		return store.Page[run.Event]{}, fmt.Errorf("mongostore: list events: %w", err)
	}
	defer cur.Close(ctx)

	var page store.Page[run.Event]
	for cur.Next(ctx) {
		var ev run.Event
		if err := cur.Decode(&ev); err != nil {
			return store.Page[run.Event]{}, fmt.Errorf("mongostore: decode event: %w", err)
		}
		if int64(len(page.Items)) >= limit {
			page.Next = fmt.Sprintf("%d", page.Items[len(page.Items)-1].Seq)
			break
		}
		page.Items = append(page.Items, ev)
	}
	return page, cur.Err()
}

// ClaimNextQueued atomically claims the oldest ready queued run via
// FindOneAndUpdate, the Mongo equivalent of SELECT ... FOR UPDATE SKIP
// LOCKED: the update is applied server-side to exactly one matching
// document, so two racing claimants never both win.
func (s *Store) ClaimNextQueued(ctx context.Context) (run.WorkflowRun, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	now := time.Now().UTC()
	filter := bson.M{
		"status": run.StatusQueued,
		"$or": []bson.M{
			{"next_attempt_at": nil},
			{"next_attempt_at": bson.M{"$lte": now}},
		},
	}
	update := bson.M{
		"$set": bson.M{"status": run.StatusRunning},
		"$inc": bson.M{"attempt_count": 1},
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetReturnDocument(options.After)

	var r run.WorkflowRun
	err := s.runs.FindOneAndUpdate(ctx, filter, update, opts).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return run.WorkflowRun{}, store.ErrNotFound
	}
	if err != nil {
		return run.WorkflowRun{}, fmt.Errorf("mongostore: claim next queued: %w", err)
	}
	if r.StartedAt.IsZero() {
		_, _ = s.runs.UpdateOne(ctx, bson.M{"_id": r.ID}, bson.M{"$set": bson.M{"started_at": now}})
		r.StartedAt = now
	}
	return r, nil
}
