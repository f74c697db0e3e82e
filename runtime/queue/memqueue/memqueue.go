// Package memqueue is an in-process queue.Queue for tests and single-process
// deployments: a min-heap of ready-at times plus an in-flight set, guarded by
// one mutex.
package memqueue

import (
	"container/heap"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/vespid-ai/workflow-core/runtime/queue"
)

type item struct {
	jobID   string
	payload json.RawMessage
	readyAt time.Time
	attempt int
	index   int
}

type itemHeap []*item

func (h itemHeap) Len() int            { return len(h) }
func (h itemHeap) Less(i, j int) bool  { return h[i].readyAt.Before(h[j].readyAt) }
func (h itemHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *itemHeap) Push(x any)         { it := x.(*item); it.index = len(*h); *h = append(*h, it) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Queue is an in-memory queue.Queue.
type Queue struct {
	mu      sync.Mutex
	ready   itemHeap
	known   map[string]*item // jobID -> item, whether queued or in-flight
	inFlight map[string]*item
}

// New constructs an empty Queue.
func New() *Queue {
	return &Queue{known: make(map[string]*item), inFlight: make(map[string]*item)}
}

// Enqueue schedules payload under jobID; a jobID already known (queued or
// in-flight) is left untouched.
func (q *Queue) Enqueue(_ context.Context, jobID string, payload json.RawMessage, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.known[jobID]; ok {
		return nil
	}
	it := &item{jobID: jobID, payload: payload, readyAt: time.Now().Add(delay), attempt: 1}
	q.known[jobID] = it
	heap.Push(&q.ready, it)
	return nil
}

// Dequeue claims the oldest ready job.
func (q *Queue) Dequeue(_ context.Context) (queue.Delivery, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ready) == 0 {
		return queue.Delivery{}, false, nil
	}
	if q.ready[0].readyAt.After(time.Now()) {
		return queue.Delivery{}, false, nil
	}
	it := heap.Pop(&q.ready).(*item)
	q.inFlight[it.jobID] = it
	return queue.Delivery{JobID: it.jobID, Payload: it.payload, Attempt: it.attempt}, true, nil
}

// Ack permanently removes a claimed job.
func (q *Queue) Ack(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, jobID)
	delete(q.known, jobID)
	return nil
}

// Retry re-schedules a claimed job after backoff, bumping its attempt count.
func (q *Queue) Retry(_ context.Context, jobID string, backoff time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.inFlight[jobID]
	if !ok {
		return nil
	}
	delete(q.inFlight, jobID)
	it.attempt++
	it.readyAt = time.Now().Add(backoff)
	heap.Push(&q.ready, it)
	return nil
}
