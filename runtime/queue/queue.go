// Package queue defines the two durable FIFO queues that compose C2: the
// run queue (one job per run attempt, consumed by the stepper) and the
// continuation queue (remote.poll / remote.apply / remote.event jobs,
// consumed by the gateway-result appliers). Both share the same at-least-once
// Queue contract; Enqueue is idempotent per jobID so duplicate pushes (a
// push notification racing its own poll fallback) collapse into one job.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Queue is a durable FIFO with delay scheduling and per-job exponential
// backoff, shared by the run queue and the continuation queue.
type Queue interface {
	// Enqueue schedules payload under jobID to become visible after delay.
	// A second Enqueue call for a jobID that is already scheduled or
	// in-flight is a no-op, which is how the push/poll duplicate-collapse
	// requirement is satisfied.
	Enqueue(ctx context.Context, jobID string, payload json.RawMessage, delay time.Duration) error

	// Dequeue claims the oldest ready job, if any, returning ok=false when
	// the queue has nothing visible right now.
	Dequeue(ctx context.Context) (job Delivery, ok bool, err error)

	// Ack permanently removes a claimed job.
	Ack(ctx context.Context, jobID string) error

	// Retry re-schedules a claimed job to become visible again after
	// backoff, for handlers that threw to request a queue-applied retry.
	Retry(ctx context.Context, jobID string, backoff time.Duration) error
}

// Delivery is one claimed unit of work.
type Delivery struct {
	JobID   string
	Payload json.RawMessage
	Attempt int
}

// Backoff computes the queue's fixed exponential retry delay: min(60s,
// base*2^(attempt-1)), attempt being 1-indexed.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= 60*time.Second {
			return 60 * time.Second
		}
	}
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	return d
}
