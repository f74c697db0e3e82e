// Package redisqueue implements queue.Queue on Redis so multiple stepper/
// continuation workers can share one durable queue. Scheduling uses a sorted
// set keyed by ready-at timestamp and a payload hash; a duplicate Enqueue for
// a jobID whose payload is still stored (scheduled, or claimed and not yet
// acked) is a no-op. Claims pop the lowest-scored ready member with a Lua
// script so the check-and-remove is atomic across concurrent dequeuers. This
// mirrors the Redis-primitive style the teacher's stream/pulse client layer
// uses (a required *redis.Client, one small wrapper type), adapted here
// without the Pulse stream abstraction itself (see DESIGN.md).
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vespid-ai/workflow-core/runtime/queue"
)

// claimScript atomically pops the lowest-scored ready member (if its score
// has elapsed) and returns it with its payload and attempt count (1 when no
// retry has been recorded). The payload and attempt entries stay in their
// hashes until Ack. There is no lease or reaper: Retry/Ack are called by the
// same worker that claimed the job, and a job whose worker stops before
// either call is not redelivered.
var claimScript = redis.NewScript(`
local readyKey = KEYS[1]
local payloadKey = KEYS[2]
local attemptKey = KEYS[3]
local now = tonumber(ARGV[1])
local members = redis.call('ZRANGEBYSCORE', readyKey, '-inf', now, 'LIMIT', 0, 1)
if #members == 0 then
	return nil
end
local jobID = members[1]
redis.call('ZREM', readyKey, jobID)
local payload = redis.call('HGET', payloadKey, jobID)
local attempt = redis.call('HGET', attemptKey, jobID)
if not attempt then
	attempt = 1
end
return {jobID, payload, attempt}
`)

// Queue is a Redis-backed queue.Queue. One Queue instance serves one named
// queue (run queue or continuation queue); prefix namespaces its keys.
type Queue struct {
	rdb    *redis.Client
	prefix string
}

// New constructs a Queue named name (e.g. queue.RunJobQueueName), sharing
// rdb with other queues/stores in the process.
func New(rdb *redis.Client, name string) *Queue {
	return &Queue{rdb: rdb, prefix: "queue:" + name + ":"}
}

func (q *Queue) readyKey() string   { return q.prefix + "ready" }
func (q *Queue) payloadKey() string { return q.prefix + "payload" }
func (q *Queue) attemptKey() string { return q.prefix + "attempt" }

// Enqueue schedules payload under jobID. The payload is stored with HSETNX
// before the job is scheduled, so re-enqueuing a jobID that is already
// scheduled or in-flight (claimed, not yet acked) is a no-op, which is how
// duplicate push/poll scheduling for the same requestId collapses into one
// job.
func (q *Queue) Enqueue(ctx context.Context, jobID string, payload json.RawMessage, delay time.Duration) error {
	stored, err := q.rdb.HSetNX(ctx, q.payloadKey(), jobID, []byte(payload)).Result()
	if err != nil {
		return fmt.Errorf("redisqueue: store payload: %w", err)
	}
	if !stored {
		return nil // already scheduled or in-flight
	}
	readyAt := float64(time.Now().Add(delay).UnixMilli())
	if err := q.rdb.ZAdd(ctx, q.readyKey(), redis.Z{Score: readyAt, Member: jobID}).Err(); err != nil {
		return fmt.Errorf("redisqueue: schedule: %w", err)
	}
	return nil
}

// Dequeue claims the oldest ready job, if its score has elapsed.
func (q *Queue) Dequeue(ctx context.Context) (queue.Delivery, bool, error) {
	res, err := claimScript.Run(ctx, q.rdb, []string{q.readyKey(), q.payloadKey(), q.attemptKey()}, time.Now().UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return queue.Delivery{}, false, nil
	}
	if err != nil {
		return queue.Delivery{}, false, fmt.Errorf("redisqueue: claim: %w", err)
	}
	if res == nil {
		return queue.Delivery{}, false, nil
	}
	fields, ok := res.([]any)
	if !ok || len(fields) < 3 {
		return queue.Delivery{}, false, nil
	}
	jobID, _ := fields[0].(string)
	var payload json.RawMessage
	if s, ok := fields[1].(string); ok {
		payload = json.RawMessage(s)
	}
	attempt := 1
	switch v := fields[2].(type) {
	case string:
		fmt.Sscanf(v, "%d", &attempt)
	case int64:
		attempt = int(v)
	}
	return queue.Delivery{JobID: jobID, Payload: payload, Attempt: attempt}, true, nil
}

// Ack permanently removes a claimed job's payload and attempt bookkeeping.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	pipe := q.rdb.TxPipeline()
	pipe.HDel(ctx, q.payloadKey(), jobID)
	pipe.HDel(ctx, q.attemptKey(), jobID)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redisqueue: ack: %w", err)
	}
	return nil
}

// Retry re-schedules a claimed job after backoff, bumping its attempt count.
func (q *Queue) Retry(ctx context.Context, jobID string, backoff time.Duration) error {
	pipe := q.rdb.TxPipeline()
	pipe.HSetNX(ctx, q.attemptKey(), jobID, 1)
	pipe.HIncrBy(ctx, q.attemptKey(), jobID, 1)
	pipe.ZAdd(ctx, q.readyKey(), redis.Z{Score: float64(time.Now().Add(backoff).UnixMilli()), Member: jobID})
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redisqueue: retry: %w", err)
	}
	return nil
}
