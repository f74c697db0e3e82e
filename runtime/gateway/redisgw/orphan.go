// Package redisgw provides a Redis-backed OrphanStore so a result delivered
// to one gateway process is visible to every other process behind the
// dispatch endpoint — grounded on the teacher's Redis-backed tool_use_id to
// stream_id mapping in registry/result_stream.go, adapted here to buffer
// the result payload itself under a short TTL key rather than a separate
// stream handle.
package redisgw

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vespid-ai/workflow-core/runtime/gateway"
)

// OrphanStore implements gateway.OrphanStore on top of a Redis client.
type OrphanStore struct {
	rdb    *redis.Client
	prefix string
}

// NewOrphanStore constructs an OrphanStore. prefix namespaces keys
// (defaults to "gateway:orphan:") so multiple environments can share a
// Redis instance.
func NewOrphanStore(rdb *redis.Client, prefix string) *OrphanStore {
	if prefix == "" {
		prefix = "gateway:orphan:"
	}
	return &OrphanStore{rdb: rdb, prefix: prefix}
}

func (s *OrphanStore) key(requestID string) string {
	return s.prefix + requestID
}

// Put stores result under requestID with the given TTL.
func (s *OrphanStore) Put(ctx context.Context, requestID string, result gateway.Result, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("redisgw: marshal result: %w", err)
	}
	return s.rdb.Set(ctx, s.key(requestID), data, ttl).Err()
}

// Get retrieves a buffered result, if present and unexpired.
func (s *OrphanStore) Get(ctx context.Context, requestID string) (gateway.Result, bool, error) {
	data, err := s.rdb.Get(ctx, s.key(requestID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return gateway.Result{}, false, nil
		}
		return gateway.Result{}, false, fmt.Errorf("redisgw: get result: %w", err)
	}
	var result gateway.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return gateway.Result{}, false, fmt.Errorf("redisgw: unmarshal result: %w", err)
	}
	return result, true, nil
}
