package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vespid-ai/workflow-core/runtime/telemetry"
)

// ResultNotifier is the push path into C2: once a result is durably staged
// by the gateway, it notifies the continuation queue so a worker can apply
// it without waiting for the poll fallback.
type ResultNotifier interface {
	NotifyApply(ctx context.Context, runID, requestID string, result Result) error
}

// OrphanStore buffers results/events whose requestId is unknown to the local
// gateway process — e.g. an executor reconnecting and resending a result
// before this process rediscovers the in-flight record, or a dispatch
// issued by another gateway instance. Entries expire after ttl.
type OrphanStore interface {
	Put(ctx context.Context, requestID string, result Result, ttl time.Duration) error
	Get(ctx context.Context, requestID string) (Result, bool, error)
}

// DefaultOrphanTTL is the buffering window for orphaned results (spec: ~10m).
const DefaultOrphanTTL = 10 * time.Minute

type pendingEntry struct {
	orgID     string
	runID     string
	nodeID    string
	kind      Kind
	executor  *Connection
	startedAt time.Time
	timer     *time.Timer
	result    *Result
	done      chan struct{}
}

// Gateway implements the dispatch endpoint, result/event fan-in, and orphan
// buffering described in spec §4.3. It is a per-process singleton: routing
// is sharded by which process holds an executor's WebSocket.
type Gateway struct {
	Registry *Registry

	notifier ResultNotifier
	orphans  OrphanStore

	logger  telemetry.Logger
	metrics telemetry.Metrics

	mu      sync.Mutex
	pending map[string]*pendingEntry
	router  *eventRouter
}

// NewGateway constructs a Gateway. notifier and orphans may be nil, in which
// case NotifyApply/orphan buffering are no-ops (suitable for tests).
func NewGateway(registry *Registry, notifier ResultNotifier, orphans OrphanStore, logger telemetry.Logger, metrics telemetry.Metrics) *Gateway {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Gateway{
		Registry: registry,
		notifier: notifier,
		orphans:  orphans,
		logger:   logger,
		metrics:  metrics,
		pending:  make(map[string]*pendingEntry),
	}
}

// DispatchError carries a stable error code (spec §6) alongside a human
// message.
type DispatchError struct {
	Code    string
	Message string
}

func (e *DispatchError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Dispatch resolves an eligible executor for req, registers a pending entry
// with a timeout timer, and sends the execute frame. It returns the
// generated requestId immediately; the caller does not block for the
// result (async dispatch model, spec §4.3 step 6).
func (g *Gateway) Dispatch(ctx context.Context, req InvokeRequest) (string, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	candidates := g.Registry.eligible(req)
	if len(candidates) == 0 {
		return "", &DispatchError{Code: ErrNoEligibleExecutor, Message: fmt.Sprintf("no executor for kind %s", req.Kind)}
	}
	poolKey := string(req.Kind)
	if req.Selector != nil && req.Selector.Pool != "" {
		poolKey = poolKey + ":" + string(req.Selector.Pool)
	}
	conn := g.Registry.selectConnection(poolKey, candidates)
	if conn == nil {
		return "", &DispatchError{Code: ErrNoEligibleExecutor, Message: "selection returned no executor"}
	}

	timeout := req.EffectiveTimeout()
	entry := &pendingEntry{
		orgID:     req.OrgID,
		runID:     req.RunID,
		nodeID:    req.NodeID,
		kind:      req.Kind,
		executor:  conn,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	g.mu.Lock()
	g.pending[req.RequestID] = entry
	g.mu.Unlock()

	entry.timer = time.AfterFunc(timeout, func() { g.expire(req.RequestID) })

	conn.incInFlight()
	if err := conn.sender.SendExecute(ctx, req); err != nil {
		g.clearPending(req.RequestID)
		conn.decInFlight()
		return "", &DispatchError{Code: ErrGatewayUnavailable, Message: err.Error()}
	}
	g.metrics.IncCounter("gateway.dispatch", 1, "kind", string(req.Kind))
	return req.RequestID, nil
}

// expire synthesizes a NODE_EXECUTION_TIMEOUT result for a pending request
// whose timer fired before a result arrived.
func (g *Gateway) expire(requestID string) {
	g.mu.Lock()
	entry, ok := g.pending[requestID]
	g.mu.Unlock()
	if !ok {
		return
	}
	g.ApplyResult(context.Background(), Result{
		RequestID: requestID,
		Status:    ResultFailed,
		Error:     ErrNodeExecutionTimeout,
	})
	_ = entry
}

// ApplyResult ingests an execute_result frame (spec §4.3 "Result ingress").
// Duplicate results for an already-resolved requestId are idempotent no-ops.
func (g *Gateway) ApplyResult(ctx context.Context, result Result) error {
	g.mu.Lock()
	entry, ok := g.pending[result.RequestID]
	if ok {
		delete(g.pending, result.RequestID)
	}
	g.mu.Unlock()

	if !ok {
		if g.orphans != nil {
			return g.orphans.Put(ctx, result.RequestID, result, DefaultOrphanTTL)
		}
		return nil
	}

	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.executor.decInFlight()
	select {
	case <-entry.done:
		// already resolved concurrently; duplicate frame, drop it.
		return nil
	default:
		entry.result = &result
		close(entry.done)
	}

	if g.orphans != nil {
		// Short-TTL keyed store so FetchResult keeps serving it even after
		// the pending map entry is gone (e.g. a subsequent duplicate poll).
		_ = g.orphans.Put(ctx, result.RequestID, result, DefaultOrphanTTL)
	}
	if g.notifier != nil {
		return g.notifier.NotifyApply(ctx, entry.runID, result.RequestID, result)
	}
	return nil
}

// FetchResult returns the result for requestId from the pending or orphan
// buffer. Returns ErrResultNotReady while the invocation is still in flight.
func (g *Gateway) FetchResult(ctx context.Context, requestID string) (Result, error) {
	g.mu.Lock()
	entry, ok := g.pending[requestID]
	g.mu.Unlock()
	if ok {
		select {
		case <-entry.done:
			if entry.result != nil {
				return *entry.result, nil
			}
		default:
			return Result{}, &DispatchError{Code: ErrResultNotReady, Message: requestID}
		}
	}
	if g.orphans != nil {
		if r, found, err := g.orphans.Get(ctx, requestID); err != nil {
			return Result{}, err
		} else if found {
			return r, nil
		}
	}
	return Result{}, &DispatchError{Code: ErrResultNotReady, Message: requestID}
}

func (g *Gateway) clearPending(requestID string) {
	g.mu.Lock()
	delete(g.pending, requestID)
	g.mu.Unlock()
}

// ErrDuplicateResult names a result frame for a request that has already
// been resolved. Nothing in this package returns it: ApplyResult drops a
// duplicate that races the first result, and a duplicate arriving after the
// pending entry is gone is buffered like any other orphan result.
var ErrDuplicateResult = errors.New("gateway: duplicate result")
