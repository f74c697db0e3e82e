package gateway

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

// Connection is the live, in-process state of one connected executor. It
// combines the declared ExecutorInfo with the mutable in-flight accounting
// the dispatch selection algorithm needs.
type Connection struct {
	Info ExecutorInfo

	mu       sync.Mutex
	inFlight int
	sender   FrameSender
}

// FrameSender delivers an execute frame to the executor's WebSocket
// connection. Transport adapters (see wsproto) implement this; the registry
// itself is transport-agnostic.
type FrameSender interface {
	SendExecute(ctx context.Context, req InvokeRequest) error
}

// InFlight returns the connection's current in-flight invocation count.
func (c *Connection) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

func (c *Connection) incInFlight() {
	c.mu.Lock()
	c.inFlight++
	c.mu.Unlock()
}

func (c *Connection) decInFlight() {
	c.mu.Lock()
	if c.inFlight > 0 {
		c.inFlight--
	}
	c.mu.Unlock()
}

// Registry is the in-memory, process-local executor directory behind the
// dispatch endpoint. Routing is sharded by which process holds an
// executor's WebSocket: no cross-process locks are required because result
// push fans back in through the job queue rather than the registry.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection // executorID -> Connection
	tokens      map[string]tokenRecord // hashed token -> record
	rrCounters  map[string]uint64      // pool -> round-robin cursor

	strategy SelectionStrategy
}

type tokenRecord struct {
	executorID string
	revoked    bool
}

// ErrExecutorAlreadyPaired indicates a pairing attempt reused an executorID
// that is already registered.
var ErrExecutorAlreadyPaired = errors.New("gateway: executor already paired")

// ErrUnknownExecutor indicates an operation referenced an executorID with
// no pairing record.
var ErrUnknownExecutor = errors.New("gateway: unknown executor")

// NewRegistry constructs an empty Registry using the given default
// selection strategy (GATEWAY_AGENT_SELECTION).
func NewRegistry(strategy SelectionStrategy) *Registry {
	if strategy == "" {
		strategy = SelectRoundRobin
	}
	return &Registry{
		connections: make(map[string]*Connection),
		tokens:      make(map[string]tokenRecord),
		rrCounters:  make(map[string]uint64),
		strategy:    strategy,
	}
}

// PairResult is returned by Pair: the minted executor id and the raw token
// the caller must hand to the executor process out of band. Only the hash
// of the token is retained by the registry.
type PairResult struct {
	ExecutorID string
	Token      string
}

// Pair mints a new executor id and pairing token for a managed-pool issuance
// or a BYON registration. The token is returned once; only its hash is
// persisted, mirroring how secrets are never retained in cleartext server-side.
func (r *Registry) Pair(pool Pool, orgID string) (PairResult, error) {
	executorID := fmt.Sprintf("exec_%s", randomID())
	token := randomID()
	r.mu.Lock()
	r.tokens[hashToken(token)] = tokenRecord{executorID: executorID}
	r.mu.Unlock()
	return PairResult{ExecutorID: executorID, Token: token}, nil
}

// Revoke marks an executor's pairing token as revoked; revoked entries are
// never dispatched and any live connection is dropped.
func (r *Registry) Revoke(executorID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	found := false
	for h, rec := range r.tokens {
		if rec.executorID == executorID {
			rec.revoked = true
			r.tokens[h] = rec
			found = true
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownExecutor, executorID)
	}
	delete(r.connections, executorID)
	return nil
}

// AuthenticateToken resolves a raw bearer token into its executorID,
// rejecting unknown or revoked tokens.
func (r *Registry) AuthenticateToken(token string) (string, error) {
	r.mu.RLock()
	rec, ok := r.tokens[hashToken(token)]
	r.mu.RUnlock()
	if !ok {
		return "", ErrUnknownExecutor
	}
	if rec.revoked {
		return "", fmt.Errorf("%w: revoked", ErrUnknownExecutor)
	}
	return rec.executorID, nil
}

// Online registers a live connection for an executor that has completed its
// hello handshake. Online-presence is tracked only while the WebSocket is
// held; the connection is removed on disconnect via Offline.
func (r *Registry) Online(info ExecutorInfo, sender FrameSender) *Connection {
	conn := &Connection{Info: info, sender: sender}
	r.mu.Lock()
	r.connections[info.ExecutorID] = conn
	r.mu.Unlock()
	return conn
}

// Offline removes a disconnected executor's live connection. Its pairing
// record (and revocation state) is untouched.
func (r *Registry) Offline(executorID string) {
	r.mu.Lock()
	delete(r.connections, executorID)
	r.mu.Unlock()
}

// Get returns the live connection for executorID, if online.
func (r *Registry) Get(executorID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connections[executorID]
	return c, ok
}

// eligible filters the connection set for a dispatch, applying pool,
// kind, connector, BYON org-scoping, selector, and capacity rules (spec §4.3
// step 2).
func (r *Registry) eligible(req InvokeRequest) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Connection
	for _, c := range r.connections {
		if !matchesKind(c.Info, req.Kind) {
			continue
		}
		if req.Kind == KindConnectorAction && len(c.Info.Connectors) > 0 {
			if !connectorAllowed(c.Info, req.Payload) {
				continue
			}
		}
		if c.Info.Pool == PoolBYON {
			if c.Info.OrgID != req.OrgID {
				continue
			}
		}
		if c.Info.Revoked {
			continue
		}
		if req.Selector != nil && !matchesSelector(c.Info, *req.Selector) {
			continue
		}
		if c.Info.MaxInFlight > 0 && c.InFlight() >= c.Info.MaxInFlight {
			continue
		}
		out = append(out, c)
	}
	return out
}

func matchesKind(info ExecutorInfo, kind Kind) bool {
	for _, k := range info.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func matchesSelector(info ExecutorInfo, sel Selector) bool {
	if sel.ExecutorID != "" && sel.ExecutorID != info.ExecutorID {
		return false
	}
	if sel.Pool != "" && sel.Pool != info.Pool {
		return false
	}
	if sel.Tag != "" && !hasLabel(info.Labels, sel.Tag) {
		return false
	}
	if sel.Group != "" && !hasLabel(info.Labels, "group:"+sel.Group) {
		return false
	}
	for _, l := range sel.Labels {
		if !hasLabel(info.Labels, l) {
			return false
		}
	}
	return true
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

// selectConnection picks one eligible connection using the registry's
// configured strategy, tie-breaking by stable executorID order.
func (r *Registry) selectConnection(poolKey string, candidates []*Connection) *Connection {
	if len(candidates) == 0 {
		return nil
	}
	sortByExecutorID(candidates)
	switch r.strategy {
	case SelectLeastInFlight:
		best := candidates[0]
		for _, c := range candidates[1:] {
			if c.InFlight() < best.InFlight() {
				best = c
			}
		}
		return best
	default: // round_robin
		r.mu.Lock()
		idx := r.rrCounters[poolKey]
		r.rrCounters[poolKey] = idx + 1
		r.mu.Unlock()
		return candidates[idx%uint64(len(candidates))]
	}
}

func sortByExecutorID(cs []*Connection) {
	for i := 1; i < len(cs); i++ {
		for j := i; j > 0 && cs[j-1].Info.ExecutorID > cs[j].Info.ExecutorID; j-- {
			cs[j-1], cs[j] = cs[j], cs[j-1]
		}
	}
}

func randomID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// connectorAllowed checks payload.connectorId against the executor's
// declared connector allowlist. Payload decoding failures are treated as
// "not allowed" rather than panicking the selection loop.
func connectorAllowed(info ExecutorInfo, payload []byte) bool {
	var p struct {
		ConnectorID string `json:"connectorId"`
	}
	if err := unmarshalPayload(payload, &p); err != nil {
		return false
	}
	return hasLabel(info.Connectors, p.ConnectorID)
}
