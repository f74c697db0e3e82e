package gateway

import (
	"context"
	"sync"
)

// EventSink receives RemoteEvents so they can be appended to the run's event
// log (forwarded as a remote.event continuation job) and relayed to any live
// subscribers (e.g. a streaming UI).
type EventSink interface {
	AppendRemoteEvent(ctx context.Context, runID string, ev RemoteEvent) error
}

// Subscriber receives a live feed of RemoteEvents for UI streaming.
type Subscriber func(ev RemoteEvent)

// eventRouter fans RemoteEvents out to the durable sink and any live
// subscribers registered for a request id.
type eventRouter struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]Subscriber
}

func newEventRouter() *eventRouter {
	return &eventRouter{subs: make(map[string]map[uint64]Subscriber)}
}

// Subscribe registers sub for requestID's events and returns an unsubscribe
// function.
func (r *eventRouter) Subscribe(requestID string, sub Subscriber) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	if r.subs[requestID] == nil {
		r.subs[requestID] = make(map[uint64]Subscriber)
	}
	r.subs[requestID][id] = sub
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs[requestID], id)
		r.mu.Unlock()
	}
}

func (r *eventRouter) publish(ev RemoteEvent) {
	r.mu.RLock()
	subs := make([]Subscriber, 0, len(r.subs[ev.RequestID]))
	for _, s := range r.subs[ev.RequestID] {
		subs = append(subs, s)
	}
	r.mu.RUnlock()
	for _, s := range subs {
		s(ev)
	}
}

// Subscribe registers sub for requestID's events on the gateway's router and
// returns an unsubscribe function.
func (g *Gateway) Subscribe(requestID string, sub Subscriber) func() {
	return g.events().Subscribe(requestID, sub)
}

// ApplyRemoteEvent forwards an executor's execute_event frame to the
// durable sink (remote.event continuation) and to live subscribers. Unlike
// ApplyResult, this never touches block state.
func (g *Gateway) ApplyRemoteEvent(ctx context.Context, sink EventSink, ev RemoteEvent) error {
	g.events().publish(ev)
	if sink == nil {
		return nil
	}
	g.mu.Lock()
	entry, ok := g.pending[ev.RequestID]
	g.mu.Unlock()
	runID := ""
	if ok {
		runID = entry.runID
	}
	return sink.AppendRemoteEvent(ctx, runID, ev)
}

func (g *Gateway) events() *eventRouter {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.router == nil {
		g.router = newEventRouter()
	}
	return g.router
}
