package agentloop

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimitedClient wraps a Client with a process-local adaptive
// tokens-per-minute budget, grounded on the teacher's
// features/model/middleware.AdaptiveRateLimiter. Unlike the teacher's
// cluster-aware variant (which coordinates budget across processes via a
// Pulse replicated map), this limiter is process-local only: the gateway
// registry (C3) is already documented as a per-process singleton (spec §5),
// and a single agent loop worker is the natural unit of LLM call pacing for
// this module.
//
// It estimates the token cost of a request from the message transcript,
// blocks the caller until capacity is available (honoring req.Deadline via
// ctx), and backs off the effective budget by half whenever the wrapped
// client reports ErrRateLimited, recovering gradually afterward.
type RateLimitedClient struct {
	next Client

	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM   float64
	minTPM       float64
	maxTPM       float64
	recoveryRate float64
}

// ErrRateLimited is returned by a Client implementation to signal the
// provider itself rejected the call for exceeding its rate limit; observing
// it causes the wrapping RateLimitedClient to halve its budget.
var ErrRateLimited = errors.New("agentloop: provider rate limited the request")

// NewRateLimitedClient wraps next with an adaptive limiter budgeted at
// initialTPM tokens per minute, growing probe-by-probe up to maxTPM after a
// successful call and backing off to a floor of 10% of initialTPM after a
// rate-limit signal. A non-positive initialTPM defaults to 60000 (roughly a
// mid-tier provider's per-minute budget); a maxTPM below initialTPM is
// clamped to it.
func NewRateLimitedClient(next Client, initialTPM, maxTPM float64) *RateLimitedClient {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &RateLimitedClient{
		next:         next,
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Complete enforces the limiter before delegating to the wrapped client,
// then adjusts the budget based on whether the call succeeded or was
// rejected as rate-limited.
func (l *RateLimitedClient) Complete(ctx context.Context, req Request, onDelta DeltaFunc) (Response, error) {
	waitCtx := ctx
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}
	if err := l.limiter.WaitN(waitCtx, estimateTokens(req)); err != nil {
		return Response{}, err
	}
	resp, err := l.next.Complete(ctx, req, onDelta)
	l.observe(err)
	return resp, err
}

func (l *RateLimitedClient) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if errors.Is(err, ErrRateLimited) {
		l.backoff()
	}
}

func (l *RateLimitedClient) backoff() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	if newTPM == l.currentTPM {
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
}

func (l *RateLimitedClient) probe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	if newTPM == l.currentTPM {
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
}

// estimateTokens approximates the token cost of req's transcript at one
// token per ~3 characters plus a fixed buffer for framing overhead, mirroring
// the teacher's estimateTokens heuristic.
func estimateTokens(req Request) int {
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	if chars <= 0 {
		return 500
	}
	tokens := chars / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}
