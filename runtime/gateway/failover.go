package gateway

import "context"

// RedispatchSessionTurn implements the optional interactive-session failover
// described in spec §4.3: if a session pinned executorID and its WebSocket
// has since closed, the router re-selects from the same kind/selector set
// for the next turn. The session entity itself (which stores the pinned
// executor identity) is an external collaborator; this method only answers
// "is my pinned executor still usable, and if not, who replaces it."
//
// It returns the executorID to use for this turn and whether a failover
// occurred, so the caller can record a session_executor_failover event.
func (g *Gateway) RedispatchSessionTurn(_ context.Context, pinnedExecutorID string, req InvokeRequest) (executorID string, failedOver bool, err error) {
	if pinnedExecutorID != "" {
		if conn, ok := g.Registry.Get(pinnedExecutorID); ok && !conn.Info.Revoked {
			return pinnedExecutorID, false, nil
		}
	}
	candidates := g.Registry.eligible(req)
	if len(candidates) == 0 {
		return "", false, &DispatchError{Code: ErrNoEligibleExecutor, Message: "no executor available for session failover"}
	}
	conn := g.Registry.selectConnection(string(req.Kind), candidates)
	if conn == nil {
		return "", false, &DispatchError{Code: ErrNoEligibleExecutor, Message: "selection returned no executor"}
	}
	return conn.Info.ExecutorID, pinnedExecutorID != "", nil
}
