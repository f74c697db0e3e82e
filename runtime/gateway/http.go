package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// HTTPHandler implements the internal dispatch endpoint (spec §6):
// POST /internal/v1/dispatch, POST /internal/v1/results/:requestId, and
// POST /internal/v1/managed-executors/issue. Auth is a static service
// token compared in constant time; this is a minimal internal transport,
// not the platform's public REST surface (explicitly out of scope).
type HTTPHandler struct {
	GW           *Gateway
	ServiceToken string
}

// NewHTTPHandler constructs an HTTPHandler bound to gw, requiring the given
// bearer service token on every request.
func NewHTTPHandler(gw *Gateway, serviceToken string) *HTTPHandler {
	return &HTTPHandler{GW: gw, ServiceToken: serviceToken}
}

func (h *HTTPHandler) authorized(r *http.Request) bool {
	token := bearerToken(r.Header.Get("Authorization"))
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.ServiceToken)) == 1
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return header[len(prefix):]
	}
	return ""
}

// HandleDispatch implements POST /internal/v1/dispatch.
func (h *HTTPHandler) HandleDispatch(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req InvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	requestID, err := h.GW.Dispatch(r.Context(), req)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"requestId": requestID})
}

// HandleFetchResult implements POST /internal/v1/results/:requestId.
func (h *HTTPHandler) HandleFetchResult(w http.ResponseWriter, r *http.Request, requestID string) {
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	result, err := h.GW.FetchResult(r.Context(), requestID)
	if err != nil {
		var derr *DispatchError
		if de, ok := err.(*DispatchError); ok { //nolint:errorlint // local sentinel type
			derr = de
		}
		if derr != nil && derr.Code == ErrResultNotReady {
			http.NotFound(w, r)
			return
		}
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleIssueManagedExecutor implements POST /internal/v1/managed-executors/issue.
func (h *HTTPHandler) HandleIssueManagedExecutor(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	res, err := h.GW.Registry.Pair(PoolManaged, "")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeDispatchError(w http.ResponseWriter, err error) {
	code := "NODE_EXECUTION_FAILED"
	if derr, ok := err.(*DispatchError); ok { //nolint:errorlint // local sentinel type
		code = derr.Code
	}
	writeJSON(w, http.StatusBadGateway, map[string]string{"error": code, "message": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
