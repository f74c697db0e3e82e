package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/vespid-ai/workflow-core/runtime/stepper"
)

// HTTPRequestConfig is the decoded config of an http.request node.
type HTTPRequestConfig struct {
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      json.RawMessage   `json:"body,omitempty"`
	TimeoutMs int64             `json:"timeoutMs,omitempty"`
}

// HTTPResponse is the output shape of a successful http.request node.
type HTTPResponse struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body"`
	Truncated  bool              `json:"truncated,omitempty"`
}

const (
	defaultHTTPTimeout  = 30 * time.Second
	maxHTTPResponseBody = 1 << 20 // 1MiB
)

// NewHTTPRequestExecutor builds the http.request node executor. It runs
// inline in the worker process (no gateway Block exists for http.request)
// and makes a single net/http call per invocation; failed requests are not
// retried.
func NewHTTPRequestExecutor() stepper.NodeExecutor {
	client := &http.Client{}

	return stepper.NodeExecutorFunc(func(ec stepper.ExecContext) (stepper.ExecResult, error) {
		var cfg HTTPRequestConfig
		if len(ec.Node.Config) == 0 {
			return stepper.ExecResult{Status: stepper.ExecFailed, Error: "INVALID_ACTION_INPUT"}, nil
		}
		if err := json.Unmarshal(ec.Node.Config, &cfg); err != nil || cfg.URL == "" {
			return stepper.ExecResult{Status: stepper.ExecFailed, Error: "INVALID_ACTION_INPUT"}, nil
		}
		method := cfg.Method
		if method == "" {
			method = http.MethodGet
		}

		timeout := defaultHTTPTimeout
		if cfg.TimeoutMs > 0 {
			timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
		}
		ctx, cancel := context.WithTimeout(ec.Context, timeout)
		defer cancel()

		var bodyReader io.Reader
		if len(cfg.Body) > 0 {
			bodyReader = bytes.NewReader(cfg.Body)
		}
		req, err := http.NewRequestWithContext(ctx, method, cfg.URL, bodyReader)
		if err != nil {
			return stepper.ExecResult{Status: stepper.ExecFailed, Error: "http.request: " + err.Error()}, nil
		}
		for k, v := range cfg.Headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			return stepper.ExecResult{Status: stepper.ExecFailed, Error: "http.request: " + err.Error()}, nil
		}
		defer resp.Body.Close()

		limited := io.LimitReader(resp.Body, maxHTTPResponseBody+1)
		raw, err := io.ReadAll(limited)
		if err != nil {
			return stepper.ExecResult{Status: stepper.ExecFailed, Error: "http.request: read body: " + err.Error()}, nil
		}
		truncated := len(raw) > maxHTTPResponseBody
		if truncated {
			raw = raw[:maxHTTPResponseBody]
		}

		headers := make(map[string]string, len(resp.Header))
		for k := range resp.Header {
			headers[k] = resp.Header.Get(k)
		}
		out := HTTPResponse{StatusCode: resp.StatusCode, Headers: headers, Body: string(raw), Truncated: truncated}
		output, _ := json.Marshal(out)
		return stepper.ExecResult{Status: stepper.ExecSucceeded, Output: output}, nil
	})
}
