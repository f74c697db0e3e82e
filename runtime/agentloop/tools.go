package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vespid-ai/workflow-core/runtime/stepper"
)

// ToolContext is handed to a Tool's Execute method: the ambient run/node
// identity plus the call's position in the node's tool-call sequence.
type ToolContext struct {
	Context context.Context

	OrgID        string
	UserID       string
	RunID        string
	WorkflowID   string
	NodeID       string
	AttemptCount int
	CallIndex    int

	OrganizationSettings stepper.OrganizationSettings
}

// ToolStatus mirrors stepper.ExecStatus for a single tool invocation.
type ToolStatus string

const (
	ToolSucceeded ToolStatus = "succeeded"
	ToolFailed    ToolStatus = "failed"
	ToolBlocked   ToolStatus = "blocked"
)

// ToolOutcome is returned by a Tool's Execute method.
type ToolOutcome struct {
	Status ToolStatus

	Output json.RawMessage
	Error  string

	// Block is populated when Status == ToolBlocked: the tool's work is
	// delegated to a remote executor via the same block mechanism a
	// top-level node uses (spec §4.5.4: "Remote-mode tools return blocked
	// with a dispatch payload; the outer C4 block path applies").
	Block *stepper.Block
}

// Tool implements one toolId's execution semantics.
type Tool interface {
	Execute(tc ToolContext, input json.RawMessage) (ToolOutcome, error)
}

// ToolFunc adapts a function to Tool.
type ToolFunc func(tc ToolContext, input json.RawMessage) (ToolOutcome, error)

func (f ToolFunc) Execute(tc ToolContext, input json.RawMessage) (ToolOutcome, error) {
	return f(tc, input)
}

// Registry resolves toolId strings to Tool implementations, plus the
// connector-action alias rewrite (spec §4.5.3 step 9: "connector.<id>.<id>"
// shorthand).
type Registry struct {
	tools map[string]Tool
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register binds toolID to tool, overwriting any prior binding.
func (r *Registry) Register(toolID string, tool Tool) {
	r.tools[toolID] = tool
}

// connectorAliasPrefix/Suffix split a "connector.<connectorId>.<actionId>"
// alias into its canonical connector.action invocation.
const connectorAliasPrefix = "connector."

// ResolveAlias rewrites a "connector.<connectorId>.<actionId>" toolId into
// the canonical "connector.action" tool plus a connectorId/actionId-bearing
// input, per spec §4.5.3 step 9. Non-matching ids are returned unchanged.
// The caller's original toolId is preserved by the loop for accounting
// (allowlist matching happens against the original id).
func ResolveAlias(toolID string, input json.RawMessage) (resolvedID string, resolvedInput json.RawMessage, aliased bool) {
	if toolID == "connector.action" || !strings.HasPrefix(toolID, connectorAliasPrefix) {
		return toolID, input, false
	}
	rest := strings.TrimPrefix(toolID, connectorAliasPrefix)
	parts := strings.SplitN(rest, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return toolID, input, false
	}
	connectorID, actionID := parts[0], parts[1]

	var fields map[string]json.RawMessage
	_ = json.Unmarshal(input, &fields)
	if fields == nil {
		fields = make(map[string]json.RawMessage)
	}
	fields["connectorId"] = mustMarshal(connectorID)
	fields["actionId"] = mustMarshal(actionID)
	rewritten, _ := json.Marshal(fields)
	return "connector.action", rewritten, true
}

// Resolve looks up the tool registered for toolID, returning
// TOOL_NOT_SUPPORTED:<id> if none is registered.
func (r *Registry) Resolve(toolID string) (Tool, error) {
	t, ok := r.tools[toolID]
	if !ok {
		return nil, fmt.Errorf("%s", withID(ErrToolNotSupported, toolID))
	}
	return t, nil
}

func mustMarshal(v string) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// allowed reports whether toolID is present in the allowlist. An empty
// allowlist denies every tool (spec treats the allowlist as authoritative,
// never "unset means allow-all").
func allowed(allowlist []string, toolID string) bool {
	for _, id := range allowlist {
		if id == toolID {
			return true
		}
	}
	return false
}

// intersect returns the elements common to both allowlists, preserving a's
// order, used to compute a team delegate's effective tool allowlist (spec
// §4.5.4: tools.allow = intersect(parentPolicyAllow, teammateAllow)).
func intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, id := range b {
		set[id] = struct{}{}
	}
	out := make([]string, 0, len(a))
	for _, id := range a {
		if _, ok := set[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// without returns a with every element in exclude removed.
func without(a []string, exclude ...string) []string {
	drop := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		drop[id] = struct{}{}
	}
	out := make([]string, 0, len(a))
	for _, id := range a {
		if _, ok := drop[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
