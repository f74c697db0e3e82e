package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
)

// ConnectorActionInput is the input shape for the connector.action tool.
// Auth is optional operator-declared auth metadata; per spec §4.5.4 the
// model is never permitted to supply auth.secretId itself — secrets are
// resolved by the worker from org-scoped connector-secret bindings.
type ConnectorActionInput struct {
	ConnectorID string          `json:"connectorId"`
	ActionID    string          `json:"actionId"`
	Input       json.RawMessage `json:"input,omitempty"`
	Auth        *ConnectorAuth  `json:"auth,omitempty"`
}

// ConnectorAuth is the auth block a model-authored tool_call input may
// include; SecretID must never be populated by the model (spec
// §4.5.4/§6: TOOL_SECRET_ID_NOT_ALLOWED).
type ConnectorAuth struct {
	SecretID string `json:"secretId,omitempty"`
}

// ConnectorAction is one resolved community connector action: its own
// input schema plus the execute entrypoint.
type ConnectorAction struct {
	InputSchema json.RawMessage
	Execute     func(ctx context.Context, input json.RawMessage, secret, apiBaseURL string) (json.RawMessage, error)
}

// ConnectorRegistry resolves {connectorId, actionId} to a ConnectorAction
// and resolves the org-scoped secret an action requires, if any (spec
// §4.5.4). Concrete connector catalogs (GitHub, Slack, ...) are external
// collaborators per spec §1's "channel adapters" non-goal; this module
// defines only the lookup contract.
type ConnectorRegistry interface {
	Action(connectorID, actionID string) (ConnectorAction, bool)
	// ResolveSecret returns the raw secret value bound to connectorID for
	// orgID, and whether a binding exists. Secret resolution/decryption
	// itself is an external collaborator (spec §1: "secrets encryption
	// (KEK/DEK)").
	ResolveSecret(ctx context.Context, orgID, connectorID string) (secret string, ok bool, err error)
	// APIBaseURL returns the connector's configured API base URL override,
	// mirroring the source's githubApiBaseUrl env knob generalized across
	// connectors.
	APIBaseURL(connectorID string) string
}

// NewConnectorActionTool builds the connector.action Tool.
func NewConnectorActionTool(registry ConnectorRegistry, schemas *SchemaCache) Tool {
	return ToolFunc(func(tc ToolContext, input json.RawMessage) (ToolOutcome, error) {
		var in ConnectorActionInput
		if err := json.Unmarshal(input, &in); err != nil {
			return ToolOutcome{Status: ToolFailed, Error: ErrInvalidToolInput}, nil
		}
		if in.Auth != nil && in.Auth.SecretID != "" {
			return ToolOutcome{Status: ToolFailed, Error: ErrToolSecretIDNotAllowed}, nil
		}
		if in.ConnectorID == "" || in.ActionID == "" {
			return ToolOutcome{Status: ToolFailed, Error: ErrInvalidToolInput}, nil
		}

		action, ok := registry.Action(in.ConnectorID, in.ActionID)
		if !ok {
			return ToolOutcome{Status: ToolFailed, Error: withPair(ErrActionNotSupported, in.ConnectorID, in.ActionID)}, nil
		}

		actionInput := in.Input
		if actionInput == nil {
			actionInput = json.RawMessage(`{}`)
		}
		if len(action.InputSchema) > 0 {
			validator, err := schemas.Compile(action.InputSchema)
			if err != nil {
				return ToolOutcome{Status: ToolFailed, Error: err.Error()}, nil
			}
			if err := ValidateAgainstSchema(validator, actionInput); err != nil {
				return ToolOutcome{Status: ToolFailed, Error: fmt.Sprintf("%s: %v", ErrInvalidActionInput, err)}, nil
			}
		}

		secret, hasSecret, err := registry.ResolveSecret(tc.Context, tc.OrgID, in.ConnectorID)
		if err != nil {
			return ToolOutcome{Status: ToolFailed, Error: fmt.Sprintf("connector.action: resolve secret: %v", err)}, nil
		}
		if !hasSecret {
			// Not every action requires a bound secret (e.g. public read
			// actions); the action itself decides whether an empty secret
			// is fatal by returning SECRET_REQUIRED.
			secret = ""
		}

		output, err := action.Execute(tc.Context, actionInput, secret, registry.APIBaseURL(in.ConnectorID))
		if err != nil {
			return ToolOutcome{Status: ToolFailed, Error: fmt.Sprintf("connector.action: %v", err)}, nil
		}
		return ToolOutcome{Status: ToolSucceeded, Output: SummarizeJSON(output, DefaultToolSummaryMaxChars)}, nil
	})
}
