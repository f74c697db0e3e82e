package run

import "encoding/json"

// payloadSummary is the truncated shape emitted in place of an oversized
// event payload (spec §6 WORKFLOW_EVENT_PAYLOAD_MAX_CHARS, same truncation
// rule as runtime/agentloop.Summarize but applied at the event-log boundary
// rather than inside the agent loop, so this package does not need to
// depend on agentloop).
type payloadSummary struct {
	Truncated      bool   `json:"truncated"`
	Preview        string `json:"preview"`
	OriginalLength *int   `json:"originalLength"`
}

// TruncatePayload applies the spec §6/§4.5.5 truncation rule to an
// already-encoded event payload: if its length in runes is at most maxChars
// it is returned unchanged; otherwise a {truncated, preview, originalLength}
// wrapper replaces it, whose preview is the first maxChars runes.
// maxChars <= 0 disables truncation.
func TruncatePayload(payload json.RawMessage, maxChars int) json.RawMessage {
	if maxChars <= 0 {
		return payload
	}
	runes := []rune(string(payload))
	if len(runes) <= maxChars {
		return payload
	}
	n := len(runes)
	out, err := json.Marshal(payloadSummary{Truncated: true, Preview: string(runes[:maxChars]), OriginalLength: &n})
	if err != nil {
		return payload
	}
	return out
}
