package agentloop

import "encoding/json"

// Default summarization caps (spec §4.5.5).
const (
	DefaultToolSummaryMaxChars = 20_000
	DefaultDeltaMaxChars       = 4_000
	DefaultAssistantMaxChars   = 50_000
)

// summary is the truncated shape emitted in place of an oversized payload.
type summary struct {
	Truncated     bool   `json:"truncated"`
	Preview       string `json:"preview"`
	OriginalLength *int  `json:"originalLength"`
}

// Summarize applies the spec §4.5.5 truncation rule: if the canonical JSON
// encoding of v is at most maxChars, v is returned verbatim; otherwise a
// {truncated, preview, originalLength} wrapper is returned whose preview is
// the first maxChars characters of that encoding. Lengths are counted in
// runes, so the preview never splits a multibyte character, and
// originalLength is the rune count of the encoding. A round-trip through
// Summarize is a no-op (returns the same bytes) iff the input was already
// within the limit.
func Summarize(v any, maxChars int) json.RawMessage {
	encoded, err := json.Marshal(v)
	if err != nil {
		encoded = []byte(`null`)
	}
	return SummarizeJSON(encoded, maxChars)
}

// SummarizeJSON applies the same rule directly to an already-encoded value.
func SummarizeJSON(encoded json.RawMessage, maxChars int) json.RawMessage {
	if maxChars <= 0 {
		return encoded
	}
	runes := []rune(string(encoded))
	if len(runes) <= maxChars {
		return encoded
	}
	n := len(runes)
	preview := string(runes[:maxChars])
	out, err := json.Marshal(summary{Truncated: true, Preview: preview, OriginalLength: &n})
	if err != nil {
		return encoded
	}
	return out
}

// SummarizeString is the string-output analogue of Summarize, used for
// assistant message / delta truncation where the persisted value is a raw
// string rather than a JSON-marshaled struct (spec §4.5.3 step 6: "Truncate
// LLM content to maxOutputChars").
func SummarizeString(text string, maxChars int) string {
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}
	return text[:maxChars]
}
