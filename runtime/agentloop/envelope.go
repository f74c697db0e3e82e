package agentloop

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// EnvelopeType is the legal shape tag of a parsed Envelope.
type EnvelopeType string

const (
	EnvelopeFinal    EnvelopeType = "final"
	EnvelopeToolCall EnvelopeType = "tool_call"
)

// Envelope is the strict JSON shape an agent turn's model output must
// parse into (spec §4.5.3 step 7, §6): either a final answer or a request
// to invoke one tool.
type Envelope struct {
	Type   EnvelopeType
	Output json.RawMessage // populated when Type == EnvelopeFinal
	ToolID string          // populated when Type == EnvelopeToolCall
	Input  json.RawMessage // populated when Type == EnvelopeToolCall
}

// ErrInvalidEnvelope is returned by ParseEnvelope for any text that does not
// reduce to one of the two legal envelope shapes.
var ErrInvalidEnvelope = errors.New(ErrInvalidAgentOutput)

var fencedJSONBlock = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*?\\})\\s*```")

// ParseEnvelope extracts and validates an Envelope from raw model output.
// Per spec §6, it accepts three shapes in this order of preference: a
// fenced ```json {...} ``` block, the raw text itself (trimmed), or the
// first balanced outer {...} block found anywhere in the text. Arrays,
// non-objects, and objects missing a recognized "type" are rejected.
func ParseEnvelope(raw string) (Envelope, error) {
	candidate, ok := extractJSONObject(raw)
	if !ok {
		return Envelope{}, ErrInvalidEnvelope
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal([]byte(candidate), &generic); err != nil {
		return Envelope{}, ErrInvalidEnvelope
	}

	typeRaw, ok := generic["type"]
	if !ok {
		return Envelope{}, ErrInvalidEnvelope
	}
	var typ string
	if err := json.Unmarshal(typeRaw, &typ); err != nil {
		return Envelope{}, ErrInvalidEnvelope
	}

	switch EnvelopeType(typ) {
	case EnvelopeFinal:
		output, ok := generic["output"]
		if !ok {
			return Envelope{}, ErrInvalidEnvelope
		}
		return Envelope{Type: EnvelopeFinal, Output: output}, nil
	case EnvelopeToolCall:
		toolIDRaw, ok := generic["toolId"]
		if !ok {
			return Envelope{}, ErrInvalidEnvelope
		}
		var toolID string
		if err := json.Unmarshal(toolIDRaw, &toolID); err != nil || toolID == "" {
			return Envelope{}, ErrInvalidEnvelope
		}
		input, ok := generic["input"]
		if !ok {
			input = json.RawMessage(`{}`)
		}
		if !isJSONObject(input) {
			return Envelope{}, ErrInvalidEnvelope
		}
		return Envelope{Type: EnvelopeToolCall, ToolID: toolID, Input: input}, nil
	default:
		return Envelope{}, ErrInvalidEnvelope
	}
}

// extractJSONObject tries, in order: a fenced ```json block, the trimmed
// raw text parsed whole, then the first balanced {...} span anywhere in the
// text. It returns false if no candidate is a syntactically plausible
// object (starts with '{'); ParseEnvelope still validates it parses and is
// not an array. Unfenced text whose trimmed form starts with '[' is rejected
// outright, so an object nested inside a top-level array is never picked up.
func extractJSONObject(raw string) (string, bool) {
	if m := fencedJSONBlock.FindStringSubmatch(raw); m != nil {
		return m[1], true
	}

	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "[") {
		return "", false
	}
	if strings.HasPrefix(trimmed, "{") {
		if span, ok := balancedBraceSpan(trimmed, 0); ok {
			return span, true
		}
	}

	if idx := strings.IndexByte(raw, '{'); idx >= 0 {
		if span, ok := balancedBraceSpan(raw, idx); ok {
			return span, true
		}
	}
	return "", false
}

// balancedBraceSpan returns the substring of s starting at the '{' found at
// start through its matching '}', honoring string literals and escapes so
// braces inside JSON string values don't confuse the scan.
func balancedBraceSpan(s string, start int) (string, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
			// inside a string literal, braces don't count
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// isJSONObject reports whether raw decodes to a JSON object (not an array,
// scalar, or null). Used to enforce "input is a non-array object" (§4.5.3
// step 9).
func isJSONObject(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return strings.HasPrefix(trimmed, "{")
}
