package agentloop

import (
	"encoding/json"
	"testing"
	"unicode/utf8"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestSummarizeRoundTripProperty verifies the spec §8 round-trip property:
// every event round-trips through the truncation summarizer unchanged iff
// its JSON length is at most the limit; otherwise its length equals the
// limit plus the summary wrapper's fixed overhead.
func TestSummarizeRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("Summarize is a no-op iff input length <= maxChars", prop.ForAll(
		func(text string, maxChars int) bool {
			encoded, err := json.Marshal(text)
			if err != nil {
				return false
			}
			out := SummarizeJSON(encoded, maxChars)
			if maxChars <= 0 || utf8.RuneCount(encoded) <= maxChars {
				return string(out) == string(encoded)
			}
			var s summary
			if err := json.Unmarshal(out, &s); err != nil {
				return false
			}
			if !s.Truncated {
				return false
			}
			if s.OriginalLength == nil || *s.OriginalLength != utf8.RuneCount(encoded) {
				return false
			}
			return utf8.RuneCountInString(s.Preview) == maxChars
		},
		gen.AnyString(),
		gen.IntRange(0, 5000),
	))

	properties.TestingRun(t)
}

// TestSummarizeStringTruncatesToExactLength verifies SummarizeString never
// returns more than maxChars runes of output and never mutates input that
// already fits.
func TestSummarizeStringTruncatesToExactLength(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("SummarizeString respects maxChars", prop.ForAll(
		func(text string, maxChars int) bool {
			out := SummarizeString(text, maxChars)
			if maxChars <= 0 || len(text) <= maxChars {
				return out == text
			}
			return len(out) == maxChars
		},
		gen.AnyString(),
		gen.IntRange(0, 2000),
	))

	properties.TestingRun(t)
}
