package queue

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestBackoffCappedAndNonDecreasingProperty verifies the spec §4.4.5 retry
// rule min(60s, base*2^(attempt-1)): the computed delay never exceeds the
// cap, and increasing attempt never decreases the delay for a fixed base.
func TestBackoffCappedAndNonDecreasingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("Backoff never exceeds the 60s cap", prop.ForAll(
		func(baseMs int, attempt int) bool {
			base := time.Duration(baseMs) * time.Millisecond
			return Backoff(base, attempt) <= 60*time.Second
		},
		gen.IntRange(1, 5000),
		gen.IntRange(-5, 50),
	))

	properties.Property("Backoff is non-decreasing in attempt", prop.ForAll(
		func(baseMs int, attempt int) bool {
			base := time.Duration(baseMs) * time.Millisecond
			a := Backoff(base, attempt)
			b := Backoff(base, attempt+1)
			return b >= a
		},
		gen.IntRange(1, 5000),
		gen.IntRange(1, 50),
	))

	properties.TestingRun(t)
}
