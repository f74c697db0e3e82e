package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_CapsAtSixtySeconds(t *testing.T) {
	base := time.Second
	assert.Equal(t, time.Second, Backoff(base, 1))
	assert.Equal(t, 2*time.Second, Backoff(base, 2))
	assert.Equal(t, 4*time.Second, Backoff(base, 3))
	assert.Equal(t, 60*time.Second, Backoff(base, 10))
}

func TestPollJobID_Deterministic(t *testing.T) {
	a := PollJobID("req-1")
	b := PollJobID("req-1")
	c := PollJobID("req-2")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
