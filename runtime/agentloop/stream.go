package agentloop

import (
	"strings"
	"time"
)

// StreamConfig bounds how often/how much assistant-delta text is emitted as
// agent_assistant_delta events, so a chatty model can't flood the run's
// event stream (spec §4.5.5).
type StreamConfig struct {
	FlushChars int
	FlushMs    int
	MaxEvents  int
	MaxChars   int
}

// DefaultStreamConfig returns the documented defaults.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{FlushChars: 200, FlushMs: 250, MaxEvents: 200, MaxChars: 50_000}
}

// streamCoalescer buffers Client.Complete's delta callback and flushes it on
// a size/time cadence, dropping further text once the event/char budget for
// the turn is spent rather than emitting unboundedly.
type streamCoalescer struct {
	cfg       StreamConfig
	buf       strings.Builder
	lastFlush time.Time
	events    int
	chars     int
	emit      func(text string)
}

func newStreamCoalescer(cfg StreamConfig, emit func(string)) *streamCoalescer {
	return &streamCoalescer{cfg: cfg, lastFlush: time.Now(), emit: emit}
}

func (c *streamCoalescer) onDelta(text string) {
	if text == "" {
		return
	}
	c.buf.WriteString(text)
	if c.buf.Len() >= c.cfg.FlushChars || time.Since(c.lastFlush) >= time.Duration(c.cfg.FlushMs)*time.Millisecond {
		c.flush()
	}
}

func (c *streamCoalescer) flush() {
	if c.buf.Len() == 0 {
		return
	}
	text := c.buf.String()
	c.buf.Reset()
	c.lastFlush = time.Now()
	if c.events >= c.cfg.MaxEvents || c.chars >= c.cfg.MaxChars {
		return
	}
	if remaining := c.cfg.MaxChars - c.chars; len(text) > remaining {
		text = text[:remaining]
	}
	if text == "" {
		return
	}
	c.emit(text)
	c.events++
	c.chars += len(text)
}
