package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid-ai/workflow-core/runtime/gateway"
	"github.com/vespid-ai/workflow-core/runtime/queue"
	"github.com/vespid-ai/workflow-core/runtime/stepper"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, queue.RunJobQueueName, cfg.RunQueueName())
	assert.Equal(t, queue.ContinuationQueueName, cfg.ContinuationQueueName())
	assert.Equal(t, stepper.RetryBaseDelay, cfg.RetryBaseDelay())
	assert.Equal(t, stepper.DefaultPollInterval, cfg.ContinuationPollInterval())
	assert.Equal(t, gateway.DefaultTimeoutMs, cfg.NodeExecTimeoutMs())
	assert.Equal(t, gateway.SelectRoundRobin, cfg.SelectionStrategy())
	assert.Equal(t, stepper.DefaultEventPayloadMaxChars, cfg.EventPayloadMaxCharsOrDefault())
	assert.Equal(t, 1, cfg.RunConcurrency())
	assert.Equal(t, 1, cfg.ContinuationConcurrency())
	assert.Equal(t, stepper.DefaultMaxAttempts, cfg.RetryAttempts())
}

func TestLoadDecodesOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlDoc := `
queue:
  runQueueName: custom-runs
  retryBackoffMs: 5000
  runConcurrency: 4
  retryAttempts: 8
gateway:
  nodeExecTimeoutMs: 90000
  selection: least_in_flight
eventPayloadMaxChars: 10000
agentLoop:
  stream:
    flushChars: 50
  toolsetSkills:
    maxBundles: 3
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "custom-runs", cfg.RunQueueName())
	assert.Equal(t, int64(90000), cfg.NodeExecTimeoutMs())
	assert.Equal(t, gateway.SelectLeastInFlight, cfg.SelectionStrategy())
	assert.Equal(t, 10000, cfg.EventPayloadMaxCharsOrDefault())
	assert.Equal(t, 4, cfg.RunConcurrency())
	assert.Equal(t, 1, cfg.ContinuationConcurrency())
	assert.Equal(t, 8, cfg.RetryAttempts())

	stream := cfg.AgentLoop.StreamConfigOrDefault()
	assert.Equal(t, 50, stream.FlushChars)
	assert.Equal(t, 250, stream.FlushMs) // unset field keeps the default

	skills := cfg.AgentLoop.ToolsetSkillsLimitsOrDefault()
	assert.Equal(t, 3, skills.MaxBundles)
	assert.Equal(t, 20_000, skills.MaxCharsPerBundle)
}

func TestEventPayloadMaxCharsHardCap(t *testing.T) {
	cfg := OperatorConfig{EventPayloadMaxChars: 1_000_000}
	assert.Equal(t, 200_000, cfg.EventPayloadMaxCharsOrDefault())
}
