// Package config decodes the operator-facing configuration knobs
// enumerated in spec.md §6 from a YAML file, grounded on the teacher's use
// of gopkg.in/yaml.v3 for DSL/config decoding (e.g.
// goadesign-goa-ai/registry/design and its codegen templates' yaml-tagged
// config structs). cmd entrypoints load an OperatorConfig once at startup
// and use its *OrDefault accessors to construct the components with operator-
// supplied limits in place of each component's built-in defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vespid-ai/workflow-core/runtime/agentloop"
	"github.com/vespid-ai/workflow-core/runtime/gateway"
	"github.com/vespid-ai/workflow-core/runtime/queue"
	"github.com/vespid-ai/workflow-core/runtime/stepper"
)

// OperatorConfig is the decoded shape of the YAML config file. Every field
// is optional; an omitted field falls back to the owning component's own
// default (so a zero-value OperatorConfig is a valid, fully-defaulted
// configuration).
type OperatorConfig struct {
	Queue      QueueConfig      `yaml:"queue"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	AgentLoop  AgentLoopConfig  `yaml:"agentLoop"`
	EventPayloadMaxChars int    `yaml:"eventPayloadMaxChars"`
}

// QueueConfig covers WORKFLOW_QUEUE_NAME, WORKFLOW_CONTINUATION_QUEUE_NAME,
// WORKFLOW_QUEUE_CONCURRENCY, WORKFLOW_CONTINUATION_CONCURRENCY,
// WORKFLOW_CONTINUATION_POLL_MS, WORKFLOW_RETRY_ATTEMPTS,
// WORKFLOW_RETRY_BACKOFF_MS.
type QueueConfig struct {
	RunQueueName          string `yaml:"runQueueName"`
	ContinuationQueueName string `yaml:"continuationQueueName"`
	RunConcurrency        int    `yaml:"runConcurrency"`
	ContinuationConcurrency int  `yaml:"continuationConcurrency"`
	ContinuationPollMs    int64  `yaml:"continuationPollMs"`
	RetryAttempts         int    `yaml:"retryAttempts"`
	RetryBackoffMs        int64  `yaml:"retryBackoffMs"`
}

// GatewayConfig covers NODE_EXEC_TIMEOUT_MS and GATEWAY_AGENT_SELECTION.
type GatewayConfig struct {
	NodeExecTimeoutMs int64  `yaml:"nodeExecTimeoutMs"`
	Selection         string `yaml:"selection"` // "round_robin" | "least_in_flight"
}

// AgentLoopConfig covers VESPID_AGENT_STREAM_{FLUSH_CHARS,FLUSH_MS,
// MAX_EVENTS,MAX_CHARS} and TOOLSET_SKILLS_{MAX_BUNDLES,
// MAX_CHARS_PER_BUNDLE,MAX_TOTAL_CHARS}.
type AgentLoopConfig struct {
	Stream         StreamConfig         `yaml:"stream"`
	ToolsetSkills  ToolsetSkillsConfig  `yaml:"toolsetSkills"`
}

// StreamConfig mirrors agentloop.StreamConfig's fields for YAML decoding.
type StreamConfig struct {
	FlushChars int `yaml:"flushChars"`
	FlushMs    int `yaml:"flushMs"`
	MaxEvents  int `yaml:"maxEvents"`
	MaxChars   int `yaml:"maxChars"`
}

// ToolsetSkillsConfig mirrors agentloop.ToolsetSkillsLimits's fields.
type ToolsetSkillsConfig struct {
	MaxBundles          int `yaml:"maxBundles"`
	MaxCharsPerBundle   int `yaml:"maxCharsPerBundle"`
	MaxTotalChars       int `yaml:"maxTotalChars"`
}

// Load reads and decodes an OperatorConfig from path. A missing file is not
// an error: Load returns the zero value (fully defaulted) so callers can
// unconditionally call Load on an optional, operator-supplied path.
func Load(path string) (OperatorConfig, error) {
	var cfg OperatorConfig
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// RunQueueName returns the configured run-queue name, defaulting to
// queue.RunJobQueueName.
func (c OperatorConfig) RunQueueName() string {
	if c.Queue.RunQueueName != "" {
		return c.Queue.RunQueueName
	}
	return queue.RunJobQueueName
}

// ContinuationQueueName returns the configured continuation-queue name,
// defaulting to queue.ContinuationQueueName.
func (c OperatorConfig) ContinuationQueueName() string {
	if c.Queue.ContinuationQueueName != "" {
		return c.Queue.ContinuationQueueName
	}
	return queue.ContinuationQueueName
}

// RetryBaseDelay returns the configured base retry backoff, defaulting to
// stepper.RetryBaseDelay.
func (c OperatorConfig) RetryBaseDelay() time.Duration {
	if c.Queue.RetryBackoffMs > 0 {
		return time.Duration(c.Queue.RetryBackoffMs) * time.Millisecond
	}
	return stepper.RetryBaseDelay
}

// ContinuationPollInterval returns the configured poll cadence, defaulting
// to stepper.DefaultPollInterval.
func (c OperatorConfig) ContinuationPollInterval() time.Duration {
	if c.Queue.ContinuationPollMs > 0 {
		return time.Duration(c.Queue.ContinuationPollMs) * time.Millisecond
	}
	return stepper.DefaultPollInterval
}

// RunConcurrency returns the configured number of concurrent run-queue
// worker loops, defaulting to 1 (spec §6 WORKFLOW_QUEUE_CONCURRENCY).
func (c OperatorConfig) RunConcurrency() int {
	if c.Queue.RunConcurrency > 0 {
		return c.Queue.RunConcurrency
	}
	return 1
}

// ContinuationConcurrency returns the configured number of concurrent
// continuation-queue worker loops, defaulting to 1 (spec §6
// WORKFLOW_CONTINUATION_CONCURRENCY).
func (c OperatorConfig) ContinuationConcurrency() int {
	if c.Queue.ContinuationConcurrency > 0 {
		return c.Queue.ContinuationConcurrency
	}
	return 1
}

// RetryAttempts returns the configured max retry attempts applied when a
// run's own MaxAttempts is unset, defaulting to stepper.DefaultMaxAttempts
// (spec §6 WORKFLOW_RETRY_ATTEMPTS).
func (c OperatorConfig) RetryAttempts() int {
	if c.Queue.RetryAttempts > 0 {
		return c.Queue.RetryAttempts
	}
	return stepper.DefaultMaxAttempts
}

// NodeExecTimeoutMs returns the configured default dispatch timeout,
// defaulting to gateway.DefaultTimeoutMs.
func (c OperatorConfig) NodeExecTimeoutMs() int64 {
	if c.Gateway.NodeExecTimeoutMs > 0 {
		return c.Gateway.NodeExecTimeoutMs
	}
	return gateway.DefaultTimeoutMs
}

// SelectionStrategy decodes GATEWAY_AGENT_SELECTION, defaulting to
// gateway.SelectRoundRobin for an empty or unrecognized value.
func (c OperatorConfig) SelectionStrategy() gateway.SelectionStrategy {
	switch c.Gateway.Selection {
	case "least_in_flight":
		return gateway.SelectLeastInFlight
	default:
		return gateway.SelectRoundRobin
	}
}

// EventPayloadMaxCharsOrDefault returns the configured event payload truncation cap,
// defaulting to stepper.DefaultEventPayloadMaxChars, and clamped to the
// spec §6 hard cap of 200000.
func (c OperatorConfig) EventPayloadMaxCharsOrDefault() int {
	v := c.EventPayloadMaxChars
	if v <= 0 {
		v = stepper.DefaultEventPayloadMaxChars
	}
	const hardCap = 200_000
	if v > hardCap {
		v = hardCap
	}
	return v
}

// StreamConfigOrDefault returns the configured assistant-delta stream coalescing
// bounds, defaulting field-by-field to agentloop.DefaultStreamConfig().
func (c AgentLoopConfig) StreamConfigOrDefault() agentloop.StreamConfig {
	def := agentloop.DefaultStreamConfig()
	s := c.Stream
	out := def
	if s.FlushChars > 0 {
		out.FlushChars = s.FlushChars
	}
	if s.FlushMs > 0 {
		out.FlushMs = s.FlushMs
	}
	if s.MaxEvents > 0 {
		out.MaxEvents = s.MaxEvents
	}
	if s.MaxChars > 0 {
		out.MaxChars = s.MaxChars
	}
	return out
}

// ToolsetSkillsLimitsOrDefault returns the configured toolset-skills bounds,
// defaulting field-by-field to agentloop.DefaultToolsetSkillsLimits().
func (c AgentLoopConfig) ToolsetSkillsLimitsOrDefault() agentloop.ToolsetSkillsLimits {
	def := agentloop.DefaultToolsetSkillsLimits()
	t := c.ToolsetSkills
	out := def
	if t.MaxBundles > 0 {
		out.MaxBundles = t.MaxBundles
	}
	if t.MaxCharsPerBundle > 0 {
		out.MaxCharsPerBundle = t.MaxCharsPerBundle
	}
	if t.MaxTotalChars > 0 {
		out.MaxTotalChars = t.MaxTotalChars
	}
	return out
}
