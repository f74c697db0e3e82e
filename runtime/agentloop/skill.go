package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// skillToolPrefix is the toolId namespace a registered skill responds to
// ("skill.<skillId>", spec §4.5.4).
const skillToolPrefix = "skill."

// Skill is one executable skill a worker can run on behalf of the agent
// loop. Concrete skills (code execution, file edits, ...) run inside the
// sandbox, an external collaborator per spec §1.
type Skill interface {
	Execute(ctx context.Context, orgID, runID string, input json.RawMessage) (json.RawMessage, error)
}

// SkillRegistry resolves a skillId to a Skill.
type SkillRegistry interface {
	Skill(skillID string) (Skill, bool)
}

// NewSkillTool builds a Tool that dispatches "skill.<skillId>" tool calls
// to the registry. skillID is the part of the invoked tool id after the
// "skill." prefix; the returned Tool resolves it from the registry on every
// call.
func NewSkillTool(registry SkillRegistry, skillID string) Tool {
	return ToolFunc(func(tc ToolContext, input json.RawMessage) (ToolOutcome, error) {
		skill, ok := registry.Skill(skillID)
		if !ok {
			return ToolOutcome{Status: ToolFailed, Error: withID(ErrSkillNotFound, skillID)}, nil
		}
		output, err := skill.Execute(tc.Context, tc.OrgID, tc.RunID, input)
		if err != nil {
			return ToolOutcome{Status: ToolFailed, Error: fmt.Sprintf("skill.%s: %v", skillID, err)}, nil
		}
		return ToolOutcome{Status: ToolSucceeded, Output: SummarizeJSON(output, DefaultToolSummaryMaxChars)}, nil
	})
}

// SkillIDFromToolID extracts the skillId from a "skill.<skillId>" toolId.
func SkillIDFromToolID(toolID string) (string, bool) {
	if !strings.HasPrefix(toolID, skillToolPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(toolID, skillToolPrefix)
	if id == "" {
		return "", false
	}
	return id, true
}

// Default bounds for Toolset Skills read-only context (spec §4.5.6).
const (
	DefaultToolsetSkillsMaxBundles          = 8
	DefaultToolsetSkillsMaxCharsPerBundle   = 20_000
	DefaultToolsetSkillsMaxTotalChars       = 80_000
)

// SkillBundle is one decoded agentskills-v1 bundle attached to a toolset.
type SkillBundle struct {
	ID      string
	Enabled bool
	// SkillMD is the bundle's SKILL.md content, already decoded from utf8
	// or base64 by the toolset source.
	SkillMD string
}

// ToolsetSkillsLimits bounds the read-only context block built from a
// toolset's attached skill bundles.
type ToolsetSkillsLimits struct {
	MaxBundles          int
	MaxCharsPerBundle    int
	MaxTotalChars        int
}

// DefaultToolsetSkillsLimits returns the spec's documented defaults.
func DefaultToolsetSkillsLimits() ToolsetSkillsLimits {
	return ToolsetSkillsLimits{
		MaxBundles:        DefaultToolsetSkillsMaxBundles,
		MaxCharsPerBundle: DefaultToolsetSkillsMaxCharsPerBundle,
		MaxTotalChars:     DefaultToolsetSkillsMaxTotalChars,
	}
}

// BuildToolsetSkillsContext decodes up to limits.MaxBundles enabled
// bundles, truncates each to MaxCharsPerBundle and the combined text to
// MaxTotalChars, and returns the read-only context block plus the count of
// bundles actually included (spec §4.5.6: "Skill text MUST NOT appear in
// the event payload — only the count").
func BuildToolsetSkillsContext(bundles []SkillBundle, limits ToolsetSkillsLimits) (block string, count int) {
	var b strings.Builder
	b.WriteString("# Toolset Skills (read-only context)\n\n")
	remaining := limits.MaxTotalChars
	included := 0
	for _, bundle := range bundles {
		if !bundle.Enabled {
			continue
		}
		if included >= limits.MaxBundles || remaining <= 0 {
			break
		}
		text := bundle.SkillMD
		if len(text) > limits.MaxCharsPerBundle {
			text = text[:limits.MaxCharsPerBundle]
		}
		if len(text) > remaining {
			text = text[:remaining]
		}
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", bundle.ID, text)
		remaining -= len(text)
		included++
	}
	if included == 0 {
		return "", 0
	}
	return b.String(), included
}
