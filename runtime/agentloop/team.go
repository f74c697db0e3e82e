package agentloop

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
)

// teamDelegateInput is the input shape for the team.delegate tool.
type teamDelegateInput struct {
	TeammateID string          `json:"teammateId"`
	Task       string          `json:"task"`
	Input      json.RawMessage `json:"input,omitempty"`
}

// teamMapInput is the input shape for the team.map tool.
type teamMapInput struct {
	Tasks       []teamDelegateInput `json:"tasks"`
	MaxParallel int                 `json:"maxParallel,omitempty"`
}

// teamMapResult is one entry of team.map's output array, index-aligned with
// the requested tasks (spec §4.5.4: "preserve input order in output array").
type teamMapResult struct {
	Status     string          `json:"status"`
	TeammateID string          `json:"teammateId"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
}

const teamMapMaxParallelCap = 16

// teamDelegate resolves the named teammate and recursively runs the agent
// loop with a child config scoped to that teammate (spec §4.5.4).
func (l *Loop) teamDelegate(rc *runCtx, input json.RawMessage) (json.RawMessage, error) {
	if rc.Cfg.Team == nil || len(rc.Cfg.Team.Teammates) == 0 {
		return nil, errors.New(ErrTeamNotConfigured)
	}
	var in teamDelegateInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, errors.New(ErrInvalidToolInput)
	}
	mate, ok := findTeammate(rc.Cfg.Team.Teammates, in.TeammateID)
	if !ok {
		return nil, errors.New(withID(ErrTeammateNotFound, in.TeammateID))
	}
	return l.runTeammate(rc, mate, in)
}

// teamMap runs team.delegate for each requested task with bounded
// concurrency, preserving input order in the result array.
func (l *Loop) teamMap(rc *runCtx, input json.RawMessage) (json.RawMessage, error) {
	if rc.Cfg.Team == nil || len(rc.Cfg.Team.Teammates) == 0 {
		return nil, errors.New(ErrTeamNotConfigured)
	}
	var in teamMapInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, errors.New(ErrInvalidToolInput)
	}

	maxParallel := rc.Cfg.Team.MaxParallel
	if maxParallel <= 0 || maxParallel > teamMapMaxParallelCap {
		maxParallel = teamMapMaxParallelCap
	}
	if in.MaxParallel > 0 && in.MaxParallel < maxParallel {
		maxParallel = in.MaxParallel
	}

	results := make([]teamMapResult, len(in.Tasks))
	sem := make(chan struct{}, maxParallel)
	var wg sync.WaitGroup
	for i, task := range in.Tasks {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, task teamDelegateInput) {
			defer wg.Done()
			defer func() { <-sem }()

			mate, ok := findTeammate(rc.Cfg.Team.Teammates, task.TeammateID)
			if !ok {
				results[i] = teamMapResult{Status: "failed", TeammateID: task.TeammateID, Error: withID(ErrTeammateNotFound, task.TeammateID)}
				return
			}
			output, err := l.runTeammate(rc, mate, task)
			if err != nil {
				results[i] = teamMapResult{Status: "failed", TeammateID: task.TeammateID, Error: err.Error()}
				return
			}
			results[i] = teamMapResult{Status: "succeeded", TeammateID: task.TeammateID, Output: output}
		}(i, task)
	}
	wg.Wait()

	return json.Marshal(results)
}

// runTeammate builds the child config (tools.allow = intersect(parent
// allowlist, teammate allowlist) minus the team tools, per spec §4.5.4) and
// recursively invokes the same turn loop in-process. Children run with
// AllowBlocking = false: a remote tool call inside a delegated teammate
// cannot suspend the parent's single stepper invocation, so it is reported
// as TEAM_DELEGATE_FAILED rather than propagated as a block.
func (l *Loop) runTeammate(rc *runCtx, mate TeammateConfig, in teamDelegateInput) (json.RawMessage, error) {
	childAllow := without(intersect(rc.Cfg.Tools.Allow, mate.Tools), "team.delegate", "team.map")
	childCfg := Config{
		System:       mate.System,
		Instructions: mate.Instructions,
		Limits:       mate.Limits.withDefaults(),
		Output:       mate.Output,
	}
	childCfg.Tools.Allow = childAllow

	runInputPayload, _ := json.Marshal(map[string]any{
		"parentRunInput": runInputOrNull(rc.RunInput),
		"task":           in.Task,
		"input":          in.Input,
	})

	system, _ := l.buildSystem(childCfg)
	initialUser := buildInitialUser(childCfg, runInputPayload, nil)

	childRC := &runCtx{
		Context:              rc.Context,
		OrgID:                rc.OrgID,
		UserID:               rc.UserID,
		RunID:                rc.RunID,
		WorkflowID:           rc.WorkflowID,
		NodeID:               rc.NodeID,
		AttemptCount:         rc.AttemptCount,
		OrganizationSettings: rc.OrganizationSettings,
		Cfg:                  childCfg,
		State:                &AgentRunState{},
		System:               system,
		InitialUser:          initialUser,
		RunInput:             runInputPayload,
		EmitEvent:            rc.EmitEvent,
		Checkpoint:           func() {},
		AllowBlocking:        false,
		stream:               rc.stream,
	}

	output, _, err := l.runLoop(childRC)
	if err != nil {
		if id, ok := toolNotAllowedID(err); ok {
			return nil, errors.New(withID(ErrTeamToolPolicyDenied, id))
		}
		return nil, errors.New(ErrTeamDelegateFailed)
	}
	return output, nil
}

func findTeammate(mates []TeammateConfig, id string) (TeammateConfig, bool) {
	for _, m := range mates {
		if m.ID == id {
			return m, true
		}
	}
	return TeammateConfig{}, false
}

func toolNotAllowedID(err error) (string, bool) {
	prefix := ErrToolNotAllowed + ":"
	msg := err.Error()
	if !strings.HasPrefix(msg, prefix) {
		return "", false
	}
	return strings.TrimPrefix(msg, prefix), true
}
