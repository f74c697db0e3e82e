package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/vespid-ai/workflow-core/runtime/gateway"
	"github.com/vespid-ai/workflow-core/runtime/run"
	"github.com/vespid-ai/workflow-core/runtime/stepper"
)

// ToolsetLoader resolves a node's toolsetId to its attached skill bundles
// (spec §4.5.6). A nil Toolsets loader on Loop disables Toolset Skills.
type ToolsetLoader interface {
	Bundles(toolsetID string) ([]SkillBundle, error)
}

// Loop implements stepper.NodeExecutor for the agent.run node type: a
// bounded ReAct-style turn loop driving an LLM client through the JSON
// envelope contract of spec §4.5.2-§4.5.3.
type Loop struct {
	Client       Client
	Tools        *Registry
	Schemas      *SchemaCache
	Toolsets     ToolsetLoader
	Stream       StreamConfig
	SkillsLimits ToolsetSkillsLimits
}

var _ stepper.NodeExecutor = (*Loop)(nil)

const vespidEnvelopePreamble = `Respond with exactly one JSON object and nothing else, matching one of:
{"type":"final","output":<any>}
{"type":"tool_call","toolId":"<id>","input":{...}}
Use tool_call to invoke one allowed tool at a time; use final once you have the answer.`

// runCtx carries the state one agent loop invocation (top-level or a
// team.delegate child) needs, independent of whether it is driven by a
// stepper.ExecContext or an in-process delegate call.
type runCtx struct {
	Context context.Context

	OrgID, UserID, RunID, WorkflowID, NodeID string
	AttemptCount                             int
	OrganizationSettings                     stepper.OrganizationSettings

	Cfg          Config
	State        *AgentRunState
	System       string
	InitialUser  string
	RunInput     json.RawMessage

	EmitEvent     func(run.Event)
	Checkpoint    func()
	AllowBlocking bool

	stream StreamConfig
}

func (rc *runCtx) emit(t run.EventType, payload json.RawMessage) {
	if rc.EmitEvent == nil {
		return
	}
	rc.EmitEvent(run.Event{EventType: t, NodeID: rc.NodeID, Level: run.LevelInfo, Payload: payload})
}

func (rc *runCtx) checkpoint() {
	if rc.Checkpoint != nil {
		rc.Checkpoint()
	}
}

func (rc *runCtx) appendToolResultMessage(callIndex int, resultJSON json.RawMessage) {
	rc.State.History = append(rc.State.History, HistoryEntry{
		Kind:      HistoryToolResult,
		CallIndex: callIndex,
		UserText:  fmt.Sprintf("Tool result for call %d:\n%s", callIndex, string(resultJSON)),
	})
	rc.checkpoint()
}

// Execute implements stepper.NodeExecutor.
func (l *Loop) Execute(ec stepper.ExecContext) (stepper.ExecResult, error) {
	var cfg Config
	if len(ec.Node.Config) > 0 {
		if err := json.Unmarshal(ec.Node.Config, &cfg); err != nil {
			return stepper.ExecResult{Status: stepper.ExecFailed, Error: fmt.Sprintf("agent.run: invalid node config: %v", err)}, nil
		}
	}
	cfg.Limits = cfg.Limits.withDefaults()

	runtime := ec.Runtime
	if runtime == nil {
		runtime = &run.RuntimeState{}
	}
	state, err := loadAgentRunState(runtime, ec.NodeID)
	if err != nil {
		return stepper.ExecResult{Status: stepper.ExecFailed, Error: fmt.Sprintf("agent.run: corrupt runtime state: %v", err), Runtime: runtime}, nil
	}

	if ec.PendingRemoteResult != nil {
		if state.PendingToolCall == nil {
			// A result was staged for this node but the agent loop has no
			// outstanding tool call to apply it to (e.g. the node's own
			// block, not a tool's, already consumed it). Surface rather
			// than silently drop so a mismatched resume is observable.
			return stepper.ExecResult{Status: stepper.ExecFailed, Error: ErrRemoteResultUnexpected, Runtime: runtime}, nil
		}
		applyPendingRemoteResult(state, ec.PendingRemoteResult)
	}

	system, skillCount := l.buildSystem(cfg)
	initialUser := buildInitialUser(cfg, ec.RunInput, ec.Steps)

	checkpoint := func() {
		runtime = storeAgentRunState(runtime, ec.NodeID, state)
		if ec.CheckpointRuntime != nil {
			ec.CheckpointRuntime(*runtime)
		}
	}
	emit := func(ev run.Event) {
		if ec.EmitEvent != nil {
			ec.EmitEvent(ev)
		}
	}

	if state.Turns == 0 && skillCount > 0 {
		payload, _ := json.Marshal(map[string]any{"toolsetId": cfg.ToolsetID, "count": skillCount})
		emit(run.Event{EventType: run.EventToolsetSkillsApplied, NodeID: ec.NodeID, Level: run.LevelInfo, Payload: payload})
	}

	rc := &runCtx{
		Context:              ec.Context,
		OrgID:                ec.OrgID,
		UserID:               ec.UserID,
		RunID:                ec.RunID,
		WorkflowID:           ec.WorkflowID,
		NodeID:               ec.NodeID,
		AttemptCount:         ec.AttemptCount,
		OrganizationSettings: ec.OrganizationSettings,
		Cfg:                  cfg,
		State:                state,
		System:               system,
		InitialUser:          initialUser,
		RunInput:             ec.RunInput,
		EmitEvent:            emit,
		Checkpoint:           checkpoint,
		AllowBlocking:        true,
		stream:               l.streamConfig(),
	}

	output, block, runErr := l.runLoop(rc)
	if runErr != nil {
		checkpoint()
		return stepper.ExecResult{Status: stepper.ExecFailed, Error: runErr.Error(), Runtime: runtime}, nil
	}
	if block != nil {
		checkpoint()
		return stepper.ExecResult{Status: stepper.ExecBlocked, Block: block, Runtime: runtime}, nil
	}

	delete(runtime.AgentRuns, ec.NodeID)
	return stepper.ExecResult{Status: stepper.ExecSucceeded, Output: output, Runtime: runtime}, nil
}

func (l *Loop) streamConfig() StreamConfig {
	if l.Stream == (StreamConfig{}) {
		return DefaultStreamConfig()
	}
	return l.Stream
}

func (l *Loop) skillsLimits() ToolsetSkillsLimits {
	if l.SkillsLimits == (ToolsetSkillsLimits{}) {
		return DefaultToolsetSkillsLimits()
	}
	return l.SkillsLimits
}

// runLoop drives turns until a final envelope, a blocked tool call, or a
// terminal error. It is shared between the top-level node execution and
// team.delegate/team.map child invocations.
func (l *Loop) runLoop(rc *runCtx) (final json.RawMessage, block *stepper.Block, err error) {
	deadline := time.Now().Add(time.Duration(rc.Cfg.Limits.TimeoutMs) * time.Millisecond)

	for {
		if time.Now().After(deadline) {
			return nil, nil, errors.New(ErrLLMTimeout)
		}
		if rc.State.Turns >= rc.Cfg.Limits.MaxTurns {
			return nil, nil, errors.New(ErrAgentMaxTurns)
		}
		if rc.State.ToolCalls > rc.Cfg.Limits.MaxToolCalls {
			return nil, nil, errors.New(ErrAgentMaxToolCalls)
		}

		rc.State.Turns++
		turnPayload, _ := json.Marshal(map[string]any{"turn": rc.State.Turns})
		rc.emit(run.EventAgentTurnStarted, turnPayload)
		rc.checkpoint()

		req := Request{
			Messages:       rc.State.Messages(rc.System, rc.InitialUser),
			Deadline:       deadline,
			MaxOutputChars: rc.Cfg.Limits.MaxOutputChars,
		}
		coalescer := newStreamCoalescer(rc.stream, func(text string) {
			payload, _ := json.Marshal(map[string]any{"text": text})
			rc.emit(run.EventAgentAssistantDelta, payload)
		})
		resp, cerr := l.Client.Complete(rc.Context, req, coalescer.onDelta)
		coalescer.flush()
		if cerr != nil {
			var te *TimeoutError
			if errors.As(cerr, &te) || time.Now().After(deadline) {
				return nil, nil, errors.New(ErrLLMTimeout)
			}
			return nil, nil, cerr
		}

		rc.State.LastProvider = resp.Provider
		rc.State.LastModel = resp.Model

		content := SummarizeString(resp.Content, rc.Cfg.Limits.MaxOutputChars)
		rc.emit(run.EventAgentAssistantMsg, SummarizeJSON(mustMarshal(content), DefaultAssistantMaxChars))

		env, perr := ParseEnvelope(content)
		if perr != nil {
			return nil, nil, errors.New(ErrInvalidAgentOutput)
		}

		switch env.Type {
		case EnvelopeFinal:
			out, ferr := l.finalizeOutput(rc, env)
			if ferr != nil {
				return nil, nil, ferr
			}
			return out, nil, nil

		case EnvelopeToolCall:
			b, derr := l.dispatchToolCall(rc, content, env)
			if derr != nil {
				return nil, nil, derr
			}
			if b != nil {
				return nil, b, nil
			}
			if rc.State.trimToLimit(rc.Cfg.Limits.MaxRuntimeChars) {
				rc.emit(run.EventAgentRuntimeTrimmed, nil)
			}
			rc.checkpoint()

		default:
			return nil, nil, errors.New(ErrInvalidAgentOutput)
		}
	}
}

// dispatchToolCall executes one parsed tool_call envelope. It returns a
// non-nil Block when the tool suspends on remote work, and a non-nil error
// only for the policy/validation classes of spec §7 that fail the node
// outright (TOOL_NOT_ALLOWED, TOOL_POLICY_DENIED, TEAM_*); every other tool
// failure is recorded as a fed-back tool result and the loop continues.
func (l *Loop) dispatchToolCall(rc *runCtx, assistantText string, env Envelope) (*stepper.Block, error) {
	originalToolID := env.ToolID
	if !allowed(rc.Cfg.Tools.Allow, originalToolID) {
		return nil, errors.New(withID(ErrToolNotAllowed, originalToolID))
	}

	resolvedID, resolvedInput, _ := ResolveAlias(originalToolID, env.Input)

	rc.State.ToolCalls++
	callIndex := rc.State.ToolCalls

	callPayload := Summarize(map[string]any{"toolId": originalToolID, "callIndex": callIndex, "input": json.RawMessage(resolvedInput)}, DefaultToolSummaryMaxChars)
	rc.emit(run.EventAgentToolCall, callPayload)
	rc.State.History = append(rc.State.History, HistoryEntry{Kind: HistoryToolCall, CallIndex: callIndex, ToolID: originalToolID, AssistantText: assistantText})
	rc.checkpoint()

	if cached, ok := rc.State.resultFor(callIndex); ok {
		rc.appendToolResultMessage(callIndex, cached)
		return nil, nil
	}

	var outcome ToolOutcome
	switch resolvedID {
	case "team.delegate":
		out, terr := l.teamDelegate(rc, resolvedInput)
		if terr != nil {
			return nil, terr
		}
		outcome = ToolOutcome{Status: ToolSucceeded, Output: out}
	case "team.map":
		out, terr := l.teamMap(rc, resolvedInput)
		if terr != nil {
			return nil, terr
		}
		outcome = ToolOutcome{Status: ToolSucceeded, Output: out}
	case "shell.run":
		if !rc.OrganizationSettings.ShellRunEnabled {
			return nil, errors.New(withID(ErrToolPolicyDenied, "shell.run"))
		}
		outcome = l.executeTool(rc, resolvedID, callIndex, resolvedInput)
	default:
		outcome = l.executeTool(rc, resolvedID, callIndex, resolvedInput)
	}

	if outcome.Status == ToolBlocked {
		if !rc.AllowBlocking {
			return nil, errors.New(ErrTeamDelegateFailed)
		}
		block := outcome.Block
		if block == nil {
			block = &stepper.Block{}
		}
		if block.DispatchNodeID == "" {
			block.DispatchNodeID = fmt.Sprintf("%s:tool:%d", rc.NodeID, callIndex)
		}
		rc.State.PendingToolCall = &PendingToolCall{ToolID: resolvedID, Input: resolvedInput, CallIndex: callIndex, DispatchNodeID: block.DispatchNodeID}
		rc.checkpoint()
		return block, nil
	}

	var resultJSON json.RawMessage
	if outcome.Status == ToolSucceeded {
		resultJSON = Summarize(map[string]any{"toolId": originalToolID, "callIndex": callIndex, "output": outcome.Output}, DefaultToolSummaryMaxChars)
	} else {
		resultJSON = Summarize(map[string]any{"toolId": originalToolID, "callIndex": callIndex, "error": outcome.Error}, DefaultToolSummaryMaxChars)
	}
	rc.State.recordResult(callIndex, resultJSON)
	rc.emit(run.EventAgentToolResult, resultJSON)
	rc.appendToolResultMessage(callIndex, resultJSON)
	return nil, nil
}

func (l *Loop) executeTool(rc *runCtx, toolID string, callIndex int, input json.RawMessage) ToolOutcome {
	tool, err := l.Tools.Resolve(toolID)
	if err != nil {
		return ToolOutcome{Status: ToolFailed, Error: err.Error()}
	}
	tc := ToolContext{
		Context:              rc.Context,
		OrgID:                rc.OrgID,
		UserID:               rc.UserID,
		RunID:                rc.RunID,
		WorkflowID:           rc.WorkflowID,
		NodeID:               rc.NodeID,
		AttemptCount:         rc.AttemptCount,
		CallIndex:            callIndex,
		OrganizationSettings: rc.OrganizationSettings,
	}
	outcome, err := tool.Execute(tc, input)
	if err != nil {
		return ToolOutcome{Status: ToolFailed, Error: err.Error()}
	}
	return outcome
}

func (l *Loop) finalizeOutput(rc *runCtx, env Envelope) (json.RawMessage, error) {
	output := env.Output
	if rc.Cfg.Output.Mode == OutputJSON {
		var v any
		if err := json.Unmarshal(output, &v); err != nil {
			return nil, errors.New(ErrInvalidAgentJSONOutput)
		}
		if len(rc.Cfg.Output.JSONSchema) > 0 {
			validator, err := l.Schemas.Compile(rc.Cfg.Output.JSONSchema)
			if err != nil {
				return nil, errors.New(ErrInvalidJSONSchema)
			}
			if err := ValidateAgainstSchema(validator, output); err != nil {
				return nil, errors.New(ErrInvalidAgentJSONOutput)
			}
		}
	}
	meta := map[string]any{
		"provider":  rc.State.LastProvider,
		"model":     rc.State.LastModel,
		"turns":     rc.State.Turns,
		"toolCalls": rc.State.ToolCalls,
	}
	merged := mergeMeta(output, meta)
	rc.emit(run.EventAgentFinal, SummarizeJSON(merged, DefaultAssistantMaxChars))
	return merged, nil
}

func mergeMeta(output json.RawMessage, meta map[string]any) json.RawMessage {
	if isJSONObject(output) {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(output, &fields); err == nil {
			if fields == nil {
				fields = make(map[string]json.RawMessage)
			}
			metaBytes, _ := json.Marshal(meta)
			fields["_meta"] = metaBytes
			merged, _ := json.Marshal(fields)
			return merged
		}
	}
	var raw any
	_ = json.Unmarshal(output, &raw)
	wrapped, _ := json.Marshal(map[string]any{"output": raw, "_meta": meta})
	return wrapped
}

func applyPendingRemoteResult(state *AgentRunState, pending *run.PendingRemoteResult) {
	ptc := state.PendingToolCall
	if ptc == nil {
		return
	}
	var result gateway.Result
	_ = json.Unmarshal(pending.Result, &result)

	var resultJSON json.RawMessage
	if result.Status == gateway.ResultFailed {
		resultJSON = Summarize(map[string]any{"toolId": ptc.ToolID, "callIndex": ptc.CallIndex, "error": result.Error}, DefaultToolSummaryMaxChars)
	} else {
		resultJSON = Summarize(map[string]any{"toolId": ptc.ToolID, "callIndex": ptc.CallIndex, "output": result.Output}, DefaultToolSummaryMaxChars)
	}
	state.recordResult(ptc.CallIndex, resultJSON)
	state.History = append(state.History, HistoryEntry{
		Kind:      HistoryToolResult,
		CallIndex: ptc.CallIndex,
		UserText:  fmt.Sprintf("Tool result for call %d:\n%s", ptc.CallIndex, string(resultJSON)),
	})
	state.PendingToolCall = nil
}

func loadAgentRunState(rt *run.RuntimeState, nodeID string) (*AgentRunState, error) {
	if rt.AgentRuns == nil {
		rt.AgentRuns = make(map[string]json.RawMessage)
	}
	state := &AgentRunState{}
	if raw, ok := rt.AgentRuns[nodeID]; ok {
		if err := json.Unmarshal(raw, state); err != nil {
			return nil, err
		}
	}
	return state, nil
}

func storeAgentRunState(rt *run.RuntimeState, nodeID string, state *AgentRunState) *run.RuntimeState {
	if rt == nil {
		rt = &run.RuntimeState{}
	}
	if rt.AgentRuns == nil {
		rt.AgentRuns = make(map[string]json.RawMessage)
	}
	b, _ := json.Marshal(state)
	rt.AgentRuns[nodeID] = b
	return rt
}

func (l *Loop) buildSystem(cfg Config) (string, int) {
	var b strings.Builder
	if cfg.System != "" {
		b.WriteString(cfg.System)
		b.WriteString("\n\n")
	}
	b.WriteString(vespidEnvelopePreamble)
	b.WriteString("\n\n")
	allow, _ := json.Marshal(cfg.Tools.Allow)
	fmt.Fprintf(&b, "Allowed tools: %s\n", allow)

	skillCount := 0
	if cfg.ToolsetID != "" && l.Toolsets != nil {
		if bundles, err := l.Toolsets.Bundles(cfg.ToolsetID); err == nil {
			block, count := BuildToolsetSkillsContext(bundles, l.skillsLimits())
			if count > 0 {
				b.WriteString("\n")
				b.WriteString(block)
				skillCount = count
			}
		}
	}
	return b.String(), skillCount
}

var templateVarRe = regexp.MustCompile(`\{\{(\w+)\}\}`)

func buildInitialUser(cfg Config, runInput json.RawMessage, steps []run.Step) string {
	payload := map[string]any{
		"instructions": cfg.Instructions,
		"runInput":     runInputOrNull(runInput),
		"steps":        steps,
	}
	encoded, _ := json.MarshalIndent(payload, "", "  ")
	text := string(encoded)
	if cfg.InputTemplate != "" {
		text += "\n\n" + renderTemplate(cfg.InputTemplate, runInput)
	}
	return text
}

func renderTemplate(tmpl string, runInput json.RawMessage) string {
	var vars map[string]json.RawMessage
	_ = json.Unmarshal(runInput, &vars)
	return templateVarRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := templateVarRe.FindStringSubmatch(m)[1]
		val, ok := vars[key]
		if !ok {
			return m
		}
		return string(val)
	})
}

func runInputOrNull(b json.RawMessage) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	return b
}
