package agentloop

import "encoding/json"

// HistoryKind tags one entry in an AgentRunState's replay log (spec §9's
// tagged-sum re-expression of the source's ad-hoc history array:
// AgentHistoryEntry = ToolCall{...} | ToolResult{...}).
type HistoryKind string

const (
	HistoryToolCall   HistoryKind = "tool_call"
	HistoryToolResult HistoryKind = "tool_result"
)

// HistoryEntry is one replayed conversation turn. AssistantText/UserText
// carry the verbatim text that was sent to (or received from) the model so
// a resumed run reconstructs byte-identical messages (spec §8: "two
// independent runs ... produce byte-identical user messages up to
// non-deterministic fields").
type HistoryEntry struct {
	Kind          HistoryKind `json:"kind"`
	CallIndex     int         `json:"callIndex,omitempty"`
	ToolID        string      `json:"toolId,omitempty"`
	AssistantText string      `json:"assistantText,omitempty"`
	UserText      string      `json:"userText,omitempty"`
}

// PendingToolCall is staged when a tool call's execution blocks on remote
// work; it is the agent-loop analogue of run.PendingRemoteResult and lets
// the loop resume at the same call index after a worker restart.
type PendingToolCall struct {
	ToolID         string          `json:"toolId"`
	Input          json.RawMessage `json:"input"`
	CallIndex      int             `json:"callIndex"`
	DispatchNodeID string          `json:"dispatchNodeId,omitempty"`
}

// AgentRunState is the per-node persisted loop state, stored verbatim under
// run.RuntimeState.AgentRuns[nodeId] (spec §4.5.1).
type AgentRunState struct {
	Turns                  int                     `json:"turns"`
	ToolCalls              int                     `json:"toolCalls"`
	History                []HistoryEntry          `json:"history,omitempty"`
	ToolResultsByCallIndex map[int]json.RawMessage `json:"toolResultsByCallIndex,omitempty"`
	PendingToolCall        *PendingToolCall        `json:"pendingToolCall,omitempty"`

	// LastProvider/LastModel carry the most recent LLM Response's
	// Provider/Model so finalizeOutput can populate _meta (spec §4.5.3
	// step 8) without threading the response through the return path.
	LastProvider string `json:"lastProvider,omitempty"`
	LastModel    string `json:"lastModel,omitempty"`
}

// trimToLimit enforces maxRuntimeChars (spec §4.5.1) by dropping the oldest
// history entries (and their matching toolResultsByCallIndex entries) until
// the serialized history fits, or only the newest entry remains. It returns
// whether any trimming occurred so the caller emits agent_runtime_trimmed
// at most once per turn.
func (s *AgentRunState) trimToLimit(maxRuntimeChars int) bool {
	if maxRuntimeChars <= 0 {
		return false
	}
	trimmed := false
	for len(s.History) > 1 && historyCharLen(s.History) > maxRuntimeChars {
		dropped := s.History[0]
		s.History = s.History[1:]
		if dropped.Kind == HistoryToolCall && s.ToolResultsByCallIndex != nil {
			delete(s.ToolResultsByCallIndex, dropped.CallIndex)
		}
		trimmed = true
	}
	return trimmed
}

func historyCharLen(entries []HistoryEntry) int {
	n := 0
	for _, e := range entries {
		n += len(e.AssistantText) + len(e.UserText)
	}
	return n
}

// Messages reconstructs the full message transcript for the next model
// call: the fixed preamble (system + initial user message) followed by one
// assistant/user pair per history entry, in order (spec §4.5.1: "History
// replays verbatim into the LLM message array on resume").
func (s *AgentRunState) Messages(system, initialUser string) []Message {
	msgs := make([]Message, 0, 2+len(s.History))
	msgs = append(msgs, Message{Role: RoleSystem, Content: system})
	msgs = append(msgs, Message{Role: RoleUser, Content: initialUser})
	for _, e := range s.History {
		switch e.Kind {
		case HistoryToolCall:
			msgs = append(msgs, Message{Role: RoleAssistant, Content: e.AssistantText})
		case HistoryToolResult:
			msgs = append(msgs, Message{Role: RoleUser, Content: e.UserText})
		}
	}
	return msgs
}

// resultFor returns a cached tool result for callIndex, if this is a resume
// of a node that already executed that call (spec §4.5.3 step 10).
func (s *AgentRunState) resultFor(callIndex int) (json.RawMessage, bool) {
	if s.ToolResultsByCallIndex == nil {
		return nil, false
	}
	v, ok := s.ToolResultsByCallIndex[callIndex]
	return v, ok
}

func (s *AgentRunState) recordResult(callIndex int, result json.RawMessage) {
	if s.ToolResultsByCallIndex == nil {
		s.ToolResultsByCallIndex = make(map[int]json.RawMessage)
	}
	s.ToolResultsByCallIndex[callIndex] = result
}
