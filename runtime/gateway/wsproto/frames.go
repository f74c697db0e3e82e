// Package wsproto implements the executor-facing WebSocket protocol
// described in spec §4.3/§6: the hello handshake, execute/execute_ack
// dispatch frames, and the at-least-once execute_result/execute_event
// result path, built on gorilla/websocket.
package wsproto

import (
	"encoding/json"
	"time"

	"github.com/vespid-ai/workflow-core/runtime/gateway"
)

// FrameType enumerates the discriminated WebSocket frame kinds exchanged
// between gateway and executor.
type FrameType string

const (
	FrameHello          FrameType = "hello"
	FrameHelloV2        FrameType = "executor_hello_v2"
	FramePing           FrameType = "ping"
	FrameExecuteResult  FrameType = "execute_result"
	FrameExecuteEvent   FrameType = "execute_event"
	FrameExecute        FrameType = "execute"
	FrameExecuteAck     FrameType = "execute_ack"
)

// Envelope is the wire shape for every frame: a discriminator plus a
// payload carrying the frame-specific fields.
type Envelope struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// HelloPayload is sent by the executor on connect.
type HelloPayload struct {
	AgentVersion string         `json:"agentVersion"`
	Name         string         `json:"name"`
	Capabilities Capabilities   `json:"capabilities"`
}

// Capabilities declares what an executor can run.
type Capabilities struct {
	Kinds       []gateway.Kind `json:"kinds"`
	Connectors  []string       `json:"connectors,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	MaxInFlight int            `json:"maxInFlight,omitempty"`
}

// PingPayload is a liveness frame sent by the executor.
type PingPayload struct {
	Ts time.Time `json:"ts"`
}

// ExecuteResultPayload is the executor's terminal outcome for a dispatch.
type ExecuteResultPayload struct {
	RequestID string          `json:"requestId"`
	Status    string          `json:"status"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ExecuteEventPayload streams an out-of-band intra-execution event.
type ExecuteEventPayload struct {
	RequestID string              `json:"requestId"`
	Event     gateway.RemoteEvent `json:"event"`
}

// ExecutePayload is sent by the gateway to dispatch work to an executor.
type ExecutePayload struct {
	RequestID string          `json:"requestId"`
	OrgID     string          `json:"orgId"`
	UserID    string          `json:"userId"`
	Kind      gateway.Kind    `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Secret    string          `json:"secret,omitempty"`
}

// ExecuteAckPayload acknowledges a result, telling the executor to stop
// resending it.
type ExecuteAckPayload struct {
	RequestID string `json:"requestId"`
}
