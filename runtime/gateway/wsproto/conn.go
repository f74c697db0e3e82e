package wsproto

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/vespid-ai/workflow-core/runtime/gateway"
	"github.com/vespid-ai/workflow-core/runtime/telemetry"
)

// Conn wraps a gorilla/websocket connection to one executor and implements
// gateway.FrameSender. Writes are serialized with a mutex since
// *websocket.Conn permits only one concurrent writer.
type Conn struct {
	ws     *websocket.Conn
	logger telemetry.Logger

	writeMu sync.Mutex
}

// NewConn wraps ws for use as a gateway.FrameSender.
func NewConn(ws *websocket.Conn, logger telemetry.Logger) *Conn {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Conn{ws: ws, logger: logger}
}

// SendExecute implements gateway.FrameSender by writing an "execute" frame.
func (c *Conn) SendExecute(ctx context.Context, req gateway.InvokeRequest) error {
	payload, err := json.Marshal(ExecutePayload{
		RequestID: req.RequestID,
		OrgID:     req.OrgID,
		UserID:    req.UserID,
		Kind:      req.Kind,
		Payload:   req.Payload,
		Secret:    req.Secret,
	})
	if err != nil {
		return fmt.Errorf("wsproto: marshal execute payload: %w", err)
	}
	return c.writeEnvelope(Envelope{Type: FrameExecute, Payload: payload})
}

// SendAck acknowledges receipt of a result so the executor stops resending it.
func (c *Conn) SendAck(requestID string) error {
	payload, err := json.Marshal(ExecuteAckPayload{RequestID: requestID})
	if err != nil {
		return fmt.Errorf("wsproto: marshal ack payload: %w", err)
	}
	return c.writeEnvelope(Envelope{Type: FrameExecuteAck, Payload: payload})
}

func (c *Conn) writeEnvelope(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(env)
}

// ReadEnvelope blocks for the next frame from the executor.
func (c *Conn) ReadEnvelope() (Envelope, error) {
	var env Envelope
	if err := c.ws.ReadJSON(&env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.ws.Close() }
