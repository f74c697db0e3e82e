package wsproto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/vespid-ai/workflow-core/runtime/gateway"
	"github.com/vespid-ai/workflow-core/runtime/telemetry"
)

// Server upgrades executor connections and drives their read loop against a
// Gateway. Authenticate resolves the bearer token from the Authorization
// header into an executorID, rejecting unknown/revoked tokens.
type Server struct {
	GW           *gateway.Gateway
	EventSink    gateway.EventSink
	Authenticate func(token string) (string, error)
	Logger       telemetry.Logger

	upgrader websocket.Upgrader
}

// NewServer constructs a Server bound to gw.
func NewServer(gw *gateway.Gateway, authenticate func(token string) (string, error), sink gateway.EventSink, logger telemetry.Logger) *Server {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Server{
		GW:           gw,
		EventSink:    sink,
		Authenticate: authenticate,
		Logger:       logger,
		upgrader:     websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
}

// ServeHTTP implements the "/ws/executor" (v2) and "/ws" (legacy) upgrade
// endpoints. Token auth is read from the Authorization: Bearer header.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r.Header.Get("Authorization"))
	executorID, err := s.Authenticate(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Warn(r.Context(), "wsproto: upgrade failed", "error", err)
		return
	}
	conn := NewConn(ws, s.Logger)
	defer conn.Close()

	env, err := conn.ReadEnvelope()
	if err != nil {
		s.Logger.Warn(r.Context(), "wsproto: hello read failed", "error", err)
		return
	}
	info, err := helloToInfo(env, executorID)
	if err != nil {
		s.Logger.Warn(r.Context(), "wsproto: bad hello", "error", err)
		return
	}

	liveConn := s.GW.Registry.Online(info, conn)
	defer s.GW.Registry.Offline(executorID)

	s.readLoop(r.Context(), conn, liveConn)
}

func (s *Server) readLoop(ctx context.Context, conn *Conn, liveConn *gateway.Connection) {
	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			return
		}
		switch env.Type {
		case FramePing:
			// liveness only; no response required by the protocol.
		case FrameExecuteResult:
			var p ExecuteResultPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				continue
			}
			status := gateway.ResultFailed
			if p.Status == string(gateway.ResultSucceeded) {
				status = gateway.ResultSucceeded
			}
			result := gateway.Result{RequestID: p.RequestID, Status: status, Output: p.Output, Error: p.Error}
			if err := s.GW.ApplyResult(ctx, result); err != nil {
				s.Logger.Error(ctx, "wsproto: apply result failed", "error", err)
			}
			if err := conn.SendAck(p.RequestID); err != nil {
				s.Logger.Warn(ctx, "wsproto: ack failed", "error", err)
			}
		case FrameExecuteEvent:
			var p ExecuteEventPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				continue
			}
			if err := s.GW.ApplyRemoteEvent(ctx, s.EventSink, p.Event); err != nil {
				s.Logger.Warn(ctx, "wsproto: apply remote event failed", "error", err)
			}
		default:
			s.Logger.Warn(ctx, "wsproto: unknown frame type", "type", env.Type)
		}
		_ = liveConn
	}
}

func helloToInfo(env Envelope, executorID string) (gateway.ExecutorInfo, error) {
	if env.Type != FrameHello && env.Type != FrameHelloV2 {
		return gateway.ExecutorInfo{}, errors.New("wsproto: expected hello frame")
	}
	var p HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return gateway.ExecutorInfo{}, fmt.Errorf("wsproto: decode hello: %w", err)
	}
	return gateway.ExecutorInfo{
		ExecutorID:  executorID,
		Name:        p.Name,
		Kinds:       p.Capabilities.Kinds,
		Connectors:  p.Capabilities.Connectors,
		Labels:      p.Capabilities.Tags,
		MaxInFlight: p.Capabilities.MaxInFlight,
	}, nil
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}
