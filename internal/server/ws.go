package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	gateway "github.com/hanzoai/bot/internal"
	"github.com/hanzoai/bot/internal/agent"
)

const (
	// connectDeadline bounds how long a peer may take to send its connect
	// frame after the upgrade.
	connectDeadline = 10 * time.Second

	// idleTimeout closes sessions with no inbound traffic. Pongs count.
	idleTimeout = 5 * time.Minute

	pingInterval  = 30 * time.Second
	writeDeadline = 10 * time.Second
)

// Frame types of the post-handshake node/operator protocol.
const (
	frameHello  = "hello"
	framePing   = "ping"
	framePong   = "pong"
	frameRun    = "agent.run"
	frameEvent  = "agent.event"
	frameResult = "agent.result"
)

// helloFrame acknowledges an accepted connection.
type helloFrame struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
	AuthMethod   string `json:"authMethod"`
	OrgID        string `json:"orgId,omitempty"`
}

// runFrame carries a dispatched run to a node.
type runFrame struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	AgentID     string `json:"agentId"`
	SessionKey  string `json:"sessionKey"`
	Prompt      string `json:"prompt"`
	ExtraSystem string `json:"extraSystem,omitempty"`
}

// eventFrame is a node-reported run event, relayed onto the bus.
type eventFrame struct {
	ID     string `json:"id"`
	Stream string `json:"stream"`
	Phase  string `json:"phase,omitempty"`
	Text   string `json:"text,omitempty"`
	Error  string `json:"error,omitempty"`
}

// resultFrame is a node's terminal run report.
type resultFrame struct {
	ID           string   `json:"id"`
	Payloads     []string `json:"payloads"`
	Model        string   `json:"model,omitempty"`
	Provider     string   `json:"provider,omitempty"`
	InputTokens  int      `json:"inputTokens,omitempty"`
	OutputTokens int      `json:"outputTokens,omitempty"`
	TotalTokens  int      `json:"totalTokens,omitempty"`
	DurationMs   int64    `json:"durationMs,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// handleWebSocket authorizes the upgrade, reads the connect frame, and serves
// the session until the socket closes or idles out.
func (s *server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Authorizer.Authorize(r.Context(), r, bearerFromRequest(r), tenantParamsFromRequest(r))
	if err != nil {
		s.writeAuthError(w, err)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			// Non-browser peers send no Origin header; the policy only
			// gates browser cross-origin requests.
			o := r.Header.Get("Origin")
			if o == "" {
				return true
			}
			return s.deps.Origins == nil || s.deps.Origins.Check(r.Host, o) == ""
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(connectDeadline)) //nolint:errcheck
	var params gateway.ConnectParams
	if err := conn.ReadJSON(&params); err != nil {
		closeWith(conn, websocket.ClosePolicyViolation, "connect frame required")
		return
	}
	if params.Role != gateway.RoleNode && params.Role != gateway.RoleOperator {
		closeWith(conn, websocket.ClosePolicyViolation, "role must be node or operator")
		return
	}

	sess := &Session{
		ConnectionID: uuid.Must(uuid.NewV7()).String(),
		Role:         params.Role,
		PresenceKey:  presenceKey(res.Identity, params),
		ClientIP:     clientIP(r),
		UserAgent:    params.UserAgent,
		Scopes:       params.Scopes,
		Caps:         params.Caps,
		Commands:     params.Commands,
		Client:       params.Client,
		Identity:     res.Identity,
		Tenant:       res.Tenant,
		AuthMethod:   res.Method,
		ConnectedAt:  time.Now(),
		conn:         conn,
	}
	s.deps.Sessions.Add(sess)
	if s.deps.Metrics != nil {
		s.deps.Metrics.ActiveConnections.WithLabelValues(sess.Role).Inc()
	}
	defer func() {
		s.deps.Sessions.Remove(sess.ConnectionID)
		if s.deps.Metrics != nil {
			s.deps.Metrics.ActiveConnections.WithLabelValues(sess.Role).Dec()
		}
	}()

	hello := helloFrame{Type: frameHello, ConnectionID: sess.ConnectionID, AuthMethod: sess.AuthMethod}
	if sess.Tenant != nil {
		hello.OrgID = sess.Tenant.OrgID
	}
	if err := sess.writeFrame(hello); err != nil {
		return
	}

	slog.LogAttrs(r.Context(), slog.LevelInfo, "websocket connected",
		slog.String("connection_id", sess.ConnectionID),
		slog.String("role", sess.Role),
		slog.String("auth_method", sess.AuthMethod),
		slog.String("client_ip", sess.ClientIP),
	)

	s.serveSession(conn, sess)

	slog.LogAttrs(r.Context(), slog.LevelInfo, "websocket closed",
		slog.String("connection_id", sess.ConnectionID),
		slog.Int64("duration_ms", time.Since(sess.ConnectedAt).Milliseconds()),
	)
}

// serveSession reads frames until the socket closes, keeping it alive with
// pings and an idle deadline. Node-reported run events relay onto the bus;
// terminal results resolve the pending dispatch.
func (s *server) serveSession(conn *websocket.Conn, sess *Session) {
	conn.SetReadDeadline(time.Now().Add(idleTimeout)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idleTimeout))
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sess.writeMu.Lock()
				conn.SetWriteDeadline(time.Now().Add(writeDeadline)) //nolint:errcheck
				err := conn.WriteMessage(websocket.PingMessage, nil)
				sess.writeMu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
	defer close(done)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(idleTimeout)) //nolint:errcheck
		if msgType != websocket.TextMessage {
			continue
		}
		s.handleFrame(sess, data)
	}
}

func (s *server) handleFrame(sess *Session, data []byte) {
	var head struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return
	}

	switch head.Type {
	case framePing:
		sess.writeFrame(map[string]string{"type": framePong, "id": head.ID}) //nolint:errcheck

	case frameEvent:
		if sess.Role != gateway.RoleNode || s.deps.Bus == nil {
			return
		}
		var f eventFrame
		if err := json.Unmarshal(data, &f); err != nil || f.ID == "" {
			return
		}
		s.deps.Bus.Publish(gateway.AgentEvent{
			RunID:  f.ID,
			Stream: f.Stream,
			Phase:  f.Phase,
			Text:   f.Text,
			Error:  f.Error,
		})

	case frameResult:
		if sess.Role != gateway.RoleNode || s.deps.Completer == nil {
			return
		}
		var f resultFrame
		if err := json.Unmarshal(data, &f); err != nil || f.ID == "" {
			return
		}
		var runErr error
		if f.Error != "" {
			runErr = errors.New(f.Error)
		}
		resolved := s.deps.Completer.Complete(f.ID, &agent.RunResult{
			Payloads:     f.Payloads,
			Model:        f.Model,
			Provider:     f.Provider,
			InputTokens:  f.InputTokens,
			OutputTokens: f.OutputTokens,
			TotalTokens:  f.TotalTokens,
			DurationMs:   f.DurationMs,
		}, runErr)
		if !resolved {
			slog.LogAttrs(context.Background(), slog.LevelWarn, "result for unknown run",
				slog.String("run_id", f.ID),
				slog.String("connection_id", sess.ConnectionID),
			)
		}

	default:
		// Unknown frames are dropped; the protocol is forward-compatible.
	}
}

// presenceKey identifies the logical peer across reconnects.
func presenceKey(id *gateway.Identity, params gateway.ConnectParams) string {
	if id != nil && id.UserID != "" {
		return params.Role + ":" + id.UserID
	}
	if host, ok := params.Client["host"]; ok && host != "" {
		return params.Role + ":" + host
	}
	return ""
}

// closeWith sends a close frame with a reason and drops the socket.
func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.SetWriteDeadline(time.Now().Add(writeDeadline)) //nolint:errcheck
	conn.WriteMessage(websocket.CloseMessage, msg)       //nolint:errcheck
}

// clientIP reports the peer address without the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
