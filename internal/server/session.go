package server

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	gateway "github.com/hanzoai/bot/internal"
	"github.com/hanzoai/bot/internal/agent"
)

// Session is one live WebSocket connection, owned by the registry from
// upgrade until close.
type Session struct {
	ConnectionID string
	Role         string
	PresenceKey  string
	ClientIP     string
	UserAgent    string
	Scopes       []string
	Caps         []string
	Commands     []string
	Client       map[string]string
	Identity     *gateway.Identity
	Tenant       *gateway.Tenant
	AuthMethod   string
	ConnectedAt  time.Time

	// conn is nil for sessions constructed in tests without a socket.
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// writeFrame serializes one JSON frame onto the socket. Gorilla permits a
// single concurrent writer, so all post-handshake writes go through here.
func (s *Session) writeFrame(v any) error {
	if s.conn == nil {
		return errors.New("server: session has no socket")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeDeadline)) //nolint:errcheck
	return s.conn.WriteJSON(v)
}

// SendRun forwards a run request to the node peer.
func (s *Session) SendRun(_ context.Context, req agent.RunRequest) error {
	return s.writeFrame(runFrame{
		Type:        frameRun,
		ID:          req.RunID,
		AgentID:     req.AgentID,
		SessionKey:  req.SessionKey,
		Prompt:      req.Prompt,
		ExtraSystem: req.ExtraSystem,
	})
}

// serves reports whether this node session can execute the agent. A node
// with no declared caps serves every agent.
func (s *Session) serves(agentID string) bool {
	if s.Role != gateway.RoleNode {
		return false
	}
	return len(s.Caps) == 0 || slices.Contains(s.Caps, agentID)
}

// SessionRegistry tracks live sessions by connection ID and doubles as the
// node directory for run dispatch.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*Session)}
}

func (r *SessionRegistry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ConnectionID] = s
	r.mu.Unlock()
}

func (r *SessionRegistry) Remove(connectionID string) {
	r.mu.Lock()
	delete(r.sessions, connectionID)
	r.mu.Unlock()
}

func (r *SessionRegistry) Get(connectionID string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[connectionID]
	r.mu.RUnlock()
	return s, ok
}

// PickNode returns a connected node session able to serve the agent.
func (r *SessionRegistry) PickNode(agentID string) (agent.NodeSender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.serves(agentID) && s.conn != nil {
			return s, true
		}
	}
	return nil, false
}

// List returns a snapshot of live sessions, optionally filtered by role.
func (r *SessionRegistry) List(role string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if role == "" || s.Role == role {
			out = append(out, s)
		}
	}
	return out
}

func (r *SessionRegistry) Count(role string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if role == "" {
		return len(r.sessions)
	}
	n := 0
	for _, s := range r.sessions {
		if s.Role == role {
			n++
		}
	}
	return n
}
