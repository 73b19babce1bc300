// Package gateway defines domain types and interfaces for the Hanzo Bot
// agent gateway. This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// --- Auth configuration ---

// AuthMode selects how inbound connections authenticate.
type AuthMode string

const (
	AuthModeToken    AuthMode = "token"
	AuthModePassword AuthMode = "password"
	AuthModeIdentity AuthMode = "identity"
	AuthModeMesh     AuthMode = "mesh"
)

// SecretRefPrefix marks a secret value that must be dereferenced through the
// secret back end before use.
const SecretRefPrefix = "kms://"

// --- Identity ---

// Identity is the resolved caller identity after token validation.
// Immutable once built; the Raw map is shared and must not be mutated.
type Identity struct {
	UserID       string         `json:"user_id"`
	Email        string         `json:"email,omitempty"`
	Name         string         `json:"name,omitempty"`
	Owner        string         `json:"owner,omitempty"` // "org/user" namespace component
	CurrentOrgID string         `json:"current_org_id,omitempty"`
	OrgIDs       []string       `json:"org_ids,omitempty"`
	Roles        []string       `json:"roles,omitempty"`
	Raw          map[string]any `json:"-"`
}

// MemberOf reports whether the identity belongs to the given organization.
func (id *Identity) MemberOf(orgID string) bool {
	for _, o := range id.OrgIDs {
		if o == orgID {
			return true
		}
	}
	return false
}

// --- Tenant ---

// Tenant scopes a request or connection to an (org, project, user) tuple.
// A nil Tenant means personal mode: no org, no billing gate.
type Tenant struct {
	OrgID     string `json:"org_id"`
	ProjectID string `json:"project_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	UserName  string `json:"user_name,omitempty"`
	Env       string `json:"env,omitempty"`
}

// --- Usage ---

// UsageRecord is a single billable usage event. Immutable after enqueue.
type UsageRecord struct {
	Tenant           *Tenant   `json:"tenant,omitempty"`
	Model            string    `json:"model"`
	Provider         string    `json:"provider"`
	InputTokens      int       `json:"input_tokens"`
	OutputTokens     int       `json:"output_tokens"`
	CacheReadTokens  int       `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int       `json:"cache_write_tokens,omitempty"`
	TotalTokens      int       `json:"total_tokens"`
	DurationMs       int64     `json:"duration_ms,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// --- Agent runs and events ---

// Event stream names.
const (
	StreamLifecycle = "lifecycle"
	StreamAssistant = "assistant"
)

// Lifecycle phases. End and Error are terminal for a run.
const (
	PhaseStart = "start"
	PhaseEnd   = "end"
	PhaseError = "error"
)

// AgentEvent is one event produced by the agent engine for a run.
type AgentEvent struct {
	RunID  string `json:"run_id"`
	Stream string `json:"stream"`          // lifecycle | assistant
	Phase  string `json:"phase,omitempty"` // lifecycle only
	Text   string `json:"text,omitempty"`  // assistant delta text
	Error  string `json:"error,omitempty"`
}

// Terminal reports whether the event ends its run's stream.
func (e AgentEvent) Terminal() bool {
	return e.Stream == StreamLifecycle && (e.Phase == PhaseEnd || e.Phase == PhaseError)
}

// NewRunID mints a run identifier in the externally visible chatcmpl format.
func NewRunID() string {
	return "chatcmpl_" + uuid.NewString()
}

// --- Connections ---

// Connection roles.
const (
	RoleNode     = "node"
	RoleOperator = "operator"
)

// ConnectParams is the frame a WebSocket client sends after upgrade to
// declare who it is and what it can do.
type ConnectParams struct {
	Role      string            `json:"role"` // node | operator
	Scopes    []string          `json:"scopes,omitempty"`
	Caps      []string          `json:"caps,omitempty"`
	Commands  []string          `json:"commands,omitempty"`
	Client    map[string]string `json:"client,omitempty"`
	UserAgent string            `json:"userAgent,omitempty"`
	OrgID     string            `json:"orgId,omitempty"`
	ProjectID string            `json:"projectId,omitempty"`
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// Identity and Tenant are set later by middleware via mutation of the same
// pointer, avoiding additional context.WithValue + Request.WithContext calls.
type requestMeta struct {
	RequestID string
	Identity  *Identity
	Tenant    *Tenant
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithIdentity stores the identity in the existing requestMeta if
// present, avoiding a new allocation. Falls back to fresh metadata otherwise.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithTenant stores the tenant in the existing requestMeta if present.
func ContextWithTenant(ctx context.Context, t *Tenant) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Tenant = t
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Tenant: t})
}

// TenantFromContext extracts the tenant from context, or nil in personal mode.
func TenantFromContext(ctx context.Context) *Tenant {
	if m := metaFromContext(ctx); m != nil {
		return m.Tenant
	}
	return nil
}
