package gateway

import (
	"context"
	"strings"
	"testing"
)

func TestNewRunID(t *testing.T) {
	a, b := NewRunID(), NewRunID()
	if !strings.HasPrefix(a, "chatcmpl_") {
		t.Errorf("NewRunID() = %q, want chatcmpl_ prefix", a)
	}
	if a == b {
		t.Error("NewRunID() returned duplicate IDs")
	}
}

func TestAgentEventTerminal(t *testing.T) {
	tests := []struct {
		name string
		evt  AgentEvent
		want bool
	}{
		{"lifecycle end", AgentEvent{Stream: StreamLifecycle, Phase: PhaseEnd}, true},
		{"lifecycle error", AgentEvent{Stream: StreamLifecycle, Phase: PhaseError}, true},
		{"lifecycle start", AgentEvent{Stream: StreamLifecycle, Phase: PhaseStart}, false},
		{"assistant delta", AgentEvent{Stream: StreamAssistant, Text: "hi"}, false},
	}
	for _, tt := range tests {
		if got := tt.evt.Terminal(); got != tt.want {
			t.Errorf("%s: Terminal() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestIdentityMemberOf(t *testing.T) {
	id := &Identity{OrgIDs: []string{"org-a", "org-b"}}
	if !id.MemberOf("org-a") {
		t.Error("MemberOf(org-a) = false, want true")
	}
	if id.MemberOf("org-c") {
		t.Error("MemberOf(org-c) = true, want false")
	}
}

func TestContextMeta(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-1")
	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Fatalf("RequestIDFromContext() = %q, want %q", got, "req-1")
	}

	// Identity and tenant mutate the same metadata without re-wrapping.
	id := &Identity{UserID: "u"}
	if ctx2 := ContextWithIdentity(ctx, id); ctx2 != ctx {
		t.Error("ContextWithIdentity allocated a new context despite existing metadata")
	}
	tn := &Tenant{OrgID: "org-a"}
	ContextWithTenant(ctx, tn)

	if got := IdentityFromContext(ctx); got != id {
		t.Errorf("IdentityFromContext() = %+v, want %+v", got, id)
	}
	if got := TenantFromContext(ctx); got != tn {
		t.Errorf("TenantFromContext() = %+v, want %+v", got, tn)
	}

	// Empty context yields zero values.
	if RequestIDFromContext(context.Background()) != "" ||
		IdentityFromContext(context.Background()) != nil ||
		TenantFromContext(context.Background()) != nil {
		t.Error("empty context must yield zero values")
	}
}
