package server_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hanzoai/bot/internal/bus"
	"github.com/hanzoai/bot/internal/origin"
	"github.com/hanzoai/bot/internal/server"
	"github.com/hanzoai/bot/internal/testutil"
)

func newCORSHandler() http.Handler {
	b := bus.New()
	return server.New(server.Deps{
		Authorizer: tokenAuthorizer(),
		Origins:    origin.NewPolicy([]string{"https://app.example.com"}, nil),
		Engine:     &testutil.FakeEngine{Bus: b},
		Bus:        b,
	})
}

func TestCORSPreflight(t *testing.T) {
	h := newCORSHandler()

	req := httptest.NewRequest(http.MethodOptions, "/v1/chat/completions", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got == "" {
		t.Error("Allow-Methods missing")
	}
}

func TestCORSPreflightForbiddenOrigin(t *testing.T) {
	h := newCORSHandler()

	req := httptest.NewRequest(http.MethodOptions, "/v1/chat/completions", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q, want unset", got)
	}
}

func TestCORSDisallowedOriginStillServes(t *testing.T) {
	// Non-preflight requests from unlisted origins are served without CORS
	// headers; the browser enforces the block.
	h := newCORSHandler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q, want unset", got)
	}
}

func TestHealthEndpoints(t *testing.T) {
	h := newCORSHandler()
	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s = %d, want 200", path, rec.Code)
		}
	}
}

func TestRequestIDHeader(t *testing.T) {
	h := newCORSHandler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("X-Request-Id not set")
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "caller-chosen")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != "caller-chosen" {
		t.Errorf("X-Request-Id = %q, want caller-chosen preserved", got)
	}
}
