// Package server implements the HTTP and WebSocket transport layer for the
// bot gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	gateway "github.com/hanzoai/bot/internal"
	"github.com/hanzoai/bot/internal/agent"
	"github.com/hanzoai/bot/internal/auth"
	"github.com/hanzoai/bot/internal/bus"
	"github.com/hanzoai/bot/internal/identity"
	"github.com/hanzoai/bot/internal/origin"
	"github.com/hanzoai/bot/internal/telemetry"
)

// BillingGate makes the per-request admission decision.
type BillingGate interface {
	Check(ctx context.Context, t *gateway.Tenant, token string) error
}

// UsageReporter enqueues best-effort usage records.
type UsageReporter interface {
	Report(rec gateway.UsageRecord)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Authorizer *auth.Authorizer
	Origins    *origin.Policy
	Engine     agent.Engine
	Bus        *bus.Bus
	Completer  agent.Completer      // resolves node-reported run results
	Gate       BillingGate          // nil = always allow
	Usage      UsageReporter        // nil = no usage reporting
	Identity   *identity.Client     // nil = /auth/* endpoints return 404
	Metrics    *telemetry.Metrics   // nil = no metrics middleware
	Registry   prometheus.Gatherer  // nil = no /metrics endpoint
	Sessions   *SessionRegistry     // nil = fresh registry
	MaxBody    int64                // request body byte cap (0 = default 10 MiB)
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	if deps.Sessions == nil {
		deps.Sessions = NewSessionRegistry()
	}
	if deps.MaxBody <= 0 {
		deps.MaxBody = 10 << 20
	}
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	r.Use(s.cors)

	r.MethodNotAllowed(handleMethodNotAllowed)

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}

	// Identity-provider OAuth proxy
	r.Get("/auth/login", s.handleAuthLogin)
	r.Get("/auth/callback", s.handleAuthCallback)
	r.Post("/auth/refresh", s.handleAuthRefresh)
	r.Post("/auth/logout", s.handleAuthLogout)
	r.Get("/auth/userinfo", s.handleAuthUserinfo)

	// OpenAI-compatible API (auth required)
	r.Group(func(r chi.Router) {
		r.Use(s.maxBody)
		r.Use(s.authenticate)
		r.Post("/v1/chat/completions", s.handleChatCompletion)
	})

	// WebSocket endpoint for nodes and operators
	r.Get("/", s.handleWebSocket)

	return r
}

type server struct {
	deps Deps
}
