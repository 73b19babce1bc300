package auth

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	gateway "github.com/hanzoai/bot/internal"
	"github.com/hanzoai/bot/internal/ratelimit"
	"github.com/hanzoai/bot/internal/tenant"
)

// Auth methods reported in accepted results. "tailscale" is the legacy name
// for mesh identity, retained for compatibility with existing clients.
const (
	MethodToken     = "token"
	MethodPassword  = "password"
	MethodIdentity  = "identity"
	MethodTailscale = "tailscale"
)

// meshHostSuffix marks hosts reachable only over the overlay mesh.
const meshHostSuffix = ".ts.net"

// meshLoginHeader carries the mesh-authenticated user login.
const meshLoginHeader = "Tailscale-User-Login"

// IdentityValidator validates an identity-provider bearer token.
type IdentityValidator interface {
	Validate(ctx context.Context, raw string) IdentityResult
}

// IdentityResult mirrors identity.Result without importing the package,
// keeping auth free of the identity package's HTTP machinery.
type IdentityResult struct {
	OK       bool
	Reason   string
	Identity *gateway.Identity
}

// Result is an accepted authorization.
type Result struct {
	Method   string
	Identity *gateway.Identity
	Tenant   *gateway.Tenant
}

// Authorizer decides per-connection auth across all modes. The zero limiter
// and validator are valid: nil limiter disables rate limiting, nil validator
// disables identity mode.
type Authorizer struct {
	resolved  *Resolved
	validator IdentityValidator
	limiter   *ratelimit.Limiter
}

// NewAuthorizer creates an Authorizer over the resolved auth configuration.
func NewAuthorizer(resolved *Resolved, validator IdentityValidator, limiter *ratelimit.Limiter) *Authorizer {
	return &Authorizer{resolved: resolved, validator: validator, limiter: limiter}
}

// Authorize decides whether the request may proceed. credential is the bearer
// token or password extracted from the Authorization header or query string.
// params carry tenant-relevant connect parameters. On failure the returned
// error is an *gateway.AuthError with a stable reason.
func (a *Authorizer) Authorize(ctx context.Context, r *http.Request, credential string, params tenant.Params) (*Result, error) {
	source := remoteIP(r)
	if a.limiter != nil && !a.limiter.Allow(source) {
		return nil, &gateway.AuthError{Reason: gateway.ReasonRateLimited}
	}

	res, err := a.decide(ctx, r, credential, params)
	if err != nil {
		return nil, err
	}
	if a.limiter != nil {
		a.limiter.Reset(source)
	}
	return res, nil
}

func (a *Authorizer) decide(ctx context.Context, r *http.Request, credential string, params tenant.Params) (*Result, error) {
	// Mesh identity is accepted regardless of the primary mode when enabled
	// and the peer is actually on the mesh.
	if a.resolved.AllowMeshIdentity && meshResident(r) {
		if login := r.Header.Get(meshLoginHeader); login != "" {
			id := &gateway.Identity{UserID: login, Email: login, Owner: login}
			return &Result{Method: MethodTailscale, Identity: id}, nil
		}
		if a.resolved.Mode == gateway.AuthModeMesh {
			return nil, &gateway.AuthError{Reason: gateway.ReasonTokenMissing}
		}
	}

	switch a.resolved.Mode {
	case gateway.AuthModeToken:
		return a.checkShared(credential, a.resolved.Token, MethodToken,
			gateway.ReasonTokenMissingConfig, gateway.ReasonTokenMissing, gateway.ReasonTokenMismatch)

	case gateway.AuthModePassword:
		return a.checkShared(credential, a.resolved.Password, MethodPassword,
			gateway.ReasonPasswordMissingConfig, gateway.ReasonPasswordMissing, gateway.ReasonPasswordMismatch)

	case gateway.AuthModeIdentity:
		return a.checkIdentity(ctx, credential, params)

	case gateway.AuthModeMesh:
		// Mesh-only mode, but the peer is not mesh-resident.
		return nil, &gateway.AuthError{Reason: gateway.ReasonTokenMismatch}

	default:
		return nil, &gateway.AuthError{Reason: gateway.ReasonTokenMissingConfig}
	}
}

// checkShared compares a supplied credential against a resolved shared secret
// in constant time.
func (a *Authorizer) checkShared(supplied, expected, method, missingConfig, missing, mismatch string) (*Result, error) {
	if expected == "" {
		return nil, &gateway.AuthError{Reason: missingConfig}
	}
	if supplied == "" {
		return nil, &gateway.AuthError{Reason: missing}
	}
	if subtle.ConstantTimeCompare([]byte(supplied), []byte(expected)) != 1 {
		return nil, &gateway.AuthError{Reason: mismatch}
	}
	return &Result{Method: method}, nil
}

func (a *Authorizer) checkIdentity(ctx context.Context, bearer string, params tenant.Params) (*Result, error) {
	if a.validator == nil {
		return nil, &gateway.AuthError{Reason: gateway.ReasonTokenMissingConfig}
	}
	if bearer == "" {
		return nil, &gateway.AuthError{Reason: gateway.ReasonTokenMissing}
	}

	res := a.validator.Validate(ctx, bearer)
	if !res.OK {
		return nil, &gateway.AuthError{Reason: res.Reason}
	}

	t := tenant.Resolve(res.Identity, params)
	if err := tenant.ValidateAccess(res.Identity, t); err != nil {
		return nil, err
	}
	return &Result{Method: MethodIdentity, Identity: res.Identity, Tenant: t}, nil
}

// meshResident reports whether the peer reached us over the overlay mesh:
// a loopback peer addressing a mesh-suffixed host, or a mesh-issued
// forwarded chain (loopback peer forwarding for a mesh host).
func meshResident(r *http.Request) bool {
	ip := net.ParseIP(remoteIP(r))
	if ip == nil || !ip.IsLoopback() {
		return false
	}
	if hasMeshSuffix(r.Host) {
		return true
	}
	if fh := r.Header.Get("X-Forwarded-Host"); hasMeshSuffix(fh) {
		return true
	}
	return false
}

func hasMeshSuffix(host string) bool {
	if host == "" {
		return false
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.HasSuffix(strings.ToLower(host), meshHostSuffix)
}

func remoteIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
