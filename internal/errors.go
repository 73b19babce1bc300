package gateway

import "errors"

// Sentinel errors for the gateway domain.
var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("not found")
	ErrBadRequest       = errors.New("bad request")
	ErrRateLimited      = errors.New("rate limited")
	ErrPaymentRequired  = errors.New("payment required")
	ErrPayloadTooLarge  = errors.New("payload too large")
	ErrMethodNotAllowed = errors.New("method not allowed")
)

// AuthError is an authentication failure with a machine-readable reason.
// Reason values are stable and surfaced verbatim to callers.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return e.Reason }

// Unwrap lets errors.Is(err, ErrUnauthorized) match any auth failure.
func (e *AuthError) Unwrap() error { return ErrUnauthorized }

// Auth failure reasons.
const (
	ReasonTokenMissingConfig    = "token_missing_config"
	ReasonTokenMissing          = "token_missing"
	ReasonTokenMismatch         = "token_mismatch"
	ReasonPasswordMissingConfig = "password_missing_config"
	ReasonPasswordMissing       = "password_missing"
	ReasonPasswordMismatch      = "password_mismatch"
	ReasonRateLimited           = "rate_limited"
	ReasonTenantNotMember       = "tenant_org_not_member"
)

// Identity validation failure reasons.
const (
	ReasonInvalidToken     = "invalid_token"
	ReasonExpired          = "expired"
	ReasonIssuerMismatch   = "issuer_mismatch"
	ReasonAudienceMismatch = "audience_mismatch"
	ReasonJWKSUnavailable  = "jwks_unavailable"
	ReasonMalformed        = "malformed"
)

// BillingError is a billing gate denial surfaced to callers with HTTP 402.
type BillingError struct {
	Reason string
}

func (e *BillingError) Error() string { return e.Reason }

func (e *BillingError) Unwrap() error { return ErrPaymentRequired }
