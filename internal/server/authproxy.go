package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/hanzoai/bot/internal/identity"
)

// The /auth/* endpoints proxy the identity provider's OAuth flow so browser
// peers never see the client secret. All of them return 404 when no identity
// provider is configured.

func (s *server) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	if s.deps.Identity == nil {
		http.NotFound(w, r)
		return
	}
	q := r.URL.Query()
	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" {
		writeJSON(w, http.StatusBadRequest, apiError("redirect_uri is required", "invalid_request_error"))
		return
	}
	loc, err := s.deps.Identity.LoginURL(r.Context(), identity.LoginParams{
		RedirectURI:         redirectURI,
		State:               q.Get("state"),
		Scope:               q.Get("scope"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	})
	if err != nil {
		slog.Error("identity login url", "error", err)
		writeJSON(w, http.StatusBadGateway, apiError("identity provider unavailable", "api_error"))
		return
	}
	http.Redirect(w, r, loc, http.StatusFound)
}

func (s *server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	if s.deps.Identity == nil {
		http.NotFound(w, r)
		return
	}
	q := r.URL.Query()
	code := q.Get("code")
	if code == "" {
		writeJSON(w, http.StatusBadRequest, apiError("code is required", "invalid_request_error"))
		return
	}
	tok, err := s.deps.Identity.Exchange(r.Context(), code, q.Get("redirect_uri"), q.Get("code_verifier"))
	if err != nil {
		slog.Error("identity code exchange", "error", err)
		writeJSON(w, http.StatusBadGateway, apiError("code exchange failed", "api_error"))
		return
	}
	writeTokenBundle(w, tok.AccessToken, tok.RefreshToken, tok.TokenType, tok.Expiry)
}

func (s *server) handleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	if s.deps.Identity == nil {
		http.NotFound(w, r)
		return
	}
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeJSONBody(r, &body); err != nil || body.RefreshToken == "" {
		writeJSON(w, http.StatusBadRequest, apiError("refresh_token is required", "invalid_request_error"))
		return
	}
	tok, err := s.deps.Identity.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		slog.Error("identity token refresh", "error", err)
		writeJSON(w, http.StatusUnauthorized, apiError("token refresh failed", "invalid_request_error"))
		return
	}
	writeTokenBundle(w, tok.AccessToken, tok.RefreshToken, tok.TokenType, tok.Expiry)
}

// handleAuthLogout is stateless on the gateway side; tokens live with the
// provider and the caller, so logout only acknowledges.
func (s *server) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	if s.deps.Identity == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *server) handleAuthUserinfo(w http.ResponseWriter, r *http.Request) {
	if s.deps.Identity == nil {
		http.NotFound(w, r)
		return
	}
	token := bearerFromRequest(r)
	if token == "" {
		writeJSON(w, http.StatusUnauthorized, apiError("bearer token is required", "invalid_request_error"))
		return
	}
	info, err := s.deps.Identity.Userinfo(r.Context(), token)
	if err != nil {
		slog.Error("identity userinfo", "error", err)
		writeJSON(w, http.StatusBadGateway, apiError("userinfo unavailable", "api_error"))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type tokenBundle struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
}

func writeTokenBundle(w http.ResponseWriter, access, refresh, typ string, expiry time.Time) {
	if typ == "" {
		typ = "Bearer"
	}
	var expiresIn int64
	if !expiry.IsZero() {
		if d := time.Until(expiry); d > 0 {
			expiresIn = int64(d.Seconds())
		}
	}
	writeJSON(w, http.StatusOK, tokenBundle{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    typ,
		ExpiresIn:    expiresIn,
	})
}
