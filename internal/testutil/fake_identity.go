package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// FakeIdentity is an httptest-backed OpenID provider: discovery document,
// JWKS with one RSA key, and a token mint for signed test JWTs.
type FakeIdentity struct {
	Key *rsa.PrivateKey
	Kid string

	srv *httptest.Server
}

func NewFakeIdentity(t *testing.T) *FakeIdentity {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	f := &FakeIdentity{Key: key, Kid: "test-key"}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		writeFakeJSON(w, map[string]string{
			"issuer":                 f.srv.URL,
			"authorization_endpoint": f.srv.URL + "/authorize",
			"token_endpoint":         f.srv.URL + "/token",
			"userinfo_endpoint":      f.srv.URL + "/userinfo",
			"jwks_uri":               f.srv.URL + "/jwks",
		})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		pub := &f.Key.PublicKey
		writeFakeJSON(w, map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": f.Kid,
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			}},
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		writeFakeJSON(w, map[string]string{"sub": "user-1", "email": "user@example.com"})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		writeFakeJSON(w, map[string]any{
			"access_token":  "fake-access",
			"refresh_token": "fake-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

// Issuer returns the provider's base URL.
func (f *FakeIdentity) Issuer() string { return f.srv.URL }

// Token mints an RS256 JWT signed by the provider's key. Standard claims
// (iss, exp, iat) default sensibly; extra overrides or extends them.
func (f *FakeIdentity) Token(t *testing.T, extra jwt.MapClaims) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss": f.srv.URL,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
		"sub": "user-1",
	}
	for k, v := range extra {
		claims[k] = v
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = f.Kid
	signed, err := tok.SignedString(f.Key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// RawJSON marshals v for tests that compare wire payloads.
func RawJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}
