// Package secrets resolves kms:// references against the secret back end,
// authenticating with a machine identity and caching the access token.
package secrets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/hanzoai/bot/internal"
)

// tokenSafetyMargin is subtracted from the reported token lifetime so a
// token is never used within its last seconds of validity.
const tokenSafetyMargin = 30 * time.Second

// Resolver dereferences kms://NAME strings into cleartext values.
// Non-reference values pass through unchanged.
type Resolver struct {
	baseURL      string
	clientID     string
	clientSecret string
	http         *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewResolver creates a Resolver for the secret back end at baseURL.
func NewResolver(baseURL, clientID, clientSecret string) *Resolver {
	return &Resolver{
		baseURL:      strings.TrimRight(baseURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		http:         &http.Client{Timeout: 10 * time.Second},
	}
}

// Resolve returns the cleartext value for ref. Network errors bubble up so
// that startup fails rather than running with an unresolved secret.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	if !strings.HasPrefix(ref, gateway.SecretRefPrefix) {
		return ref, nil
	}
	name := strings.TrimPrefix(ref, gateway.SecretRefPrefix)
	if name == "" {
		return "", fmt.Errorf("secrets: empty reference %q", ref)
	}
	if r.baseURL == "" {
		return "", fmt.Errorf("secrets: reference %q but no secret back end configured", ref)
	}

	token, err := r.token(ctx)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.baseURL+"/v1/secrets/"+url.PathEscape(name), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("secrets: fetch %q: %w", name, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("secrets: read %q: %w", name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("secrets: fetch %q: status %d", name, resp.StatusCode)
	}

	value := gjson.GetBytes(body, "value")
	if !value.Exists() {
		return "", fmt.Errorf("secrets: %q: response missing value", name)
	}
	return value.String(), nil
}

// token returns a cached machine-identity access token, logging in when the
// cached one is missing or inside its safety margin.
func (r *Resolver) token(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.accessToken != "" && time.Now().Before(r.tokenExpiry) {
		return r.accessToken, nil
	}

	payload, _ := json.Marshal(map[string]string{
		"clientId":     r.clientID,
		"clientSecret": r.clientSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.baseURL+"/v1/auth/login", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("secrets: login: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("secrets: login read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("secrets: login: status %d", resp.StatusCode)
	}

	parsed := gjson.ParseBytes(body)
	token := parsed.Get("accessToken").String()
	if token == "" {
		return "", fmt.Errorf("secrets: login: response missing accessToken")
	}
	ttl := time.Duration(parsed.Get("expiresIn").Int()) * time.Second
	if ttl <= tokenSafetyMargin {
		ttl = tokenSafetyMargin + time.Minute
	}

	r.accessToken = token
	r.tokenExpiry = time.Now().Add(ttl - tokenSafetyMargin)
	return token, nil
}
