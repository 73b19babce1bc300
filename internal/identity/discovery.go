// Package identity validates identity-provider JWTs against discovered JWKS
// and proxies the provider's OAuth endpoints so client secrets stay server-side.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Discovery is the subset of the OpenID discovery document the gateway uses.
type Discovery struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
}

// discoverer fetches and caches the discovery document for one issuer.
type discoverer struct {
	issuer string
	http   *http.Client

	mu        sync.Mutex
	doc       *Discovery
	fetchedAt time.Time
}

const discoveryTTL = time.Hour

func newDiscoverer(issuer string, client *http.Client) *discoverer {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &discoverer{issuer: strings.TrimRight(issuer, "/"), http: client}
}

// get returns the cached discovery document, fetching it when absent or stale.
func (d *discoverer) get(ctx context.Context) (*Discovery, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.doc != nil && time.Since(d.fetchedAt) < discoveryTTL {
		return d.doc, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		d.issuer+"/.well-known/openid-configuration", nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity: discovery: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("identity: discovery read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity: discovery: status %d", resp.StatusCode)
	}

	var doc Discovery
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("identity: discovery parse: %w", err)
	}
	d.doc = &doc
	d.fetchedAt = time.Now()
	return d.doc, nil
}
