package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// Client proxies the identity provider's OAuth endpoints. The client secret
// never leaves the gateway; browser peers only see the /auth/* surface.
type Client struct {
	clientID     string
	clientSecret string
	disc         *discoverer
	http         *http.Client
}

// NewClient creates an OAuth proxy client for the given issuer.
func NewClient(issuer, clientID, clientSecret string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		clientID:     clientID,
		clientSecret: clientSecret,
		disc:         newDiscoverer(issuer, httpClient),
		http:         httpClient,
	}
}

// config builds the oauth2 config lazily from discovery so the gateway can
// start before the identity provider is reachable.
func (c *Client) config(ctx context.Context, redirectURI string) (*oauth2.Config, error) {
	doc, err := c.disc.get(ctx)
	if err != nil {
		return nil, err
	}
	return &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		RedirectURL:  redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:  doc.AuthorizationEndpoint,
			TokenURL: doc.TokenEndpoint,
		},
	}, nil
}

// LoginParams shape the authorization redirect.
type LoginParams struct {
	RedirectURI         string
	State               string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// LoginURL returns the identity provider authorization URL for a 302 redirect.
func (c *Client) LoginURL(ctx context.Context, p LoginParams) (string, error) {
	cfg, err := c.config(ctx, p.RedirectURI)
	if err != nil {
		return "", err
	}
	opts := []oauth2.AuthCodeOption{}
	if p.Scope != "" {
		cfg.Scopes = []string{p.Scope}
	}
	if p.CodeChallenge != "" {
		method := p.CodeChallengeMethod
		if method == "" {
			method = "S256"
		}
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", p.CodeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", method),
		)
	}
	return cfg.AuthCodeURL(p.State, opts...), nil
}

// Exchange trades an authorization code for a token bundle.
func (c *Client) Exchange(ctx context.Context, code, redirectURI, codeVerifier string) (*oauth2.Token, error) {
	cfg, err := c.config(ctx, redirectURI)
	if err != nil {
		return nil, err
	}
	opts := []oauth2.AuthCodeOption{}
	if codeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(codeVerifier))
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	return cfg.Exchange(ctx, code, opts...)
}

// Refresh trades a refresh token for a fresh token bundle.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	cfg, err := c.config(ctx, "")
	if err != nil {
		return nil, err
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	return cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
}

// Userinfo proxies the provider's userinfo endpoint with the caller's bearer.
func (c *Client) Userinfo(ctx context.Context, accessToken string) (map[string]any, error) {
	doc, err := c.disc.get(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, doc.UserinfoEndpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity: userinfo: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("identity: userinfo read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity: userinfo: status %d", resp.StatusCode)
	}

	var info map[string]any
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("identity: userinfo parse: %w", err)
	}
	return info, nil
}
