// Package billing talks to the commerce back end: cached subscription, plan,
// and balance lookups, the per-request admission gate, and the best-effort
// usage reporter.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/rs/dnscache"
	"golang.org/x/sync/singleflight"

	gateway "github.com/hanzoai/bot/internal"
)

const (
	cacheTTL       = 60 * time.Second
	cacheMaxLen    = 10_000
	requestTimeout = 10 * time.Second
)

// Subscription is the commerce back end's subscription record.
type Subscription struct {
	ID     string `json:"id"`
	Status string `json:"status"` // active | trialing | past_due | canceled | ...
	PlanID string `json:"plan_id,omitempty"`
}

// Plan is the commerce back end's plan record.
type Plan struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	PriceUSD int64  `json:"price_usd"` // cents
}

// SubscriptionStatus is the gate-facing view of an org's subscription.
// Active is true iff the back end reports active or trialing.
type SubscriptionStatus struct {
	Active       bool          `json:"active"`
	Subscription *Subscription `json:"subscription"`
	Plan         *Plan         `json:"plan"`
}

// Credentials configure how commerce calls authenticate when the caller
// supplies no bearer of its own.
type Credentials struct {
	ServiceToken  string
	BasicUser     string
	BasicPassword string
}

// Client is a TTL-cached commerce client. Cache keys include the caller's
// token so per-viewer permissions cannot leak across callers. Concurrent
// misses for the same key collapse into one upstream request.
type Client struct {
	baseURL string
	creds   Credentials
	http    *http.Client

	subs     *otter.Cache[string, *SubscriptionStatus]
	plans    *otter.Cache[string, *Plan] // nil value = cached 404
	balances *otter.Cache[string, int64]
	group    singleflight.Group
}

// NewClient creates a commerce client for baseURL. A nil resolver disables
// DNS caching on the transport.
func NewClient(baseURL string, creds Credentials, resolver *dnscache.Resolver) (*Client, error) {
	t := &http.Transport{
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
	}
	if resolver != nil {
		dialer := &net.Dialer{Timeout: 5 * time.Second}
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var lastErr error
			for _, ip := range ips {
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			return nil, lastErr
		}
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		http:    &http.Client{Transport: t, Timeout: requestTimeout},
	}

	var err error
	if c.subs, err = newCache[*SubscriptionStatus](); err != nil {
		return nil, err
	}
	if c.plans, err = newCache[*Plan](); err != nil {
		return nil, err
	}
	if c.balances, err = newCache[int64](); err != nil {
		return nil, err
	}
	return c, nil
}

func newCache[V any]() (*otter.Cache[string, V], error) {
	c, err := otter.New(&otter.Options[string, V]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, V](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("billing: create cache: %w", err)
	}
	return c, nil
}

// GetSubscriptionStatus returns the org's subscription state, resolving the
// plan when the subscription names one.
func (c *Client) GetSubscriptionStatus(ctx context.Context, orgID, token string) (*SubscriptionStatus, error) {
	key := orgID + ":" + token
	if st, ok := c.subs.GetIfPresent(key); ok {
		return st, nil
	}

	v, err, _ := c.group.Do("sub:"+key, func() (any, error) {
		var payload struct {
			Subscription *Subscription `json:"subscription"`
		}
		if err := c.getJSON(ctx, "/v1/orgs/"+orgID+"/subscription", token, &payload); err != nil {
			return nil, err
		}

		st := &SubscriptionStatus{Subscription: payload.Subscription}
		if s := payload.Subscription; s != nil {
			st.Active = s.Status == "active" || s.Status == "trialing"
			if s.PlanID != "" {
				plan, err := c.GetPlan(ctx, s.PlanID, token)
				if err != nil {
					return nil, err
				}
				st.Plan = plan
			}
		}
		c.subs.Set(key, st)
		return st, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*SubscriptionStatus), nil
}

// GetPlan returns the plan record, or nil when the back end reports 404.
// The negative result is cached to prevent stampedes on unknown plans.
func (c *Client) GetPlan(ctx context.Context, planID, token string) (*Plan, error) {
	key := planID + ":" + token
	if plan, ok := c.plans.GetIfPresent(key); ok {
		return plan, nil
	}

	v, err, _ := c.group.Do("plan:"+key, func() (any, error) {
		var plan Plan
		err := c.getJSON(ctx, "/v1/plans/"+planID, token, &plan)
		if err != nil {
			var se *statusError
			if errors.As(err, &se) && se.code == http.StatusNotFound {
				c.plans.Set(key, nil)
				return (*Plan)(nil), nil
			}
			return nil, err
		}
		c.plans.Set(key, &plan)
		return &plan, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Plan), nil
}

// GetBalance returns the user's prepaid balance in cents.
func (c *Client) GetBalance(ctx context.Context, userID, token string) (int64, error) {
	key := userID + ":" + token
	if bal, ok := c.balances.GetIfPresent(key); ok {
		return bal, nil
	}

	v, err, _ := c.group.Do("bal:"+key, func() (any, error) {
		var payload struct {
			Balance int64 `json:"balance"`
		}
		if err := c.getJSON(ctx, "/v1/users/"+userID+"/balance", token, &payload); err != nil {
			return nil, err
		}
		c.balances.Set(key, payload.Balance)
		return payload.Balance, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// ReportUsage posts a batch of usage records. Not cached, not retried;
// the reporter owns failure handling.
func (c *Client) ReportUsage(ctx context.Context, records []gateway.UsageRecord) error {
	body, err := json.Marshal(map[string]any{"records": records})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/usage", strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req, "")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("billing: report usage: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &statusError{code: resp.StatusCode, path: "/v1/usage"}
	}
	return nil
}

// statusError is a non-2xx commerce response.
type statusError struct {
	code int
	path string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("billing: %s: status %d", e.path, e.code)
}

func (c *Client) getJSON(ctx context.Context, path, token string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.authorize(req, token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("billing: %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("billing: %s read: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &statusError{code: resp.StatusCode, path: path}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("billing: %s parse: %w", path, err)
	}
	return nil
}

// authorize applies the auth precedence: caller bearer, service token, basic.
func (c *Client) authorize(req *http.Request, callerToken string) {
	switch {
	case callerToken != "":
		req.Header.Set("Authorization", "Bearer "+callerToken)
	case c.creds.ServiceToken != "":
		req.Header.Set("Authorization", "Bearer "+c.creds.ServiceToken)
	case c.creds.BasicUser != "":
		req.SetBasicAuth(c.creds.BasicUser, c.creds.BasicPassword)
	}
}
