package billing_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/hanzoai/bot/internal/billing"
)

func TestGetSubscriptionStatusCachesPerToken(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"subscription": map[string]string{"id": "sub-1", "status": "trialing"},
		})
	}))
	defer srv.Close()

	c, err := billing.NewClient(srv.URL, billing.Credentials{}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctx := context.Background()

	st, err := c.GetSubscriptionStatus(ctx, "org-1", "tok-a")
	if err != nil {
		t.Fatalf("GetSubscriptionStatus: %v", err)
	}
	if !st.Active {
		t.Error("trialing subscription must count as active")
	}

	// Same org and token: served from cache.
	if _, err := c.GetSubscriptionStatus(ctx, "org-1", "tok-a"); err != nil {
		t.Fatalf("cached lookup: %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("upstream hits = %d, want 1", got)
	}

	// Different token: the cache key includes it, so a new fetch happens.
	if _, err := c.GetSubscriptionStatus(ctx, "org-1", "tok-b"); err != nil {
		t.Fatalf("second-token lookup: %v", err)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("upstream hits = %d, want 2 after distinct token", got)
	}
}

func TestGetPlanCachesNotFound(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c, err := billing.NewClient(srv.URL, billing.Credentials{}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctx := context.Background()

	for range 3 {
		plan, err := c.GetPlan(ctx, "ghost", "")
		if err != nil {
			t.Fatalf("GetPlan: %v", err)
		}
		if plan != nil {
			t.Fatalf("GetPlan = %+v, want nil for 404", plan)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("upstream hits = %d, want 1 (negative entry cached)", got)
	}
}

func TestGetPlanErrorsAreNotCached(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := billing.NewClient(srv.URL, billing.Credentials{}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctx := context.Background()

	for range 2 {
		if _, err := c.GetPlan(ctx, "p", ""); err == nil {
			t.Fatal("GetPlan on 500: got nil error")
		}
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("upstream hits = %d, want 2 (errors not cached)", got)
	}
}

func TestAuthorizationPrecedence(t *testing.T) {
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]int64{"balance": 100}) //nolint:errcheck
	}))
	defer srv.Close()

	creds := billing.Credentials{ServiceToken: "svc-token", BasicUser: "u", BasicPassword: "p"}
	c, err := billing.NewClient(srv.URL, creds, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctx := context.Background()

	// Caller bearer wins.
	if _, err := c.GetBalance(ctx, "user-1", "caller-token"); err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if got := gotAuth.Load(); got != "Bearer caller-token" {
		t.Errorf("Authorization = %q, want caller bearer", got)
	}

	// No caller token: service token takes over. Distinct user avoids the cache.
	if _, err := c.GetBalance(ctx, "user-2", ""); err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if got := gotAuth.Load(); got != "Bearer svc-token" {
		t.Errorf("Authorization = %q, want service token", got)
	}
}
