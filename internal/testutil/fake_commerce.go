package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	gateway "github.com/hanzoai/bot/internal"
	"github.com/hanzoai/bot/internal/billing"
)

// FakeCommerce is an httptest-backed commerce back end covering the
// subscription, plan, balance, and usage endpoints.
type FakeCommerce struct {
	mu            sync.Mutex
	subscriptions map[string]*billing.Subscription
	plans         map[string]*billing.Plan
	balances      map[string]int64
	usageBatches  [][]gateway.UsageRecord
	failAll       bool
	failUsage     bool

	srv *httptest.Server
}

func NewFakeCommerce() *FakeCommerce {
	f := &FakeCommerce{
		subscriptions: map[string]*billing.Subscription{},
		plans:         map[string]*billing.Plan{},
		balances:      map[string]int64{},
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

func (f *FakeCommerce) URL() string { return f.srv.URL }
func (f *FakeCommerce) Close()      { f.srv.Close() }

func (f *FakeCommerce) SetSubscription(orgID string, sub *billing.Subscription) {
	f.mu.Lock()
	f.subscriptions[orgID] = sub
	f.mu.Unlock()
}

func (f *FakeCommerce) SetPlan(p billing.Plan) {
	f.mu.Lock()
	f.plans[p.ID] = &p
	f.mu.Unlock()
}

func (f *FakeCommerce) SetBalance(userID string, cents int64) {
	f.mu.Lock()
	f.balances[userID] = cents
	f.mu.Unlock()
}

// FailAll makes every endpoint return 500, simulating an outage.
func (f *FakeCommerce) FailAll(fail bool) {
	f.mu.Lock()
	f.failAll = fail
	f.mu.Unlock()
}

// FailUsage makes only /v1/usage return 500.
func (f *FakeCommerce) FailUsage(fail bool) {
	f.mu.Lock()
	f.failUsage = fail
	f.mu.Unlock()
}

// UsageBatches returns the usage record batches received so far.
func (f *FakeCommerce) UsageBatches() [][]gateway.UsageRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]gateway.UsageRecord, len(f.usageBatches))
	copy(out, f.usageBatches)
	return out
}

func (f *FakeCommerce) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failAll {
		http.Error(w, "commerce down", http.StatusInternalServerError)
		return
	}

	path := r.URL.Path
	switch {
	case r.Method == http.MethodPost && path == "/v1/usage":
		if f.failUsage {
			http.Error(w, "usage down", http.StatusInternalServerError)
			return
		}
		var payload struct {
			Records []gateway.UsageRecord `json:"records"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		f.usageBatches = append(f.usageBatches, payload.Records)
		w.WriteHeader(http.StatusAccepted)

	case strings.HasPrefix(path, "/v1/orgs/") && strings.HasSuffix(path, "/subscription"):
		orgID := strings.TrimSuffix(strings.TrimPrefix(path, "/v1/orgs/"), "/subscription")
		writeFakeJSON(w, map[string]any{"subscription": f.subscriptions[orgID]})

	case strings.HasPrefix(path, "/v1/plans/"):
		planID := strings.TrimPrefix(path, "/v1/plans/")
		plan, ok := f.plans[planID]
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeFakeJSON(w, plan)

	case strings.HasPrefix(path, "/v1/users/") && strings.HasSuffix(path, "/balance"):
		userID := strings.TrimSuffix(strings.TrimPrefix(path, "/v1/users/"), "/balance")
		writeFakeJSON(w, map[string]int64{"balance": f.balances[userID]})

	default:
		http.NotFound(w, r)
	}
}

func writeFakeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
