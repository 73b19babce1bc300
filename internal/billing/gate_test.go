package billing_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	gateway "github.com/hanzoai/bot/internal"
	"github.com/hanzoai/bot/internal/billing"
	"github.com/hanzoai/bot/internal/testutil"
)

func newGate(t *testing.T, commerce *testutil.FakeCommerce) *billing.Gate {
	t.Helper()
	client, err := billing.NewClient(commerce.URL(), billing.Credentials{ServiceToken: "svc"}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return billing.NewGate(client)
}

func TestGateAllowsPersonalMode(t *testing.T) {
	commerce := testutil.NewFakeCommerce()
	defer commerce.Close()
	g := newGate(t, commerce)

	if err := g.Check(context.Background(), nil, ""); err != nil {
		t.Errorf("nil tenant: got %v, want allow", err)
	}
	if err := billing.NewGate(nil).Check(context.Background(), &gateway.Tenant{OrgID: "org"}, ""); err != nil {
		t.Errorf("nil commerce: got %v, want allow", err)
	}
}

func TestGateAllowsPositiveBalance(t *testing.T) {
	commerce := testutil.NewFakeCommerce()
	defer commerce.Close()
	commerce.SetBalance("user-1", 250)
	g := newGate(t, commerce)

	tn := &gateway.Tenant{OrgID: "org-1", UserID: "user-1"}
	if err := g.Check(context.Background(), tn, ""); err != nil {
		t.Errorf("positive balance: got %v, want allow", err)
	}
}

func TestGateAllowsActiveSubscription(t *testing.T) {
	commerce := testutil.NewFakeCommerce()
	defer commerce.Close()
	commerce.SetSubscription("org-1", &billing.Subscription{ID: "sub-1", Status: "active"})
	g := newGate(t, commerce)

	tn := &gateway.Tenant{OrgID: "org-1", UserID: "user-1"}
	if err := g.Check(context.Background(), tn, ""); err != nil {
		t.Errorf("active subscription: got %v, want allow", err)
	}
}

func TestGateDeniesInsufficientFunds(t *testing.T) {
	commerce := testutil.NewFakeCommerce()
	defer commerce.Close()
	g := newGate(t, commerce)

	tn := &gateway.Tenant{OrgID: "org-1", UserID: "user-1"}
	err := g.Check(context.Background(), tn, "")
	if err == nil {
		t.Fatal("zero balance, no subscription: got allow, want deny")
	}
	var be *gateway.BillingError
	if !errors.As(err, &be) {
		t.Fatalf("got %T, want *gateway.BillingError", err)
	}
	want := "Insufficient funds — add credits to continue. Balance: $0.00"
	if be.Reason != want {
		t.Errorf("reason = %q, want %q", be.Reason, want)
	}
	if !errors.Is(err, gateway.ErrPaymentRequired) {
		t.Error("denial must unwrap to ErrPaymentRequired")
	}
}

func TestGateFailsClosedOnCommerceOutage(t *testing.T) {
	commerce := testutil.NewFakeCommerce()
	defer commerce.Close()
	commerce.FailAll(true)
	g := newGate(t, commerce)

	tn := &gateway.Tenant{OrgID: "org-1", UserID: "user-1"}
	err := g.Check(context.Background(), tn, "")
	if err == nil {
		t.Fatal("commerce outage: got allow, want fail-closed denial")
	}
	if !strings.Contains(err.Error(), "Billing service unavailable — please try again") {
		t.Errorf("unexpected denial message: %q", err.Error())
	}
}
