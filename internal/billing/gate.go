package billing

import (
	"context"
	"fmt"
	"log/slog"

	gateway "github.com/hanzoai/bot/internal"
)

// unavailableMessage is the fail-closed denial when commerce cannot be reached.
const unavailableMessage = "Billing service unavailable — please try again"

// CommerceReader is the lookup surface the gate needs from the Client.
type CommerceReader interface {
	GetSubscriptionStatus(ctx context.Context, orgID, token string) (*SubscriptionStatus, error)
	GetBalance(ctx context.Context, userID, token string) (int64, error)
}

// Gate makes per-request admission decisions. Personal-mode requests (no
// tenant, or no commerce configured) always pass. Otherwise a positive
// prepaid balance admits; failing that, an active subscription admits.
// Commerce transport failures deny: balance is the primary gate, so the
// gate fails closed.
type Gate struct {
	commerce CommerceReader
}

// NewGate creates a Gate over the given commerce reader. A nil reader
// produces a gate that always allows (commerce not configured).
func NewGate(commerce CommerceReader) *Gate {
	return &Gate{commerce: commerce}
}

// Check returns nil to admit, or a *gateway.BillingError to deny.
func (g *Gate) Check(ctx context.Context, t *gateway.Tenant, token string) error {
	if g.commerce == nil || t == nil {
		return nil
	}

	balance, err := g.commerce.GetBalance(ctx, t.UserID, token)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "billing gate: balance lookup failed",
			slog.String("org", t.OrgID),
			slog.String("error", err.Error()),
		)
		return &gateway.BillingError{Reason: unavailableMessage}
	}
	if balance > 0 {
		return nil
	}

	status, err := g.commerce.GetSubscriptionStatus(ctx, t.OrgID, token)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "billing gate: subscription lookup failed",
			slog.String("org", t.OrgID),
			slog.String("error", err.Error()),
		)
		return &gateway.BillingError{Reason: unavailableMessage}
	}
	if status.Active {
		return nil
	}

	return &gateway.BillingError{
		Reason: fmt.Sprintf(
			"Insufficient funds — add credits to continue. Balance: $%.2f",
			float64(balance)/100),
	}
}
