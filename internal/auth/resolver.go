// Package auth binds the configured auth mode to concrete resolved secrets
// and makes per-connection authorization decisions across all modes.
package auth

import (
	"context"
	"fmt"

	gateway "github.com/hanzoai/bot/internal"
)

// SecretResolver dereferences kms:// references into cleartext.
type SecretResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Config is the auth section of the gateway configuration, before secret
// resolution. Token and Password may be kms:// references.
type Config struct {
	Mode              gateway.AuthMode
	Token             string
	Password          string
	AllowMeshIdentity bool
}

// Resolved is the auth configuration with every secret dereferenced exactly
// once at startup. It is the sole source consulted at request time; the
// original reference strings never reach the authorizer.
type Resolved struct {
	Mode              gateway.AuthMode
	Token             string
	Password          string
	AllowMeshIdentity bool
}

// Resolve dereferences each configured secret through secrets and returns
// the resolved record. Resolution failures abort startup.
func Resolve(ctx context.Context, cfg Config, secrets SecretResolver) (*Resolved, error) {
	r := &Resolved{
		Mode:              cfg.Mode,
		AllowMeshIdentity: cfg.AllowMeshIdentity || cfg.Mode == gateway.AuthModeMesh,
	}

	var err error
	if cfg.Token != "" {
		if r.Token, err = secrets.Resolve(ctx, cfg.Token); err != nil {
			return nil, fmt.Errorf("auth: resolve token: %w", err)
		}
	}
	if cfg.Password != "" {
		if r.Password, err = secrets.Resolve(ctx, cfg.Password); err != nil {
			return nil, fmt.Errorf("auth: resolve password: %w", err)
		}
	}
	return r, nil
}
