// Package tenant maps a validated identity plus optional connect parameters
// to an (org, project, user) context and enforces org membership.
package tenant

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	gateway "github.com/hanzoai/bot/internal"
)

// Params are the tenant-relevant connect parameters a client may supply.
type Params struct {
	OrgID     string
	ProjectID string
	Env       string
}

// Resolve builds a Tenant from identity and params. Org priority: explicit
// param, then the identity's current org claim, then its first org. Returns
// nil when no org is available (personal mode).
func Resolve(id *gateway.Identity, p Params) *gateway.Tenant {
	if id == nil {
		return nil
	}
	orgID := p.OrgID
	if orgID == "" {
		orgID = id.CurrentOrgID
	}
	if orgID == "" && len(id.OrgIDs) > 0 {
		orgID = id.OrgIDs[0]
	}
	if orgID == "" {
		return nil
	}
	return &gateway.Tenant{
		OrgID:     orgID,
		ProjectID: p.ProjectID,
		UserID:    id.UserID,
		UserName:  id.Name,
		Env:       p.Env,
	}
}

// ValidateAccess rejects tenants whose org the identity is not a member of.
func ValidateAccess(id *gateway.Identity, t *gateway.Tenant) error {
	if t == nil {
		return nil
	}
	if id == nil || !id.MemberOf(t.OrgID) {
		return &gateway.AuthError{Reason: gateway.ReasonTenantNotMember}
	}
	return nil
}

var slugOK = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Slug makes a string safe for use as a path component. Values already
// matching the slug grammar pass through; everything else is percent-escaped
// with "_" standing in for "%". Idempotent.
func Slug(s string) string {
	if slugOK.MatchString(s) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '.', c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "_%02X", c)
		}
	}
	out := b.String()
	if out == "" || !isAlnum(out[0]) {
		out = "t" + out
	}
	if len(out) > 128 {
		out = out[:128]
	}
	return out
}

func isAlnum(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// StatePath returns the on-disk state directory scoped to t. Personal mode
// (nil tenant) lives directly under base.
func StatePath(base string, t *gateway.Tenant) string {
	if t == nil {
		return base
	}
	parts := []string{base, "tenants", Slug(t.OrgID)}
	if t.ProjectID != "" {
		parts = append(parts, Slug(t.ProjectID))
	}
	return filepath.Join(parts...)
}
