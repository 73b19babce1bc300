package identity

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	gateway "github.com/hanzoai/bot/internal"
)

// Result is the outcome of token validation. On failure, Reason is one of the
// stable reason strings from the gateway package.
type Result struct {
	OK       bool
	Reason   string
	Identity *gateway.Identity
}

func failure(reason string) Result { return Result{Reason: reason} }

// Validator verifies identity-provider JWTs: signature against the discovered
// JWKS, issuer, audience, and expiry. A kid miss triggers a one-shot JWKS
// refresh to pick up key rotation.
type Validator struct {
	issuer   string
	audience string
	disc     *discoverer
	http     *http.Client

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

const jwksTTL = 15 * time.Minute

// NewValidator creates a Validator for tokens issued by issuer for audience.
func NewValidator(issuer, audience string, client *http.Client) *Validator {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Validator{
		issuer:   strings.TrimRight(issuer, "/"),
		audience: audience,
		disc:     newDiscoverer(issuer, client),
		http:     client,
	}
}

// Validate checks raw and projects its claims into a resolved identity.
func (v *Validator) Validate(ctx context.Context, raw string) Result {
	if raw == "" || strings.Count(raw, ".") != 2 {
		return failure(gateway.ReasonMalformed)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithExpirationRequired(),
	)

	claims := jwt.MapClaims{}
	token, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return v.keyForKid(ctx, kid)
	})
	if err != nil {
		return failure(classifyError(err))
	}
	if !token.Valid {
		return failure(gateway.ReasonInvalidToken)
	}

	if iss, _ := claims.GetIssuer(); strings.TrimRight(iss, "/") != v.issuer {
		return failure(gateway.ReasonIssuerMismatch)
	}
	if v.audience != "" && !audienceMatches(claims, v.audience) {
		return failure(gateway.ReasonAudienceMismatch)
	}

	return Result{OK: true, Identity: projectClaims(claims)}
}

var errKidUnknown = errors.New("identity: unknown kid")

// keyForKid returns the public key for kid, refreshing the JWKS once on miss.
func (v *Validator) keyForKid(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.keys == nil || time.Since(v.fetchedAt) >= jwksTTL {
		if err := v.refreshLocked(ctx); err != nil {
			return nil, err
		}
	}
	if key, ok := v.keys[kid]; ok {
		return key, nil
	}
	// Rotation: the kid is not in the cached set; refetch once.
	if err := v.refreshLocked(ctx); err != nil {
		return nil, err
	}
	if key, ok := v.keys[kid]; ok {
		return key, nil
	}
	return nil, errKidUnknown
}

var errJWKSUnavailable = errors.New("identity: jwks unavailable")

func (v *Validator) refreshLocked(ctx context.Context) error {
	doc, err := v.disc.get(ctx)
	if err != nil {
		return errJWKSUnavailable
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, doc.JWKSURI, nil)
	if err != nil {
		return errJWKSUnavailable
	}
	resp, err := v.http.Do(req)
	if err != nil {
		return errJWKSUnavailable
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil || resp.StatusCode != http.StatusOK {
		return errJWKSUnavailable
	}

	var set struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			Use string `json:"use"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.Unmarshal(body, &set); err != nil {
		return errJWKSUnavailable
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := rsaKeyFromJWK(k.N, k.E)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return errJWKSUnavailable
	}
	v.keys = keys
	v.fetchedAt = time.Now()
	return nil
}

func rsaKeyFromJWK(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("identity: jwk modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("identity: jwk exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(new(big.Int).SetBytes(eb).Int64()),
	}, nil
}

func classifyError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return gateway.ReasonExpired
	case errors.Is(err, jwt.ErrTokenMalformed):
		return gateway.ReasonMalformed
	case errors.Is(err, errJWKSUnavailable):
		return gateway.ReasonJWKSUnavailable
	case errors.Is(err, errKidUnknown),
		errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return gateway.ReasonInvalidToken
	default:
		return gateway.ReasonInvalidToken
	}
}

func audienceMatches(claims jwt.MapClaims, want string) bool {
	auds, err := claims.GetAudience()
	if err != nil {
		return false
	}
	for _, a := range auds {
		if a == want {
			return true
		}
	}
	return false
}

// projectClaims maps raw JWT claims onto the resolved identity. Org ids come
// from the group claims plus the owner; roles from the roles claim.
func projectClaims(claims jwt.MapClaims) *gateway.Identity {
	id := &gateway.Identity{Raw: map[string]any(claims)}

	if sub, _ := claims.GetSubject(); sub != "" {
		id.UserID = sub
	}
	id.Email, _ = claims["email"].(string)
	id.Name, _ = claims["name"].(string)
	id.Owner, _ = claims["owner"].(string)
	id.CurrentOrgID, _ = claims["currentOrgId"].(string)

	seen := map[string]struct{}{}
	addOrg := func(o string) {
		if o == "" {
			return
		}
		if _, dup := seen[o]; dup {
			return
		}
		seen[o] = struct{}{}
		id.OrgIDs = append(id.OrgIDs, o)
	}
	for _, claim := range []string{"groups", "orgs"} {
		for _, g := range stringSlice(claims[claim]) {
			addOrg(g)
		}
	}
	addOrg(id.Owner)

	id.Roles = stringSlice(claims["roles"])
	return id
}

func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if vv == "" {
			return nil
		}
		return []string{vv}
	default:
		return nil
	}
}
