// Package identity holds the authenticated principal attached to a request.
package identity

import (
	"fmt"
	"sort"

	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Well-known claim types.
const (
	ClaimAccessToken = "access_token"
	ClaimTenant      = "tenant"
	ClaimProvider    = "provider"

	ClaimNameIdentifier   = "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/nameidentifier"
	ClaimObjectID         = "oid"
	ClaimObjectIdentifier = "http://schemas.microsoft.com/identity/claims/objectidentifier"
)

// Claim is a typed fact about the principal.
type Claim struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Identity is an authenticated principal. Claims keep insertion order;
// a type may occur more than once (one claim per group membership).
type Identity struct {
	authType string
	claims   []Claim
}

// New returns an identity authenticated by authType with the given claims.
func New(authType string, claims ...Claim) *Identity {
	id := &Identity{authType: authType}
	id.claims = append(id.claims, claims...)
	return id
}

// AuthenticationType names the scheme that authenticated the identity.
func (i *Identity) AuthenticationType() string {
	if i == nil {
		return ""
	}
	return i.authType
}

// IsAuthenticated reports whether the identity was produced by a scheme.
func (i *Identity) IsAuthenticated() bool {
	return i != nil && i.authType != ""
}

// AddClaim appends a claim.
func (i *Identity) AddClaim(c Claim) {
	i.claims = append(i.claims, c)
}

// Claims returns a copy of all claims.
func (i *Identity) Claims() []Claim {
	if i == nil {
		return nil
	}
	out := make([]Claim, len(i.claims))
	copy(out, i.claims)
	return out
}

// FindFirst returns the value of the first claim of type t.
func (i *Identity) FindFirst(t string) (string, bool) {
	if i == nil {
		return "", false
	}
	for _, c := range i.claims {
		if c.Type == t {
			return c.Value, true
		}
	}
	return "", false
}

// HasClaim reports whether a claim with the exact type and value exists.
func (i *Identity) HasClaim(t, v string) bool {
	if i == nil {
		return false
	}
	for _, c := range i.claims {
		if c.Type == t && c.Value == v {
			return true
		}
	}
	return false
}

// FirstNonEmpty returns the first non-empty value among the claim types, in order.
func (i *Identity) FirstNonEmpty(types ...string) string {
	for _, t := range types {
		if v, ok := i.FindFirst(t); ok && v != "" {
			return v
		}
	}
	return ""
}

// Document groups claim values by type: single values as string, repeated
// ones as []any. Used by expression and rego policies.
func (i *Identity) Document() map[string]any {
	doc := map[string]any{}
	if i == nil {
		return doc
	}
	for _, c := range i.claims {
		switch cur := doc[c.Type].(type) {
		case nil:
			doc[c.Type] = c.Value
		case string:
			doc[c.Type] = []any{cur, c.Value}
		case []any:
			doc[c.Type] = append(cur, c.Value)
		}
	}
	return doc
}

// VerifiedToken is a token whose signature, issuer, audience and lifetime
// have been checked.
type VerifiedToken struct {
	Raw   string
	Token jwt.Token
}

// FromToken flattens the token payload into claims. Array values yield one
// claim per element; other non-string values are formatted.
func FromToken(authType string, tok VerifiedToken) *Identity {
	id := New(authType)
	if tok.Token == nil {
		return id
	}
	m := tok.Token.PrivateClaims()
	std := map[string]any{}
	if v := tok.Token.Subject(); v != "" {
		std[jwt.SubjectKey] = v
	}
	if v := tok.Token.Issuer(); v != "" {
		std[jwt.IssuerKey] = v
	}
	if aud := tok.Token.Audience(); len(aud) > 0 {
		std[jwt.AudienceKey] = aud
	}
	if v := tok.Token.JwtID(); v != "" {
		std[jwt.JwtIDKey] = v
	}
	if v := tok.Token.Expiration(); !v.IsZero() {
		std[jwt.ExpirationKey] = v.Unix()
	}
	if v := tok.Token.IssuedAt(); !v.IsZero() {
		std[jwt.IssuedAtKey] = v.Unix()
	}
	if v := tok.Token.NotBefore(); !v.IsZero() {
		std[jwt.NotBeforeKey] = v.Unix()
	}
	appendSorted(id, std)
	appendSorted(id, m)
	return id
}

func appendSorted(id *Identity, m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range claimValues(m[k]) {
			id.AddClaim(Claim{Type: k, Value: v})
		}
	}
}

func claimValues(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, claimValues(e)...)
		}
		return out
	case float64:
		return []string{fmt.Sprintf("%v", int64OrFloat(t))}
	default:
		return []string{fmt.Sprint(t)}
	}
}

func int64OrFloat(f float64) any {
	if f == float64(int64(f)) {
		return int64(f)
	}
	return f
}
