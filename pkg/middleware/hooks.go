package middleware

import (
	"net/http"
	"strings"

	"bearergate/pkg/identity"
	"bearergate/pkg/trust"
)

// QueryTokenParam is the query parameter carrying the token on side-channel paths.
const QueryTokenParam = "access_token"

// MessageReceivedContext is passed to hooks before the credential is validated.
// A non-empty Token is validated instead of the Authorization header.
type MessageReceivedContext struct {
	Request *http.Request
	Token   string
}

// MessageReceivedFunc runs on every request before validation.
type MessageReceivedFunc func(MessageReceivedContext) MessageReceivedContext

// TokenValidatedContext is passed to hooks after a token passed validation.
type TokenValidatedContext struct {
	Request  *http.Request
	Token    identity.VerifiedToken
	Identity *identity.Identity
}

// TokenValidatedFunc runs at most once per successfully validated token.
type TokenValidatedFunc func(TokenValidatedContext) TokenValidatedContext

// QueryTokenExtractor copies the access_token query parameter into the
// credential slot for requests under one of prefixes. Connections such as
// websockets cannot send headers after the handshake, so the query string
// is their only channel. With no prefixes it does nothing.
func QueryTokenExtractor(prefixes []string) MessageReceivedFunc {
	if len(prefixes) == 0 {
		return func(c MessageReceivedContext) MessageReceivedContext { return c }
	}
	prefixes = append([]string(nil), prefixes...)
	return func(c MessageReceivedContext) MessageReceivedContext {
		if c.Request == nil || c.Request.URL == nil {
			return c
		}
		tok := c.Request.URL.Query().Get(QueryTokenParam)
		if tok == "" {
			return c
		}
		for _, p := range prefixes {
			if hasPathPrefix(c.Request.URL.Path, p) {
				c.Token = tok
				break
			}
		}
		return c
	}
}

// hasPathPrefix matches whole segments: "/hub" matches "/hub" and
// "/hub/chat" but not "/hubs". A bare "/" matches only the root path and
// an empty prefix matches nothing.
func hasPathPrefix(path, prefix string) bool {
	if prefix == "/" {
		return path == "/"
	}
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" || !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

// EnrichClaims appends the raw token, the tenant and the provider tag to the
// identity. Existing claims are left untouched; a context without token or
// identity is passed through.
func EnrichClaims(cfg *trust.Configuration) TokenValidatedFunc {
	tenant := cfg.TenantID()
	provider := string(cfg.Provider())
	return func(c TokenValidatedContext) TokenValidatedContext {
		if c.Identity == nil || c.Token.Token == nil || c.Token.Raw == "" {
			return c
		}
		c.Identity.AddClaim(identity.Claim{Type: identity.ClaimAccessToken, Value: c.Token.Raw})
		c.Identity.AddClaim(identity.Claim{Type: identity.ClaimTenant, Value: tenant})
		c.Identity.AddClaim(identity.Claim{Type: identity.ClaimProvider, Value: provider})
		return c
	}
}
