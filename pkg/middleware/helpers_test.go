package middleware

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"

	"bearergate/pkg/identity"
	"bearergate/pkg/trust"
)

const (
	testTenant   = "contoso"
	testResource = "api://bearergate"
	testSecret   = "0123456789abcdef0123456789abcdef"
	testGroups   = "grp"
)

// azureHS256 returns an Azure AD configuration validating HS256 tokens with testSecret.
func azureHS256(t *testing.T, paths string) *trust.Configuration {
	t.Helper()
	cfg, err := trust.NewAzureAD(trust.AzureADOptions{
		TenantID:             testTenant,
		Resource:             testResource,
		IssuerSigningKey:     testSecret,
		AdminGroupID:         "G-ADMIN",
		UserGroupID:          "G-USER",
		GroupClaimType:       testGroups,
		ContextTokenAddPaths: paths,
	})
	require.NoError(t, err)
	return cfg
}

type tokenOpts struct {
	issuer   string
	audience string
	expires  time.Time
	claims   map[string]any
}

func hsToken(t *testing.T, cfg *trust.Configuration, mutate ...func(*tokenOpts)) string {
	t.Helper()
	o := tokenOpts{issuer: cfg.IssuerURL(), audience: cfg.Audience(), expires: time.Now().Add(time.Hour)}
	for _, m := range mutate {
		m(&o)
	}
	tok := buildToken(t, o)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte(testSecret)))
	require.NoError(t, err)
	return string(signed)
}

func buildToken(t *testing.T, o tokenOpts) jwt.Token {
	t.Helper()
	tok, err := jwt.NewBuilder().
		Issuer(o.issuer).
		Audience([]string{o.audience}).
		Subject("user-1").
		IssuedAt(time.Now().Add(-time.Minute)).
		Expiration(o.expires).
		Build()
	require.NoError(t, err)
	for k, v := range o.claims {
		require.NoError(t, tok.Set(k, v))
	}
	return tok
}

func withClaims(claims map[string]any) func(*tokenOpts) {
	return func(o *tokenOpts) { o.claims = claims }
}

// rsaKeys returns a private signing key and the public set verifying it.
func rsaKeys(t *testing.T) (jwk.Key, jwk.Set) {
	t.Helper()
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	priv, err := jwk.FromRaw(raw)
	require.NoError(t, err)
	require.NoError(t, priv.Set(jwk.KeyIDKey, "k1"))
	require.NoError(t, priv.Set(jwk.AlgorithmKey, jwa.RS256))
	pub, err := jwk.PublicKeyOf(priv)
	require.NoError(t, err)
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))
	return priv, set
}

func rsToken(t *testing.T, key jwk.Key, o tokenOpts) string {
	t.Helper()
	if o.expires.IsZero() {
		o.expires = time.Now().Add(time.Hour)
	}
	signed, err := jwt.Sign(buildToken(t, o), jwt.WithKey(jwa.RS256, key))
	require.NoError(t, err)
	return string(signed)
}

func bearer(r *http.Request, tok string) *http.Request {
	r.Header.Set("Authorization", "Bearer "+tok)
	return r
}

// captureIdentity records the identity seen by the handler.
func captureIdentity(got **identity.Identity) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got = identity.From(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
}

// recordingSink collects emitted records together with the sink context.
type recordingSink struct {
	mu      sync.Mutex
	records []Record
	ctxs    []context.Context
}

func (s *recordingSink) Emit(ctx context.Context, rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	s.ctxs = append(s.ctxs, ctx)
}

func (s *recordingSink) only(t *testing.T) Record {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.records, 1)
	return s.records[0]
}

func signHS(tok jwt.Token, key []byte) (string, error) {
	b, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, key))
	return string(b), err
}
