// pkg/middleware/auth.go
package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"go.uber.org/zap"

	"bearergate/pkg/identity"
	"bearergate/pkg/policy"
	"bearergate/pkg/trust"
)

// SchemeBearer is the authentication type of identities built from bearer tokens.
const SchemeBearer = "Bearer"

var (
	// ErrInvalidToken wraps every token rejection.
	ErrInvalidToken = errors.New("invalid token")
	// ErrIssuerNotConfigured rejects tokens when no issuer is configured.
	ErrIssuerNotConfigured = fmt.Errorf("%w: issuer not configured", ErrInvalidToken)
	// ErrAudienceNotConfigured rejects tokens when no audience is configured.
	ErrAudienceNotConfigured = fmt.Errorf("%w: audience not configured", ErrInvalidToken)
)

// jwksCache caches JWKS sets per URL.
type jwksCache struct {
	mu     sync.RWMutex
	sets   map[string]cachedJWKS
	client *http.Client
}

type cachedJWKS struct {
	set     jwk.Set
	expires time.Time
}

func (c *jwksCache) get(ctx context.Context, url string, ttl time.Duration) (jwk.Set, error) {
	c.mu.RLock()
	if e, ok := c.sets[url]; ok && time.Now().Before(e.expires) {
		c.mu.RUnlock()
		return e.set, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sets == nil {
		c.sets = map[string]cachedJWKS{}
	}
	if e, ok := c.sets[url]; ok && time.Now().Before(e.expires) {
		return e.set, nil
	}
	var opts []jwk.FetchOption
	if c.client != nil {
		opts = append(opts, jwk.WithHTTPClient(c.client))
	}
	set, err := jwk.Fetch(ctx, url, opts...)
	if err != nil {
		return nil, err
	}
	c.sets[url] = cachedJWKS{set: set, expires: time.Now().Add(ttl)}
	return set, nil
}

type authSettings struct {
	log         *zap.SugaredLogger
	metrics     *Metrics
	keySet      jwk.Set
	jwksURL     string
	jwksTTL     time.Duration
	httpClient  *http.Client
	skew        time.Duration
	extend      func(*policy.Builder) error
	onMessage   []MessageReceivedFunc
	onValidated []TokenValidatedFunc
}

// AuthOption configures NewAuthenticator.
type AuthOption func(*authSettings)

// WithAuthLogger sets the logger for validation failures.
func WithAuthLogger(log *zap.SugaredLogger) AuthOption {
	return func(s *authSettings) { s.log = log }
}

// WithAuthMetrics counts authentication outcomes.
func WithAuthMetrics(m *Metrics) AuthOption {
	return func(s *authSettings) { s.metrics = m }
}

// WithKeySet verifies asymmetric signatures against a fixed key set instead of the provider JWKS.
func WithKeySet(set jwk.Set) AuthOption {
	return func(s *authSettings) { s.keySet = set }
}

// WithJWKSURL overrides the JWKS location derived from the provider.
func WithJWKSURL(url string) AuthOption {
	return func(s *authSettings) { s.jwksURL = url }
}

// WithJWKSCacheTTL sets how long a fetched JWKS is reused. Default 6h.
func WithJWKSCacheTTL(ttl time.Duration) AuthOption {
	return func(s *authSettings) { s.jwksTTL = ttl }
}

// WithJWKSHTTPClient sets the client used to fetch the JWKS.
func WithJWKSHTTPClient(c *http.Client) AuthOption {
	return func(s *authSettings) { s.httpClient = c }
}

// WithClockSkew sets the tolerance for exp/nbf/iat checks.
func WithClockSkew(d time.Duration) AuthOption {
	return func(s *authSettings) { s.skew = d }
}

// WithPolicies registers policies after the built-in ones.
func WithPolicies(extend func(*policy.Builder) error) AuthOption {
	return func(s *authSettings) { s.extend = extend }
}

// WithMessageReceivedHook runs fn after the built-in extractor, before validation.
func WithMessageReceivedHook(fn MessageReceivedFunc) AuthOption {
	return func(s *authSettings) { s.onMessage = append(s.onMessage, fn) }
}

// WithTokenValidatedHook runs fn after claims enrichment.
func WithTokenValidatedHook(fn TokenValidatedFunc) AuthOption {
	return func(s *authSettings) { s.onValidated = append(s.onValidated, fn) }
}

// Authenticator validates bearer tokens for one trust configuration and
// holds the policy set derived from it. It is read-only after construction.
type Authenticator struct {
	cfg         *trust.Configuration
	params      trust.ValidationParameters
	policies    *policy.Set
	log         *zap.SugaredLogger
	metrics     *Metrics
	keySet      jwk.Set
	jwksURL     string
	jwksTTL     time.Duration
	cache       *jwksCache
	skew        time.Duration
	onMessage   []MessageReceivedFunc
	onValidated []TokenValidatedFunc
}

// NewAuthenticator derives the validation parameters from cfg, installs the
// side-channel extractor and claims enricher hooks and registers policies.
func NewAuthenticator(cfg *trust.Configuration, opts ...AuthOption) (*Authenticator, error) {
	if cfg == nil {
		return nil, errors.New("auth: trust configuration is required")
	}
	s := authSettings{jwksTTL: 6 * time.Hour, skew: time.Minute}
	for _, o := range opts {
		o(&s)
	}
	policies, err := policy.Register(cfg, s.extend)
	if err != nil {
		return nil, err
	}
	a := &Authenticator{
		cfg:      cfg,
		params:   cfg.ValidationParameters(),
		policies: policies,
		log:      s.log,
		metrics:  s.metrics,
		keySet:   s.keySet,
		jwksURL:  s.jwksURL,
		jwksTTL:  s.jwksTTL,
		cache:    &jwksCache{client: s.httpClient},
		skew:     s.skew,
	}
	if a.log == nil {
		a.log = zap.NewNop().Sugar()
	}
	if a.jwksURL == "" {
		a.jwksURL = cfg.JWKSURL()
	}
	a.onMessage = append([]MessageReceivedFunc{QueryTokenExtractor(cfg.SideChannelPathPrefixes())}, s.onMessage...)
	a.onValidated = append([]TokenValidatedFunc{EnrichClaims(cfg)}, s.onValidated...)
	return a, nil
}

// Parameters returns the validation parameters in effect.
func (a *Authenticator) Parameters() trust.ValidationParameters { return a.params }

// Policies returns the registered policy set.
func (a *Authenticator) Policies() *policy.Set { return a.policies }

// Validate checks lifetime, issuer, audience and signature of raw.
func (a *Authenticator) Validate(ctx context.Context, raw string) (identity.VerifiedToken, error) {
	p := a.params
	if p.ValidateIssuer && p.ValidIssuer == "" {
		return identity.VerifiedToken{}, ErrIssuerNotConfigured
	}
	if p.ValidateAudience && p.ValidAudience == "" {
		return identity.VerifiedToken{}, ErrAudienceNotConfigured
	}

	parseOpts := []jwt.ParseOption{jwt.WithVerify(true), jwt.WithValidate(p.ValidateLifetime), jwt.WithAcceptableSkew(a.skew)}
	if p.ValidateIssuer {
		parseOpts = append(parseOpts, jwt.WithIssuer(p.ValidIssuer))
	}
	if p.ValidateAudience {
		parseOpts = append(parseOpts, jwt.WithAudience(p.ValidAudience))
	}
	if p.ValidateSigningKey {
		parseOpts = append(parseOpts, jwt.WithKey(jwa.HS256, p.SigningKey))
	} else {
		set := a.keySet
		if set == nil {
			var err error
			set, err = a.cache.get(ctx, a.jwksURL, a.jwksTTL)
			if err != nil {
				return identity.VerifiedToken{}, fmt.Errorf("jwks fetch: %w", err)
			}
		}
		parseOpts = append(parseOpts, jwt.WithKeySet(set, jws.WithInferAlgorithmFromKey(true)))
	}

	jt, err := jwt.Parse([]byte(raw), parseOpts...)
	if err != nil {
		return identity.VerifiedToken{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return identity.VerifiedToken{Raw: raw, Token: jt}, nil
}

// Middleware resolves the credential, validates it and attaches the enriched
// identity to the request context. It never rejects: requests without a
// usable credential continue anonymously and RequireAuthenticated or
// RequirePolicy decide. A failed credential is kept for the challenge.
func (a *Authenticator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mc := MessageReceivedContext{Request: r}
			for _, h := range a.onMessage {
				mc = h(mc)
			}
			raw := mc.Token
			if raw == "" {
				raw = bearerToken(r)
			}
			if raw == "" {
				a.metrics.authOutcome("anonymous")
				next.ServeHTTP(w, r)
				return
			}

			vt, err := a.Validate(r.Context(), raw)
			if err != nil {
				a.metrics.authOutcome("rejected")
				a.log.Debugw("bearer token rejected", "path", r.URL.Path, "err", err)
				next.ServeHTTP(w, r.WithContext(withAuthFailure(r.Context(), err)))
				return
			}

			vc := TokenValidatedContext{
				Request:  r,
				Token:    vt,
				Identity: identity.FromToken(SchemeBearer, vt),
			}
			for _, h := range a.onValidated {
				vc = h(vc)
			}
			a.metrics.authOutcome("authenticated")
			next.ServeHTTP(w, r.WithContext(identity.Attach(r.Context(), vc.Identity)))
		})
	}
}

func bearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if len(authz) < len("Bearer ") || !strings.EqualFold(authz[:len("Bearer ")], "bearer ") {
		return ""
	}
	return strings.TrimSpace(authz[len("Bearer "):])
}

type authFailureKey struct{}

func withAuthFailure(ctx context.Context, err error) context.Context {
	return context.WithValue(ctx, authFailureKey{}, err)
}

// AuthFailureFrom returns why the request's credential was rejected, nil if
// it was accepted or absent.
func AuthFailureFrom(ctx context.Context) error {
	err, _ := ctx.Value(authFailureKey{}).(error)
	return err
}
