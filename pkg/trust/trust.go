// Package trust describes the identity providers whose bearer tokens a
// service accepts and derives the validation parameters for them.
package trust

import (
	"errors"
	"fmt"
	"strings"
)

// Provider tags the identity-provider variant that issued a token.
type Provider string

const (
	ProviderAuth0   Provider = "auth0"
	ProviderAzureAD Provider = "aad"
)

// DefaultGroupClaimType is the claim carrying group memberships when none is configured.
const DefaultGroupClaimType = "http://softwarepioniere.de/groups"

// PlaceholderSecret is the literal used in config templates for "no signing secret".
const PlaceholderSecret = "XXX"

// ErrMissingTenant is returned when a provider is configured without a tenant.
var ErrMissingTenant = errors.New("trust: tenant id is required")

// Configuration is the immutable trust record for one identity provider.
// Build it with NewAuth0 or NewAzureAD; the zero value trusts nothing.
type Configuration struct {
	provider       Provider
	tenantID       string
	issuerURL      string
	authority      string
	audience       string
	jwksURL        string
	signingSecret  []byte
	adminGroupID   string
	userGroupID    string
	groupClaimType string
	pathPrefixes   []string
}

// Auth0Options are the recognized settings of an Auth0 tenant.
// TenantID is the Auth0 domain (e.g. "example.eu.auth0.com").
type Auth0Options struct {
	TenantID             string `yaml:"tenantId"`
	Audience             string `yaml:"audience"`
	AdminGroupID         string `yaml:"adminGroupId"`
	UserGroupID          string `yaml:"userGroupId"`
	GroupClaimType       string `yaml:"groupClaimType"`
	ContextTokenAddPaths string `yaml:"contextTokenAddPaths"` // semicolon separated
	JWKSURL              string `yaml:"jwksUrl"`
}

// AzureADOptions are the recognized settings of an Azure AD tenant.
type AzureADOptions struct {
	TenantID             string `yaml:"tenantId"`
	Resource             string `yaml:"resource"`
	IssuerSigningKey     string `yaml:"issuerSigningKey"`
	AdminGroupID         string `yaml:"adminGroupId"`
	UserGroupID          string `yaml:"userGroupId"`
	GroupClaimType       string `yaml:"groupClaimType"`
	ContextTokenAddPaths string `yaml:"contextTokenAddPaths"` // semicolon separated
	JWKSURL              string `yaml:"jwksUrl"`
}

// NewAuth0 builds the trust record for an Auth0 tenant. Issuer and authority
// are both derived from the domain.
func NewAuth0(o Auth0Options) (*Configuration, error) {
	tenant := strings.TrimSpace(o.TenantID)
	if tenant == "" {
		return nil, fmt.Errorf("auth0: %w", ErrMissingTenant)
	}
	domain := fmt.Sprintf("https://%s/", tenant)
	c := &Configuration{
		provider:       ProviderAuth0,
		tenantID:       tenant,
		issuerURL:      domain,
		authority:      domain,
		audience:       o.Audience,
		jwksURL:        o.JWKSURL,
		adminGroupID:   strings.TrimSpace(o.AdminGroupID),
		userGroupID:    strings.TrimSpace(o.UserGroupID),
		groupClaimType: groupClaimType(o.GroupClaimType),
		pathPrefixes:   ParsePathPrefixes(o.ContextTokenAddPaths),
	}
	if c.jwksURL == "" {
		c.jwksURL = domain + ".well-known/jwks.json"
	}
	return c, nil
}

// NewAzureAD builds the trust record for an Azure AD tenant. Tokens are
// issued by the STS endpoint while keys are published under the login authority.
func NewAzureAD(o AzureADOptions) (*Configuration, error) {
	tenant := strings.TrimSpace(o.TenantID)
	if tenant == "" {
		return nil, fmt.Errorf("azuread: %w", ErrMissingTenant)
	}
	authority := fmt.Sprintf("https://login.microsoftonline.com/%s/", tenant)
	c := &Configuration{
		provider:       ProviderAzureAD,
		tenantID:       tenant,
		issuerURL:      fmt.Sprintf("https://sts.windows.net/%s/", tenant),
		authority:      authority,
		audience:       o.Resource,
		jwksURL:        o.JWKSURL,
		signingSecret:  signingSecret(o.IssuerSigningKey),
		adminGroupID:   strings.TrimSpace(o.AdminGroupID),
		userGroupID:    strings.TrimSpace(o.UserGroupID),
		groupClaimType: groupClaimType(o.GroupClaimType),
		pathPrefixes:   ParsePathPrefixes(o.ContextTokenAddPaths),
	}
	if c.jwksURL == "" {
		c.jwksURL = authority + "discovery/keys"
	}
	return c, nil
}

func (c *Configuration) Provider() Provider { return c.provider }
func (c *Configuration) TenantID() string { return c.tenantID }
func (c *Configuration) IssuerURL() string { return c.issuerURL }
func (c *Configuration) Authority() string { return c.authority }
func (c *Configuration) Audience() string { return c.audience }
func (c *Configuration) JWKSURL() string { return c.jwksURL }
func (c *Configuration) AdminGroupID() string { return c.adminGroupID }
func (c *Configuration) UserGroupID() string { return c.userGroupID }
func (c *Configuration) GroupClaimType() string { return c.groupClaimType }
func (c *Configuration) HasSigningSecret() bool { return len(c.signingSecret) > 0 }

// SigningSecret returns a copy of the symmetric signing secret, nil if none.
func (c *Configuration) SigningSecret() []byte {
	return cloneBytes(c.signingSecret)
}

// SideChannelPathPrefixes returns the paths whose requests may carry the
// token in the query string, in configured order.
func (c *Configuration) SideChannelPathPrefixes() []string {
	if len(c.pathPrefixes) == 0 {
		return nil
	}
	out := make([]string, len(c.pathPrefixes))
	copy(out, c.pathPrefixes)
	return out
}

// ValidationParameters is the read-only set of checks applied to every token.
type ValidationParameters struct {
	ValidateLifetime   bool
	ValidateIssuer     bool
	ValidIssuer        string
	ValidateAudience   bool
	ValidAudience      string
	ValidateSigningKey bool
	SigningKey         []byte
}

// ValidationParameters derives the token checks. Issuer and audience are
// always required, even when empty: an empty value fails every token.
func (c *Configuration) ValidationParameters() ValidationParameters {
	p := ValidationParameters{
		ValidateLifetime: true,
		ValidateIssuer:   true,
		ValidIssuer:      c.issuerURL,
		ValidateAudience: true,
		ValidAudience:    c.audience,
	}
	if len(c.signingSecret) > 0 {
		p.ValidateSigningKey = true
		p.SigningKey = cloneBytes(c.signingSecret)
	}
	return p
}

// ParsePathPrefixes splits a semicolon separated list, dropping blank entries.
func ParsePathPrefixes(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ";") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func signingSecret(s string) []byte {
	if s == "" || strings.EqualFold(s, PlaceholderSecret) {
		return nil
	}
	return []byte(s)
}

func groupClaimType(s string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return DefaultGroupClaimType
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
