// pkg/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"bearergate/pkg/trust"
)

type Config struct {
	Env         string   `yaml:"env"`
	HTTPAddr    string   `yaml:"httpAddr"`
	CORSOrigins []string `yaml:"corsOrigins"`

	// Identity provider ("auth0" or "aad")
	Provider     string               `yaml:"provider"`
	Auth0        trust.Auth0Options   `yaml:"auth0"`
	AzureAD      trust.AzureADOptions `yaml:"azureAd"`
	JWKSURL      string               `yaml:"jwksUrl"`
	JWKSCacheTTL time.Duration        `yaml:"jwksCacheTtl"`

	// Request log
	RedisURL      string   `yaml:"redisUrl"`
	LogStream     string   `yaml:"logStream"`
	RedactHeaders []string `yaml:"redactHeaders"`

	OTLPEndpoint string `yaml:"otlpEndpoint"`
}

// Load reads .env, then the YAML file named by BEARERGATE_CONFIG, then the
// environment. Later sources win.
func Load() (Config, error) {
	_ = godotenv.Load()
	cfg := Config{
		Env:           "dev",
		HTTPAddr:      ":8080",
		Provider:      string(trust.ProviderAuth0),
		JWKSCacheTTL:  6 * time.Hour,
		LogStream:     "bearergate:requests",
		RedactHeaders: []string{"Authorization", "Cookie"},
	}
	if path := os.Getenv("BEARERGATE_CONFIG"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}

	cfg.Env = env("BEARERGATE_ENV", cfg.Env)
	cfg.HTTPAddr = env("BEARERGATE_HTTP_ADDR", cfg.HTTPAddr)
	cfg.CORSOrigins = envList("CORS_ORIGINS", cfg.CORSOrigins)
	cfg.Provider = strings.ToLower(env("AUTH_PROVIDER", cfg.Provider))

	a := &cfg.Auth0
	a.TenantID = env("AUTH0_TENANT_ID", a.TenantID)
	a.Audience = env("AUTH0_AUDIENCE", a.Audience)
	a.AdminGroupID = env("AUTH0_ADMIN_GROUP_ID", a.AdminGroupID)
	a.UserGroupID = env("AUTH0_USER_GROUP_ID", a.UserGroupID)
	a.GroupClaimType = env("AUTH0_GROUP_CLAIM_TYPE", a.GroupClaimType)
	a.ContextTokenAddPaths = env("AUTH0_CONTEXT_TOKEN_ADD_PATHS", a.ContextTokenAddPaths)

	z := &cfg.AzureAD
	z.TenantID = env("AZUREAD_TENANT_ID", z.TenantID)
	z.Resource = env("AZUREAD_RESOURCE", z.Resource)
	z.IssuerSigningKey = env("AZUREAD_ISSUER_SIGNING_KEY", z.IssuerSigningKey)
	z.AdminGroupID = env("AZUREAD_ADMIN_GROUP_ID", z.AdminGroupID)
	z.UserGroupID = env("AZUREAD_USER_GROUP_ID", z.UserGroupID)
	z.GroupClaimType = env("AZUREAD_GROUP_CLAIM_TYPE", z.GroupClaimType)
	z.ContextTokenAddPaths = env("AZUREAD_CONTEXT_TOKEN_ADD_PATHS", z.ContextTokenAddPaths)

	cfg.JWKSURL = env("JWKS_URL", cfg.JWKSURL)
	cfg.JWKSCacheTTL = envDur("JWKS_CACHE_TTL_SEC", cfg.JWKSCacheTTL)
	cfg.RedisURL = env("REDIS_URL", cfg.RedisURL)
	cfg.LogStream = env("LOG_STREAM", cfg.LogStream)
	cfg.RedactHeaders = envList("LOG_REDACT_HEADERS", cfg.RedactHeaders)
	cfg.OTLPEndpoint = env("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)
	return cfg, nil
}

// Trust builds the trust configuration of the selected provider.
func (c Config) Trust() (*trust.Configuration, error) {
	switch trust.Provider(c.Provider) {
	case trust.ProviderAuth0, "":
		o := c.Auth0
		if o.JWKSURL == "" {
			o.JWKSURL = c.JWKSURL
		}
		return trust.NewAuth0(o)
	case trust.ProviderAzureAD, "azuread":
		o := c.AzureAD
		if o.JWKSURL == "" {
			o.JWKSURL = c.JWKSURL
		}
		return trust.NewAzureAD(o)
	default:
		return nil, fmt.Errorf("config: unknown AUTH_PROVIDER %q", c.Provider)
	}
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// envDur reads whole seconds.
func envDur(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			return time.Duration(i) * time.Second
		}
	}
	return def
}

func envList(k string, def []string) []string {
	v, ok := os.LookupEnv(k)
	if !ok {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
