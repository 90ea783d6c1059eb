package sampleapi

import (
	"net/http"
	"runtime/debug"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"bearergate/pkg/middleware"
)

// Config holds sample-api specific configuration.
type Config struct {
	Title         string
	Version       string
	CORSOrigins   []string
	RedactHeaders []string
	// Tracing wraps the router; nil disables it.
	Tracing func(http.Handler) http.Handler
	// Sink receives one record per request.
	Sink middleware.Sink
	// Gatherer backs /metrics; nil hides the endpoint.
	Gatherer prometheus.Gatherer
}

// App is the sample-api application container.
// Handlers and middleware have methods on this type.
type App struct {
	log  *zap.SugaredLogger
	auth *middleware.Authenticator
	cfg  Config
}

func New(log *zap.SugaredLogger, auth *middleware.Authenticator, cfg Config) *App {
	if cfg.Title == "" {
		cfg.Title = "bearergate sample api"
	}
	if cfg.Version == "" {
		cfg.Version = buildVersion()
	}
	if cfg.Sink == nil {
		cfg.Sink = middleware.ZapSink(log)
	}
	return &App{log: log, auth: auth, cfg: cfg}
}

func buildVersion() string {
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		return bi.Main.Version
	}
	return "dev"
}
