package sampleapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bearergate/pkg/middleware"
	"bearergate/pkg/policy"
	"bearergate/pkg/problems"
)

// Handler builds the HTTP handler with routes and middleware.
func (a *App) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID(), middleware.Recover(a.log))
	if a.cfg.Tracing != nil {
		r.Use(a.cfg.Tracing)
	}
	r.Use(
		middleware.RequestLog(a.cfg.Sink,
			middleware.WithRedactedHeaders(a.cfg.RedactHeaders...),
			middleware.WithDiagnostics(a.log),
		),
		a.auth.Middleware(),
	)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	if a.cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(ar chi.Router) {
		if len(a.cfg.CORSOrigins) > 0 {
			ar.Use(cors(a.cfg.CORSOrigins))
		}
		ar.Get("/home/info", a.getInfo)

		ar.With(middleware.RequireAuthenticated()).Get("/test/claims", a.getClaims)
		ar.With(a.requirePolicy(policy.Admin)).Get("/test/claims/admin", a.getClaims)

		ar.Route("/test2", func(g chi.Router) {
			g.Use(middleware.RequireAuthenticated())
			g.Get("/claims", a.getClaims)
		})
		ar.Route("/test3", func(g chi.Router) {
			g.Use(a.requirePolicy(policy.Admin))
			g.Get("/claims", a.getClaims)
		})
	})

	// Streaming clients pass the token as ?access_token= on the
	// configured side-channel prefixes.
	r.With(middleware.RequireAuthenticated()).Get("/hubs/claims", a.streamClaims)

	return r
}

// requirePolicy denies every request when the policy was not registered
// because its group is not configured.
func (a *App) requirePolicy(name string) func(http.Handler) http.Handler {
	if _, ok := a.auth.Policies().Lookup(name); ok {
		return a.auth.RequirePolicy(name)
	}
	a.log.Warnw("policy not configured, routes will deny", "policy", name)
	return func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			problems.Write(w, http.StatusForbidden, "forbidden", "Forbidden", "policy "+name+" is not configured")
		})
	}
}
