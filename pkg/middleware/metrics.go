package middleware

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is a Sink exporting request counts and latencies, and counting
// authentication outcomes for the Authenticator.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	auth     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bearergate_http_requests_total",
				Help: "HTTP requests by method, route and status class",
			},
			[]string{"method", "route", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bearergate_http_request_duration_seconds",
				Help:    "HTTP request duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		auth: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bearergate_auth_outcomes_total",
				Help: "Bearer authentication outcomes (anonymous, rejected, authenticated)",
			},
			[]string{"outcome"},
		),
	}
	reg.MustRegister(m.requests, m.duration, m.auth)
	return m
}

func (m *Metrics) Emit(_ context.Context, rec Record) {
	route := rec.Route
	if route == "" {
		route = "unmatched"
	}
	status := strconv.Itoa(rec.StatusCode/100) + "xx"
	m.requests.WithLabelValues(rec.Method, route, status).Inc()
	m.duration.WithLabelValues(rec.Method, route).Observe(rec.ElapsedMs / 1000)
}

func (m *Metrics) authOutcome(outcome string) {
	if m == nil {
		return
	}
	m.auth.WithLabelValues(outcome).Inc()
}
