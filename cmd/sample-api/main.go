package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"bearergate/internal/sampleapi"
	"bearergate/pkg/config"
	pdb "bearergate/pkg/db"
	"bearergate/pkg/logger"
	"bearergate/pkg/middleware"
)

func main() {
	cfg, err := config.Load()
	log := logger.New(cfg.Env)
	defer log.Sync()
	if err != nil {
		log.Fatalw("config", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tc, err := cfg.Trust()
	if err != nil {
		log.Fatalw("trust configuration", "err", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := middleware.NewMetrics(reg)

	auth, err := middleware.NewAuthenticator(tc,
		middleware.WithAuthLogger(log),
		middleware.WithAuthMetrics(metrics),
		middleware.WithJWKSCacheTTL(cfg.JWKSCacheTTL),
	)
	if err != nil {
		log.Fatalw("authenticator", "err", err)
	}

	sinks := []middleware.Sink{middleware.ZapSink(log), metrics}
	if rdb := pdb.MustRedis(ctx, cfg.RedisURL, log); rdb != nil {
		defer rdb.Close()
		sinks = append(sinks, middleware.NewRedisStreamSink(rdb, cfg.LogStream, log))
	}

	tracing, shutdownTracing, err := middleware.Tracing(ctx, cfg.OTLPEndpoint, "bearergate-sample-api")
	if err != nil {
		log.Warnw("tracing disabled", "err", err)
	}

	app := sampleapi.New(log, auth, sampleapi.Config{
		CORSOrigins:   cfg.CORSOrigins,
		RedactHeaders: cfg.RedactHeaders,
		Tracing:       tracing,
		Sink:          middleware.MultiSink(sinks...),
		Gatherer:      reg,
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: app.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("listen", "err", err)
		}
	}()
	log.Infow("Application started",
		"addr", cfg.HTTPAddr,
		"provider", tc.Provider(),
		"issuer", tc.IssuerURL(),
		"policies", auth.Policies().Names(),
	)

	<-ctx.Done()
	log.Infow("Application stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("http shutdown", "err", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warnw("tracing shutdown", "err", err)
	}
}
