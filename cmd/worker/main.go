package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/toko-subscriptions/internal/admin"
	"github.com/noah-isme/toko-subscriptions/internal/app"
	"github.com/noah-isme/toko-subscriptions/internal/config"
	"github.com/noah-isme/toko-subscriptions/internal/db"
	"github.com/noah-isme/toko-subscriptions/internal/health"
	"github.com/noah-isme/toko-subscriptions/internal/jobs"
	"github.com/noah-isme/toko-subscriptions/internal/obs"
	"github.com/noah-isme/toko-subscriptions/internal/ratelimit"
	"github.com/noah-isme/toko-subscriptions/internal/resilience"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().
		Str("env", cfg.AppEnv).
		Str("component", "worker").
		Logger()

	if err := cfg.RequireStores(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		shutdown, err := obs.InitTracer(ctx, obs.TracingConfigFrom(cfg, "worker"))
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
		} else {
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(flushCtx); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	obs.MustRegisterDomainMetrics(cfg.MetricsNamespace, reg)
	resilience.MustRegisterMetrics(cfg.MetricsNamespace, reg)
	httpMetrics := obs.NewHTTPMetrics(cfg.MetricsNamespace, reg)

	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		logger.Fatal().Err(err).Msg("apply migrations")
	}

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	pool, err := app.OpenDatabase(connectCtx, cfg.DatabaseURL)
	if err != nil {
		cancel()
		logger.Fatal().Err(err).Msg("open database")
	}
	rdb, err := app.OpenRedis(connectCtx, cfg.RedisURL, logger)
	cancel()
	if err != nil {
		pool.Close()
		logger.Fatal().Err(err).Msg("open redis")
	}

	deps, err := app.Wire(cfg, app.PGStores(pool), rdb, logger)
	if err != nil {
		pool.Close()
		_ = rdb.Close()
		logger.Fatal().Err(err).Msg("wire dependencies")
	}
	deps.DB = pool
	defer deps.Close(logger)

	taskServer := app.NewTaskServer(cfg, rdb, logger)
	if err := taskServer.Start(jobs.NewServeMux(deps.Handler)); err != nil {
		logger.Fatal().Err(err).Msg("start task server")
	}

	limiterStore, err := ratelimit.NewRedisStore(rdb, cfg.RateLimitPrefix)
	if err != nil {
		logger.Error().Err(err).Msg("init rate limiter store")
	}
	router := admin.NewRouter(admin.Config{
		Health: health.Handler{
			Checks:  map[string]health.Check{"postgres": health.Postgres(deps.DB), "redis": health.Redis(deps.Redis)},
			Timeout: 500 * time.Millisecond,
		},
		Registry:  reg,
		Metrics:   httpMetrics,
		Enqueuer:  deps.Enqueuer,
		Limiter:   ratelimit.Limiter{Store: limiterStore},
		RateLimit: cfg.AdminRenewalLimit,
		Token:     cfg.AdminToken,
		MaxBody:   cfg.AdminMaxBodyBytes,
		Logger:    logger,
	})
	if cfg.AdminToken == "" {
		logger.Warn().Msg("ADMIN_TOKEN is empty, renewal endpoint is unauthenticated")
	}

	srv := &http.Server{
		Addr:              cfg.AdminAddr(),
		Handler:           otelhttp.NewHandler(router, "admin"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("admin server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("admin server exited unexpectedly")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	health.SetDraining(true)

	taskServer.Shutdown()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown admin server")
	}
	logger.Info().Msg("worker shutdown complete")
}
