// Package app wires the stores, pricing engine and renewal worker from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-subscriptions/internal/checkout"
	"github.com/noah-isme/toko-subscriptions/internal/config"
	"github.com/noah-isme/toko-subscriptions/internal/coupon"
	"github.com/noah-isme/toko-subscriptions/internal/events"
	"github.com/noah-isme/toko-subscriptions/internal/jobs"
	"github.com/noah-isme/toko-subscriptions/internal/lock"
	"github.com/noah-isme/toko-subscriptions/internal/notify"
	"github.com/noah-isme/toko-subscriptions/internal/obs"
	"github.com/noah-isme/toko-subscriptions/internal/order"
	"github.com/noah-isme/toko-subscriptions/internal/payment"
	"github.com/noah-isme/toko-subscriptions/internal/renewal"
	"github.com/noah-isme/toko-subscriptions/internal/resilience"
	"github.com/noah-isme/toko-subscriptions/internal/shipping"
	"github.com/noah-isme/toko-subscriptions/internal/tax"
	"github.com/noah-isme/toko-subscriptions/internal/totals"
)

// Dependencies enumerates the services shared by the worker and its admin server.
type Dependencies struct {
	DB    *pgxpool.Pool
	Redis *redis.Client

	Coupons  *coupon.CachedStore
	Orders   order.Store
	Events   *events.Bus
	Payments *payment.Registry
	Shipping shipping.Client
	TaxRates tax.RateSource
	Totals   *totals.Calculator
	Renewals *renewal.Builder
	Checkout *checkout.Pipeline

	TaskClient *asynq.Client
	Enqueuer   jobs.Enqueuer
	Handler    *jobs.RenewalHandler
}

// Stores are the persistence backends the domain services run on.
type Stores struct {
	Coupons coupon.Store
	Orders  order.Store
	Events  events.EventStore
}

// PGStores builds the Postgres-backed stores.
func PGStores(pool *pgxpool.Pool) Stores {
	return Stores{
		Coupons: coupon.PGStore{Q: pool},
		Orders:  &order.PGStore{Q: pool, DB: pool},
		Events:  events.PGStore{Q: pool},
	}
}

// OpenDatabase connects a pgx pool with query tracing enabled.
func OpenDatabase(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// OpenRedis connects a Redis client with tracing instrumentation.
func OpenRedis(ctx context.Context, redisURL string, logger zerolog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Wire assembles the domain services on top of stores and rdb.
func Wire(cfg *config.Config, stores Stores, rdb *redis.Client, logger zerolog.Logger) (*Dependencies, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if stores.Coupons == nil || stores.Orders == nil || stores.Events == nil {
		return nil, errors.New("stores are required")
	}

	rates, err := tax.ParseRates(cfg.TaxRates)
	if err != nil {
		return nil, fmt.Errorf("TAX_RATES: %w", err)
	}
	gateways, err := payment.ParseGateways(cfg.PaymentGateways)
	if err != nil {
		return nil, fmt.Errorf("PAYMENT_GATEWAYS: %w", err)
	}
	offered, err := shipping.ParseRates(cfg.ShippingRates)
	if err != nil {
		return nil, fmt.Errorf("SHIPPING_RATES: %w", err)
	}

	breaker := func(target string) *resilience.Breaker {
		return resilience.New(resilience.Settings{
			MinRequests:  cfg.CircuitMinRequests,
			FailureRatio: cfg.CircuitFailureRatio,
			OpenFor:      cfg.CircuitOpenFor,
			Target:       target,
		}, logger)
	}

	couponLogger := logger.With().Str("component", "coupons").Logger()
	coupons := &coupon.CachedStore{
		Next:   stores.Coupons,
		Client: rdb,
		TTL:    cfg.CouponCacheTTL,
		Prefix: cfg.CouponCachePrefix,
		Logger: &couponLogger,
	}

	eventLogger := logger.With().Str("component", "events").Logger()
	bus := &events.Bus{
		Store:     stores.Events,
		Notifiers: []events.Notifier{events.LogNotifier{Logger: eventLogger}},
	}
	if cfg.WebhookURL != "" {
		ep, err := notify.ParseEndpoint(cfg.WebhookURL, cfg.WebhookSecret, cfg.WebhookTopics)
		if err != nil {
			return nil, fmt.Errorf("WEBHOOK_URL: %w", err)
		}
		webhookLogger := logger.With().Str("component", "webhooks").Logger()
		bus.Notifiers = append(bus.Notifiers, &notify.Webhook{
			Endpoints: []notify.Endpoint{ep},
			Client:    notify.HTTPClient(cfg.WebhookTimeout, false),
			Breaker:   breaker(resilience.TargetWebhooks),
			Replay:    notify.RedisReplayProtector{Client: rdb},
			ReplayTTL: cfg.WebhookReplayTTL,
			Logger:    &webhookLogger,
		})
	}

	payments := &payment.Registry{Source: gateways, Breaker: breaker(resilience.TargetGateways)}
	ship := shipping.BreakerClient{Next: offered, Breaker: breaker(resilience.TargetShipping)}

	totalsLogger := logger.With().Str("component", "totals").Logger()
	calc := totals.New(cfg.PriceDecimals, coupons, &totalsLogger)

	renewalLogger := logger.With().Str("component", "renewal").Logger()
	builder := &renewal.Builder{
		Orders:           stores.Orders,
		Gateways:         payments,
		Shipping:         ship,
		ShippingOrigin:   cfg.ShippingOrigin,
		TaxRates:         tax.StaticRates(rates),
		Totals:           calc,
		Events:           bus,
		PricesIncludeTax: cfg.PricesIncludeTax,
		DefaultCurrency:  cfg.CurrencyCode,
		Logger:           &renewalLogger,
	}

	checkoutLogger := logger.With().Str("component", "checkout").Logger()
	pipeline := checkout.NewPipeline(checkout.Deps{
		Validator: &coupon.Validator{Store: coupons},
		Totals:    calc,
		Orders:    stores.Orders,
		Gateways:  payments,
		Shipping:  ship,
		Events:    bus,
		Defaults:  checkout.Settings{GuestCheckout: cfg.GuestCheckout, RegistrationRequired: cfg.RegistrationRequired},
		Logger:    &checkoutLogger,
	})

	deps := &Dependencies{
		Redis:    rdb,
		Coupons:  coupons,
		Orders:   stores.Orders,
		Events:   bus,
		Payments: payments,
		Shipping: ship,
		TaxRates: tax.StaticRates(rates),
		Totals:   calc,
		Renewals: builder,
		Checkout: pipeline,
	}

	if rdb != nil {
		jobLogger := logger.With().Str("component", "renewal_jobs").Logger()
		deps.TaskClient = asynq.NewClient(jobs.RedisClientOpt(rdb))
		deps.Enqueuer = jobs.Enqueuer{Client: deps.TaskClient, Queue: cfg.WorkerQueue, MaxRetry: cfg.RenewalMaxRetry}
		deps.Handler = &jobs.RenewalHandler{
			Builder: builder,
			Locker: lock.Locker{
				R:            rdb,
				Prefix:       cfg.LockPrefix,
				TTL:          cfg.LockTTL,
				RetryBackoff: cfg.LockRetryBackoff,
				MaxWait:      cfg.LockMaxWait,
			},
			Currency: cfg.CurrencyCode,
			Logger:   &jobLogger,
		}
	}
	return deps, nil
}

// NewTaskServer builds the asynq server that runs renewal tasks.
func NewTaskServer(cfg *config.Config, rdb *redis.Client, logger zerolog.Logger) *asynq.Server {
	queue := cfg.WorkerQueue
	if queue == "" {
		queue = "renewals"
	}
	taskLogger := logger.With().Str("component", "asynq").Logger()
	return asynq.NewServer(jobs.RedisClientOpt(rdb), asynq.Config{
		Concurrency:     cfg.WorkerConcurrency,
		Queues:          map[string]int{queue: 1},
		RetryDelayFunc:  jobs.RetryDelay(cfg.RenewalRetryBase, cfg.RenewalRetryJitter),
		ShutdownTimeout: 10 * time.Second,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			l := obs.WithTrace(ctx, taskLogger)
			l.Error().Err(err).Str("task_type", task.Type()).Msg("task failed")
		}),
	})
}

// Close releases the connections held by d.
func (d *Dependencies) Close(logger zerolog.Logger) {
	if d == nil {
		return
	}
	if d.TaskClient != nil {
		if err := d.TaskClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close task client")
		}
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}
	if d.DB != nil {
		d.DB.Close()
	}
}
