// Package config loads worker and tool settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv      string
	DatabaseURL string
	RedisURL    string
	AdminPort   string

	AdminToken        string
	AdminMaxBodyBytes int64
	AdminRenewalLimit int
	RateLimitPrefix   string

	PriceDecimals    int32
	CurrencyCode     string
	CurrencySymbol   string
	PricesIncludeTax bool
	TaxRates         string
	PaymentGateways  string
	ShippingOrigin   string
	ShippingRates    string

	GuestCheckout        bool
	RegistrationRequired bool

	CouponCachePrefix string
	CouponCacheTTL    time.Duration

	LockPrefix       string
	LockTTL          time.Duration
	LockRetryBackoff time.Duration
	LockMaxWait      time.Duration

	WorkerConcurrency  int
	WorkerQueue        string
	RenewalMaxRetry    int
	RenewalRetryBase   time.Duration
	RenewalRetryJitter float64

	CircuitMinRequests  int
	CircuitFailureRatio float64
	CircuitOpenFor      time.Duration

	WebhookURL       string
	WebhookSecret    string
	WebhookTopics    string
	WebhookTimeout   time.Duration
	WebhookReplayTTL time.Duration

	ServiceName        string
	LogFormat          string
	LogLevel           string
	MetricsNamespace   string
	TracingEnabled     bool
	TracingEndpoint    string
	TracingExporter    string
	TracingSampleRatio float64
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:      valueOrDefault(k.String("APP_ENV"), "development"),
		DatabaseURL: k.String("DATABASE_URL"),
		RedisURL:    k.String("REDIS_URL"),
		AdminPort:   valueOrDefault(k.String("ADMIN_PORT"), "9090"),

		AdminToken:        strings.TrimSpace(k.String("ADMIN_TOKEN")),
		AdminMaxBodyBytes: int64(parseInt(k.String("ADMIN_MAX_BODY_BYTES"), 16384)),
		AdminRenewalLimit: parseInt(k.String("ADMIN_RENEWAL_RATE_LIMIT"), 120),
		RateLimitPrefix:   valueOrDefault(k.String("RATE_LIMIT_PREFIX"), "ratelimit"),

		PriceDecimals:    int32(parseInt(k.String("PRICE_DECIMALS"), 2)),
		CurrencyCode:     strings.ToUpper(valueOrDefault(k.String("CURRENCY_CODE"), "USD")),
		CurrencySymbol:   valueOrDefault(k.String("CURRENCY_SYMBOL"), "$"),
		PricesIncludeTax: parseBool(k.String("PRICES_INCLUDE_TAX")),
		TaxRates:         strings.TrimSpace(k.String("TAX_RATES")),
		PaymentGateways:  valueOrDefault(k.String("PAYMENT_GATEWAYS"), "manual:Manual payment"),
		ShippingOrigin:   strings.TrimSpace(k.String("SHIPPING_ORIGIN")),
		ShippingRates:    valueOrDefault(k.String("SHIPPING_RATES"), "flat_rate:Flat rate:5.00:taxable,express:Express:15.00:taxable"),

		GuestCheckout:        parseBoolDefault(k.String("CHECKOUT_GUEST_ENABLED"), true),
		RegistrationRequired: parseBool(k.String("CHECKOUT_REGISTRATION_REQUIRED")),

		CouponCachePrefix: valueOrDefault(k.String("COUPON_CACHE_PREFIX"), "coupon"),
		CouponCacheTTL:    parseDuration(k.String("COUPON_CACHE_TTL"), "5m"),

		LockPrefix:       valueOrDefault(k.String("LOCK_PREFIX"), "lock"),
		LockTTL:          parseDuration(k.String("LOCK_TTL"), "30s"),
		LockRetryBackoff: parseDuration(k.String("LOCK_RETRY_BACKOFF"), "50ms"),
		LockMaxWait:      parseDuration(k.String("LOCK_MAX_WAIT"), "10s"),

		WorkerConcurrency:  parseInt(k.String("WORKER_CONCURRENCY"), 5),
		WorkerQueue:        valueOrDefault(k.String("WORKER_QUEUE"), "renewals"),
		RenewalMaxRetry:    parseInt(k.String("RENEWAL_MAX_RETRY"), 5),
		RenewalRetryBase:   parseDuration(k.String("RENEWAL_RETRY_BASE"), "30s"),
		RenewalRetryJitter: parseFloat(k.String("RENEWAL_RETRY_JITTER"), 0.2),

		CircuitMinRequests:  parseInt(k.String("CIRCUIT_MIN_REQUESTS"), 5),
		CircuitFailureRatio: parseFloat(k.String("CIRCUIT_FAILURE_RATIO"), 0.5),
		CircuitOpenFor:      parseDuration(k.String("CIRCUIT_OPEN_FOR"), "30s"),

		WebhookURL:       strings.TrimSpace(k.String("WEBHOOK_URL")),
		WebhookSecret:    k.String("WEBHOOK_SECRET"),
		WebhookTopics:    k.String("WEBHOOK_TOPICS"),
		WebhookTimeout:   parseDuration(k.String("WEBHOOK_TIMEOUT"), "5s"),
		WebhookReplayTTL: parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "24h"),

		ServiceName:        valueOrDefault(k.String("OBS_SERVICE_NAME"), "toko-subscriptions"),
		LogFormat:          valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
		LogLevel:           valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
		MetricsNamespace:   valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "subs"),
		TracingEnabled:     parseBool(k.String("OBS_TRACING_ENABLED")),
		TracingEndpoint:    strings.TrimSpace(k.String("OBS_TRACING_ENDPOINT")),
		TracingExporter:    strings.ToLower(valueOrDefault(k.String("OBS_TRACING_EXPORTER"), "otlp")),
		TracingSampleRatio: parseFloat(k.String("OBS_TRACING_SAMPLE_RATIO"), 1),
	}

	if cfg.PriceDecimals < 0 || cfg.PriceDecimals > 8 {
		return nil, fmt.Errorf("PRICE_DECIMALS must be between 0 and 8, got %d", cfg.PriceDecimals)
	}
	if cfg.WorkerConcurrency <= 0 {
		return nil, errors.New("WORKER_CONCURRENCY must be positive")
	}

	return cfg, nil
}

// RequireStores reports an error when the database or Redis connection strings are missing.
func (c *Config) RequireStores() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.RedisURL == "" {
		return errors.New("REDIS_URL is required")
	}
	return nil
}

// AdminAddr returns the address the admin HTTP server should bind to.
func (c *Config) AdminAddr() string {
	port := strings.TrimSpace(c.AdminPort)
	if port == "" {
		port = "9090"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseBoolDefault(value string, fallback bool) bool {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return parseBool(value)
}

func parseInt(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func parseFloat(value string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
