package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadForTests(map[string]string{
		"DATABASE_URL":   "",
		"REDIS_URL":      "",
		"PRICE_DECIMALS": "",
		"TAX_RATES":      "",
		"SHIPPING_RATES": "",

		"OBS_TRACING_EXPORTER": "",
	})
	require.NoError(t, err)
	require.Equal(t, int32(2), cfg.PriceDecimals)
	require.Equal(t, "USD", cfg.CurrencyCode)
	require.Equal(t, 30*time.Second, cfg.LockTTL)
	require.Equal(t, ":9090", cfg.AdminAddr())
	require.True(t, cfg.GuestCheckout)
	require.Contains(t, cfg.ShippingRates, "flat_rate:Flat rate:5.00")
	require.Equal(t, "otlp", cfg.TracingExporter)
	require.Error(t, cfg.RequireStores())
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := LoadForTests(map[string]string{
		"DATABASE_URL":       "postgres://localhost/subs",
		"REDIS_URL":          "redis://localhost:6379/0",
		"PRICE_DECIMALS":     "3",
		"CURRENCY_CODE":      "eur",
		"PRICES_INCLUDE_TAX": "true",
		"COUPON_CACHE_TTL":   "90s",
		"ADMIN_PORT":         ":9191",
		"WORKER_CONCURRENCY": "12",

		"OBS_TRACING_EXPORTER": "None",
	})
	require.NoError(t, err)
	require.NoError(t, cfg.RequireStores())
	require.Equal(t, int32(3), cfg.PriceDecimals)
	require.Equal(t, "EUR", cfg.CurrencyCode)
	require.True(t, cfg.PricesIncludeTax)
	require.Equal(t, 90*time.Second, cfg.CouponCacheTTL)
	require.Equal(t, ":9191", cfg.AdminAddr())
	require.Equal(t, 12, cfg.WorkerConcurrency)
	require.Equal(t, "none", cfg.TracingExporter)
}

func TestLoadRejectsBadPrecision(t *testing.T) {
	_, err := LoadForTests(map[string]string{"PRICE_DECIMALS": "12"})
	require.Error(t, err)
}
