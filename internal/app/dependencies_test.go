package app

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-subscriptions/internal/config"
	"github.com/noah-isme/toko-subscriptions/internal/coupon"
	"github.com/noah-isme/toko-subscriptions/internal/events"
	"github.com/noah-isme/toko-subscriptions/internal/jobs"
	"github.com/noah-isme/toko-subscriptions/internal/order"
	"github.com/noah-isme/toko-subscriptions/internal/pricing"
	"github.com/noah-isme/toko-subscriptions/internal/subscription"
)

func memoryStores() (Stores, *order.MemoryStore, *events.MemoryStore) {
	orders := order.NewMemoryStore()
	evs := &events.MemoryStore{}
	return Stores{Coupons: coupon.MapStore{}, Orders: orders, Events: evs}, orders, evs
}

func testConfig(t *testing.T, env map[string]string) *config.Config {
	t.Helper()
	base := map[string]string{
		"TAX_RATES":        "vat:VAT:10",
		"PAYMENT_GATEWAYS": "manual:Manual payment",
		"CURRENCY_CODE":    "USD",
	}
	for k, v := range env {
		base[k] = v
	}
	cfg, err := config.LoadForTests(base)
	require.NoError(t, err)
	return cfg
}

func TestWireRejectsBadTaxRates(t *testing.T) {
	stores, _, _ := memoryStores()
	_, err := Wire(testConfig(t, map[string]string{"TAX_RATES": "vat:VAT:ten"}), stores, nil, zerolog.Nop())
	require.Error(t, err)
}

func TestWireRejectsBadShippingRates(t *testing.T) {
	stores, _, _ := memoryStores()
	_, err := Wire(testConfig(t, map[string]string{"SHIPPING_RATES": "flat_rate:Flat rate"}), stores, nil, zerolog.Nop())
	require.ErrorContains(t, err, "SHIPPING_RATES")
}

func TestWireRejectsPlainHTTPWebhook(t *testing.T) {
	stores, _, _ := memoryStores()
	_, err := Wire(testConfig(t, map[string]string{
		"WEBHOOK_URL":    "http://hooks.example.com/subs",
		"WEBHOOK_SECRET": "s3cret",
	}), stores, nil, zerolog.Nop())
	require.ErrorContains(t, err, "WEBHOOK_URL")
}

func TestWireRequiresStores(t *testing.T) {
	_, err := Wire(testConfig(t, nil), Stores{}, nil, zerolog.Nop())
	require.Error(t, err)
}

func TestWiredHandlerBuildsRenewal(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	stores, orders, evs := memoryStores()

	deps, err := Wire(testConfig(t, nil), stores, rdb, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { deps.Close(zerolog.Nop()) })
	require.NotNil(t, deps.Handler)

	orders.Put(order.Order{
		ID:            "o-1",
		Kind:          order.KindCheckout,
		Status:        order.StatusCompleted,
		Currency:      "USD",
		PaymentMethod: "manual",
		Items: []order.LineItem{{
			ProductID: "box",
			Name:      "Coffee box",
			Quantity:  2,
			UnitPrice: pricing.MustParse("15"),
			Taxable:   true,
			Term:      &subscription.BillingTerm{Period: subscription.Month, Interval: 1},
		}},
	})

	task, err := jobs.NewRenewalTask(jobs.RenewalPayload{OriginalOrderID: "o-1", IP: "192.0.2.1"})
	require.NoError(t, err)
	require.NoError(t, deps.Handler.ProcessTask(context.Background(), task))

	created := evs.Events(events.TopicOrderRenewalCreated)
	require.Len(t, created, 1)
	renewed, err := orders.Get(context.Background(), created[0].AggregateID)
	require.NoError(t, err)
	require.Equal(t, "o-1", renewed.ParentID)
	require.Equal(t, "33.00", renewed.Totals.Total.StringFixed(2))
	require.Equal(t, "192.0.2.1", renewed.CustomerIP)
}
