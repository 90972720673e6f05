package checkout

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-subscriptions/internal/cart"
	"github.com/noah-isme/toko-subscriptions/internal/common"
	"github.com/noah-isme/toko-subscriptions/internal/coupon"
	"github.com/noah-isme/toko-subscriptions/internal/events"
	"github.com/noah-isme/toko-subscriptions/internal/order"
	"github.com/noah-isme/toko-subscriptions/internal/payment"
	"github.com/noah-isme/toko-subscriptions/internal/pricing"
	"github.com/noah-isme/toko-subscriptions/internal/shipping"
	"github.com/noah-isme/toko-subscriptions/internal/subscription"
	"github.com/noah-isme/toko-subscriptions/internal/totals"
)

func money(v string) pricing.Money { return pricing.MustParse(v) }

var offeredRates = shipping.StaticRates{
	{MethodID: "flat_rate", Label: "Flat rate", Cost: money("5.00"), Taxable: true},
	{MethodID: "express", Label: "Express", Cost: money("15.00"), Taxable: true},
}

type fixture struct {
	pipeline *Pipeline
	coupons  coupon.MapStore
	orders   *order.MemoryStore
	events   *events.MemoryStore
}

func newFixture(defaults Settings) fixture {
	coupons := coupon.MapStore{}
	coupons.Put(coupon.Coupon{Code: "fee5", Type: coupon.SignUpFee, Amount: money("5"), AppliesBeforeTax: true})
	coupons.Put(coupon.Coupon{Code: "rec10", Type: coupon.RecurringPercent, Amount: money("10"), AppliesBeforeTax: true})
	orders := order.NewMemoryStore()
	store := &events.MemoryStore{}
	p := NewPipeline(Deps{
		Validator: &coupon.Validator{Store: coupons},
		Totals:    totals.New(2, coupons, nil),
		Orders:    orders,
		Gateways:  &payment.Registry{Source: payment.StaticSource{payment.StaticGateway{GatewayID: "manual", Name: "Manual"}}},
		Shipping:  offeredRates,
		Events:    &events.Bus{Store: store},
		Defaults:  defaults,
	})
	return fixture{pipeline: p, coupons: coupons, orders: orders, events: store}
}

func boxProduct(fee string) cart.Product {
	return cart.Product{
		ID:    "box",
		Name:  "Coffee box",
		Price: money("20"),
		Term:  &subscription.BillingTerm{Period: subscription.Month, Interval: 1, SignUpFee: money(fee)},
	}
}

func subscriptionCart(t *testing.T, fee string, codes ...string) *cart.Cart {
	t.Helper()
	c := &cart.Cart{ID: "cart-1", Currency: "USD"}
	require.NoError(t, c.AddProduct(boxProduct(fee), 1))
	for _, code := range codes {
		require.NoError(t, c.ApplyCoupon(code))
	}
	return c
}

func requireAppError(t *testing.T, err error, code string) *common.AppError {
	t.Helper()
	var appErr *common.AppError
	require.True(t, errors.As(err, &appErr), "expected AppError, got %v", err)
	require.Equal(t, code, appErr.Code)
	return appErr
}

func TestRunPersistsCheckoutOrder(t *testing.T) {
	f := newFixture(Settings{GuestCheckout: true})
	c := subscriptionCart(t, "10", "rec10", "fee5")

	got, err := f.pipeline.Run(context.Background(), Input{
		Cart:          c,
		CustomerID:    "cus-1",
		PaymentMethod: "manual",
		Client:        Client{IP: "198.51.100.4", UserAgent: "browser"},
	})
	require.NoError(t, err)
	require.Equal(t, order.KindCheckout, got.Kind)
	require.Equal(t, "manual", got.PaymentMethod)
	require.Equal(t, "23.00", got.Totals.Total.StringFixed(2))
	require.Equal(t, "7.00", got.Totals.Discount.StringFixed(2))
	require.Len(t, got.Items, 1)
	require.NotNil(t, got.Items[0].Term)
	require.Equal(t, "10.00", got.Items[0].Term.SignUpFee.StringFixed(2))
	require.Equal(t, []string{"rec10", "fee5"}, got.Coupons)
	require.Equal(t, []string{"rec10", "fee5"}, c.AppliedCoupons)

	stored, err := f.orders.Get(context.Background(), got.ID)
	require.NoError(t, err)
	require.Equal(t, "198.51.100.4", stored.CustomerIP)
	require.Len(t, f.events.Events(events.TopicOrderCreated), 1)

	fee5, err := f.coupons.Get(context.Background(), "fee5")
	require.NoError(t, err)
	require.EqualValues(t, 1, fee5.UsedCount)
}

func TestRunTermSnapshotIsDetachedFromCart(t *testing.T) {
	f := newFixture(Settings{GuestCheckout: true})
	c := subscriptionCart(t, "10")

	got, err := f.pipeline.Run(context.Background(), Input{Cart: c, CustomerID: "cus-1", PaymentMethod: "manual"})
	require.NoError(t, err)
	c.Items[0].Term.SignUpFee = money("99")
	require.Equal(t, "10.00", got.Items[0].Term.SignUpFee.StringFixed(2))
}

func TestRunRequiresAccountForSubscriptions(t *testing.T) {
	f := newFixture(Settings{GuestCheckout: true})
	c := subscriptionCart(t, "10")

	_, err := f.pipeline.Run(context.Background(), Input{Cart: c, PaymentMethod: "manual"})
	appErr := requireAppError(t, err, common.CodeInvalidInput)
	require.Equal(t, "You must be logged in to purchase a subscription.", appErr.Message)
}

func TestRunAllowsGuestForPlainCart(t *testing.T) {
	f := newFixture(Settings{GuestCheckout: true})
	c := &cart.Cart{ID: "cart-2", Currency: "USD"}
	require.NoError(t, c.AddProduct(cart.Product{ID: "mug", Name: "Mug", Price: money("12")}, 2))

	got, err := f.pipeline.Run(context.Background(), Input{Cart: c, PaymentMethod: "manual"})
	require.NoError(t, err)
	require.Equal(t, "24.00", got.Totals.Total.StringFixed(2))
}

func TestRunRejectsGuestWhenGuestCheckoutDisabled(t *testing.T) {
	f := newFixture(Settings{GuestCheckout: false})
	c := &cart.Cart{ID: "cart-2", Currency: "USD"}
	require.NoError(t, c.AddProduct(cart.Product{ID: "mug", Name: "Mug", Price: money("12")}, 1))

	_, err := f.pipeline.Run(context.Background(), Input{Cart: c, PaymentMethod: "manual"})
	requireAppError(t, err, common.CodeInvalidInput)
}

func TestRunRejectsInvalidCoupon(t *testing.T) {
	f := newFixture(Settings{GuestCheckout: true})
	c := subscriptionCart(t, "0", "fee5")

	_, err := f.pipeline.Run(context.Background(), Input{Cart: c, CustomerID: "cus-1", PaymentMethod: "manual"})
	appErr := requireAppError(t, err, common.CodeInvalidCoupon)
	require.Equal(t, "Sorry, this coupon is only valid for subscription products with a sign-up fee.", appErr.Message)
	require.ErrorIs(t, err, coupon.ErrInvalidForContext)

	rejected := f.events.Events(events.TopicCouponRejected)
	require.Len(t, rejected, 1)
	require.Equal(t, "cart-1", rejected[0].AggregateID)
	require.Empty(t, f.events.Events(events.TopicOrderCreated))
}

func TestRunRejectsMissingBillingTerm(t *testing.T) {
	f := newFixture(Settings{GuestCheckout: true})
	c := &cart.Cart{ID: "cart-3", Currency: "USD", Items: []cart.Item{{
		Key:       "broken",
		ProductID: "broken",
		Name:      "Broken plan",
		Quantity:  1,
		BasePrice: money("5"),
		Term:      &subscription.BillingTerm{Interval: 1},
	}}}

	_, err := f.pipeline.Run(context.Background(), Input{Cart: c, CustomerID: "cus-1", PaymentMethod: "manual"})
	appErr := requireAppError(t, err, common.CodeMissingBillingTerm)
	require.Equal(t, "Broken plan cannot be purchased right now.", appErr.Message)
	require.ErrorIs(t, err, subscription.ErrMissingBillingTerm)
}

func TestRunRejectsUnavailableGateway(t *testing.T) {
	f := newFixture(Settings{GuestCheckout: true})
	c := subscriptionCart(t, "10")

	_, err := f.pipeline.Run(context.Background(), Input{Cart: c, CustomerID: "cus-1", PaymentMethod: "stripe"})
	requireAppError(t, err, common.CodeUnavailableGateway)
	require.ErrorIs(t, err, payment.ErrUnavailableGateway)
}

func TestRunAddsShipping(t *testing.T) {
	f := newFixture(Settings{GuestCheckout: true})
	c := subscriptionCart(t, "10")

	got, err := f.pipeline.Run(context.Background(), Input{
		Cart:           c,
		CustomerID:     "cus-1",
		PaymentMethod:  "manual",
		ShippingMethod: "express",
		Shipping:       order.Address{Country: "US", Postcode: "10001"},
	})
	require.NoError(t, err)
	require.Equal(t, "express", got.ShippingMethod())
	require.Equal(t, "45.00", got.Totals.Total.StringFixed(2))
}

func TestRunEmptyCart(t *testing.T) {
	f := newFixture(Settings{GuestCheckout: true})
	_, err := f.pipeline.Run(context.Background(), Input{Cart: &cart.Cart{ID: "empty"}})
	requireAppError(t, err, common.CodeInvalidInput)
}

func TestRunStopsAtFirstFailingStage(t *testing.T) {
	var ran []string
	boom := errors.New("boom")
	p := &Pipeline{Stages: []Stage{
		{Name: "a", Run: func(context.Context, *State) error {
			ran = append(ran, "a")
			return nil
		}},
		{Name: "b", Run: func(context.Context, *State) error {
			ran = append(ran, "b")
			return boom
		}},
		{Name: "c", Run: func(context.Context, *State) error {
			ran = append(ran, "c")
			return nil
		}},
	}}
	c := &cart.Cart{ID: "cart-4", Items: []cart.Item{{Key: "mug", ProductID: "mug", Quantity: 1, BasePrice: money("1")}}}

	_, err := p.Run(context.Background(), Input{Cart: c})
	require.ErrorIs(t, err, boom)
	require.EqualError(t, err, "checkout b: boom")
	require.Equal(t, []string{"a", "b"}, ran)
}

func TestRunScopesSubscriptionSettings(t *testing.T) {
	var seen Settings
	p := &Pipeline{
		Defaults: Settings{GuestCheckout: true},
		Stages: []Stage{{Name: "inspect", Run: func(_ context.Context, st *State) error {
			seen = st.Toggles.Current()
			return nil
		}}},
	}

	_, err := p.Run(context.Background(), Input{Cart: subscriptionCart(t, "10")})
	require.NoError(t, err)
	require.Equal(t, Settings{GuestCheckout: false, RegistrationRequired: true}, seen)
}
