// Package renewal builds the order for the next payment of an existing subscription.
package renewal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/toko-subscriptions/internal/cart"
	"github.com/noah-isme/toko-subscriptions/internal/events"
	"github.com/noah-isme/toko-subscriptions/internal/obs"
	"github.com/noah-isme/toko-subscriptions/internal/order"
	"github.com/noah-isme/toko-subscriptions/internal/payment"
	"github.com/noah-isme/toko-subscriptions/internal/pricing"
	"github.com/noah-isme/toko-subscriptions/internal/shipping"
	"github.com/noah-isme/toko-subscriptions/internal/tax"
	"github.com/noah-isme/toko-subscriptions/internal/totals"
)

var (
	// ErrNothingToRenew is returned when the original order has no subscription lines.
	ErrNothingToRenew = errors.New("order has no subscription items")
	// ErrOrphanRenewal is returned when a renewal order does not point at its original purchase.
	ErrOrphanRenewal = errors.New("renewal order has no parent")
	// ErrFailedOrderMismatch is returned when the failed order belongs to another subscription.
	ErrFailedOrderMismatch = errors.New("failed order belongs to a different subscription")
)

// Client describes who triggered the renewal attempt.
type Client struct {
	IP        string
	UserAgent string
}

// Request identifies the subscription to renew and, optionally, the failed attempt it retries.
type Request struct {
	OriginalOrderID string
	FailedOrderID   string
	Client          Client
	Currency        string
}

// Gateways resolves the payment method of the original order.
type Gateways interface {
	Resolve(ctx context.Context, id string) (payment.Gateway, error)
}

// Builder clones an original order into a renewal order, re-resolving everything that may have
// changed since the first payment.
type Builder struct {
	Orders           order.Store
	Gateways         Gateways
	Shipping         shipping.Client
	ShippingOrigin   string
	TaxRates         tax.RateSource
	Totals           *totals.Calculator
	Events           *events.Bus
	PricesIncludeTax bool
	DefaultCurrency  string
	Logger           *zerolog.Logger
	Now              func() time.Time
}

// BuildRenewal creates and persists the renewal order for req.
func (b *Builder) BuildRenewal(ctx context.Context, req Request) (order.Order, error) {
	if b == nil || b.Orders == nil || b.Gateways == nil || b.Totals == nil || b.TaxRates == nil {
		return order.Order{}, errors.New("renewal builder not configured")
	}
	ctx, span := otel.Tracer("renewal.Builder").Start(ctx, "Builder.BuildRenewal")
	defer span.End()
	span.SetAttributes(
		attribute.String("renewal.original_order_id", req.OriginalOrderID),
		attribute.String("renewal.failed_order_id", req.FailedOrderID),
	)

	result := "error"
	defer func() {
		if obs.RenewalBuildTotal != nil {
			obs.RenewalBuildTotal.WithLabelValues(result).Inc()
		}
	}()

	out, outcome, err := b.build(ctx, req)
	if err != nil {
		if errors.Is(err, payment.ErrUnavailableGateway) {
			result = "unavailable_gateway"
		}
		span.RecordError(err)
		return order.Order{}, err
	}
	span.SetAttributes(attribute.String("renewal.order_id", out.ID))
	if outcome == outcomeExisting {
		result = "existing"
		return out, nil
	}
	result = "created"
	b.emit(ctx, out, outcome == outcomeLinked)
	return out, nil
}

type outcome int

const (
	outcomeCreated outcome = iota
	outcomeLinked
	// outcomeExisting means the failed order was already retried and no order was written.
	outcomeExisting
)

func (b *Builder) build(ctx context.Context, req Request) (order.Order, outcome, error) {
	original, err := b.loadOriginal(ctx, req.OriginalOrderID)
	if err != nil {
		return order.Order{}, outcomeCreated, err
	}

	failed, err := b.loadFailed(ctx, original, req.FailedOrderID)
	if err != nil {
		return order.Order{}, outcomeCreated, err
	}
	if failed != nil && failed.RetriedBy != "" {
		existing, err := b.Orders.Get(ctx, failed.RetriedBy)
		if err != nil {
			return order.Order{}, outcomeCreated, fmt.Errorf("renew %s: retry %s of %s: %w", original.ID, failed.RetriedBy, failed.ID, err)
		}
		return existing, outcomeExisting, nil
	}

	gateway, err := b.Gateways.Resolve(ctx, original.PaymentMethod)
	if err != nil {
		return order.Order{}, outcomeCreated, fmt.Errorf("renew %s: %w", original.ID, err)
	}

	rates, err := b.TaxRates.RatesFor(ctx, taxLocation(original))
	if err != nil {
		return order.Order{}, outcomeCreated, fmt.Errorf("renew %s: tax rates: %w", original.ID, err)
	}

	c, err := renewalCart(original, rates, b.PricesIncludeTax)
	if err != nil {
		return order.Order{}, outcomeCreated, err
	}
	priced, err := b.Totals.ComputeTotals(ctx, c, pricing.PassRecurringTotal)
	if err != nil {
		return order.Order{}, outcomeCreated, fmt.Errorf("renew %s: %w", original.ID, err)
	}

	renewal := order.Order{
		ParentID:      original.ID,
		Kind:          order.KindRenewal,
		Status:        order.StatusPending,
		Currency:      b.currency(req, original),
		Billing:       original.Billing,
		Shipping:      original.Shipping,
		PaymentMethod: gateway.ID(),
		CustomerIP:    strings.TrimSpace(req.Client.IP),
		UserAgent:     strings.TrimSpace(req.Client.UserAgent),
		CreatedAt:     b.now(),
	}
	var taxes tax.Breakdown
	taxes.Add(tax.Breakdown{Total: priced.Tax, ByRate: priced.TaxByRate})
	renewal.Items = lineItems(c, priced)

	tc := b.Totals.Tax
	fees := pricing.Zero
	for _, f := range original.Fees {
		fee := order.Fee{Name: f.Name, Amount: f.Amount, Taxable: f.Taxable, Tax: pricing.Zero}
		if f.Taxable {
			bd := tc.Calc(f.Amount, rates, b.PricesIncludeTax)
			fee.Tax = bd.Total
			taxes.Add(bd)
		}
		fees = fees.Add(fee.Amount)
		renewal.Fees = append(renewal.Fees, fee)
	}

	shippingCost := pricing.Zero
	if len(original.ShippingLines) > 0 {
		line, bd, err := b.resolveShipping(ctx, original, rates)
		if err != nil {
			return order.Order{}, outcomeCreated, fmt.Errorf("renew %s: %w", original.ID, err)
		}
		taxes.Add(bd)
		shippingCost = line.Cost
		renewal.ShippingLines = []order.ShippingLine{line}
	}

	renewal.TaxLines = taxLines(rates, taxes)
	taxTotal := taxes.Total
	renewal.Totals = order.Totals{
		Subtotal: priced.Subtotal,
		Discount: priced.DiscountSubtotal.Add(priced.DiscountTotal),
		Shipping: shippingCost,
		Fees:     fees,
		Tax:      taxTotal,
		Total:    priced.Total.Add(fees).Add(shippingCost),
	}
	if !b.PricesIncludeTax {
		extra := taxTotal.Sub(priced.Tax)
		renewal.Totals.Total = renewal.Totals.Total.Add(extra)
	}

	if failed != nil {
		renewal.FailedOrderID = failed.ID
	}
	created, err := b.Orders.CreateRenewal(ctx, renewal)
	if err != nil {
		return order.Order{}, outcomeCreated, fmt.Errorf("renew %s: persist: %w", original.ID, err)
	}
	if failed == nil {
		return created, outcomeCreated, nil
	}
	return created, outcomeLinked, nil
}

// loadFailed returns the failed attempt a renewal retries. It is nil when id is empty or the
// order is not in the failed state, in which case no retry link is made.
func (b *Builder) loadFailed(ctx context.Context, original order.Order, id string) (*order.Order, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	f, err := b.Orders.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("renew %s: failed order %s: %w", original.ID, id, err)
	}
	if f.OriginalID() != original.ID {
		return nil, fmt.Errorf("renew %s: order %s: %w", original.ID, id, ErrFailedOrderMismatch)
	}
	if f.Status != order.StatusFailed {
		return nil, nil
	}
	return &f, nil
}

// loadOriginal returns the purchase that started the subscription, following a renewal back to
// its parent.
func (b *Builder) loadOriginal(ctx context.Context, id string) (order.Order, error) {
	o, err := b.Orders.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return order.Order{}, fmt.Errorf("load order %s: %w", id, err)
	}
	if !o.IsRenewal() {
		return o, nil
	}
	if o.ParentID == "" {
		return order.Order{}, fmt.Errorf("order %s: %w", o.ID, ErrOrphanRenewal)
	}
	parent, err := b.Orders.Get(ctx, o.ParentID)
	if err != nil {
		return order.Order{}, fmt.Errorf("load parent %s of %s: %w", o.ParentID, o.ID, err)
	}
	return parent, nil
}

// resolveShipping re-quotes the original shipping method. The stale cost on the original order
// is never reused.
func (b *Builder) resolveShipping(ctx context.Context, original order.Order, rates []tax.Rate) (order.ShippingLine, tax.Breakdown, error) {
	if b.Shipping == nil {
		return order.ShippingLine{}, tax.Breakdown{}, shipping.ErrUnavailableShipping
	}
	rate, err := shipping.Resolve(ctx, b.Shipping, shipping.RateReq{
		Origin:     b.ShippingOrigin,
		Country:    original.Shipping.Country,
		Postcode:   original.Shipping.Postcode,
		MethodHint: original.ShippingMethod(),
	}, original.ShippingMethod())
	if err != nil {
		return order.ShippingLine{}, tax.Breakdown{}, err
	}
	line := order.ShippingLine{MethodID: rate.MethodID, Label: rate.Label, Cost: rate.Cost, Taxable: rate.Taxable, Tax: pricing.Zero}
	var bd tax.Breakdown
	if rate.Taxable {
		bd = b.Totals.Tax.Calc(rate.Cost, tax.ShippingRates(rates), b.PricesIncludeTax)
		line.Tax = bd.Total
	}
	if b.Logger != nil && rate.MethodID != original.ShippingMethod() {
		logger := obs.WithTrace(ctx, *b.Logger)
		logger.Info().
			Str("order_id", original.ID).
			Str("previous_method", original.ShippingMethod()).
			Str("method", rate.MethodID).
			Msg("renewal shipping method re-resolved")
	}
	return line, bd, nil
}

func (b *Builder) emit(ctx context.Context, o order.Order, linked bool) {
	if b.Events == nil {
		return
	}
	payload := map[string]any{
		"orderId":       o.ID,
		"parentId":      o.ParentID,
		"failedOrderId": o.FailedOrderID,
		"total":         o.Totals.Total.String(),
		"currency":      o.Currency,
	}
	if _, err := b.Events.Emit(ctx, events.TopicOrderRenewalCreated, o.ID, payload); err != nil {
		b.logEmitError(ctx, events.TopicOrderRenewalCreated, err)
	}
	if !linked {
		return
	}
	if _, err := b.Events.Emit(ctx, events.TopicOrderRetryLinked, o.FailedOrderID, map[string]any{
		"failedOrderId": o.FailedOrderID,
		"retriedBy":     o.ID,
	}); err != nil {
		b.logEmitError(ctx, events.TopicOrderRetryLinked, err)
	}
}

func (b *Builder) logEmitError(ctx context.Context, topic string, err error) {
	if b.Logger == nil {
		return
	}
	logger := obs.WithTrace(ctx, *b.Logger)
	logger.Warn().Err(err).Str("topic", topic).Msg("emit renewal event")
}

func (b *Builder) currency(req Request, original order.Order) string {
	for _, c := range []string{req.Currency, b.DefaultCurrency, original.Currency} {
		if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
			return c
		}
	}
	return ""
}

func (b *Builder) now() time.Time {
	if b.Now != nil {
		return b.Now().UTC()
	}
	return time.Now().UTC()
}

func taxLocation(o order.Order) tax.Location {
	addr := o.Shipping
	if addr.Country == "" {
		addr = o.Billing
	}
	return tax.Location{Country: addr.Country, State: addr.State, Postcode: addr.Postcode, City: addr.City}
}

// renewalCart rebuilds the subscription lines of original from their term snapshots. No
// coupons are carried over.
func renewalCart(original order.Order, rates []tax.Rate, inclusive bool) (*cart.Cart, error) {
	c := &cart.Cart{ID: "renewal:" + original.ID, Currency: original.Currency, TaxRates: rates, PricesIncludeTax: inclusive}
	ref := &cart.RenewalRef{OriginalOrderID: original.ID}
	for i, it := range original.Items {
		if it.Term == nil {
			continue
		}
		term := it.Term.Snapshot()
		c.Items = append(c.Items, cart.Item{
			Key:         fmt.Sprintf("%s#%d", it.ProductID, i),
			ProductID:   it.ProductID,
			Name:        it.Name,
			CategoryIDs: append([]string(nil), it.CategoryIDs...),
			Quantity:    it.Quantity,
			Term:        &term,
			BasePrice:   it.UnitPrice,
			Taxable:     it.Taxable,
			Renewal:     ref,
		})
	}
	if len(c.Items) == 0 {
		return nil, fmt.Errorf("renew %s: %w", original.ID, ErrNothingToRenew)
	}
	return c, nil
}

func lineItems(c *cart.Cart, priced totals.Totals) []order.LineItem {
	items := make([]order.LineItem, 0, len(c.Items))
	for i, it := range c.Items {
		li := order.LineItem{
			ProductID:   it.ProductID,
			Name:        it.Name,
			CategoryIDs: it.CategoryIDs,
			Quantity:    it.Quantity,
			UnitPrice:   it.BasePrice,
			Taxable:     it.Taxable,
			Term:        it.Term,
		}
		if i < len(priced.Lines) {
			l := priced.Lines[i]
			li.Subtotal = l.Subtotal
			li.Tax = l.Tax
			li.Total = l.Total
		}
		items = append(items, li)
	}
	return items
}

// taxLines turns merged taxes into order tax lines, in rate order.
func taxLines(rates []tax.Rate, taxes tax.Breakdown) []order.TaxLine {
	var out []order.TaxLine
	for _, r := range rates {
		amount, ok := taxes.ByRate[r.ID]
		if !ok || amount.IsZero() {
			continue
		}
		out = append(out, order.TaxLine{RateID: r.ID, Label: r.Label, Compound: r.Compound, Amount: amount})
	}
	return out
}
