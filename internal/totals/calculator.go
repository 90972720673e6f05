// Package totals computes cart totals for each calculation pass of a subscription checkout.
package totals

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/toko-subscriptions/internal/cart"
	"github.com/noah-isme/toko-subscriptions/internal/coupon"
	"github.com/noah-isme/toko-subscriptions/internal/obs"
	"github.com/noah-isme/toko-subscriptions/internal/pricing"
	"github.com/noah-isme/toko-subscriptions/internal/tax"
)

// Line is the priced view of one cart line in a pass.
type Line struct {
	Key               string                   `json:"key"`
	ProductID         string                   `json:"product_id"`
	Quantity          int                      `json:"quantity"`
	Subtotal          pricing.Money            `json:"subtotal"`
	DiscountBeforeTax pricing.Money            `json:"discount_before_tax"`
	Tax               pricing.Money            `json:"tax"`
	Taxes             map[string]pricing.Money `json:"taxes,omitempty"`
	DiscountAfterTax  pricing.Money            `json:"discount_after_tax"`
	Total             pricing.Money            `json:"total"`
}

// Totals is the outcome of one calculation pass.
type Totals struct {
	Pass             pricing.Pass             `json:"pass"`
	Subtotal         pricing.Money            `json:"subtotal"`
	DiscountSubtotal pricing.Money            `json:"discount_subtotal"`
	Tax              pricing.Money            `json:"tax"`
	TaxByRate        map[string]pricing.Money `json:"tax_by_rate,omitempty"`
	DiscountTotal    pricing.Money            `json:"discount_total"`
	Total            pricing.Money            `json:"total"`
	RecurringTotal   pricing.Money            `json:"recurring_total"`
	SignUpTotal      pricing.Money            `json:"sign_up_total"`
	Ledger           *Ledger                  `json:"ledger"`
	Lines            []Line                   `json:"lines"`
}

// Calculator prices carts. Coupons resolves the codes applied to a cart.
type Calculator struct {
	Rounder pricing.Rounder
	Coupons coupon.Store
	Tax     tax.Calculator
	Logger  *zerolog.Logger
}

// New builds a Calculator sharing one rounding precision with its tax engine.
func New(precision int32, coupons coupon.Store, logger *zerolog.Logger) *Calculator {
	r := pricing.NewRounder(precision)
	return &Calculator{Rounder: r, Coupons: coupons, Tax: tax.Calculator{Rounder: r}, Logger: logger}
}

// lineState tracks the residual of one line, split into its sign-up fee and price components.
type lineState struct {
	item     cart.Item
	baseFee  pricing.Money
	basePrc  pricing.Money
	fee      pricing.Money
	price    pricing.Money
	out      Line
	excluded bool
}

func (s *lineState) baseUnit() pricing.Money {
	return s.baseFee.Add(s.basePrc)
}

func (s *lineState) residual() pricing.Money {
	return s.fee.Add(s.price)
}

// ComputeTotals prices c for pass using the coupons currently applied to c.
func (calc *Calculator) ComputeTotals(ctx context.Context, c *cart.Cart, pass pricing.Pass) (Totals, error) {
	if calc == nil || calc.Coupons == nil {
		return Totals{}, errors.New("totals calculator not configured")
	}
	if c == nil {
		return Totals{}, fmt.Errorf("compute %s totals: nil cart", pass)
	}
	ctx, span := otel.Tracer("totals.Calculator").Start(ctx, "Calculator.ComputeTotals")
	defer span.End()
	start := time.Now()
	defer func() {
		if obs.PassDuration != nil {
			obs.PassDuration.WithLabelValues(pass.String()).Observe(obs.DurationMillis(time.Since(start)))
		}
	}()

	coupons, err := calc.activeCoupons(ctx, c, pass)
	if err != nil {
		span.RecordError(err)
		return Totals{}, err
	}

	lines := calc.buildLines(c, pass)
	ledger := NewLedger()
	out := Totals{
		Pass:             pass,
		Subtotal:         pricing.Zero,
		DiscountSubtotal: pricing.Zero,
		Tax:              pricing.Zero,
		TaxByRate:        map[string]pricing.Money{},
		DiscountTotal:    pricing.Zero,
		Total:            pricing.Zero,
		RecurringTotal:   pricing.Zero,
		SignUpTotal:      pricing.Zero,
		Ledger:           ledger,
	}

	out.DiscountSubtotal = calc.sweep(lines, coupons, pass, true, ledger)
	for _, ls := range lines {
		calc.applyTax(ls, c)
	}
	out.DiscountTotal = calc.sweep(lines, coupons, pass, false, ledger)

	taxes := tax.Breakdown{Total: out.Tax, ByRate: out.TaxByRate}
	for _, ls := range lines {
		ls.out.Total = ls.residual()
		out.Subtotal = out.Subtotal.Add(ls.out.Subtotal)
		taxes.Add(tax.Breakdown{Total: ls.out.Tax, ByRate: ls.out.Taxes})
		out.Total = out.Total.Add(ls.out.Total)
		if ls.item.IsSubscription() {
			out.RecurringTotal = out.RecurringTotal.Add(ls.price)
			out.SignUpTotal = out.SignUpTotal.Add(ls.fee)
		}
		out.Lines = append(out.Lines, ls.out)
	}
	out.Tax = taxes.Total

	span.SetAttributes(
		attribute.String("totals.pass", pass.String()),
		attribute.Int("totals.coupons", len(coupons)),
		attribute.String("totals.total", out.Total.String()),
	)
	if calc.Logger != nil {
		calc.Logger.Debug().
			Str("pass", pass.String()).
			Str("cart_id", c.ID).
			Strs("coupons", ledger.Codes()).
			Str("discount", calc.Rounder.String(ledger.Total())).
			Str("total", calc.Rounder.String(out.Total)).
			Msg("totals computed")
	}
	return out, nil
}

// activeCoupons resolves the applied codes that take part in pass, keeping application order.
func (calc *Calculator) activeCoupons(ctx context.Context, c *cart.Cart, pass pricing.Pass) ([]coupon.Coupon, error) {
	freeTrial := c.ContainsFreeTrial()
	signUpFee := c.SignUpFeeTotal().IsPositive()
	renewal := c.ContainsRenewal()
	out := make([]coupon.Coupon, 0, len(c.AppliedCoupons))
	for _, code := range c.AppliedCoupons {
		cp, err := calc.Coupons.Get(ctx, code)
		if err != nil {
			return nil, fmt.Errorf("load coupon %s: %w", code, err)
		}
		if renewal && cp.IsSubscriptionType() {
			continue
		}
		if !coupon.IsApplicable(cp, pass, freeTrial, signUpFee) {
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}

// buildLines resolves the per-unit base of every line for pass.
func (calc *Calculator) buildLines(c *cart.Cart, pass pricing.Pass) []*lineState {
	lines := make([]*lineState, 0, len(c.Items))
	for i, it := range c.Items {
		key := it.Key
		if key == "" {
			key = fmt.Sprintf("%s#%d", it.ProductID, i)
		}
		ls := &lineState{item: it, baseFee: pricing.Zero, basePrc: pricing.Zero}
		switch {
		case !it.IsSubscription():
			if pass.InitialPayment() {
				ls.basePrc = it.BasePrice
			} else {
				ls.excluded = true
			}
		case pass == pricing.PassRecurringTotal:
			ls.basePrc = it.BasePrice
		case pass == pricing.PassSignUpFeeTotal:
			if it.Renewal == nil {
				ls.baseFee = it.BaseSignUpFee
			}
		default:
			if it.Renewal == nil {
				ls.baseFee = it.BaseSignUpFee
			}
			if !it.InFreeTrial() {
				ls.basePrc = it.BasePrice
			}
		}
		qty := pricing.Qty(it.Quantity)
		ls.fee = ls.baseFee.Mul(qty)
		ls.price = ls.basePrc.Mul(qty)
		ls.out = Line{
			Key:               key,
			ProductID:         it.ProductID,
			Quantity:          it.Quantity,
			Subtotal:          ls.residual(),
			DiscountBeforeTax: pricing.Zero,
			Tax:               pricing.Zero,
			DiscountAfterTax:  pricing.Zero,
		}
		lines = append(lines, ls)
	}
	return lines
}

// sweep applies every coupon whose AppliesBeforeTax flag equals beforeTax and returns the
// total discount granted.
func (calc *Calculator) sweep(lines []*lineState, coupons []coupon.Coupon, pass pricing.Pass, beforeTax bool, ledger *Ledger) pricing.Money {
	total := pricing.Zero
	for _, cp := range coupons {
		if cp.AppliesBeforeTax != beforeTax {
			continue
		}
		var cartShares map[*lineState]pricing.Money
		if cp.Type == coupon.FixedCart {
			cartShares = calc.distribute(lines, cp)
		}
		for _, ls := range lines {
			if !eligible(ls, cp) || ledger.Counted(cp.Code, ls.out.Key) {
				continue
			}
			d := calc.discountLine(ls, cp, pass, cartShares[ls])
			ledger.Add(cp.Code, ls.out.Key, d)
			if beforeTax {
				ls.out.DiscountBeforeTax = ls.out.DiscountBeforeTax.Add(d)
			} else {
				ls.out.DiscountAfterTax = ls.out.DiscountAfterTax.Add(d)
			}
			total = total.Add(d)
			if d.IsPositive() && obs.CouponDiscountTotal != nil {
				obs.CouponDiscountTotal.WithLabelValues(string(cp.Type), pass.String()).Inc()
			}
		}
	}
	return total
}

func eligible(ls *lineState, cp coupon.Coupon) bool {
	if ls.excluded || ls.item.Quantity <= 0 {
		return false
	}
	if cp.IsSubscriptionType() && !ls.item.IsSubscription() {
		return false
	}
	return cp.Matches(ls.item.ProductID, ls.item.CategoryIDs)
}

// discountLine computes and subtracts the discount cp grants on ls. cartShare is the line's
// portion of a fixed_cart amount.
func (calc *Calculator) discountLine(ls *lineState, cp coupon.Coupon, pass pricing.Pass, cartShare pricing.Money) pricing.Money {
	qty := pricing.Qty(ls.item.Quantity)
	switch cp.Type {
	case coupon.SignUpFee:
		return take(&ls.fee, cp.Amount.Mul(qty))
	case coupon.RecurringFee:
		return take(&ls.price, cp.Amount.Mul(qty))
	case coupon.SignUpFeePercent:
		base, ok := calc.percentBase(ls, pass == pricing.PassSignUpFeeTotal, ls.baseFee)
		if !ok {
			return pricing.Zero
		}
		return take(&ls.fee, calc.Rounder.Percent(base, cp.Amount).Mul(qty))
	case coupon.RecurringPercent:
		base, ok := calc.percentBase(ls, pass == pricing.PassRecurringTotal, ls.basePrc)
		if !ok {
			return pricing.Zero
		}
		return take(&ls.price, calc.Rounder.Percent(base, cp.Amount).Mul(qty))
	case coupon.Percent:
		return calc.takeSplit(ls, calc.Rounder.Percent(ls.baseUnit(), cp.Amount).Mul(qty))
	case coupon.FixedProduct:
		return calc.takeSplit(ls, cp.Amount.Mul(qty))
	case coupon.FixedCart:
		return calc.takeSplit(ls, cartShare)
	default:
		return pricing.Zero
	}
}

// percentBase returns the amount a subscription percent coupon is taken from. On a direct pass
// it is the component itself. On a combined payment the coupon only discounts the component's
// share of the bundled base; ok is false when that base is zero.
func (calc *Calculator) percentBase(ls *lineState, direct bool, component pricing.Money) (pricing.Money, bool) {
	if direct {
		return component, true
	}
	baseTotal := ls.baseUnit()
	if !baseTotal.IsPositive() {
		return pricing.Zero, false
	}
	portion := component.Div(baseTotal)
	return calc.Rounder.Round(baseTotal.Mul(portion)), true
}

// distribute spreads a fixed_cart amount over the eligible lines in proportion to their
// residual. The last eligible line absorbs rounding.
func (calc *Calculator) distribute(lines []*lineState, cp coupon.Coupon) map[*lineState]pricing.Money {
	var (
		targets []*lineState
		weight  = pricing.Zero
	)
	for _, ls := range lines {
		if eligible(ls, cp) && ls.residual().IsPositive() {
			targets = append(targets, ls)
			weight = weight.Add(ls.residual())
		}
	}
	shares := make(map[*lineState]pricing.Money, len(targets))
	if len(targets) == 0 {
		return shares
	}
	amount := pricing.Min(cp.Amount, weight)
	left := amount
	for i, ls := range targets {
		if i == len(targets)-1 {
			shares[ls] = left
			break
		}
		share := calc.Rounder.Round(amount.Mul(ls.residual()).Div(weight))
		share = pricing.Min(share, left)
		shares[ls] = share
		left = left.Sub(share)
	}
	return shares
}

// takeSplit subtracts want from the line, spreading it over both components in proportion to
// their residual.
func (calc *Calculator) takeSplit(ls *lineState, want pricing.Money) pricing.Money {
	residual := ls.residual()
	want = pricing.Min(pricing.Floor0(want), residual)
	if !want.IsPositive() {
		return pricing.Zero
	}
	feePart := calc.Rounder.Round(want.Mul(ls.fee).Div(residual))
	feePart = pricing.Min(feePart, ls.fee)
	pricePart := want.Sub(feePart)
	if pricePart.GreaterThan(ls.price) {
		pricePart = ls.price
		feePart = want.Sub(pricePart)
	}
	ls.fee = ls.fee.Sub(feePart)
	ls.price = ls.price.Sub(pricePart)
	return want
}

// take subtracts up to want from component, never taking it below zero.
func take(component *pricing.Money, want pricing.Money) pricing.Money {
	d := pricing.Min(*component, pricing.Floor0(want))
	if d.IsNegative() {
		return pricing.Zero
	}
	*component = component.Sub(d)
	return d
}

// applyTax taxes the discounted line. Exclusive tax is added to the components so that
// after-tax coupons discount the gross amount.
func (calc *Calculator) applyTax(ls *lineState, c *cart.Cart) {
	if ls.excluded || !ls.item.Taxable || len(c.TaxRates) == 0 {
		return
	}
	net := ls.residual()
	b := calc.Tax.Calc(net, c.TaxRates, c.PricesIncludeTax)
	ls.out.Tax = b.Total
	ls.out.Taxes = b.ByRate
	if c.PricesIncludeTax || !b.Total.IsPositive() {
		return
	}
	feeTax := calc.Rounder.Round(b.Total.Mul(ls.fee).Div(net))
	ls.fee = ls.fee.Add(feeTax)
	ls.price = ls.price.Add(b.Total.Sub(feeTax))
}
