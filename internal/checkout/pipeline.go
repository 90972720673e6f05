// Package checkout turns a priced cart into a checkout order through an ordered list of stages.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/toko-subscriptions/internal/cart"
	"github.com/noah-isme/toko-subscriptions/internal/common"
	"github.com/noah-isme/toko-subscriptions/internal/coupon"
	"github.com/noah-isme/toko-subscriptions/internal/events"
	"github.com/noah-isme/toko-subscriptions/internal/obs"
	"github.com/noah-isme/toko-subscriptions/internal/order"
	"github.com/noah-isme/toko-subscriptions/internal/payment"
	"github.com/noah-isme/toko-subscriptions/internal/pricing"
	"github.com/noah-isme/toko-subscriptions/internal/shipping"
	"github.com/noah-isme/toko-subscriptions/internal/tax"
	"github.com/noah-isme/toko-subscriptions/internal/totals"
)

// Client describes the shopper's connection.
type Client struct {
	IP        string
	UserAgent string
}

// Input is one checkout attempt.
type Input struct {
	Cart           *cart.Cart
	CustomerID     string
	Billing        order.Address
	Shipping       order.Address
	PaymentMethod  string
	ShippingMethod string
	Client         Client
}

// State is shared by the stages of one run.
type State struct {
	Input    Input
	Toggles  *Toggles
	Gateway  payment.Gateway
	Quote    totals.Quote
	Shipping *shipping.Rate
	Order    order.Order
}

// Stage is one named step of the pipeline.
type Stage struct {
	Name string
	Run  func(ctx context.Context, st *State) error
}

// Gateways resolves the payment method chosen at checkout.
type Gateways interface {
	Resolve(ctx context.Context, id string) (payment.Gateway, error)
}

// Deps are the collaborators of the default stages.
type Deps struct {
	Validator *coupon.Validator
	Totals    *totals.Calculator
	Orders    order.Store
	Gateways  Gateways
	Shipping  shipping.Client
	Events    *events.Bus
	Defaults  Settings
	Logger    *zerolog.Logger
}

// Pipeline runs its stages in order and stops at the first failure.
type Pipeline struct {
	Stages   []Stage
	Defaults Settings
	Logger   *zerolog.Logger
}

// NewPipeline declares the default stage order: validate, totals, persist.
func NewPipeline(d Deps) *Pipeline {
	s := &stages{deps: d}
	return &Pipeline{
		Stages: []Stage{
			{Name: "validate", Run: s.validate},
			{Name: "totals", Run: s.totals},
			{Name: "persist", Run: s.persist},
		},
		Defaults: d.Defaults,
		Logger:   d.Logger,
	}
}

// Run executes every stage for in and returns the persisted order. Carts with subscriptions
// run with guest checkout disabled and registration required; the store defaults are restored
// when Run returns.
func (p *Pipeline) Run(ctx context.Context, in Input) (order.Order, error) {
	if p == nil || len(p.Stages) == 0 {
		return order.Order{}, errors.New("checkout pipeline not configured")
	}
	if in.Cart == nil || len(in.Cart.Items) == 0 {
		return order.Order{}, common.NewAppError(common.CodeInvalidInput, "Your cart is empty.", cart.ErrInvalidInput)
	}
	ctx, span := otel.Tracer("checkout.Pipeline").Start(ctx, "Pipeline.Run")
	defer span.End()
	span.SetAttributes(attribute.String("checkout.cart_id", in.Cart.ID))

	st := &State{Input: in, Toggles: NewToggles(p.Defaults)}
	if in.Cart.ContainsSubscription() {
		guard := st.Toggles.Push(subscriptionSettings)
		defer guard.Pop()
	}

	for _, stage := range p.Stages {
		if err := stage.Run(ctx, st); err != nil {
			span.RecordError(err)
			span.SetAttributes(attribute.String("checkout.failed_stage", stage.Name))
			if p.Logger != nil {
				logger := p.Logger.With().Str("component", "checkout").Logger()
				logger.Debug().Err(err).Str("stage", stage.Name).Str("cart_id", in.Cart.ID).Msg("checkout stage failed")
			}
			if common.IsAppError(err) {
				return order.Order{}, err
			}
			return order.Order{}, fmt.Errorf("checkout %s: %w", stage.Name, err)
		}
	}
	span.SetAttributes(attribute.String("checkout.order_id", st.Order.ID))
	return st.Order, nil
}

type stages struct {
	deps Deps
}

func (s *stages) validate(ctx context.Context, st *State) error {
	in := st.Input
	settings := st.Toggles.Current()
	if strings.TrimSpace(in.CustomerID) == "" && (settings.RegistrationRequired || !settings.GuestCheckout) {
		msg := "You must be logged in to checkout."
		if in.Cart.ContainsSubscription() {
			msg = "You must be logged in to purchase a subscription."
		}
		return common.NewAppError(common.CodeInvalidInput, msg, cart.ErrInvalidInput)
	}

	for _, it := range in.Cart.Items {
		if it.Term == nil {
			continue
		}
		if err := it.Term.Validate(); err != nil {
			return common.NewAppError(common.CodeMissingBillingTerm,
				fmt.Sprintf("%s cannot be purchased right now.", displayName(it)), err)
		}
	}

	if s.deps.Validator != nil {
		cc := in.Cart.CouponContext()
		for _, code := range in.Cart.AppliedCoupons {
			if _, err := s.deps.Validator.Check(ctx, code, cc); err != nil {
				var ce *coupon.ContextError
				if !errors.As(err, &ce) {
					return fmt.Errorf("check coupon %s: %w", code, err)
				}
				s.rejected(ctx, in.Cart.ID, ce)
				return common.NewAppError(common.CodeInvalidCoupon, ce.Message, err)
			}
		}
	}

	if s.deps.Gateways != nil {
		g, err := s.deps.Gateways.Resolve(ctx, in.PaymentMethod)
		if err != nil {
			if errors.Is(err, payment.ErrUnavailableGateway) {
				return common.NewAppError(common.CodeUnavailableGateway, "The selected payment method is not available.", err)
			}
			return err
		}
		st.Gateway = g
	}
	return nil
}

func (s *stages) totals(ctx context.Context, st *State) error {
	if s.deps.Totals == nil {
		return errors.New("totals calculator not configured")
	}
	q, err := s.deps.Totals.Quote(ctx, st.Input.Cart)
	if err != nil {
		return err
	}
	st.Quote = q
	if s.deps.Shipping == nil || strings.TrimSpace(st.Input.ShippingMethod) == "" {
		return nil
	}
	rate, err := shipping.Resolve(ctx, s.deps.Shipping, shipping.RateReq{
		Country:     st.Input.Shipping.Country,
		Postcode:    st.Input.Shipping.Postcode,
		MethodHint:  st.Input.ShippingMethod,
		PackageCost: q.Initial.Subtotal,
	}, st.Input.ShippingMethod)
	if err != nil {
		return err
	}
	st.Shipping = &rate
	return nil
}

func (s *stages) persist(ctx context.Context, st *State) error {
	if s.deps.Orders == nil {
		return errors.New("order store not configured")
	}
	in := st.Input
	initial := st.Quote.Initial
	o := order.Order{
		Kind:       order.KindCheckout,
		Status:     order.StatusPending,
		Currency:   in.Cart.Currency,
		Billing:    in.Billing,
		Shipping:   in.Shipping,
		Coupons:    append([]string(nil), in.Cart.AppliedCoupons...),
		CustomerIP: strings.TrimSpace(in.Client.IP),
		UserAgent:  strings.TrimSpace(in.Client.UserAgent),
	}
	if st.Gateway != nil {
		o.PaymentMethod = st.Gateway.ID()
	} else {
		o.PaymentMethod = in.PaymentMethod
	}
	for i, it := range in.Cart.Items {
		li := order.LineItem{
			ProductID:   it.ProductID,
			Name:        it.Name,
			CategoryIDs: it.CategoryIDs,
			Quantity:    it.Quantity,
			UnitPrice:   it.BasePrice,
			Taxable:     it.Taxable,
		}
		if it.Term != nil {
			term := it.Term.Snapshot()
			li.Term = &term
		}
		if i < len(initial.Lines) {
			li.Subtotal = initial.Lines[i].Subtotal
			li.Tax = initial.Lines[i].Tax
			li.Total = initial.Lines[i].Total
		}
		o.Items = append(o.Items, li)
	}

	taxByRate := map[string]pricing.Money{}
	for id, amount := range initial.TaxByRate {
		taxByRate[id] = amount
	}
	total := initial.Total
	shippingCost := pricing.Zero
	if st.Shipping != nil {
		line := order.ShippingLine{MethodID: st.Shipping.MethodID, Label: st.Shipping.Label, Cost: st.Shipping.Cost, Taxable: st.Shipping.Taxable, Tax: pricing.Zero}
		if st.Shipping.Taxable {
			bd := s.deps.Totals.Tax.Calc(st.Shipping.Cost, tax.ShippingRates(in.Cart.TaxRates), in.Cart.PricesIncludeTax)
			line.Tax = bd.Total
			for id, amount := range bd.ByRate {
				taxByRate[id] = taxByRate[id].Add(amount)
			}
			if !in.Cart.PricesIncludeTax {
				total = total.Add(bd.Total)
			}
		}
		shippingCost = line.Cost
		total = total.Add(line.Cost)
		o.ShippingLines = []order.ShippingLine{line}
	}

	taxTotal := pricing.Zero
	for _, r := range in.Cart.TaxRates {
		amount, ok := taxByRate[r.ID]
		if !ok || amount.IsZero() {
			continue
		}
		taxTotal = taxTotal.Add(amount)
		o.TaxLines = append(o.TaxLines, order.TaxLine{RateID: r.ID, Label: r.Label, Compound: r.Compound, Amount: amount})
	}
	o.Totals = order.Totals{
		Subtotal: initial.Subtotal,
		Discount: initial.DiscountSubtotal.Add(initial.DiscountTotal),
		Shipping: shippingCost,
		Fees:     pricing.Zero,
		Tax:      taxTotal,
		Total:    total,
	}

	created, err := s.deps.Orders.Create(ctx, o)
	if err != nil {
		return fmt.Errorf("persist order: %w", err)
	}
	st.Order = created
	s.recordUsage(ctx, created.Coupons)

	if s.deps.Events != nil {
		if _, err := s.deps.Events.Emit(ctx, events.TopicOrderCreated, created.ID, map[string]any{
			"orderId":    created.ID,
			"customerId": in.CustomerID,
			"total":      created.Totals.Total.String(),
			"recurring":  st.Quote.Recurring.Total.String(),
			"currency":   created.Currency,
		}); err != nil {
			s.log().Warn().Err(err).Str("order_id", created.ID).Msg("emit order created")
		}
	}
	return nil
}

func (s *stages) recordUsage(ctx context.Context, codes []string) {
	if s.deps.Validator == nil {
		return
	}
	rec, ok := s.deps.Validator.Store.(coupon.UsageRecorder)
	if !ok {
		return
	}
	for _, code := range codes {
		if err := rec.IncreaseUsage(ctx, code); err != nil {
			s.log().Warn().Err(err).Str("coupon", code).Msg("record coupon usage")
		}
	}
}

func (s *stages) rejected(ctx context.Context, cartID string, ce *coupon.ContextError) {
	if obs.CouponRejectedTotal != nil {
		obs.CouponRejectedTotal.WithLabelValues(ce.Reason).Inc()
	}
	if s.deps.Events == nil {
		return
	}
	if _, err := s.deps.Events.Emit(ctx, events.TopicCouponRejected, cartID, map[string]any{
		"code":   ce.Code,
		"reason": ce.Reason,
	}); err != nil {
		s.log().Warn().Err(err).Str("coupon", ce.Code).Msg("emit coupon rejected")
	}
}

func (s *stages) log() *zerolog.Logger {
	if s.deps.Logger == nil {
		nop := zerolog.Nop()
		return &nop
	}
	return s.deps.Logger
}

func displayName(it cart.Item) string {
	if it.Name != "" {
		return it.Name
	}
	return it.ProductID
}
