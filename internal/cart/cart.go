package cart

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/noah-isme/toko-subscriptions/internal/coupon"
	"github.com/noah-isme/toko-subscriptions/internal/pricing"
	"github.com/noah-isme/toko-subscriptions/internal/subscription"
	"github.com/noah-isme/toko-subscriptions/internal/tax"
)

var (
	// ErrInvalidInput is returned when the provided payload is invalid.
	ErrInvalidInput = errors.New("invalid input")
	// ErrDuplicateCoupon is returned when a code is already applied to the cart.
	ErrDuplicateCoupon = errors.New("coupon already applied")
)

// Product is what the catalog knows about a purchasable item.
type Product struct {
	ID          string
	Name        string
	CategoryIDs []string
	Price       pricing.Money
	Term        *subscription.BillingTerm
	Taxable     bool
}

// Catalog looks up products by identifier.
type Catalog interface {
	Product(ctx context.Context, id string) (Product, error)
}

// RenewalRef marks a line as the payment of an existing subscription.
type RenewalRef struct {
	OriginalOrderID string
	FailedOrderID   string
}

// Item is one line of a cart. Term is a snapshot taken when the line was added.
type Item struct {
	Key           string
	ProductID     string
	Name          string
	CategoryIDs   []string
	Quantity      int
	Term          *subscription.BillingTerm
	BasePrice     pricing.Money
	BaseSignUpFee pricing.Money
	Taxable       bool
	Renewal       *RenewalRef
}

// IsSubscription reports whether the line bills on a schedule.
func (i Item) IsSubscription() bool {
	return i.Term != nil
}

// InFreeTrial reports whether the first recurring charge of the line is deferred.
func (i Item) InFreeTrial() bool {
	return i.Term != nil && i.Term.HasFreeTrial() && i.Renewal == nil
}

// Cart is a snapshot of the shopper's cart used for one calculation.
type Cart struct {
	ID               string
	Currency         string
	Items            []Item
	AppliedCoupons   []string
	TaxRates         []tax.Rate
	PricesIncludeTax bool
}

// AddProduct appends qty of p, snapshotting its billing term. Adding a product already in the
// cart increases the quantity of the existing line.
func (c *Cart) AddProduct(p Product, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("qty must be positive: %w", ErrInvalidInput)
	}
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("product id required: %w", ErrInvalidInput)
	}
	for i := range c.Items {
		if c.Items[i].Key == p.ID && c.Items[i].Renewal == nil {
			c.Items[i].Quantity += qty
			return nil
		}
	}
	item := Item{
		Key:         p.ID,
		ProductID:   p.ID,
		Name:        p.Name,
		CategoryIDs: slices.Clone(p.CategoryIDs),
		Quantity:    qty,
		BasePrice:   p.Price,
		Taxable:     p.Taxable,
	}
	if p.Term != nil {
		if err := p.Term.Validate(); err != nil {
			return fmt.Errorf("product %s: %w", p.ID, err)
		}
		term := p.Term.Snapshot()
		item.Term = &term
		item.BaseSignUpFee = term.SignUpFee
	}
	c.Items = append(c.Items, item)
	return nil
}

// ApplyCoupon appends code to the applied coupons, keeping application order.
func (c *Cart) ApplyCoupon(code string) error {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return fmt.Errorf("coupon code required: %w", ErrInvalidInput)
	}
	if slices.Contains(c.AppliedCoupons, code) {
		return ErrDuplicateCoupon
	}
	c.AppliedCoupons = append(c.AppliedCoupons, code)
	return nil
}

// RemoveCoupon drops code from the applied coupons.
func (c *Cart) RemoveCoupon(code string) {
	code = strings.ToLower(strings.TrimSpace(code))
	c.AppliedCoupons = slices.DeleteFunc(c.AppliedCoupons, func(s string) bool { return s == code })
}

// ContainsSubscription reports whether any line is a subscription.
func (c *Cart) ContainsSubscription() bool {
	return slices.ContainsFunc(c.Items, Item.IsSubscription)
}

// ContainsRenewal reports whether any line pays for an existing subscription.
func (c *Cart) ContainsRenewal() bool {
	return slices.ContainsFunc(c.Items, func(i Item) bool { return i.Renewal != nil })
}

// ContainsFreeTrial reports whether any line starts with a free trial.
func (c *Cart) ContainsFreeTrial() bool {
	return slices.ContainsFunc(c.Items, Item.InFreeTrial)
}

// SignUpFeeTotal sums the sign-up fees charged by the cart.
func (c *Cart) SignUpFeeTotal() pricing.Money {
	total := pricing.Zero
	for _, it := range c.Items {
		if it.IsSubscription() && it.Renewal == nil {
			total = total.Add(it.BaseSignUpFee.Mul(pricing.Qty(it.Quantity)))
		}
	}
	return total
}

// OnlyFreeTrialWithoutSignUp reports whether the first payment of the cart is nothing but free
// trials with no sign-up fee.
func (c *Cart) OnlyFreeTrialWithoutSignUp() bool {
	if len(c.Items) == 0 {
		return false
	}
	for _, it := range c.Items {
		if !it.InFreeTrial() {
			return false
		}
	}
	return !c.SignUpFeeTotal().IsPositive()
}

// InitialSubtotal is the undiscounted first payment excluding tax.
func (c *Cart) InitialSubtotal() pricing.Money {
	total := pricing.Zero
	for _, it := range c.Items {
		unit := it.BasePrice
		if it.IsSubscription() && it.Renewal == nil {
			unit = it.BaseSignUpFee
			if !it.InFreeTrial() {
				unit = unit.Add(it.BasePrice)
			}
		}
		total = total.Add(unit.Mul(pricing.Qty(it.Quantity)))
	}
	return total
}

// CouponContext summarises the cart for coupon validation.
func (c *Cart) CouponContext() coupon.CartContext {
	lines := make([]coupon.Line, 0, len(c.Items))
	for _, it := range c.Items {
		lines = append(lines, coupon.Line{ProductID: it.ProductID, CategoryIDs: it.CategoryIDs})
	}
	return coupon.CartContext{
		Subtotal:                   c.InitialSubtotal(),
		Lines:                      lines,
		ContainsSubscription:       c.ContainsSubscription(),
		ContainsRenewal:            c.ContainsRenewal(),
		SignUpFeeTotal:             c.SignUpFeeTotal(),
		OnlyFreeTrialWithoutSignUp: c.OnlyFreeTrialWithoutSignUp(),
	}
}
