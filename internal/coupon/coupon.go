package coupon

import (
	"errors"
	"strings"
	"time"

	"github.com/noah-isme/toko-subscriptions/internal/pricing"
)

var (
	// ErrNotFound is returned when no coupon exists for the code.
	ErrNotFound = errors.New("coupon not found")
	// ErrUsageLimitReached indicates the coupon has exhausted the global usage quota.
	ErrUsageLimitReached = errors.New("coupon usage limit reached")
	// ErrCouponInactive is returned when attempting to use a coupon before its active window.
	ErrCouponInactive = errors.New("coupon not active")
	// ErrCouponExpired is returned when the coupon has already expired.
	ErrCouponExpired = errors.New("coupon expired")
	// ErrMinimumSpendUnmet indicates the cart total did not meet the coupon requirement.
	ErrMinimumSpendUnmet = errors.New("coupon minimum spend not met")
	// ErrInvalidForContext is matched by every *ContextError.
	ErrInvalidForContext = errors.New("coupon invalid for cart")
)

// Type is the discount strategy of a coupon.
type Type string

const (
	FixedCart        Type = "fixed_cart"
	FixedProduct     Type = "fixed_product"
	Percent          Type = "percent"
	RecurringFee     Type = "recurring_fee"
	RecurringPercent Type = "recurring_percent"
	SignUpFee        Type = "sign_up_fee"
	SignUpFeePercent Type = "sign_up_fee_percent"
)

// Valid reports whether t is a known coupon type.
func (t Type) Valid() bool {
	switch t {
	case FixedCart, FixedProduct, Percent, RecurringFee, RecurringPercent, SignUpFee, SignUpFeePercent:
		return true
	}
	return false
}

// IsPercent reports whether the amount is a percentage rather than a currency value.
func (t Type) IsPercent() bool {
	return t == Percent || t == RecurringPercent || t == SignUpFeePercent
}

// ParseType normalises a stored type name.
func ParseType(value string) (Type, bool) {
	t := Type(strings.ToLower(strings.TrimSpace(value)))
	return t, t.Valid()
}

// Class groups coupon types by which part of a subscription they discount.
type Class int

const (
	// Core coupons are ordinary store coupons.
	Core Class = iota
	// Recurring coupons discount the per-period charge.
	Recurring
	// SignUp coupons discount the one-time sign-up fee.
	SignUp
)

func (c Class) String() string {
	switch c {
	case Recurring:
		return "recurring"
	case SignUp:
		return "sign_up"
	default:
		return "core"
	}
}

// Coupon captures a discount code and its runtime constraints.
type Coupon struct {
	Code                string        `json:"code"`
	Type                Type          `json:"type"`
	Amount              pricing.Money `json:"amount"`
	AppliesBeforeTax    bool          `json:"applies_before_tax"`
	ProductIDs          []string      `json:"product_ids,omitempty"`
	ExcludedProductIDs  []string      `json:"excluded_product_ids,omitempty"`
	CategoryIDs         []string      `json:"category_ids,omitempty"`
	ExcludedCategoryIDs []string      `json:"excluded_category_ids,omitempty"`
	MinSpend            pricing.Money `json:"min_spend"`
	UsageLimit          *int32        `json:"usage_limit,omitempty"`
	UsedCount           int32         `json:"used_count"`
	ValidFrom           *time.Time    `json:"valid_from,omitempty"`
	ValidTo             *time.Time    `json:"valid_to,omitempty"`
}

// Classify returns the subscription class of c.
func Classify(c Coupon) Class {
	switch c.Type {
	case RecurringFee, RecurringPercent:
		return Recurring
	case SignUpFee, SignUpFeePercent:
		return SignUp
	default:
		return Core
	}
}

// IsSubscriptionType reports whether c only makes sense against subscription products.
func (c Coupon) IsSubscriptionType() bool {
	return Classify(c) != Core
}
