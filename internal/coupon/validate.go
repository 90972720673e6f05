package coupon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/noah-isme/toko-subscriptions/internal/pricing"
)

// ContextError reports a coupon that cannot be used with the current cart. Message is meant
// to be shown to the customer as is.
type ContextError struct {
	Code    string
	Reason  string
	Message string
}

func (e *ContextError) Error() string {
	return e.Message
}

// Is makes errors.Is(err, ErrInvalidForContext) hold for every ContextError.
func (e *ContextError) Is(target error) bool {
	return target == ErrInvalidForContext
}

// Line is the part of a cart line the validator needs for scope checks.
type Line struct {
	ProductID   string
	CategoryIDs []string
}

// CartContext summarises the cart a coupon is being applied to.
type CartContext struct {
	Subtotal                   pricing.Money
	Lines                      []Line
	ContainsSubscription       bool
	ContainsRenewal            bool
	SignUpFeeTotal             pricing.Money
	OnlyFreeTrialWithoutSignUp bool
}

// Validator checks a coupon against its validity window and the cart it is applied to.
type Validator struct {
	Store Store
	Now   func() time.Time
}

// Check loads code and validates it for cc.
func (v *Validator) Check(ctx context.Context, code string, cc CartContext) (Coupon, error) {
	if v == nil || v.Store == nil {
		return Coupon{}, errors.New("coupon validator not configured")
	}
	c, err := v.Store.Get(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Coupon{}, &ContextError{Code: code, Reason: "not_found", Message: fmt.Sprintf("Coupon %q does not exist.", code)}
		}
		return Coupon{}, err
	}
	return c, v.Validate(c, cc)
}

// Validate returns nil when c may be applied to the cart described by cc.
func (v *Validator) Validate(c Coupon, cc CartContext) error {
	if err := c.Validate(v.now(), cc.Subtotal); err != nil {
		return &ContextError{Code: c.Code, Reason: "validity", Message: validityMessage(err)}
	}
	if len(cc.Lines) > 0 && !anyLineMatches(c, cc.Lines) {
		return &ContextError{Code: c.Code, Reason: "scope", Message: "Sorry, this coupon is not applicable to selected products."}
	}
	if !c.IsSubscriptionType() {
		return nil
	}
	switch {
	case cc.ContainsRenewal:
		return &ContextError{Code: c.Code, Reason: "renewal", Message: "Sorry, this coupon is only valid for new subscriptions."}
	case !cc.ContainsSubscription:
		return &ContextError{Code: c.Code, Reason: "no_subscription", Message: "Sorry, this coupon is only valid for subscription products."}
	case Classify(c) == SignUp && !cc.SignUpFeeTotal.IsPositive():
		return &ContextError{Code: c.Code, Reason: "no_sign_up_fee", Message: "Sorry, this coupon is only valid for subscription products with a sign-up fee."}
	case Classify(c) == Recurring && cc.OnlyFreeTrialWithoutSignUp:
		return &ContextError{Code: c.Code, Reason: "free_trial", Message: "Sorry, this coupon cannot be applied to a cart that only contains free trials."}
	}
	return nil
}

func (v *Validator) now() time.Time {
	if v != nil && v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func anyLineMatches(c Coupon, lines []Line) bool {
	for _, l := range lines {
		if c.Matches(l.ProductID, l.CategoryIDs) {
			return true
		}
	}
	return false
}

func validityMessage(err error) string {
	switch {
	case errors.Is(err, ErrMinimumSpendUnmet):
		return "The minimum spend for this coupon has not been met."
	case errors.Is(err, ErrCouponInactive):
		return "This coupon is not active yet."
	case errors.Is(err, ErrCouponExpired):
		return "This coupon has expired."
	case errors.Is(err, ErrUsageLimitReached):
		return "Coupon usage limit has been reached."
	default:
		return err.Error()
	}
}
