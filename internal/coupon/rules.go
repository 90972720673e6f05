package coupon

import (
	"slices"
	"time"

	"github.com/noah-isme/toko-subscriptions/internal/pricing"
)

// IsApplicable decides whether c takes part in the given calculation pass.
func IsApplicable(c Coupon, pass pricing.Pass, cartHasFreeTrial, cartHasSignUpFee bool) bool {
	switch Classify(c) {
	case Recurring:
		switch pass {
		case pricing.PassRecurringTotal:
			return true
		case pricing.PassCombinedTotal, pricing.PassNone:
			// the first payment only carries a recurring charge when nothing is on trial
			return !cartHasFreeTrial
		default:
			return false
		}
	case SignUp:
		switch pass {
		case pricing.PassSignUpFeeTotal:
			return true
		case pricing.PassCombinedTotal, pricing.PassNone:
			return cartHasSignUpFee
		default:
			return false
		}
	default:
		return pass != pricing.PassRecurringTotal
	}
}

// Matches reports whether a line for productID in categories falls inside the coupon scope.
// Empty include lists match everything; exclusions always win.
func (c Coupon) Matches(productID string, categories []string) bool {
	if slices.Contains(c.ExcludedProductIDs, productID) {
		return false
	}
	for _, cat := range categories {
		if slices.Contains(c.ExcludedCategoryIDs, cat) {
			return false
		}
	}
	if len(c.ProductIDs) == 0 && len(c.CategoryIDs) == 0 {
		return true
	}
	if slices.Contains(c.ProductIDs, productID) {
		return true
	}
	for _, cat := range categories {
		if slices.Contains(c.CategoryIDs, cat) {
			return true
		}
	}
	return false
}

// Validate ensures the coupon can be used at the provided instant and cart subtotal.
func (c Coupon) Validate(now time.Time, cartTotal pricing.Money) error {
	if cartTotal.LessThan(c.MinSpend) {
		return ErrMinimumSpendUnmet
	}
	if c.ValidFrom != nil && now.Before(*c.ValidFrom) {
		return ErrCouponInactive
	}
	if c.ValidTo != nil && now.After(*c.ValidTo) {
		return ErrCouponExpired
	}
	if c.UsageLimit != nil && *c.UsageLimit >= 0 && c.UsedCount >= *c.UsageLimit {
		return ErrUsageLimitReached
	}
	return nil
}
