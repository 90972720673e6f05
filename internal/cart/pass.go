package cart

import (
	"context"
	"fmt"
	"slices"

	"github.com/noah-isme/toko-subscriptions/internal/coupon"
	"github.com/noah-isme/toko-subscriptions/internal/pricing"
)

// Removed remembers the coupon set in place before BeginPass filtered it.
type Removed struct {
	Pass     pricing.Pass
	Codes    []string
	original []string
}

// BeginPass narrows the cart's applied coupons to the ones taking part in pass. The cart is
// left untouched when an error is returned.
func BeginPass(ctx context.Context, c *Cart, pass pricing.Pass, store coupon.Store) (Removed, error) {
	removed := Removed{Pass: pass, original: slices.Clone(c.AppliedCoupons)}
	if pass == pricing.PassNone || len(c.AppliedCoupons) == 0 {
		return removed, nil
	}
	freeTrial := c.ContainsFreeTrial()
	signUpFee := c.SignUpFeeTotal().IsPositive()
	renewal := c.ContainsRenewal()
	kept := make([]string, 0, len(c.AppliedCoupons))
	for _, code := range c.AppliedCoupons {
		cp, err := store.Get(ctx, code)
		if err != nil {
			return Removed{}, fmt.Errorf("begin %s pass: %w", pass, err)
		}
		if renewal && cp.IsSubscriptionType() {
			removed.Codes = append(removed.Codes, code)
			continue
		}
		if !coupon.IsApplicable(cp, pass, freeTrial, signUpFee) {
			removed.Codes = append(removed.Codes, code)
			continue
		}
		kept = append(kept, code)
	}
	c.AppliedCoupons = kept
	return removed, nil
}

// EndPass restores the coupon set captured by BeginPass.
func EndPass(c *Cart, removed Removed) {
	c.AppliedCoupons = removed.original
}

// WithPass runs fn with the cart narrowed to pass. The original coupons are restored when fn
// returns, fails or panics.
func WithPass(ctx context.Context, c *Cart, pass pricing.Pass, store coupon.Store, fn func(context.Context) error) error {
	removed, err := BeginPass(ctx, c, pass, store)
	if err != nil {
		return err
	}
	defer EndPass(c, removed)
	return fn(ctx)
}
