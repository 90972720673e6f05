package totals

import (
	"context"

	"github.com/noah-isme/toko-subscriptions/internal/cart"
	"github.com/noah-isme/toko-subscriptions/internal/pricing"
)

// Quote holds the three figures shown to a customer buying subscriptions: what each renewal
// costs, what the sign-up fees come to, and what is due today.
type Quote struct {
	Recurring Totals `json:"recurring"`
	SignUp    Totals `json:"sign_up"`
	Initial   Totals `json:"initial"`
}

// Quote runs the recurring, sign-up and combined passes one after another. Each pass sees only
// its own coupons and the cart's applied coupons are restored after every pass.
func (calc *Calculator) Quote(ctx context.Context, c *cart.Cart) (Quote, error) {
	var q Quote
	steps := []struct {
		pass pricing.Pass
		dst  *Totals
	}{
		{pricing.PassRecurringTotal, &q.Recurring},
		{pricing.PassSignUpFeeTotal, &q.SignUp},
		{pricing.PassCombinedTotal, &q.Initial},
	}
	for _, step := range steps {
		err := cart.WithPass(ctx, c, step.pass, calc.Coupons, func(ctx context.Context) error {
			t, err := calc.ComputeTotals(ctx, c, step.pass)
			if err != nil {
				return err
			}
			*step.dst = t
			return nil
		})
		if err != nil {
			return Quote{}, err
		}
	}
	return q, nil
}
