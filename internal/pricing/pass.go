package pricing

import (
	"fmt"
	"strings"
)

// Pass selects which coupon types take part in one evaluation of the cart.
type Pass int

const (
	// PassNone is an evaluation outside of an explicit subscription calculation.
	PassNone Pass = iota
	// PassSignUpFeeTotal prices the one-time sign-up fees only.
	PassSignUpFeeTotal
	// PassRecurringTotal prices the per-period recurring charge only.
	PassRecurringTotal
	// PassCombinedTotal prices the initial payment: sign-up fee plus first recurring charge.
	PassCombinedTotal
)

func (p Pass) String() string {
	switch p {
	case PassSignUpFeeTotal:
		return "sign_up_fee_total"
	case PassRecurringTotal:
		return "recurring_total"
	case PassCombinedTotal:
		return "combined_total"
	default:
		return "none"
	}
}

// ParsePass converts the textual pass name into a Pass.
func ParsePass(value string) (Pass, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "none":
		return PassNone, nil
	case "sign_up_fee_total":
		return PassSignUpFeeTotal, nil
	case "recurring_total":
		return PassRecurringTotal, nil
	case "combined_total":
		return PassCombinedTotal, nil
	default:
		return PassNone, fmt.Errorf("unknown calculation pass %q", value)
	}
}

// InitialPayment reports whether the pass prices the first payment of a subscription.
func (p Pass) InitialPayment() bool {
	return p == PassNone || p == PassCombinedTotal
}

// MarshalText implements encoding.TextMarshaler.
func (p Pass) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Pass) UnmarshalText(text []byte) error {
	parsed, err := ParsePass(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
