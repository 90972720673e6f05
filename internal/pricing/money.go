package pricing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Money represents a store-currency amount.
type Money = decimal.Decimal

// DefaultPrecision is the number of decimal places used when none is configured.
const DefaultPrecision int32 = 2

var (
	// Zero is the zero amount.
	Zero = decimal.Zero

	hundred = decimal.NewFromInt(100)
)

// Rounder rounds amounts to the store-wide precision.
type Rounder struct {
	Precision int32
}

// NewRounder returns a Rounder for the given precision, falling back to DefaultPrecision when
// the value is negative.
func NewRounder(precision int32) Rounder {
	if precision < 0 {
		precision = DefaultPrecision
	}
	return Rounder{Precision: precision}
}

// Round rounds half away from zero at the configured precision.
func (r Rounder) Round(m Money) Money {
	return m.Round(r.Precision)
}

// Percent returns round(base / 100 * pct).
func (r Rounder) Percent(base, pct Money) Money {
	return r.Round(base.Div(hundred).Mul(pct))
}

// String renders m with exactly Precision decimals.
func (r Rounder) String(m Money) string {
	return m.StringFixed(r.Precision)
}

// Floor0 clamps negative amounts to zero.
func Floor0(m Money) Money {
	if m.IsNegative() {
		return Zero
	}
	return m
}

// Min returns the smaller of a and b.
func Min(a, b Money) Money {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Parse reads a decimal amount, accepting surrounding whitespace.
func Parse(value string) (Money, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return Zero, nil
	}
	m, err := decimal.NewFromString(trimmed)
	if err != nil {
		return Zero, fmt.Errorf("parse amount %q: %w", value, err)
	}
	return m, nil
}

// MustParse is Parse for constants and tests.
func MustParse(value string) Money {
	m, err := Parse(value)
	if err != nil {
		panic(err)
	}
	return m
}

// Qty converts a quantity to Money for multiplication.
func Qty(n int) Money {
	return decimal.NewFromInt(int64(n))
}
