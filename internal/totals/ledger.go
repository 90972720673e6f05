package totals

import (
	"encoding/json"

	"github.com/noah-isme/toko-subscriptions/internal/pricing"
)

// Ledger accumulates the discount granted by each coupon during one pass. A coupon is counted
// at most once per cart line.
type Ledger struct {
	amounts map[string]pricing.Money
	seen    map[string]struct{}
	order   []string
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{amounts: map[string]pricing.Money{}, seen: map[string]struct{}{}}
}

// Counted reports whether code has already been recorded against lineKey.
func (l *Ledger) Counted(code, lineKey string) bool {
	_, ok := l.seen[ledgerKey(code, lineKey)]
	return ok
}

// Add records amount for code against lineKey. It returns false when the pair was already
// recorded; negative amounts are treated as zero.
func (l *Ledger) Add(code, lineKey string, amount pricing.Money) bool {
	key := ledgerKey(code, lineKey)
	if _, dup := l.seen[key]; dup {
		return false
	}
	l.seen[key] = struct{}{}
	if _, ok := l.amounts[code]; !ok {
		l.order = append(l.order, code)
		l.amounts[code] = pricing.Zero
	}
	l.amounts[code] = l.amounts[code].Add(pricing.Floor0(amount))
	return true
}

// Amount returns the discount recorded for code.
func (l *Ledger) Amount(code string) pricing.Money {
	if l == nil {
		return pricing.Zero
	}
	if v, ok := l.amounts[code]; ok {
		return v
	}
	return pricing.Zero
}

// Codes lists coupon codes in the order they first discounted something.
func (l *Ledger) Codes() []string {
	if l == nil {
		return nil
	}
	return append([]string(nil), l.order...)
}

// Total sums every recorded discount.
func (l *Ledger) Total() pricing.Money {
	total := pricing.Zero
	if l == nil {
		return total
	}
	for _, v := range l.amounts {
		total = total.Add(v)
	}
	return total
}

// MarshalJSON renders the ledger as a code to amount object.
func (l *Ledger) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(l.amounts)
}

func ledgerKey(code, lineKey string) string {
	return code + "\x00" + lineKey
}
