package subscription

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/noah-isme/toko-subscriptions/internal/pricing"
)

// Include selects the components rendered by Formatter.Format.
type Include struct {
	Price     bool
	Length    bool
	SignUpFee bool
	Trial     bool
}

// Everything renders every component.
var Everything = Include{Price: true, Length: true, SignUpFee: true, Trial: true}

// Formatter renders billing terms as customer-facing price strings.
type Formatter struct {
	Symbol  string
	Rounder pricing.Rounder
}

// Money renders an amount with the currency symbol at store precision.
func (f Formatter) Money(m pricing.Money) string {
	return f.Symbol + f.Rounder.String(f.Rounder.Round(m))
}

// Format describes price billed per term, e.g. "$20.00 / month with a $10.00 sign-up fee".
func (f Formatter) Format(t BillingTerm, price pricing.Money, inc Include) string {
	amount := ""
	if inc.Price {
		amount = f.Money(price)
	}
	var out string
	switch {
	case t.IsSynced():
		out = syncedPhrase(amount, t)
	case inc.Length && t.Length > 0 && t.Length == t.interval():
		out = join(amount, "for "+count(t.Length, t.Period))
	case t.interval() == 1 && amount != "":
		out = amount + " / " + string(t.Period)
	case t.interval() == 1:
		out = "every " + string(t.Period)
	default:
		out = join(amount, "every "+count(t.interval(), t.Period))
	}
	if inc.Length && t.Length > 0 && t.Length != t.interval() {
		out += " for " + count(t.Length, t.Period)
	}
	trial := inc.Trial && t.HasFreeTrial()
	if trial {
		period := t.TrialPeriod
		if period == "" {
			period = t.Period
		}
		out += fmt.Sprintf(" with %s %d-%s free trial", article(t.TrialLength), t.TrialLength, period)
	}
	if inc.SignUpFee && t.HasSignUpFee() {
		conj := "with"
		if trial {
			conj = "and"
		}
		out += fmt.Sprintf(" %s a %s sign-up fee", conj, f.Money(t.SignUpFee))
	}
	return strings.TrimSpace(out)
}

func syncedPhrase(amount string, t BillingTerm) string {
	n := t.interval()
	switch t.Period {
	case Week:
		day := t.Sync.Weekday.String()
		if n == 1 {
			return join(amount, "every "+day)
		}
		return join(amount, fmt.Sprintf("every %s week on %s", ordinal(n), day))
	case Month:
		if t.Sync.Day <= 0 {
			if n == 1 {
				return join(amount, "on the last day of each month")
			}
			return join(amount, fmt.Sprintf("on the last day of every %s month", ordinal(n)))
		}
		if n == 1 {
			return join(amount, fmt.Sprintf("on the %s of each month", ordinal(t.Sync.Day)))
		}
		return join(amount, fmt.Sprintf("on the %s day of every %s month", ordinal(t.Sync.Day), ordinal(n)))
	default:
		date := fmt.Sprintf("%s %s", t.Sync.Month, ordinal(t.Sync.Day))
		if n == 1 {
			return join(amount, "on "+date+" each year")
		}
		return join(amount, fmt.Sprintf("on %s every %s year", date, ordinal(n)))
	}
}

func join(amount, phrase string) string {
	if amount == "" {
		return phrase
	}
	return amount + " " + phrase
}

func count(n int, p Period) string {
	if n == 1 {
		return "1 " + string(p)
	}
	return strconv.Itoa(n) + " " + string(p) + "s"
}

func ordinal(n int) string {
	suffix := "th"
	switch n % 100 {
	case 11, 12, 13:
	default:
		switch n % 10 {
		case 1:
			suffix = "st"
		case 2:
			suffix = "nd"
		case 3:
			suffix = "rd"
		}
	}
	return strconv.Itoa(n) + suffix
}

// article picks "an" for counts that are read starting with a vowel sound (8, 11, 18, 80...).
func article(n int) string {
	s := strconv.Itoa(n)
	if strings.HasPrefix(s, "8") || n == 11 || n == 18 {
		return "an"
	}
	return "a"
}
