// Package tax computes tax breakdowns for cart lines, fees and shipping.
package tax

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-subscriptions/internal/pricing"
)

// Rate is a single tax rate. Compound rates apply on top of the amount plus earlier taxes.
type Rate struct {
	ID       string        `json:"id"`
	Label    string        `json:"label"`
	Percent  pricing.Money `json:"percent"`
	Compound bool          `json:"compound"`
	Shipping bool          `json:"shipping"`
}

// Breakdown is the result of a tax calculation.
type Breakdown struct {
	Total  pricing.Money
	ByRate map[string]pricing.Money
}

// Add merges o into b.
func (b *Breakdown) Add(o Breakdown) {
	if b.ByRate == nil {
		b.ByRate = map[string]pricing.Money{}
	}
	b.Total = b.Total.Add(o.Total)
	for id, amount := range o.ByRate {
		b.ByRate[id] = b.ByRate[id].Add(amount)
	}
}

// Location identifies where tax rates are resolved for.
type Location struct {
	Country  string
	State    string
	Postcode string
	City     string
}

// RateSource returns the rates currently in force for a location.
type RateSource interface {
	RatesFor(ctx context.Context, loc Location) ([]Rate, error)
}

// StaticRates is a RateSource returning the same rates everywhere.
type StaticRates []Rate

// RatesFor implements RateSource.
func (s StaticRates) RatesFor(context.Context, Location) ([]Rate, error) {
	return append([]Rate(nil), s...), nil
}

// Calculator computes taxes at store precision.
type Calculator struct {
	Rounder pricing.Rounder
}

// Calc returns the tax owed on amount. When inclusive is set amount already contains the tax
// and the breakdown reports the portion of it that is tax.
func (c Calculator) Calc(amount pricing.Money, rates []Rate, inclusive bool) Breakdown {
	out := Breakdown{Total: pricing.Zero, ByRate: make(map[string]pricing.Money, len(rates))}
	if len(rates) == 0 || !amount.IsPositive() {
		return out
	}
	rates = uniqueRates(rates)
	var raw map[string]pricing.Money
	if inclusive {
		raw = inclusiveTaxes(amount, rates)
	} else {
		raw = exclusiveTaxes(amount, rates)
	}
	for _, r := range rates {
		t := c.Rounder.Round(raw[r.ID])
		out.ByRate[r.ID] = t
		out.Total = out.Total.Add(t)
	}
	return out
}

// ShippingRates filters rates that apply to shipping charges.
func ShippingRates(rates []Rate) []Rate {
	out := make([]Rate, 0, len(rates))
	for _, r := range rates {
		if r.Shipping {
			out = append(out, r)
		}
	}
	return out
}

var hundred = decimal.NewFromInt(100)

// uniqueRates drops repeated rate IDs, keeping the first.
func uniqueRates(rates []Rate) []Rate {
	seen := make(map[string]bool, len(rates))
	out := make([]Rate, 0, len(rates))
	for _, r := range rates {
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		out = append(out, r)
	}
	return out
}

func exclusiveTaxes(amount pricing.Money, rates []Rate) map[string]pricing.Money {
	taxes := make(map[string]pricing.Money, len(rates))
	prior := pricing.Zero
	for _, r := range rates {
		if r.Compound {
			continue
		}
		t := amount.Mul(r.Percent).Div(hundred)
		taxes[r.ID] = taxes[r.ID].Add(t)
		prior = prior.Add(t)
	}
	for _, r := range rates {
		if !r.Compound {
			continue
		}
		t := amount.Add(prior).Mul(r.Percent).Div(hundred)
		taxes[r.ID] = taxes[r.ID].Add(t)
		prior = prior.Add(t)
	}
	return taxes
}

func inclusiveTaxes(price pricing.Money, rates []Rate) map[string]pricing.Money {
	taxes := make(map[string]pricing.Money, len(rates))
	regular := decimal.NewFromInt(1)
	for _, r := range rates {
		if !r.Compound {
			regular = regular.Add(r.Percent.Div(hundred))
		}
	}
	nonCompound := price
	for i := len(rates) - 1; i >= 0; i-- {
		r := rates[i]
		if !r.Compound {
			continue
		}
		t := nonCompound.Sub(nonCompound.Div(decimal.NewFromInt(1).Add(r.Percent.Div(hundred))))
		taxes[r.ID] = taxes[r.ID].Add(t)
		nonCompound = nonCompound.Sub(t)
	}
	for _, r := range rates {
		if r.Compound {
			continue
		}
		share := r.Percent.Div(hundred).Div(regular)
		taxes[r.ID] = taxes[r.ID].Add(share.Mul(nonCompound))
	}
	return taxes
}

// ParseRates reads "id:label:percent[:compound][:shipping]" entries separated by commas.
func ParseRates(value string) ([]Rate, error) {
	var rates []Rate
	seen := map[string]bool{}
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 3 {
			return nil, fmt.Errorf("tax rate %q: expected id:label:percent", entry)
		}
		pct, err := pricing.Parse(parts[2])
		if err != nil {
			return nil, fmt.Errorf("tax rate %q: %w", entry, err)
		}
		r := Rate{ID: strings.TrimSpace(parts[0]), Label: strings.TrimSpace(parts[1]), Percent: pct}
		if r.ID == "" {
			return nil, fmt.Errorf("tax rate %q: empty id", entry)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("tax rate %q: duplicate id %q", entry, r.ID)
		}
		seen[r.ID] = true
		for _, flag := range parts[3:] {
			switch strings.ToLower(strings.TrimSpace(flag)) {
			case "compound":
				r.Compound = true
			case "shipping":
				r.Shipping = true
			default:
				return nil, fmt.Errorf("tax rate %q: unknown flag %q", entry, flag)
			}
		}
		rates = append(rates, r)
	}
	return rates, nil
}
