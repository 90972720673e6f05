// Package shipping quotes shipping rates and re-resolves the method of a renewal.
package shipping

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/noah-isme/toko-subscriptions/internal/payment"
	"github.com/noah-isme/toko-subscriptions/internal/pricing"
	"github.com/noah-isme/toko-subscriptions/internal/resilience"
)

// ErrUnavailableShipping is returned when no shipping rate is offered for a destination.
var ErrUnavailableShipping = fmt.Errorf("shipping: %w", payment.ErrUnavailableGateway)

// RateReq describes a shipping rate request.
type RateReq struct {
	Origin      string
	Country     string
	Postcode    string
	WeightGram  int
	MethodHint  string
	PackageCost pricing.Money
}

// Rate describes a returned shipping rate option.
type Rate struct {
	MethodID string        `json:"method_id"`
	Label    string        `json:"label"`
	Cost     pricing.Money `json:"cost"`
	Taxable  bool          `json:"taxable"`
	ETD      string        `json:"etd,omitempty"`
}

// Client defines the behaviour required to quote shipping rates.
type Client interface {
	Rates(ctx context.Context, r RateReq) ([]Rate, error)
}

// StaticRates offers the same rates for every destination.
type StaticRates []Rate

// Rates implements Client.
func (s StaticRates) Rates(context.Context, RateReq) ([]Rate, error) {
	return append([]Rate(nil), s...), nil
}

// ParseRates reads "method:label:cost[:taxable]" entries separated by commas.
func ParseRates(value string) (StaticRates, error) {
	var out StaticRates
	seen := map[string]bool{}
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 3 {
			return nil, fmt.Errorf("shipping rate %q: expected method:label:cost", entry)
		}
		r := Rate{MethodID: strings.TrimSpace(parts[0]), Label: strings.TrimSpace(parts[1])}
		if r.MethodID == "" {
			return nil, fmt.Errorf("shipping rate %q: missing method", entry)
		}
		if seen[r.MethodID] {
			return nil, fmt.Errorf("shipping rate %q: duplicate method %q", entry, r.MethodID)
		}
		seen[r.MethodID] = true
		cost, err := pricing.Parse(parts[2])
		if err != nil {
			return nil, fmt.Errorf("shipping rate %q: %w", entry, err)
		}
		if cost.IsNegative() {
			return nil, fmt.Errorf("shipping rate %q: negative cost", entry)
		}
		r.Cost = cost
		for _, flag := range parts[3:] {
			if !strings.EqualFold(strings.TrimSpace(flag), "taxable") {
				return nil, fmt.Errorf("shipping rate %q: unknown flag %q", entry, flag)
			}
			r.Taxable = true
		}
		out = append(out, r)
	}
	return out, nil
}

// BreakerClient guards a rate provider with a circuit breaker.
type BreakerClient struct {
	Next    Client
	Breaker *resilience.Breaker
}

// Rates implements Client.
func (c BreakerClient) Rates(ctx context.Context, r RateReq) ([]Rate, error) {
	if c.Next == nil {
		return nil, errors.New("shipping client not configured")
	}
	var rates []Rate
	err := c.Breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		rates, err = c.Next.Rates(ctx, r)
		return err
	}, nil)
	return rates, err
}

// Resolve returns the currently offered rate for preferred, falling back to the cheapest
// offered rate when that method is gone. The returned rate always comes from client.
func Resolve(ctx context.Context, client Client, req RateReq, preferred string) (Rate, error) {
	if client == nil {
		return Rate{}, errors.New("shipping client not configured")
	}
	rates, err := client.Rates(ctx, req)
	if err != nil {
		return Rate{}, fmt.Errorf("quote shipping: %w", err)
	}
	if len(rates) == 0 {
		return Rate{}, ErrUnavailableShipping
	}
	preferred = strings.TrimSpace(preferred)
	cheapest := rates[0]
	for _, r := range rates {
		if preferred != "" && r.MethodID == preferred {
			return r, nil
		}
		if r.Cost.LessThan(cheapest.Cost) {
			cheapest = r
		}
	}
	return cheapest, nil
}
