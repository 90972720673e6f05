// Package payment tracks which payment gateways can currently take a renewal payment.
package payment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/noah-isme/toko-subscriptions/internal/resilience"
)

// ErrUnavailableGateway is returned when a payment or shipping method is no longer offered.
var ErrUnavailableGateway = errors.New("gateway unavailable")

// Gateway abstracts a payment method offered at checkout.
type Gateway interface {
	ID() string
	Title() string
	Enabled() bool
}

// Source lists the gateways configured for the store.
type Source interface {
	Gateways(ctx context.Context) ([]Gateway, error)
}

// StaticGateway is a Gateway defined by configuration.
type StaticGateway struct {
	GatewayID string
	Name      string
	Disabled  bool
}

func (g StaticGateway) ID() string    { return g.GatewayID }
func (g StaticGateway) Title() string { return g.Name }
func (g StaticGateway) Enabled() bool { return !g.Disabled }

// StaticSource returns a fixed set of gateways.
type StaticSource []Gateway

// Gateways implements Source.
func (s StaticSource) Gateways(context.Context) ([]Gateway, error) {
	return append([]Gateway(nil), s...), nil
}

// ParseGateways reads "id:title[:disabled]" entries separated by commas.
func ParseGateways(value string) (StaticSource, error) {
	var out StaticSource
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		g := StaticGateway{GatewayID: strings.TrimSpace(parts[0])}
		if g.GatewayID == "" {
			return nil, fmt.Errorf("payment gateway %q: missing id", entry)
		}
		g.Name = g.GatewayID
		if len(parts) > 1 && strings.TrimSpace(parts[1]) != "" {
			g.Name = strings.TrimSpace(parts[1])
		}
		if len(parts) > 2 {
			g.Disabled = strings.EqualFold(strings.TrimSpace(parts[2]), "disabled")
		}
		out = append(out, g)
	}
	return out, nil
}

// Registry resolves payment methods against the gateways currently available.
type Registry struct {
	Source  Source
	Breaker *resilience.Breaker
}

// ListAvailable returns the enabled gateways keyed by id.
func (r *Registry) ListAvailable(ctx context.Context) (map[string]Gateway, error) {
	if r == nil || r.Source == nil {
		return nil, errors.New("payment registry not configured")
	}
	var gateways []Gateway
	err := r.Breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		gateways, err = r.Source.Gateways(ctx)
		return err
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("list payment gateways: %w", err)
	}
	out := make(map[string]Gateway, len(gateways))
	for _, g := range gateways {
		if g != nil && g.Enabled() {
			out[g.ID()] = g
		}
	}
	return out, nil
}

// Resolve returns the gateway for id, or ErrUnavailableGateway when it is missing or disabled.
func (r *Registry) Resolve(ctx context.Context, id string) (Gateway, error) {
	available, err := r.ListAvailable(ctx)
	if err != nil {
		return nil, err
	}
	g, ok := available[strings.TrimSpace(id)]
	if !ok {
		return nil, fmt.Errorf("payment method %q (available: %s): %w", id, strings.Join(IDs(available), ", "), ErrUnavailableGateway)
	}
	return g, nil
}

// IDs lists gateway ids in a stable order.
func IDs(gateways map[string]Gateway) []string {
	ids := make([]string, 0, len(gateways))
	for id := range gateways {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
