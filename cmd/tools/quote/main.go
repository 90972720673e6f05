// Command quote prices a cart fixture and prints the recurring, sign-up and initial totals.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-subscriptions/internal/cart"
	"github.com/noah-isme/toko-subscriptions/internal/config"
	"github.com/noah-isme/toko-subscriptions/internal/coupon"
	"github.com/noah-isme/toko-subscriptions/internal/obs"
	"github.com/noah-isme/toko-subscriptions/internal/pricing"
	"github.com/noah-isme/toko-subscriptions/internal/subscription"
	"github.com/noah-isme/toko-subscriptions/internal/tax"
	"github.com/noah-isme/toko-subscriptions/internal/totals"
)

type fixtureItem struct {
	ProductID   string                    `json:"productId"`
	Name        string                    `json:"name"`
	CategoryIDs []string                  `json:"categoryIds"`
	Price       pricing.Money             `json:"price"`
	Quantity    int                       `json:"quantity"`
	Taxable     bool                      `json:"taxable"`
	Term        *subscription.BillingTerm `json:"term"`
}

type fixture struct {
	Currency         string          `json:"currency"`
	Start            time.Time       `json:"start"`
	PricesIncludeTax bool            `json:"pricesIncludeTax"`
	TaxRates         []tax.Rate      `json:"taxRates"`
	Coupons          []coupon.Coupon `json:"coupons"`
	Applied          []string        `json:"applied"`
	Items            []fixtureItem   `json:"items"`
}

type pricedLine struct {
	ProductID   string     `json:"productId"`
	PriceString string     `json:"priceString"`
	TrialEnd    *time.Time `json:"trialEnd,omitempty"`
	NextPayment *time.Time `json:"nextPayment,omitempty"`
	Expiration  *time.Time `json:"expiration,omitempty"`
}

type output struct {
	Currency string         `json:"currency"`
	Lines    []pricedLine   `json:"lines"`
	Quote    totals.Quote   `json:"quote"`
	Rejected []rejectedCode `json:"rejected,omitempty"`
}

type rejectedCode struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func main() {
	path := flag.String("cart", "", "path to a cart fixture (defaults to stdin)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := obs.NewLogger("console", cfg.LogLevel).With().Str("component", "quote").Logger()

	in := io.Reader(os.Stdin)
	if *path != "" {
		f, err := os.Open(*path)
		if err != nil {
			logger.Fatal().Err(err).Msg("open fixture")
		}
		defer f.Close()
		in = f
	}
	if err := run(context.Background(), cfg, in, os.Stdout, logger); err != nil {
		logger.Fatal().Err(err).Msg("quote cart")
	}
}

func run(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer, logger zerolog.Logger) error {
	var fx fixture
	if err := json.NewDecoder(in).Decode(&fx); err != nil {
		return fmt.Errorf("decode fixture: %w", err)
	}

	store := coupon.MapStore{}
	for _, c := range fx.Coupons {
		store.Put(c)
	}

	c := &cart.Cart{
		ID:               "fixture",
		Currency:         strings.ToUpper(strings.TrimSpace(fx.Currency)),
		TaxRates:         fx.TaxRates,
		PricesIncludeTax: fx.PricesIncludeTax,
	}
	if c.Currency == "" {
		c.Currency = cfg.CurrencyCode
	}
	for _, it := range fx.Items {
		p := cart.Product{
			ID:          it.ProductID,
			Name:        it.Name,
			CategoryIDs: it.CategoryIDs,
			Price:       it.Price,
			Term:        it.Term,
			Taxable:     it.Taxable,
		}
		if err := c.AddProduct(p, it.Quantity); err != nil {
			return err
		}
	}

	var res output
	validator := &coupon.Validator{Store: store}
	for _, code := range fx.Applied {
		if _, err := validator.Check(ctx, code, c.CouponContext()); err != nil {
			var ce *coupon.ContextError
			if !errors.As(err, &ce) {
				return err
			}
			logger.Warn().Str("code", code).Str("reason", ce.Reason).Msg("coupon rejected")
			res.Rejected = append(res.Rejected, rejectedCode{Code: code, Message: ce.Message})
			continue
		}
		if err := c.ApplyCoupon(code); err != nil {
			return err
		}
	}

	calc := totals.New(cfg.PriceDecimals, store, &logger)
	q, err := calc.Quote(ctx, c)
	if err != nil {
		return err
	}

	start := fx.Start
	if start.IsZero() {
		start = time.Now().UTC()
	}
	formatter := subscription.Formatter{Symbol: cfg.CurrencySymbol, Rounder: calc.Rounder}
	res.Currency = c.Currency
	res.Quote = q
	for _, it := range c.Items {
		line := pricedLine{ProductID: it.ProductID, PriceString: formatter.Money(it.BasePrice)}
		if it.Term != nil {
			line.PriceString = formatter.Format(*it.Term, it.BasePrice, subscription.Everything)
			next := it.Term.NextPayment(start)
			line.NextPayment = &next
			if end, ok := it.Term.TrialEnd(start); ok {
				line.TrialEnd = &end
			}
			if end, ok := it.Term.Expiration(start); ok {
				line.Expiration = &end
			}
		}
		res.Lines = append(res.Lines, line)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
