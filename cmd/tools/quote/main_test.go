package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-subscriptions/internal/config"
	"github.com/noah-isme/toko-subscriptions/internal/pricing"
)

const boxFixture = `{
  "currency": "usd",
  "start": "2026-01-15T00:00:00Z",
  "coupons": [
    {"code": "REC5", "type": "recurring_fee", "amount": "5", "applies_before_tax": true},
    {"code": "fee50", "type": "sign_up_fee_percent", "amount": "50", "applies_before_tax": true}
  ],
  "applied": ["rec5", "fee50", "missing"],
  "items": [{
    "productId": "box",
    "name": "Coffee box",
    "price": "20",
    "quantity": 1,
    "term": {"period": "month", "interval": 1, "sign_up_fee": "10"}
  }]
}`

func TestRunPricesFixture(t *testing.T) {
	cfg, err := config.LoadForTests(map[string]string{"CURRENCY_SYMBOL": "$"})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), cfg, strings.NewReader(boxFixture), &out, zerolog.Nop()))

	var res struct {
		Currency string `json:"currency"`
		Lines    []struct {
			PriceString string     `json:"priceString"`
			NextPayment *time.Time `json:"nextPayment"`
			Expiration  *time.Time `json:"expiration"`
		} `json:"lines"`
		Quote struct {
			Recurring struct {
				Total string `json:"total"`
			} `json:"recurring"`
			SignUp struct {
				Total string `json:"total"`
			} `json:"sign_up"`
		} `json:"quote"`
		Rejected []struct {
			Code string `json:"code"`
		} `json:"rejected"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))

	require.Equal(t, "USD", res.Currency)
	require.Len(t, res.Lines, 1)
	require.Equal(t, "$20.00 / month with a $10.00 sign-up fee", res.Lines[0].PriceString)
	require.NotNil(t, res.Lines[0].NextPayment)
	require.True(t, res.Lines[0].NextPayment.Equal(time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)))
	require.Nil(t, res.Lines[0].Expiration)
	require.Equal(t, "15.00", pricing.MustParse(res.Quote.Recurring.Total).StringFixed(2))
	require.Equal(t, "5.00", pricing.MustParse(res.Quote.SignUp.Total).StringFixed(2))
	require.Len(t, res.Rejected, 1)
	require.Equal(t, "missing", res.Rejected[0].Code)
}

func TestRunRejectsMalformedFixture(t *testing.T) {
	cfg, err := config.LoadForTests(nil)
	require.NoError(t, err)

	err = run(context.Background(), cfg, strings.NewReader("{"), &bytes.Buffer{}, zerolog.Nop())
	require.Error(t, err)
}
