package coupon

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/noah-isme/toko-subscriptions/internal/pricing"
)

// Store resolves coupon codes to their definitions.
type Store interface {
	Get(ctx context.Context, code string) (Coupon, error)
}

// UsageRecorder is implemented by stores that track how often a coupon was redeemed.
type UsageRecorder interface {
	IncreaseUsage(ctx context.Context, code string) error
}

// Querier captures the database methods required by PGStore.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// MapStore is an in-memory Store keyed by code.
type MapStore map[string]Coupon

// Get implements Store.
func (m MapStore) Get(_ context.Context, code string) (Coupon, error) {
	c, ok := m[normaliseCode(code)]
	if !ok {
		return Coupon{}, ErrNotFound
	}
	return c, nil
}

// IncreaseUsage implements UsageRecorder.
func (m MapStore) IncreaseUsage(_ context.Context, code string) error {
	c, ok := m[normaliseCode(code)]
	if !ok {
		return ErrNotFound
	}
	c.UsedCount++
	m[c.Code] = c
	return nil
}

// Put stores c under its normalised code.
func (m MapStore) Put(c Coupon) {
	c.Code = normaliseCode(c.Code)
	m[c.Code] = c
}

const selectCoupon = `SELECT code, type, amount::text, applies_before_tax, product_ids, excluded_product_ids,
       category_ids, excluded_category_ids, min_spend::text, usage_limit, used_count, valid_from, valid_to
FROM coupons
WHERE code = $1`

// PGStore reads coupons from Postgres.
type PGStore struct {
	Q Querier
}

// Get implements Store.
func (s PGStore) Get(ctx context.Context, code string) (Coupon, error) {
	if s.Q == nil {
		return Coupon{}, errors.New("coupon store not configured")
	}
	var (
		c                  Coupon
		kind               string
		amount, minSpend   string
		limit              pgtype.Int4
		validFrom, validTo pgtype.Timestamptz
	)
	err := s.Q.QueryRow(ctx, selectCoupon, normaliseCode(code)).Scan(
		&c.Code, &kind, &amount, &c.AppliesBeforeTax, &c.ProductIDs, &c.ExcludedProductIDs,
		&c.CategoryIDs, &c.ExcludedCategoryIDs, &minSpend, &limit, &c.UsedCount, &validFrom, &validTo,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Coupon{}, ErrNotFound
		}
		return Coupon{}, err
	}
	t, ok := ParseType(kind)
	if !ok {
		return Coupon{}, errors.New("coupon " + c.Code + " has unknown type " + kind)
	}
	c.Type = t
	if c.Amount, err = pricing.Parse(amount); err != nil {
		return Coupon{}, err
	}
	if c.MinSpend, err = pricing.Parse(minSpend); err != nil {
		return Coupon{}, err
	}
	if limit.Valid {
		l := limit.Int32
		c.UsageLimit = &l
	}
	if validFrom.Valid {
		c.ValidFrom = &validFrom.Time
	}
	if validTo.Valid {
		c.ValidTo = &validTo.Time
	}
	return c, nil
}

// IncreaseUsage records one more use of code.
func (s PGStore) IncreaseUsage(ctx context.Context, code string) error {
	if s.Q == nil {
		return errors.New("coupon store not configured")
	}
	_, err := s.Q.Exec(ctx, `UPDATE coupons SET used_count = used_count + 1, updated_at = now() WHERE code = $1`, normaliseCode(code))
	return err
}

func normaliseCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}
