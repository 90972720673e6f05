package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// Querier captures the database methods required by PGStore.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// TxBeginner opens the transaction CreateRenewal writes in. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PGStore persists orders in Postgres. The order body is stored as JSONB next to the columns
// used for lookups and retry links.
type PGStore struct {
	Q   Querier
	DB  TxBeginner
	Now func() time.Time
}

const insertOrder = `INSERT INTO orders (id, parent_id, failed_order_id, kind, status, currency, payment_method, total, body, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10)`

// Get implements Store.
func (s PGStore) Get(ctx context.Context, id string) (Order, error) {
	if s.Q == nil {
		return Order{}, errors.New("order store not configured")
	}
	var (
		body      []byte
		retriedBy pgtype.Text
		status    string
	)
	err := s.Q.QueryRow(ctx, `SELECT body, status, retried_by FROM orders WHERE id = $1`, id).Scan(&body, &status, &retriedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrNotFound
		}
		return Order{}, err
	}
	var o Order
	if err := json.Unmarshal(body, &o); err != nil {
		return Order{}, fmt.Errorf("decode order %s: %w", id, err)
	}
	o.Status = Status(status)
	if retriedBy.Valid {
		o.RetriedBy = retriedBy.String
	}
	return o, nil
}

// Create implements Store.
func (s PGStore) Create(ctx context.Context, o Order) (Order, error) {
	if s.Q == nil {
		return Order{}, errors.New("order store not configured")
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	o, err := prepare(o, now())
	if err != nil {
		return Order{}, err
	}
	body, err := json.Marshal(o)
	if err != nil {
		return Order{}, fmt.Errorf("encode order %s: %w", o.ID, err)
	}
	_, err = s.Q.Exec(ctx, insertOrder,
		o.ID, nullable(o.ParentID), nullable(o.FailedOrderID), string(o.Kind), string(o.Status),
		o.Currency, o.PaymentMethod, o.Totals.Total.String(), body, o.CreatedAt,
	)
	if err != nil {
		return Order{}, fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	return o, nil
}

// CreateRenewal implements Store.
func (s PGStore) CreateRenewal(ctx context.Context, o Order) (Order, error) {
	if o.FailedOrderID == "" {
		return s.Create(ctx, o)
	}
	if s.DB == nil {
		return Order{}, errors.New("order store transactions not configured")
	}
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return Order{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	txs := PGStore{Q: tx, Now: s.Now}
	created, err := txs.Create(ctx, o)
	if err != nil {
		return Order{}, err
	}
	if err := txs.linkRetry(ctx, created.FailedOrderID, created.ID); err != nil {
		return Order{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Order{}, fmt.Errorf("commit renewal %s: %w", created.ID, err)
	}
	return created, nil
}

const linkRetry = `UPDATE orders SET retried_by = $2, updated_at = now()
WHERE id = $1 AND status = 'failed' AND retried_by IS NULL`

func (s PGStore) linkRetry(ctx context.Context, failedID, retryID string) error {
	tag, err := s.Q.Exec(ctx, linkRetry, failedID, retryID)
	if err != nil {
		return fmt.Errorf("link failed order %s: %w", failedID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var (
		status    string
		retriedBy pgtype.Text
	)
	err = s.Q.QueryRow(ctx, `SELECT status, retried_by FROM orders WHERE id = $1`, failedID).Scan(&status, &retriedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if err := linkable(Order{ID: failedID, Status: Status(status), RetriedBy: retriedBy.String}); err != nil {
		return err
	}
	return fmt.Errorf("link failed order %s: %w", failedID, ErrInvalidRetryLink)
}

func nullable(v string) pgtype.Text {
	return pgtype.Text{String: v, Valid: v != ""}
}
