package events

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// Querier captures the database methods required by PGStore.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore persists events into the domain_events table.
type PGStore struct {
	Q Querier
}

// Insert implements EventStore.
func (s PGStore) Insert(ctx context.Context, ev Event) (Event, error) {
	if s.Q == nil {
		return Event{}, errors.New("events: database not configured")
	}
	err := s.Q.QueryRow(ctx,
		`INSERT INTO domain_events (id, topic, aggregate_id, payload) VALUES ($1, $2, $3, $4) RETURNING occurred_at`,
		ev.ID, ev.Topic, ev.AggregateID, []byte(ev.Payload),
	).Scan(&ev.OccurredAt)
	if err != nil {
		return Event{}, err
	}
	return ev, nil
}
