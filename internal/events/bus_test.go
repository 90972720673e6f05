package events_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-subscriptions/internal/events"
)

type captureNotifier struct {
	events []events.Event
	err    error
}

func (c *captureNotifier) Notify(_ context.Context, event events.Event) error {
	c.events = append(c.events, event)
	return c.err
}

func TestEmitPersistsEvent(t *testing.T) {
	store := &events.MemoryStore{}
	notifier := &captureNotifier{}
	bus := events.Bus{
		Store:     store,
		Notifiers: []events.Notifier{notifier},
	}

	payload := map[string]any{"orderId": "123"}
	ctx := context.Background()
	event, err := bus.Emit(ctx, events.TopicOrderRenewalCreated, "123", payload)
	require.NoError(t, err)
	stored := store.Events(events.TopicOrderRenewalCreated)
	require.Len(t, stored, 1)
	require.JSONEq(t, `{"orderId":"123"}`, string(stored[0].Payload))
	require.False(t, stored[0].OccurredAt.IsZero())
	require.Len(t, notifier.events, 1)
	require.Equal(t, event.ID, notifier.events[0].ID)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(event.Payload, &decoded))
	require.Equal(t, "123", decoded["orderId"])
}

func TestEmitValidatesInput(t *testing.T) {
	bus := events.Bus{Store: &events.MemoryStore{}}
	_, err := bus.Emit(context.Background(), "", "1", nil)
	require.Error(t, err)
	_, err = bus.Emit(context.Background(), events.TopicOrderCreated, " ", nil)
	require.Error(t, err)
	_, err = bus.Emit(context.Background(), events.TopicOrderCreated, "1", "not json")
	require.Error(t, err)
}

func TestEmitJoinsNotifierErrors(t *testing.T) {
	boom := errors.New("boom")
	var buf bytes.Buffer
	bus := events.Bus{
		Store: &events.MemoryStore{},
		Notifiers: []events.Notifier{
			&captureNotifier{err: boom},
			events.LogNotifier{Logger: zerolog.New(&buf)},
		},
	}
	ev, err := bus.Emit(context.Background(), events.TopicCouponRejected, "summer", nil)
	require.ErrorIs(t, err, boom)
	require.Equal(t, events.TopicCouponRejected, ev.Topic)
	require.Contains(t, buf.String(), `"topic":"coupon.rejected"`)
}
