package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-subscriptions/internal/events"
	"github.com/noah-isme/toko-subscriptions/internal/notify"
	"github.com/noah-isme/toko-subscriptions/internal/resilience"
)

type received struct {
	header http.Header
	body   []byte
}

func receiver(t *testing.T, status int) (*httptest.Server, chan received) {
	t.Helper()
	ch := make(chan received, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ch <- received{header: r.Header.Clone(), body: body}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, ch
}

func renewalEvent() events.Event {
	return events.Event{
		ID:          uuid.New(),
		Topic:       events.TopicOrderRenewalCreated,
		AggregateID: "renewal-1",
		Payload:     json.RawMessage(`{"orderId":"renewal-1","parentId":"o-1"}`),
		OccurredAt:  time.Now().UTC(),
	}
}

func TestWebhookSignsDelivery(t *testing.T) {
	srv, ch := receiver(t, http.StatusOK)
	ep, err := notify.ParseEndpoint(srv.URL, "secret", "")
	require.NoError(t, err)

	w := &notify.Webhook{Endpoints: []notify.Endpoint{ep}, Client: srv.Client()}
	ev := renewalEvent()
	require.NoError(t, w.Notify(context.Background(), ev))

	got := <-ch
	require.Equal(t, "application/json", got.header.Get("Content-Type"))
	require.Equal(t, ev.ID.String(), got.header.Get("X-Event-ID"))
	ts, err := strconv.ParseInt(got.header.Get("X-Timestamp"), 10, 64)
	require.NoError(t, err)
	require.Equal(t, notify.ComputeSignature("secret", ts, ev.ID.String(), got.body), got.header.Get("X-Signature"))

	var body struct {
		Topic       string          `json:"topic"`
		AggregateID string          `json:"aggregateId"`
		Data        json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(got.body, &body))
	require.Equal(t, events.TopicOrderRenewalCreated, body.Topic)
	require.Equal(t, "renewal-1", body.AggregateID)
	require.JSONEq(t, string(ev.Payload), string(body.Data))
}

func TestWebhookSkipsUnsubscribedTopics(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	t.Cleanup(srv.Close)

	ep, err := notify.ParseEndpoint(srv.URL, "secret", events.TopicOrderCreated)
	require.NoError(t, err)
	w := &notify.Webhook{Endpoints: []notify.Endpoint{ep}, Client: srv.Client()}

	require.NoError(t, w.Notify(context.Background(), renewalEvent()))
	require.Zero(t, hits.Load())
}

func TestWebhookSuppressesReplays(t *testing.T) {
	srv, ch := receiver(t, http.StatusOK)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ep, err := notify.ParseEndpoint(srv.URL, "secret", "")
	require.NoError(t, err)
	w := &notify.Webhook{
		Endpoints: []notify.Endpoint{ep},
		Client:    srv.Client(),
		Replay:    notify.RedisReplayProtector{Client: rdb},
		ReplayTTL: time.Minute,
	}

	ev := renewalEvent()
	require.NoError(t, w.Notify(context.Background(), ev))
	require.NoError(t, w.Notify(context.Background(), ev))
	require.Len(t, ch, 1)
}

func TestWebhookReleasesReplayGuardOnFailure(t *testing.T) {
	srv, ch := receiver(t, http.StatusBadGateway)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ep, err := notify.ParseEndpoint(srv.URL, "secret", "")
	require.NoError(t, err)
	w := &notify.Webhook{
		Endpoints: []notify.Endpoint{ep},
		Client:    srv.Client(),
		Replay:    notify.RedisReplayProtector{Client: rdb},
		ReplayTTL: time.Minute,
	}

	ev := renewalEvent()
	require.Error(t, w.Notify(context.Background(), ev))
	require.Error(t, w.Notify(context.Background(), ev))
	require.Len(t, ch, 2)
	require.Empty(t, mr.Keys())
}

func TestWebhookRejectionDoesNotTripBreaker(t *testing.T) {
	srv, _ := receiver(t, http.StatusGone)
	ep, err := notify.ParseEndpoint(srv.URL, "secret", "")
	require.NoError(t, err)
	breaker := resilience.New(resilience.Settings{OpenFor: time.Minute, Target: resilience.TargetWebhooks}, zerolog.Nop())
	w := &notify.Webhook{Endpoints: []notify.Endpoint{ep}, Client: srv.Client(), Breaker: breaker}

	err = w.Notify(context.Background(), renewalEvent())
	require.ErrorIs(t, err, notify.ErrDeliveryRejected)
	require.Equal(t, resilience.Closed, breaker.State())
}

func TestParseEndpointValidatesURL(t *testing.T) {
	_, err := notify.ParseEndpoint("ftp://example.com/hook", "secret", "")
	require.Error(t, err)
	_, err = notify.ParseEndpoint("http://example.com/hook", "secret", "")
	require.Error(t, err)
	_, err = notify.ParseEndpoint("https://example.com/hook", "", "")
	require.Error(t, err)

	ep, err := notify.ParseEndpoint("https://example.com/hook", "secret", "order.created, order.renewal_created")
	require.NoError(t, err)
	require.True(t, ep.Subscribed("order.renewal_created"))
	require.False(t, ep.Subscribed("coupon.rejected"))
}

func TestReplayGuardKeysOnTopicAndEndpoint(t *testing.T) {
	srv, ch := receiver(t, http.StatusOK)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ep, err := notify.ParseEndpoint(srv.URL, "secret", "")
	require.NoError(t, err)
	w := &notify.Webhook{
		Endpoints: []notify.Endpoint{ep},
		Client:    srv.Client(),
		Replay:    notify.RedisReplayProtector{Client: rdb, Prefix: "test:replay:"},
		ReplayTTL: time.Minute,
	}

	ev := renewalEvent()
	require.NoError(t, w.Notify(context.Background(), ev))
	linked := ev
	linked.Topic = events.TopicOrderRetryLinked
	require.NoError(t, w.Notify(context.Background(), linked))
	require.Len(t, ch, 2)

	renewalKey := notify.Delivery{Topic: ev.Topic, Endpoint: srv.URL, EventID: ev.ID.String()}.Key("test:replay:")
	require.True(t, mr.Exists(renewalKey))
	stored, err := mr.Get(renewalKey)
	require.NoError(t, err)
	require.Equal(t, events.TopicOrderRenewalCreated, stored)
	require.Len(t, mr.Keys(), 2)

	other := notify.Delivery{Topic: ev.Topic, Endpoint: "https://hooks.example.com/x", EventID: ev.ID.String()}
	require.NotEqual(t, renewalKey, other.Key("test:replay:"))
	require.Contains(t, other.Key(""), "webhook:replay:order.renewal_created:")
}
