package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
}

func TestThrottleEnforcesBudget(t *testing.T) {
	throttle := Throttle{
		Limiter: Limiter{Store: memory.NewStore()},
		Rule: Rule{
			Key:    ByClientIP("renewals:"),
			Window: time.Minute,
			Max:    1,
		},
	}
	limited := throttle.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/renewals", nil)
	req.RemoteAddr = "203.0.113.7:5123"

	rr1 := httptest.NewRecorder()
	limited.ServeHTTP(rr1, req.Clone(req.Context()))
	require.Equal(t, http.StatusAccepted, rr1.Code)
	require.Equal(t, "0", rr1.Header().Get("RateLimit-Remaining"))

	rr2 := httptest.NewRecorder()
	limited.ServeHTTP(rr2, req.Clone(req.Context()))
	require.Equal(t, http.StatusTooManyRequests, rr2.Code)
	require.Equal(t, "1", rr2.Header().Get("RateLimit-Limit"))
	require.NotEmpty(t, rr2.Header().Get("Retry-After"))
	require.JSONEq(t, `{"error":{"code":"RATE_LIMITED","message":"at most 1 renewal requests per 1m0s"}}`, rr2.Body.String())

	other := req.Clone(req.Context())
	other.RemoteAddr = "198.51.100.2:4000"
	rr3 := httptest.NewRecorder()
	limited.ServeHTTP(rr3, other)
	require.Equal(t, http.StatusAccepted, rr3.Code)
}

func TestRedisStoreCountsAcrossLimiters(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := NewRedisStore(client, "ratelimit")
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		allowed, remaining, _, err := Limiter{Store: store}.Allow(ctx, "key", time.Minute, 2)
		require.NoError(t, err)
		require.True(t, allowed)
		require.Equal(t, 1-i, remaining)
	}
	allowed, remaining, _, err := Limiter{Store: store}.Allow(ctx, "key", time.Minute, 2)
	require.NoError(t, err)
	require.False(t, allowed)
	require.Zero(t, remaining)
}

func TestThrottleLetsRequestsThroughWhenLimiterFails(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store, err := NewRedisStore(client, "ratelimit")
	require.NoError(t, err)
	mr.Close()

	var called bool
	throttle := Throttle{
		Limiter: Limiter{Store: store},
		Rule:    Rule{Key: ByClientIP(""), Window: time.Second, Max: 1},
		OnError: func(error) { called = true },
	}

	rr := httptest.NewRecorder()
	throttle.Middleware(okHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/renewals", nil))
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.True(t, called)
}

func TestLimiterWithoutStoreAllows(t *testing.T) {
	allowed, remaining, _, err := Limiter{}.Allow(context.Background(), "key", time.Second, 3)
	require.NoError(t, err)
	require.True(t, allowed)
	require.Equal(t, 3, remaining)
}

func TestThrottleDisabledWithoutBudget(t *testing.T) {
	throttle := Throttle{Rule: Rule{Key: ByClientIP(""), Window: time.Minute}}
	rr := httptest.NewRecorder()
	throttle.Middleware(okHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/renewals", nil))
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Empty(t, rr.Header().Get("RateLimit-Limit"))
}
