package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-subscriptions/internal/resilience"
)

func TestBreakerTransitions(t *testing.T) {
	breaker := resilience.New(resilience.Settings{MinRequests: 2, FailureRatio: 0.5, OpenFor: 50 * time.Millisecond}, zerolog.Nop())
	ctx := context.Background()

	require.True(t, breaker.Allow(ctx))
	breaker.Report(ctx, false)
	require.True(t, breaker.Allow(ctx))
	breaker.Report(ctx, false)

	require.False(t, breaker.Allow(ctx), "breaker should open after threshold exceeded")

	time.Sleep(60 * time.Millisecond)
	require.True(t, breaker.Allow(ctx), "breaker should move to half-open after cool off")
	breaker.Report(ctx, true)
	require.True(t, breaker.Allow(ctx), "breaker should close after a successful half-open call")
}

func TestBreakerDo(t *testing.T) {
	ctx := context.Background()
	breaker := resilience.New(resilience.Settings{MinRequests: 1, FailureRatio: 0.5, OpenFor: time.Minute, Target: resilience.TargetGateways}, zerolog.Nop())
	notFound := errors.New("not found")
	permanent := func(err error) bool { return errors.Is(err, notFound) }

	err := breaker.Do(ctx, func(context.Context) error { return notFound }, permanent)
	require.ErrorIs(t, err, notFound)
	require.Equal(t, resilience.Closed, breaker.State())

	err = breaker.Do(ctx, func(context.Context) error { return errors.New("timeout") }, permanent)
	require.Error(t, err)
	require.Equal(t, resilience.Open, breaker.State())

	called := false
	err = breaker.Do(ctx, func(context.Context) error {
		called = true
		return nil
	}, permanent)
	require.ErrorIs(t, err, resilience.ErrOpenCircuit)
	require.False(t, called)

	var nilBreaker *resilience.Breaker
	require.NoError(t, nilBreaker.Do(ctx, func(context.Context) error { return nil }, nil))
}

func TestBackoffWithJitter(t *testing.T) {
	base := 100 * time.Millisecond
	d1 := resilience.Backoff(base, 1, 0)
	require.Equal(t, base, d1)

	d2 := resilience.Backoff(base, 3, 0)
	require.Equal(t, base*4, d2)

	// With jitter the delay should stay within expected range.
	d3 := resilience.Backoff(base, 2, 0.2)
	min := base*2 - (base * 2 / 5)
	max := base*2 + (base * 2 / 5)
	require.GreaterOrEqual(t, d3, min)
	require.LessOrEqual(t, d3, max)
}

func TestNewNormalizesSettings(t *testing.T) {
	ctx := context.Background()
	breaker := resilience.New(resilience.Settings{Target: "  "}, zerolog.Nop())
	require.Equal(t, "default", breaker.Target())

	breaker.Report(ctx, false)
	require.Equal(t, resilience.Open, breaker.State(), "one failed call trips a zero-value breaker")
	require.False(t, breaker.Allow(ctx))
}

func TestBreakerKeepsClosedBelowRatio(t *testing.T) {
	ctx := context.Background()
	breaker := resilience.New(resilience.Settings{MinRequests: 4, FailureRatio: 0.5, OpenFor: time.Minute, Target: resilience.TargetShipping}, zerolog.Nop())

	for _, ok := range []bool{true, true, false, true, true, false, true, true} {
		breaker.Report(ctx, ok)
	}
	require.Equal(t, resilience.Closed, breaker.State())
}
