package resilience_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-subscriptions/internal/resilience"
)

func TestBreakerMetricsTransitions(t *testing.T) {
	resilience.MustRegisterMetrics("test", prometheus.NewRegistry())
	resilience.BreakerState.Reset()
	resilience.BreakerTransitions.Reset()
	resilience.BreakerOpenedTotal.Reset()
	resilience.BreakerRejected.Reset()

	breaker := resilience.New(resilience.Settings{MinRequests: 1, OpenFor: 20 * time.Millisecond, Target: resilience.TargetShipping}, zerolog.Nop())
	ctx := context.Background()

	require.Equal(t, 0.0, testutil.ToFloat64(resilience.BreakerState.WithLabelValues("shipping_rates")))
	require.True(t, breaker.Allow(ctx))
	breaker.Report(ctx, false)

	err := breaker.Do(ctx, func(context.Context) error { return nil }, nil)
	require.ErrorIs(t, err, resilience.ErrOpenCircuit)
	require.Equal(t, 1.0, testutil.ToFloat64(resilience.BreakerRejected.WithLabelValues("shipping_rates")))

	val := testutil.ToFloat64(resilience.BreakerState.WithLabelValues("shipping_rates"))
	require.Equal(t, 1.0, val)

	require.Eventually(t, func() bool {
		return breaker.Allow(ctx)
	}, 100*time.Millisecond, 5*time.Millisecond)

	val = testutil.ToFloat64(resilience.BreakerState.WithLabelValues("shipping_rates"))
	require.Equal(t, 2.0, val)

	breaker.Report(ctx, true)

	val = testutil.ToFloat64(resilience.BreakerState.WithLabelValues("shipping_rates"))
	require.Equal(t, 0.0, val)

	opened := testutil.ToFloat64(resilience.BreakerOpenedTotal.WithLabelValues("shipping_rates"))
	require.Equal(t, 1.0, opened)

	toOpen := testutil.ToFloat64(resilience.BreakerTransitions.WithLabelValues("shipping_rates", "closed", "open"))
	require.Equal(t, 1.0, toOpen)

	toHalf := testutil.ToFloat64(resilience.BreakerTransitions.WithLabelValues("shipping_rates", "open", "half_open"))
	require.Equal(t, 1.0, toHalf)

	toClosed := testutil.ToFloat64(resilience.BreakerTransitions.WithLabelValues("shipping_rates", "half_open", "closed"))
	require.Equal(t, 1.0, toClosed)
}
