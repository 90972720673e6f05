package obs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/toko-subscriptions/internal/config"
)

func TestTracingConfigFromCarriesBillingAttributes(t *testing.T) {
	cfg := &config.Config{
		AppEnv:             "staging",
		ServiceName:        "toko-subscriptions",
		TracingExporter:    "none",
		TracingSampleRatio: 0.25,
		CurrencyCode:       "EUR",
		PriceDecimals:      3,
	}
	tc := TracingConfigFrom(cfg, "worker")
	require.Equal(t, "none", tc.Exporter)
	require.Equal(t, 0.25, tc.SamplingRatio)

	attrs := attribute.NewSet(tc.Attributes()...)
	for key, want := range map[attribute.Key]string{
		"service.name":           "toko-subscriptions",
		"deployment.environment": "staging",
		"subs.component":         "worker",
		"subs.currency":          "EUR",
	} {
		got, ok := attrs.Value(key)
		require.True(t, ok, key)
		require.Equal(t, want, got.AsString(), key)
	}
	decimals, ok := attrs.Value("subs.price_decimals")
	require.True(t, ok)
	require.Equal(t, int64(3), decimals.AsInt64())
}

func TestInitTracerWithoutExporter(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	shutdown, err := InitTracer(context.Background(), TracingConfig{ServiceName: "subs-test", Exporter: "none"})
	require.NoError(t, err)

	_, span := otel.Tracer("obs.test").Start(context.Background(), "renewal")
	require.True(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, shutdown(context.Background()))
}

func TestInitTracerRejectsUnknownExporter(t *testing.T) {
	_, err := InitTracer(context.Background(), TracingConfig{Exporter: "zipkin"})
	require.ErrorContains(t, err, "unsupported tracing exporter")
}
