package obs

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/noah-isme/toko-subscriptions/internal/config"
)

// TracingConfig describes the tracer provider for one process.
type TracingConfig struct {
	ServiceName   string
	Component     string
	Environment   string
	Endpoint      string
	Exporter      string
	SamplingRatio float64
	Currency      string
	PriceDecimals int32
}

// TracingConfigFrom maps cfg onto a TracingConfig for the named binary.
func TracingConfigFrom(cfg *config.Config, component string) TracingConfig {
	return TracingConfig{
		ServiceName:   cfg.ServiceName,
		Component:     component,
		Environment:   cfg.AppEnv,
		Endpoint:      cfg.TracingEndpoint,
		Exporter:      cfg.TracingExporter,
		SamplingRatio: cfg.TracingSampleRatio,
		Currency:      cfg.CurrencyCode,
		PriceDecimals: cfg.PriceDecimals,
	}
}

// Attributes are the resource attributes every span of the process carries. The billing
// currency and precision let traces from differently configured stores be told apart.
func (c TracingConfig) Attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(c.ServiceName),
		semconv.DeploymentEnvironmentKey.String(c.Environment),
	}
	if c.Component != "" {
		attrs = append(attrs, attribute.String("subs.component", c.Component))
	}
	if c.Currency != "" {
		attrs = append(attrs,
			attribute.String("subs.currency", c.Currency),
			attribute.Int("subs.price_decimals", int(c.PriceDecimals)),
		)
	}
	return attrs
}

// InitTracer installs the global tracer provider and returns its shutdown function. The
// "none" exporter keeps trace ids for log correlation without shipping spans.
func InitTracer(ctx context.Context, cfg TracingConfig) (func(context.Context) error, error) {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithSampler(sampler(cfg.SamplingRatio))}

	switch exporter := strings.ToLower(strings.TrimSpace(cfg.Exporter)); exporter {
	case "", "otlp":
		var httpOpts []otlptracehttp.Option
		if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
			httpOpts = append(httpOpts, otlptracehttp.WithEndpointURL(endpoint))
		}
		spans, err := otlptracehttp.New(ctx, httpOpts...)
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(spans))
	case "none":
	default:
		return nil, fmt.Errorf("unsupported tracing exporter: %s", exporter)
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(cfg.Attributes()...),
	)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(append(opts, sdktrace.WithResource(res))...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

// sampler follows the caller's decision and samples ratio of new root traces.
func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
