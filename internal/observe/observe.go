package observe

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/zerologr"
	"github.com/likegate/likegate/internal/config"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Configure bootstraps OpenTelemetry tracing when enabled, returning a
// shutdown function that flushes pending spans. When disabled, the returned
// shutdown is a no-op and the global providers stay as no-ops.
func Configure(ctx context.Context, cfg config.ObserveConfig) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	// route OTel SDK complaints through the application logger
	otel.SetLogger(zerologr.New(&log.Logger))

	if !cfg.Enabled {
		return noop, nil
	}

	exporter, err := otlptracegrpc.New(ctx)
	if err != nil {
		return noop, fmt.Errorf("creating trace exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
	)

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(time.Duration(cfg.TraceBatchTimeoutSeconds)*time.Second),
		),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info().Str("service", cfg.ServiceName).Msg("telemetry configured")

	return provider.Shutdown, nil
}

// HTTPTransport wraps the outbound transport with OTel instrumentation when
// enabled; otherwise the transport is returned untouched.
func HTTPTransport(base http.RoundTripper, cfg config.ObserveConfig) http.RoundTripper {
	if !cfg.HTTPTransportEnabled {
		return base
	}
	return otelhttp.NewTransport(base)
}
