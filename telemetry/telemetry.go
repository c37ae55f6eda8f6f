// Package telemetry wires OpenTelemetry tracing to an OTLP collector. The
// engine creates its spans through the global tracer provider, so nothing
// is exported unless Setup is called with an endpoint.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// EnvEndpoint names the variable the CLI reads when no endpoint is configured.
const EnvEndpoint = "NOTEBOOK_OTLP_ENDPOINT"

// Shutdown flushes and stops the exporter.
type Shutdown func(context.Context) error

// Setup installs a batching OTLP/gRPC tracer provider for service. If
// endpoint is empty, no telemetry is configured and the returned Shutdown
// does nothing.
func Setup(endpoint, service string) (Shutdown, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
