// Package otel provides OpenTelemetry resource and tracer provider setup.
package otel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mrzor/iowatcher/internal/config"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"
)

// NewResource describes this process to both the tracer and meter providers.
func NewResource(ctx context.Context, cfg *config.OTELConfig) (*resource.Resource, error) {
	opts := []resource.Option{
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
		resource.WithHost(),
	}
	if custom := cfg.ParseResourceAttributes(); len(custom) > 0 {
		opts = append(opts, resource.WithAttributes(custom...))
	}

	res, err := resource.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// InitProvider creates a tracer provider exporting over OTLP/HTTP.
//
// The HTTP client honors HTTP_PROXY, HTTPS_PROXY and NO_PROXY through the
// standard net/http transport. An endpoint with a scheme is used as a full
// URL; a bare host:port is contacted over plain HTTP.
func InitProvider(ctx context.Context, cfg *config.OTELConfig, res *resource.Resource, logger *zap.Logger) (*sdktrace.TracerProvider, error) {
	endpoint := cfg.GetEndpoint()
	logger.Info("OTLP trace export enabled",
		zap.String("service_name", cfg.ServiceName),
		zap.String("endpoint", endpoint))

	opts := []otlptracehttp.Option{otlptracehttp.WithTimeout(10 * time.Second)}
	if strings.Contains(endpoint, "://") {
		opts = append(opts, otlptracehttp.WithEndpointURL(endpoint))
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	}
	if headers := cfg.ParseHeaders(); len(headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(headers))
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

// ShutdownProvider gracefully shuts down the tracer provider, flushing any remaining spans.
func ShutdownProvider(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}

	if err := tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}

	return nil
}
