package telemetry

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// otlpHost strips a scheme from endpoint; the exporters want host:port and
// a separate insecure switch.
func otlpHost(endpoint string) (host string, insecure bool) {
	switch {
	case strings.HasPrefix(endpoint, "http://"):
		return strings.TrimPrefix(endpoint, "http://"), true
	case strings.HasPrefix(endpoint, "https://"):
		return strings.TrimPrefix(endpoint, "https://"), false
	default:
		return endpoint, true
	}
}

func buildOTLPMetricExporter(ctx context.Context, endpoint string) (sdkmetric.Exporter, error) {
	host, insecure := otlpHost(endpoint)
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(strings.TrimSuffix(host, "/"))}
	if insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	return otlpmetrichttp.New(ctx, opts...)
}

func buildOTLPTraceExporter(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
	host, insecure := otlpHost(endpoint)
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(strings.TrimSuffix(host, "/"))}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return otlptracehttp.New(ctx, opts...)
}
