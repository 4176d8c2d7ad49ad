package cmd

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/nextlevelbuilder/webbrain/internal/config"
)

// initOTel wires the OTLP trace exporter for the kernel's run/iteration/step
// spans. Returns a shutdown func; a no-op when telemetry is disabled.
func initOTel(ctx context.Context, cfg *config.Config) func() {
	snap := cfg.Snapshot()
	tel := snap.Telemetry
	if !tel.Enabled || tel.Endpoint == "" {
		return func() {}
	}

	serviceName := tel.ServiceName
	if serviceName == "" {
		serviceName = "webbrain"
	}

	var (
		exporter *otlptrace.Exporter
		err      error
	)
	switch tel.Protocol {
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(tel.Endpoint)}
		if tel.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default: // grpc
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(tel.Endpoint)}
		if tel.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	}
	if err != nil {
		slog.Warn("otel exporter init failed, tracing disabled", "error", err)
		return func() {}
	}

	res, err := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(Version),
	))
	if err != nil {
		res = sdkresource.Default()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	slog.Info("otel tracing enabled", "endpoint", tel.Endpoint, "protocol", tel.Protocol)

	return func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(sctx); err != nil {
			slog.Debug("otel shutdown error", "error", err)
		}
	}
}
