package otelcol

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"giftcode-redeemer/pkg/config"
	"giftcode-redeemer/pkg/otelcol/exporters"
)

// Module installs a global tracer provider exporting over OTLP/HTTP. With no
// OTEL.ADDR the global no-op provider is left in place.
var Module = fx.Module("otelcol", fx.Invoke(Register))

func serviceResource(c *config.Config) *resource.Resource {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", c.AppName),
		attribute.String("service.version", c.AppVersion),
		attribute.String("deployment.environment", c.AppEnv),
	))
	if err != nil {
		return resource.Default()
	}
	return res
}

func ProvideTrace(exporter trace.SpanExporter, opts ...trace.TracerProviderOption) *trace.TracerProvider {
	opts = append(opts, trace.WithBatcher(exporter))
	return trace.NewTracerProvider(opts...)
}

func Register(lc fx.Lifecycle, c *config.Config) error {
	if c.Otel.Addr == "" {
		zap.L().Info("tracing disabled, OTEL.ADDR is empty")
		return nil
	}

	exporter, err := exporters.ProvideHttp(c)
	if err != nil {
		zap.L().Error("failed to create otlp exporter", zap.Error(err))
		return err
	}

	tp := ProvideTrace(exporter, trace.WithResource(serviceResource(c)))
	otel.SetTracerProvider(tp)
	zap.L().Info("tracing enabled", zap.String("otel_addr", c.Otel.Addr))

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return tp.Shutdown(ctx)
		},
	})
	return nil
}
