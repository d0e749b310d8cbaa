package otelcol

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"giftcode-redeemer/pkg/config"
)

func TestProvideTraceExportsSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := ProvideTrace(exp, trace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := tp.Tracer("test").Start(context.Background(), "redemption.item")
	span.End()
	require.NoError(t, tp.ForceFlush(context.Background()))

	require.NotEmpty(t, exp.GetSpans())
	require.Equal(t, "redemption.item", exp.GetSpans()[0].Name)
}

func TestServiceResource(t *testing.T) {
	cfg := &config.Config{AppName: "giftcode-redeemer", AppEnv: "test"}
	res := serviceResource(cfg)

	v, ok := res.Set().Value(attribute.Key("service.name"))
	require.True(t, ok)
	require.Equal(t, "giftcode-redeemer", v.AsString())
}
