package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartSpanRecords(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	p := NewProvider(sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp)), "pipesearch-test")

	ctx, span := p.StartSpan(context.Background(), "job", attribute.Int("job.index", 3))
	AddEvent(ctx, "started")
	SetError(ctx, errors.New("boom"))
	span.End()

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "job", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Contains(t, spans[0].Attributes, attribute.Int("job.index", 3))
	require.Len(t, spans[0].Events, 2)
	assert.Equal(t, "started", spans[0].Events[0].Name)

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNilProviderIsNoop(t *testing.T) {
	var p *Provider
	ctx, span := p.StartSpan(context.Background(), "noop")
	assert.NotNil(t, ctx)
	span.End()
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestDisabledTracer(t *testing.T) {
	p, err := InitTracer(Config{ServiceName: "pipesearch"}, nil)
	require.NoError(t, err)
	_, span := p.StartSpan(context.Background(), "x")
	span.End()
	assert.NoError(t, p.Shutdown(context.Background()))
}
