package otel

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestNew_DisabledIsNoop(t *testing.T) {
	p, err := New(nil)
	require.NoError(t, err)
	assert.False(t, p.Enabled())

	_, span := p.Tracer("test").Start(context.Background(), "noop")
	assert.False(t, span.IsRecording())
	span.End()

	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Close(), ErrProviderClosed)
}

func TestNew_ExportsSpansWithServiceName(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	p, err := New(&Config{Enabled: true, ServiceName: "orchestrator"}, WithExporter(exp), WithoutGlobal())
	require.NoError(t, err)
	require.True(t, p.Enabled())
	defer p.Close()

	ctx, parent := p.Tracer("test").Start(context.Background(), "session.drive")
	_, child := p.Tracer("test").Start(ctx, "session.resolve", WithAttributes(String(SessionIDKey, "s-1")))
	SetResult(child, assert.AnError)
	child.End()
	parent.End()

	require.NoError(t, p.ForceFlush(context.Background()))
	spans := exp.GetSpans()
	require.Len(t, spans, 2)

	got := spans[0]
	assert.Equal(t, "session.resolve", got.Name)
	assert.Equal(t, CodeError, got.Status.Code)
	assert.Equal(t, parent.SpanContext().TraceID(), got.SpanContext.TraceID())
	assert.Contains(t, got.Attributes, String(SessionIDKey, "s-1"))
	require.Len(t, got.Events, 1)
	assert.Equal(t, "exception", got.Events[0].Name)

	var service string
	for _, kv := range got.Resource.Attributes() {
		if kv.Key == "service.name" {
			service = kv.Value.AsString()
		}
	}
	assert.Equal(t, "orchestrator", service)
}

func TestNew_RejectsBadConfig(t *testing.T) {
	_, err := New(&Config{Enabled: true, SampleRatio: 1.5})
	assert.ErrorIs(t, err, ErrInvalidSampleRatio)

	_, err = New(&Config{Enabled: true, Exporter: "zipkin"})
	assert.ErrorIs(t, err, ErrUnsupportedExporter)
}

func TestNew_NoopExporter(t *testing.T) {
	p, err := New(&Config{Enabled: true, Exporter: ExporterNoop}, WithoutGlobal())
	require.NoError(t, err)
	assert.False(t, p.Enabled())
}

func TestInjectExtract_RoundTrip(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	ctx, span := tp.Tracer("test").Start(context.Background(), "outbound")
	defer span.End()

	h := http.Header{}
	Inject(ctx, h)
	require.NotEmpty(t, h.Get("traceparent"))

	remote := trace.SpanContextFromContext(Extract(context.Background(), h))
	assert.True(t, remote.IsRemote())
	assert.Equal(t, span.SpanContext().TraceID(), remote.TraceID())
}
