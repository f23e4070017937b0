package telemetry

import (
	"context"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInjectExtractRoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, span := Tracer().Start(context.Background(), "producer")
	headers := Inject(ctx, amqp.Table{"x-retry": int32(0)})
	span.End()

	tp64, ok := headers["traceparent"].(string)
	require.True(t, ok)
	assert.NotEmpty(t, tp64)
	// non-trace headers survive
	assert.Equal(t, int32(0), headers["x-retry"])

	consumerCtx := Extract(context.Background(), headers)
	_, child := Tracer().Start(consumerCtx, "consumer")
	defer child.End()

	assert.Equal(t,
		span.SpanContext().TraceID(),
		child.SpanContext().TraceID(),
	)
}

func TestExtractNilHeaders(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, ctx, Extract(ctx, nil))
}

func TestParseHeaders(t *testing.T) {
	h := parseHeaders("x-key=abc, x-team=crs")
	assert.Equal(t, map[string]string{"x-key": "abc", "x-team": "crs"}, h)
}
