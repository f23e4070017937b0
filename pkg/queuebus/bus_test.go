package queuebus

import (
	"context"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/b3yond/bugbuster/pkg/telemetry"
)

// Every publish carries the producer's span context so consumers resume
// the trace instead of starting a fresh one per hop.
func TestNewPublishingPropagatesTraceContext(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, span := telemetry.Tracer().Start(context.Background(), "producer")
	defer span.End()

	pub := newPublishing(ctx, []byte("{}"),
		WithPriority(PriorityMax),
		WithHeaders(WithRetry(nil, 2)))

	assert.Equal(t, uint8(PriorityMax), pub.Priority)
	assert.Equal(t, amqp.Persistent, pub.DeliveryMode)
	// retry header survives the injection
	assert.Equal(t, 2, RetryCount(pub.Headers))

	carried, ok := pub.Headers[TraceparentHeader].(string)
	require.True(t, ok)
	assert.NotEmpty(t, carried)

	resumed := telemetry.Extract(context.Background(), pub.Headers)
	_, child := telemetry.Tracer().Start(resumed, "consumer")
	defer child.End()
	assert.Equal(t, span.SpanContext().TraceID(), child.SpanContext().TraceID())
}

// A publish with no options still gets a headers table once a span is in
// flight; without one the message goes out bare.
func TestNewPublishingWithoutSpan(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	pub := newPublishing(context.Background(), []byte("{}"))
	assert.NotContains(t, pub.Headers, TraceparentHeader)
}
