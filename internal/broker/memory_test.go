package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func receive(t *testing.T, deliveries <-chan Delivery) Delivery {
	t.Helper()
	select {
	case d, ok := <-deliveries:
		require.True(t, ok, "delivery channel closed")
		return d
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
		return Delivery{}
	}
}

func assertIdle(t *testing.T, deliveries <-chan Delivery) {
	t.Helper()
	select {
	case d := <-deliveries:
		t.Fatalf("unexpected delivery %q", d.MessageID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBrokerRoutesByKey(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := NewMemoryBroker(DefaultTopology())

	require.NoError(t, b.Publish(ctx, "notification.email", Message{MessageID: "e1", Body: []byte(`{}`)}))
	require.NoError(t, b.Publish(ctx, "notification.push", Message{MessageID: "p1"}))
	assert.ErrorIs(t, b.Publish(ctx, "notification.sms", Message{}), ErrUnknownRoute)

	assert.Equal(t, 1, b.Len("email.queue"))
	assert.Equal(t, 1, b.Len("push.queue"))

	deliveries, err := b.Consume(ctx, "email.queue")
	require.NoError(t, err)
	d := receive(t, deliveries)
	assert.Equal(t, "e1", d.MessageID)
	assert.Equal(t, "notification.email", d.RoutingKey)
	require.NoError(t, d.Ack())
	assert.ErrorIs(t, d.Ack(), ErrAlreadySettled)
}

func TestMemoryBrokerPrefetchOne(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := NewMemoryBroker(DefaultTopology())
	for _, id := range []string{"1", "2"} {
		require.NoError(t, b.Publish(ctx, "notification.email", Message{MessageID: id}))
	}

	deliveries, err := b.Consume(ctx, "email.queue")
	require.NoError(t, err)
	first := receive(t, deliveries)
	assertIdle(t, deliveries)

	require.NoError(t, first.Ack())
	second := receive(t, deliveries)
	assert.Equal(t, "2", second.MessageID)
	require.NoError(t, second.Ack())
}

func TestMemoryBrokerPriorityOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := NewMemoryBroker(DefaultTopology())
	require.NoError(t, b.Publish(ctx, "notification.push", Message{MessageID: "low", Priority: 1}))
	require.NoError(t, b.Publish(ctx, "notification.push", Message{MessageID: "high", Priority: 10}))
	require.NoError(t, b.Publish(ctx, "notification.push", Message{MessageID: "medium", Priority: 5}))

	var order []string
	for _, m := range b.Peek("push.queue") {
		order = append(order, m.MessageID)
	}
	assert.Equal(t, []string{"high", "medium", "low"}, order)
}

func TestMemoryBrokerNackDeadLetters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := NewMemoryBroker(DefaultTopology())
	require.NoError(t, b.Publish(ctx, "notification.email", Message{MessageID: "m1", CorrelationID: "c1"}))

	deliveries, err := b.Consume(ctx, "email.queue")
	require.NoError(t, err)
	require.NoError(t, receive(t, deliveries).Nack(false))

	assert.Equal(t, 0, b.Len("email.queue"))
	failed := b.Peek("failed.queue")
	require.Len(t, failed, 1)
	assert.Equal(t, "m1", failed[0].MessageID)
	assert.Equal(t, "email.queue", failed[0].Headers[HeaderDeathQueue])
	assert.Equal(t, "rejected", failed[0].Headers[HeaderDeathReason])
}

func TestMemoryBrokerNackRequeue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := NewMemoryBroker(DefaultTopology())
	require.NoError(t, b.Publish(ctx, "notification.email", Message{MessageID: "m1"}))
	require.NoError(t, b.Publish(ctx, "notification.email", Message{MessageID: "m2"}))

	deliveries, err := b.Consume(ctx, "email.queue")
	require.NoError(t, err)
	first := receive(t, deliveries)
	assert.False(t, first.Redelivered)
	require.NoError(t, first.Nack(true))

	again := receive(t, deliveries)
	assert.Equal(t, "m1", again.MessageID)
	assert.True(t, again.Redelivered)
	require.NoError(t, again.Ack())
}

func TestMemoryBrokerExpiredMessagesDeadLetter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	now := time.Now()
	b := NewMemoryBroker(DefaultTopology())
	b.now = func() time.Time { return now }
	require.NoError(t, b.Publish(ctx, "notification.push", Message{MessageID: "old"}))
	now = now.Add(DefaultMessageTTL)

	deliveries, err := b.Consume(ctx, "push.queue")
	require.NoError(t, err)
	assertIdle(t, deliveries)

	failed := b.Peek("failed.queue")
	require.Len(t, failed, 1)
	assert.Equal(t, "expired", failed[0].Headers[HeaderDeathReason])
}

func TestMemoryBrokerPublishFailure(t *testing.T) {
	b := NewMemoryBroker(DefaultTopology())
	b.SetPublishErr(assert.AnError)
	assert.ErrorIs(t, b.Publish(context.Background(), "notification.email", Message{}), assert.AnError)

	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(context.Background(), "notification.email", Message{}), ErrClosed)
}

func TestMemoryBrokerConsumeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewMemoryBroker(DefaultTopology())
	deliveries, err := b.Consume(ctx, "email.queue")
	require.NoError(t, err)

	_, err = b.Consume(ctx, "sms.queue")
	assert.ErrorIs(t, err, ErrUnknownQueue)

	cancel()
	select {
	case _, ok := <-deliveries:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestTraceContextPropagates(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	b := NewMemoryBroker(DefaultTopology())
	require.NoError(t, b.Publish(ctx, "notification.email", Message{MessageID: "m1"}))
	span.End()

	consumeCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deliveries, err := b.Consume(consumeCtx, "email.queue")
	require.NoError(t, err)
	d := receive(t, deliveries)
	got := trace.SpanContextFromContext(d.Context(context.Background()))
	assert.Equal(t, span.SpanContext().TraceID(), got.TraceID())
	require.NoError(t, d.Ack())
}
