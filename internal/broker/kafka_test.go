package broker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

type recordingCommitter struct {
	commits []kafka.Message
}

func (c *recordingCommitter) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	c.commits = append(c.commits, msgs...)
	return nil
}

func newTestKafkaBroker(w kafkaWriter) *KafkaBroker {
	return &KafkaBroker{
		opts:   KafkaOptions{Brokers: []string{"localhost:9092"}, Topology: DefaultTopology()},
		writer: w,
		logger: zerolog.Nop(),
	}
}

func headerMap(m kafka.Message) map[string]string {
	out := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		out[h.Key] = string(h.Value)
	}
	return out
}

func TestKafkaPublishMapsRouteAndHeaders(t *testing.T) {
	w := &recordingWriter{}
	b := newTestKafkaBroker(w)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "notification.push", Message{
		Body:          []byte(`{"id":"m1"}`),
		MessageID:     "m1",
		CorrelationID: "corr_1",
		Priority:      10,
		Headers:       map[string]any{HeaderRequestID: "req_1"},
	}))
	assert.ErrorIs(t, b.Publish(ctx, "notification.sms", Message{}), ErrUnknownRoute)

	require.Len(t, w.messages, 1)
	m := w.messages[0]
	assert.Equal(t, "push.queue", m.Topic)
	assert.Equal(t, []byte("corr_1"), m.Key)
	assert.False(t, m.Time.IsZero())
	h := headerMap(m)
	assert.Equal(t, "m1", h[kafkaHeaderMessageID])
	assert.Equal(t, "corr_1", h[kafkaHeaderCorrelationID])
	assert.Equal(t, "10", h[kafkaHeaderPriority])
	assert.Equal(t, "req_1", h[HeaderRequestID])
	assert.NotContains(t, h, kafkaHeaderRedelivered)
}

func kafkaRecord() kafka.Message {
	return kafka.Message{
		Topic: "email.queue",
		Value: []byte(`{}`),
		Headers: []kafka.Header{
			{Key: kafkaHeaderMessageID, Value: []byte("m1")},
			{Key: kafkaHeaderCorrelationID, Value: []byte("corr_1")},
			{Key: kafkaHeaderPriority, Value: []byte("5")},
			{Key: HeaderRequestID, Value: []byte("req_1")},
		},
	}
}

func TestKafkaDeliveryDecodesHeaders(t *testing.T) {
	b := newTestKafkaBroker(&recordingWriter{})
	c := &recordingCommitter{}

	d, settled := b.delivery(c, "email.queue", kafkaRecord())
	assert.Equal(t, "m1", d.MessageID)
	assert.Equal(t, "corr_1", d.CorrelationID)
	assert.Equal(t, uint8(5), d.Priority)
	assert.Equal(t, "req_1", d.Headers[HeaderRequestID])
	assert.Equal(t, "notification.email", d.RoutingKey)
	assert.False(t, d.Redelivered)

	require.NoError(t, d.Ack())
	<-settled
	assert.Len(t, c.commits, 1)
	assert.ErrorIs(t, d.Nack(false), ErrAlreadySettled)
}

func TestKafkaNackTargets(t *testing.T) {
	tests := []struct {
		name      string
		queue     string
		requeue   bool
		wantTopic string
	}{
		{name: "dead letter", queue: "email.queue", requeue: false, wantTopic: "failed.queue"},
		{name: "requeue", queue: "email.queue", requeue: true, wantTopic: "email.queue"},
		{name: "failed queue reject drops", queue: "failed.queue", requeue: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := &recordingWriter{}
			c := &recordingCommitter{}
			b := newTestKafkaBroker(w)

			d, settled := b.delivery(c, tc.queue, kafkaRecord())
			require.NoError(t, d.Nack(tc.requeue))
			<-settled
			assert.Len(t, c.commits, 1)

			if tc.wantTopic == "" {
				assert.Empty(t, w.messages)
				return
			}
			require.Len(t, w.messages, 1)
			m := w.messages[0]
			assert.Equal(t, tc.wantTopic, m.Topic)
			h := headerMap(m)
			assert.Equal(t, "m1", h[kafkaHeaderMessageID])
			assert.Equal(t, "req_1", h[HeaderRequestID])
			if tc.requeue {
				assert.Equal(t, "true", h[kafkaHeaderRedelivered])
				assert.NotContains(t, h, HeaderDeathQueue)
			} else {
				assert.Equal(t, tc.queue, h[HeaderDeathQueue])
				assert.Equal(t, "rejected", h[HeaderDeathReason])
			}
		})
	}
}

func TestKafkaNackWriteFailureSkipsCommit(t *testing.T) {
	w := &recordingWriter{err: errors.New("leader not available")}
	c := &recordingCommitter{}
	b := newTestKafkaBroker(w)

	d, settled := b.delivery(c, "email.queue", kafkaRecord())
	require.Error(t, d.Nack(false))
	<-settled
	assert.Empty(t, c.commits)
}

func TestKafkaRedeliveredFlag(t *testing.T) {
	b := newTestKafkaBroker(&recordingWriter{})
	m := kafkaRecord()
	m.Headers = append(m.Headers, kafka.Header{Key: kafkaHeaderRedelivered, Value: []byte("true")})

	d, _ := b.delivery(&recordingCommitter{}, "email.queue", m)
	assert.True(t, d.Redelivered)
	assert.NotContains(t, d.Headers, kafkaHeaderRedelivered)
}
