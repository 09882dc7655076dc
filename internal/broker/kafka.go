package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

const (
	kafkaHeaderMessageID     = "message-id"
	kafkaHeaderCorrelationID = "correlation-id"
	kafkaHeaderPriority      = "priority"
	kafkaHeaderRedelivered   = "redelivered"
)

// kafkaWriter and kafkaCommitter are the parts of kafka.Writer and
// kafka.Reader the broker drives.
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaCommitter interface {
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

type KafkaOptions struct {
	Brokers  []string
	GroupID  string
	Topology Topology
	Logger   zerolog.Logger
}

// KafkaBroker maps the topology onto topics: each queue is a topic named after
// it and the consumer group commit is the acknowledgement. A message rejected
// without requeue is produced to the failed queue topic before its offset is
// committed. Kafka has no per-message priority or TTL, so both are carried as
// headers only.
type KafkaBroker struct {
	opts   KafkaOptions
	writer kafkaWriter
	logger zerolog.Logger

	mu      sync.Mutex
	readers []*kafka.Reader
	closed  bool
}

func NewKafkaBroker(opts KafkaOptions) (*KafkaBroker, error) {
	if err := opts.Topology.Validate(); err != nil {
		return nil, err
	}
	if len(opts.Brokers) == 0 {
		return nil, errors.New("kafka broker requires at least one address")
	}
	return &KafkaBroker{
		opts: opts,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(opts.Brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		logger: opts.Logger.With().Str("component", "kafka").Logger(),
	}, nil
}

func (b *KafkaBroker) Topology() Topology { return b.opts.Topology }

func (b *KafkaBroker) Ping(ctx context.Context) error {
	conn, err := kafka.DialContext(ctx, "tcp", b.opts.Brokers[0])
	if err != nil {
		return err
	}
	return conn.Close()
}

func (b *KafkaBroker) Publish(ctx context.Context, routingKey string, msg Message) error {
	q, err := b.opts.Topology.QueueForKey(routingKey)
	if err != nil {
		return err
	}
	msg.Headers = inject(ctx, msg.Headers)
	return b.produce(ctx, q.Name, msg, false)
}

func (b *KafkaBroker) produce(ctx context.Context, topic string, msg Message, redelivered bool) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	carrier := headerCarrier(msg.Headers)
	headers := make([]kafka.Header, 0, len(msg.Headers)+4)
	for _, k := range carrier.Keys() {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(carrier.Get(k))})
	}
	headers = append(headers,
		kafka.Header{Key: kafkaHeaderMessageID, Value: []byte(msg.MessageID)},
		kafka.Header{Key: kafkaHeaderCorrelationID, Value: []byte(msg.CorrelationID)},
		kafka.Header{Key: kafkaHeaderPriority, Value: []byte(strconv.Itoa(int(msg.Priority)))},
	)
	if redelivered {
		headers = append(headers, kafka.Header{Key: kafkaHeaderRedelivered, Value: []byte("true")})
	}
	err := b.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(msg.CorrelationID),
		Value:   msg.Body,
		Headers: headers,
		Time:    msg.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("write message to %s: %w", topic, err)
	}
	return nil
}

func (b *KafkaBroker) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	if !b.opts.Topology.HasQueue(queue) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, queue)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:       b.opts.Brokers,
		GroupID:       b.opts.GroupID,
		Topic:         queue,
		QueueCapacity: 1,
		MinBytes:      1,
		MaxBytes:      10e6,
	})
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = reader.Close()
		return nil, ErrClosed
	}
	b.readers = append(b.readers, reader)
	b.mu.Unlock()

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			m, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, io.EOF) {
					b.logger.Error().Err(err).Str("queue", queue).Msg("fetch message")
				}
				return
			}
			d, settled := b.delivery(reader, queue, m)
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
			<-settled
		}
	}()
	return out, nil
}

func (b *KafkaBroker) delivery(reader kafkaCommitter, queue string, m kafka.Message) (Delivery, <-chan struct{}) {
	msg := Message{Body: m.Value, Timestamp: m.Time, Headers: map[string]any{}}
	redelivered := false
	for _, h := range m.Headers {
		switch h.Key {
		case kafkaHeaderMessageID:
			msg.MessageID = string(h.Value)
		case kafkaHeaderCorrelationID:
			msg.CorrelationID = string(h.Value)
		case kafkaHeaderPriority:
			if p, err := strconv.Atoi(string(h.Value)); err == nil && p >= 0 && p <= 255 {
				msg.Priority = uint8(p)
			}
		case kafkaHeaderRedelivered:
			redelivered = true
		default:
			msg.Headers[h.Key] = string(h.Value)
		}
	}

	settled := make(chan struct{})
	var once sync.Once
	settle := func(fn func(ctx context.Context) error) error {
		err := ErrAlreadySettled
		once.Do(func() {
			defer close(settled)
			// settling must finish even when the consume context is gone
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err = fn(ctx); err == nil {
				err = reader.CommitMessages(ctx, m)
			}
		})
		return err
	}

	d := NewDelivery(msg, queue, b.opts.Topology.RoutingKeyForQueue(queue),
		func() error { return settle(func(context.Context) error { return nil }) },
		func(requeue bool) error {
			return settle(func(ctx context.Context) error {
				if requeue {
					return b.produce(ctx, queue, msg, true)
				}
				if queue == b.opts.Topology.FailedQueue {
					return nil
				}
				dead := msg
				dead.Headers = make(map[string]any, len(msg.Headers)+2)
				for k, v := range msg.Headers {
					dead.Headers[k] = v
				}
				dead.Headers[HeaderDeathQueue] = queue
				dead.Headers[HeaderDeathReason] = "rejected"
				return b.produce(ctx, b.opts.Topology.FailedQueue, dead, false)
			})
		},
	)
	d.Redelivered = redelivered
	return d, settled
}

func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	readers := b.readers
	b.readers = nil
	b.mu.Unlock()

	var errs []error
	for _, r := range readers {
		errs = append(errs, r.Close())
	}
	errs = append(errs, b.writer.Close())
	return errors.Join(errs...)
}
