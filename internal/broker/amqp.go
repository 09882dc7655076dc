package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/example/notification-pipeline/internal/notification"
	"github.com/example/notification-pipeline/internal/resilience"
)

// declarer is the subset of *amqp.Channel used to declare the topology.
type declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Declare creates the exchanges, queues and bindings of t. It is idempotent.
func Declare(ch declarer, t Topology) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(t.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.Exchange, err)
	}
	if err := ch.ExchangeDeclare(t.DLX, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.DLX, err)
	}
	if _, err := ch.QueueDeclare(t.FailedQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.FailedQueue, err)
	}
	if err := ch.QueueBind(t.FailedQueue, t.DLQRoutingKey, t.DLX, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", t.FailedQueue, err)
	}
	args := amqp.Table(t.QueueArgs())
	for _, q := range t.Queues {
		if _, err := ch.QueueDeclare(q.Name, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.Name, err)
		}
		if err := ch.QueueBind(q.Name, q.RoutingKey, t.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", q.Name, err)
		}
	}
	return nil
}

type AMQPOptions struct {
	URL      string
	Topology Topology
	// Reconnect bounds every connection attempt sequence, on startup and
	// after a lost connection.
	Reconnect resilience.RetryPolicy
	Logger    zerolog.Logger
}

// AMQPBroker is a RabbitMQ client with publisher confirms. A lost connection
// is re-established in the background; when the reconnect budget runs out
// Fatal yields ErrConnectionFatal and the owning process should exit.
type AMQPBroker struct {
	opts   AMQPOptions
	logger zerolog.Logger

	mu    sync.RWMutex
	conn  *amqp.Connection
	pub   *amqp.Channel
	ready chan struct{}

	fatal  chan error
	closed chan struct{}
	once   sync.Once
}

func DialAMQP(ctx context.Context, opts AMQPOptions) (*AMQPBroker, error) {
	if err := opts.Topology.Validate(); err != nil {
		return nil, err
	}
	b := &AMQPBroker{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "amqp").Logger(),
		ready:  make(chan struct{}),
		fatal:  make(chan error, 1),
		closed: make(chan struct{}),
	}
	if err := b.connect(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *AMQPBroker) Topology() Topology { return b.opts.Topology }

// Fatal delivers ErrConnectionFatal once reconnecting has given up.
func (b *AMQPBroker) Fatal() <-chan error { return b.fatal }

func (b *AMQPBroker) connect(ctx context.Context) error {
	retrier := resilience.NewRetrier(b.opts.Reconnect, resilience.WithNotify(func(attempt int, err error, wait time.Duration) {
		b.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("amqp connect failed")
	}))
	res := retrier.Do(ctx, func(context.Context, int) error {
		conn, err := amqp.DialConfig(b.opts.URL, amqp.Config{
			Heartbeat:  10 * time.Second,
			Properties: amqp.Table{"connection_name": "notification-pipeline"},
		})
		if err != nil {
			return err
		}
		pub, err := openPublisher(conn)
		if err != nil {
			_ = conn.Close()
			return err
		}
		if err := Declare(pub, b.opts.Topology); err != nil {
			_ = conn.Close()
			return err
		}
		b.install(conn, pub)
		return nil
	})
	if res.Err != nil {
		return fmt.Errorf("%w: %d attempts: %v", notification.ErrConnectionFatal, res.Attempts, res.Err)
	}
	b.logger.Info().Int("attempts", res.Attempts).Msg("amqp connected")
	return nil
}

func (b *AMQPBroker) install(conn *amqp.Connection, pub *amqp.Channel) {
	b.mu.Lock()
	b.conn, b.pub = conn, pub
	close(b.ready)
	b.mu.Unlock()

	lost := conn.NotifyClose(make(chan *amqp.Error, 1))
	go b.watch(lost)
}

func (b *AMQPBroker) watch(lost <-chan *amqp.Error) {
	amqpErr, ok := <-lost
	select {
	case <-b.closed:
		return
	default:
	}
	if !ok || amqpErr == nil {
		return
	}
	b.logger.Error().Str("reason", amqpErr.Reason).Int("code", amqpErr.Code).Msg("amqp connection lost")

	b.mu.Lock()
	b.conn, b.pub = nil, nil
	b.ready = make(chan struct{})
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-b.closed:
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := b.connect(ctx); err != nil {
		b.logger.Error().Err(err).Msg("amqp reconnect gave up")
		b.fatal <- err
	}
}

func (b *AMQPBroker) current(ctx context.Context) (*amqp.Connection, *amqp.Channel, error) {
	for {
		b.mu.RLock()
		conn, pub, ready := b.conn, b.pub, b.ready
		b.mu.RUnlock()
		if conn != nil && !conn.IsClosed() {
			if pub != nil && !pub.IsClosed() {
				return conn, pub, nil
			}
			pub, err := b.reopenPublisher(conn, pub)
			if err != nil {
				return nil, nil, err
			}
			return conn, pub, nil
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-b.closed:
			return nil, nil, ErrClosed
		}
	}
}

// reopenPublisher replaces a publisher channel closed by a channel-level
// exception while the connection stayed up.
func (b *AMQPBroker) reopenPublisher(conn *amqp.Connection, stale *amqp.Channel) (*amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != conn {
		return nil, errors.New("amqp connection replaced")
	}
	if b.pub != stale && b.pub != nil && !b.pub.IsClosed() {
		return b.pub, nil
	}
	pub, err := openPublisher(conn)
	if err != nil {
		return nil, err
	}
	b.logger.Warn().Msg("amqp publisher channel reopened")
	b.pub = pub
	return pub, nil
}

func openPublisher(conn *amqp.Connection) (*amqp.Channel, error) {
	pub, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publisher channel: %w", err)
	}
	if err := pub.Confirm(false); err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	return pub, nil
}

func (b *AMQPBroker) Ping(ctx context.Context) error {
	select {
	case <-b.closed:
		return ErrClosed
	default:
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.conn == nil || b.conn.IsClosed() {
		return errors.New("amqp connection not open")
	}
	return nil
}

func (b *AMQPBroker) Publish(ctx context.Context, routingKey string, msg Message) error {
	if _, err := b.opts.Topology.QueueForKey(routingKey); err != nil {
		return err
	}
	_, pub, err := b.current(ctx)
	if err != nil {
		return err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	confirm, err := pub.PublishWithDeferredConfirmWithContext(ctx, b.opts.Topology.Exchange, routingKey, false, false, amqp.Publishing{
		Headers:       amqp.Table(inject(ctx, msg.Headers)),
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Priority:      msg.Priority,
		CorrelationId: msg.CorrelationID,
		MessageId:     msg.MessageID,
		Timestamp:     msg.Timestamp,
		Body:          msg.Body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm: %w", err)
	}
	if !acked {
		return ErrPublishNotAcked
	}
	return nil
}

// Consume opens a dedicated channel with prefetch 1. When the connection
// drops the subscription is resumed on the next connection.
func (b *AMQPBroker) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	if !b.opts.Topology.HasQueue(queue) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, queue)
	}
	ch, deliveries, tag, err := b.subscribe(ctx, queue)
	if err != nil {
		return nil, err
	}
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			b.pump(ctx, queue, deliveries, out)
			_ = ch.Cancel(tag, false)
			_ = ch.Close()
			select {
			case <-ctx.Done():
				return
			case <-b.closed:
				return
			default:
			}
			b.logger.Warn().Str("queue", queue).Msg("consumer interrupted, resubscribing")
			ch, deliveries, tag, err = b.subscribe(ctx, queue)
			if err != nil {
				b.logger.Error().Err(err).Str("queue", queue).Msg("resubscribe failed")
				return
			}
		}
	}()
	return out, nil
}

func (b *AMQPBroker) subscribe(ctx context.Context, queue string) (*amqp.Channel, <-chan amqp.Delivery, string, error) {
	conn, _, err := b.current(ctx)
	if err != nil {
		return nil, nil, "", err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, "", fmt.Errorf("open consumer channel: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		return nil, nil, "", fmt.Errorf("set qos: %w", err)
	}
	tag := queue + "-" + uuid.NewString()
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, "", fmt.Errorf("consume %s: %w", queue, err)
	}
	return ch, deliveries, tag, nil
}

// pump forwards deliveries one at a time until the subscription ends or ctx
// is done.
func (b *AMQPBroker) pump(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, out chan<- Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.closed:
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			msg := Message{
				Body:          d.Body,
				MessageID:     d.MessageId,
				CorrelationID: d.CorrelationId,
				Priority:      d.Priority,
				Timestamp:     d.Timestamp,
				Headers:       map[string]any(d.Headers),
			}
			settled := make(chan struct{})
			var once sync.Once
			done := func() { once.Do(func() { close(settled) }) }
			delivery := NewDelivery(msg, queue, d.RoutingKey,
				func() error { defer done(); return d.Ack(false) },
				func(requeue bool) error { defer done(); return d.Nack(false, requeue) },
			)
			delivery.Redelivered = d.Redelivered
			select {
			case out <- delivery:
			case <-ctx.Done():
				_ = d.Nack(false, true)
				return
			}
			// the channel stays open until the in-flight message is settled
			select {
			case <-settled:
			case <-b.closed:
				return
			}
		}
	}
}

func (b *AMQPBroker) Close() error {
	var err error
	b.once.Do(func() {
		close(b.closed)
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.conn != nil {
			err = b.conn.Close()
		}
	})
	return err
}
