// Package broker moves envelopes from the gateway to the channel consumers
// over a durable direct exchange with a dead-letter path.
package broker

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed          = errors.New("broker closed")
	ErrUnknownRoute    = errors.New("no queue bound to routing key")
	ErrUnknownQueue    = errors.New("queue not declared")
	ErrAlreadySettled  = errors.New("delivery already acknowledged")
	ErrPublishNotAcked = errors.New("publish not confirmed by broker")
)

// Headers that describe why a message reached the failed queue.
const (
	HeaderDeathQueue  = "x-first-death-queue"
	HeaderDeathReason = "x-first-death-reason"
)

const HeaderRequestID = "x-request-id"

type Message struct {
	Body          []byte
	MessageID     string
	CorrelationID string
	Priority      uint8
	Timestamp     time.Time
	Headers       map[string]any
}

// Delivery is one message handed to a consumer. Exactly one of Ack or Nack
// must be called before the consumer sees the next message on its queue.
type Delivery struct {
	Message
	Queue       string
	RoutingKey  string
	Redelivered bool

	ack  func() error
	nack func(requeue bool) error
}

func NewDelivery(msg Message, queue, routingKey string, ack func() error, nack func(requeue bool) error) Delivery {
	return Delivery{Message: msg, Queue: queue, RoutingKey: routingKey, ack: ack, nack: nack}
}

func (d Delivery) Ack() error { return d.ack() }

// Nack rejects the message. With requeue false the queue dead-letters it.
func (d Delivery) Nack(requeue bool) error { return d.nack(requeue) }

// Context returns ctx carrying the trace context propagated in the headers.
func (d Delivery) Context(ctx context.Context) context.Context {
	return extract(ctx, d.Headers)
}

type Publisher interface {
	// Publish routes msg through the main exchange and returns once the broker
	// has taken responsibility for it.
	Publish(ctx context.Context, routingKey string, msg Message) error
}

type Consumer interface {
	// Consume subscribes to queue with a prefetch of one. The channel closes
	// when ctx is done or the broker is closed.
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)
}

type Broker interface {
	Publisher
	Consumer
	Topology() Topology
	Ping(ctx context.Context) error
	Close() error
}
