package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/example/notification-pipeline/internal/notification"
	"github.com/example/notification-pipeline/internal/resilience"
)

var (
	attemptHist = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "delivery_attempts",
		Help:    "Transport attempts used per delivered or failed message",
		Buckets: []float64{1, 2, 3, 4, 5, 8},
	}, []string{"channel", "outcome"})
)

// Sender is an external transport for one channel.
type Sender interface {
	Send(ctx context.Context, p notification.Payload) error
}

// Executor runs a send under retry control, routing every attempt through the
// circuit breaker.
type Executor struct {
	channel notification.Channel
	sender  Sender
	breaker *resilience.Breaker
	retrier *resilience.Retrier
}

func NewExecutor(channel notification.Channel, sender Sender, breaker *resilience.Breaker, policy resilience.RetryPolicy, logger zerolog.Logger, opts ...resilience.RetrierOption) *Executor {
	notify := resilience.WithNotify(func(attempt int, err error, wait time.Duration) {
		logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Str("channel", string(channel)).Msg("delivery attempt failed")
	})
	return &Executor{
		channel: channel,
		sender:  sender,
		breaker: breaker,
		retrier: resilience.NewRetrier(policy, append([]resilience.RetrierOption{notify}, opts...)...),
	}
}

func (e *Executor) Breaker() *resilience.Breaker { return e.breaker }

// Deliver returns the attempts used and, on failure, an error wrapping
// notification.ErrPermanentDelivery that carries the last transport error.
func (e *Executor) Deliver(ctx context.Context, p notification.Payload) (int, error) {
	return e.Run(ctx, func(ctx context.Context) error {
		return e.sender.Send(ctx, p)
	})
}

// Run puts fn under the same retry and breaker control as Deliver.
func (e *Executor) Run(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	res := e.retrier.Do(ctx, func(ctx context.Context, attempt int) error {
		return e.breaker.Execute(ctx, fn)
	})
	if res.Err == nil {
		attemptHist.WithLabelValues(string(e.channel), "delivered").Observe(float64(res.Attempts))
		return res.Attempts, nil
	}
	attemptHist.WithLabelValues(string(e.channel), "failed").Observe(float64(res.Attempts))
	if errors.Is(res.Err, notification.ErrPermanentDelivery) {
		return res.Attempts, res.Err
	}
	return res.Attempts, fmt.Errorf("%w after %d attempts: %w", notification.ErrPermanentDelivery, res.Attempts, res.Err)
}
