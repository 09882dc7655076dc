// Package redrive moves dead-lettered envelopes back onto their channel queues.
package redrive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/notification-pipeline/internal/broker"
	"github.com/example/notification-pipeline/internal/common"
	"github.com/example/notification-pipeline/internal/notification"
	"github.com/example/notification-pipeline/internal/store"
)

var (
	redriveCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redrive_messages_total",
		Help: "Dead-lettered messages handled by redrive",
	}, []string{"outcome"})
)

type Source interface {
	broker.Publisher
	broker.Consumer
	Topology() broker.Topology
}

type Redriver struct {
	Broker  Source
	Tracker *store.Tracker
	Logger  zerolog.Logger
	// Limit stops the run after that many republished messages. Zero means no limit.
	Limit int
	// Idle stops the run once the failed queue stays empty this long.
	Idle time.Duration

	now func() time.Time
}

type Stats struct {
	Redriven  int
	Discarded int
}

// Run drains the failed queue until Limit or Idle is reached or ctx is done.
// A publish failure puts the message back and ends the run.
func (r *Redriver) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	if r.Broker == nil || r.Tracker == nil {
		return stats, errors.New("redrive requires a broker and a tracker")
	}
	if r.Idle <= 0 {
		r.Idle = 5 * time.Second
	}
	if r.now == nil {
		r.now = time.Now
	}

	consumeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	queue := r.Broker.Topology().FailedQueue
	deliveries, err := r.Broker.Consume(consumeCtx, queue)
	if err != nil {
		return stats, fmt.Errorf("consume %s: %w", queue, err)
	}

	idle := time.NewTimer(r.Idle)
	defer idle.Stop()
	for r.Limit <= 0 || stats.Redriven < r.Limit {
		select {
		case <-ctx.Done():
			return stats, nil
		case <-idle.C:
			r.Logger.Info().Dur("idle", r.Idle).Msg("failed queue drained")
			return stats, nil
		case d, ok := <-deliveries:
			if !ok {
				return stats, nil
			}
			redriven, err := r.redrive(context.WithoutCancel(ctx), d)
			if err != nil {
				return stats, err
			}
			if redriven {
				stats.Redriven++
			} else {
				stats.Discarded++
			}
			idle.Reset(r.Idle)
		}
	}
	return stats, nil
}

func (r *Redriver) redrive(ctx context.Context, d broker.Delivery) (bool, error) {
	ctx, span := otel.Tracer("redrive").Start(d.Context(ctx), "redrive")
	defer span.End()
	span.SetAttributes(attribute.String("message.id", d.MessageID))
	logger := common.WithContext(ctx, r.Logger)

	var env notification.Envelope
	err := json.Unmarshal(d.Body, &env)
	if err == nil {
		err = env.Validate()
	}
	if err != nil {
		logger.Error().Err(err).Str("message_id", d.MessageID).Msg("discarding unreadable dead letter")
		redriveCounter.WithLabelValues("discarded").Inc()
		return false, d.Ack()
	}
	logger = logger.With().Str("request_id", env.RequestID).Str("correlation_id", env.CorrelationID).Logger()

	env.ID = uuid.NewString()
	env.RetryCount++
	body, err := json.Marshal(env)
	if err != nil {
		_ = d.Nack(true)
		return false, fmt.Errorf("encode envelope %s: %w", env.RequestID, err)
	}
	// reset first: a worker can finish the delivery before Publish returns
	prev, prevErr := r.Tracker.GetStatus(ctx, env.RequestID)
	if err := r.Tracker.ResetStatus(ctx, env.RequestID, notification.StatusRecord{
		Status:           notification.StatusPending,
		UserID:           env.UserID,
		NotificationType: env.NotificationType,
	}); err != nil {
		logger.Error().Err(err).Msg("failed to reset status")
	}

	routingKey := broker.RoutingKey(env.NotificationType)
	if err := r.Broker.Publish(ctx, routingKey, broker.Message{
		Body:          body,
		MessageID:     env.ID,
		CorrelationID: env.CorrelationID,
		Priority:      env.Priority.BrokerPriority(),
		Timestamp:     r.now().UTC(),
		Headers:       map[string]any{broker.HeaderRequestID: env.RequestID},
	}); err != nil {
		redriveCounter.WithLabelValues("error").Inc()
		r.restore(ctx, logger, env, prev, prevErr)
		if nerr := d.Nack(true); nerr != nil {
			logger.Error().Err(nerr).Msg("failed to return message to the failed queue")
		}
		return false, fmt.Errorf("republish %s: %w", env.RequestID, err)
	}
	span.SetAttributes(attribute.Int("retry_count", env.RetryCount))

	if err := d.Ack(); err != nil {
		return true, fmt.Errorf("ack %s: %w", env.RequestID, err)
	}
	redriveCounter.WithLabelValues("redriven").Inc()
	logger.Info().Int("retry_count", env.RetryCount).Str("routing_key", routingKey).Msg("message redriven")
	return true, nil
}

// restore puts back the record that was replaced before a failed publish.
func (r *Redriver) restore(ctx context.Context, logger zerolog.Logger, env notification.Envelope, prev notification.StatusRecord, prevErr error) {
	if prevErr != nil {
		prev = notification.StatusRecord{
			Status:           notification.StatusFailed,
			UserID:           env.UserID,
			NotificationType: env.NotificationType,
			Error:            "redrive publish failed",
		}
	}
	if err := r.Tracker.ResetStatus(ctx, env.RequestID, prev); err != nil {
		logger.Error().Err(err).Msg("failed to restore status")
	}
}
