// Package consumer pulls envelopes from a channel queue and delivers them.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/example/notification-pipeline/internal/broker"
	"github.com/example/notification-pipeline/internal/common"
	"github.com/example/notification-pipeline/internal/notification"
	"github.com/example/notification-pipeline/internal/store"
)

var (
	outcomeCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_messages_total",
		Help: "Messages handled by the channel consumers by outcome",
	}, []string{"channel", "outcome"})
)

// Outcome is the ack decision taken for one delivery.
type Outcome string

const (
	OutcomeDelivered  Outcome = "delivered"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeMalformed  Outcome = "malformed"
	OutcomeFailed     Outcome = "failed"
	OutcomeNotSettled Outcome = "not_settled"
)

type Consumer struct {
	channel  notification.Channel
	queue    string
	source   broker.Consumer
	tracker  *store.Tracker
	reporter Reporter
	executor *Executor
	logger   zerolog.Logger
}

type Options struct {
	Channel  notification.Channel
	Queue    string
	Source   broker.Consumer
	Tracker  *store.Tracker
	Reporter Reporter
	Executor *Executor
	Logger   zerolog.Logger
}

func New(opts Options) (*Consumer, error) {
	if opts.Source == nil || opts.Tracker == nil || opts.Executor == nil {
		return nil, errors.New("consumer needs a source, a tracker and an executor")
	}
	if opts.Queue == "" {
		return nil, fmt.Errorf("consumer for %s has no queue", opts.Channel)
	}
	if opts.Reporter == nil {
		opts.Reporter = StoreReporter{Tracker: opts.Tracker}
	}
	return &Consumer{
		channel:  opts.Channel,
		queue:    opts.Queue,
		source:   opts.Source,
		tracker:  opts.Tracker,
		reporter: opts.Reporter,
		executor: opts.Executor,
		logger:   opts.Logger.With().Str("channel", string(opts.Channel)).Str("queue", opts.Queue).Logger(),
	}, nil
}

// Run handles deliveries one at a time until ctx is done or the broker closes
// the subscription. The message in flight when ctx is cancelled is finished
// and settled before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.source.Consume(ctx, c.queue)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}
	c.logger.Info().Msg("consumer started")
	for d := range deliveries {
		c.Handle(context.WithoutCancel(ctx), d)
	}
	c.logger.Info().Msg("consumer stopped")
	return nil
}

// Handle processes one delivery and settles it.
func (c *Consumer) Handle(ctx context.Context, d broker.Delivery) Outcome {
	ctx, span := otel.Tracer("consumer").Start(d.Context(ctx), "consume")
	defer span.End()
	span.SetAttributes(attribute.String("queue", d.Queue), attribute.String("message.id", d.MessageID))

	outcome := c.handle(ctx, d)
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	if outcome == OutcomeFailed || outcome == OutcomeMalformed {
		span.SetStatus(codes.Error, string(outcome))
	}
	outcomeCounter.WithLabelValues(string(c.channel), string(outcome)).Inc()
	return outcome
}

func (c *Consumer) handle(ctx context.Context, d broker.Delivery) Outcome {
	logger := common.WithContext(ctx, c.logger)

	env, err := c.parse(d.Body)
	if err != nil {
		logger.Error().Err(err).Str("message_id", d.MessageID).Msg("dropping malformed envelope")
		if env.RequestID != "" {
			c.report(ctx, logger, env.RequestID, notification.StatusFailed, err.Error())
		}
		return c.settle(logger, d.Nack(false), OutcomeMalformed)
	}
	logger = logger.With().Str("request_id", env.RequestID).Str("correlation_id", env.CorrelationID).Logger()

	done, err := c.tracker.IsProcessed(ctx, env.CorrelationID)
	if err != nil {
		logger.Warn().Err(err).Msg("processed marker check failed, delivering anyway")
	}
	if done {
		logger.Info().Msg("skipping already processed message")
		return c.settle(logger, d.Ack(), OutcomeDuplicate)
	}

	c.report(ctx, logger, env.RequestID, notification.StatusProcessing, "")

	payload, err := notification.BuildPayload(env, notification.RenderEnvelope(env))
	if err != nil {
		logger.Error().Err(err).Msg("cannot build payload")
		settled := c.settle(logger, d.Nack(false), OutcomeMalformed)
		c.report(ctx, logger, env.RequestID, notification.StatusFailed, err.Error())
		return settled
	}

	attempts, err := c.executor.Deliver(ctx, payload)
	if err != nil {
		logger.Error().Err(err).Int("attempts", attempts).Msg("delivery failed, dead-lettering")
		settled := c.settle(logger, d.Nack(false), OutcomeFailed)
		c.report(ctx, logger, env.RequestID, notification.StatusFailed, err.Error())
		return settled
	}

	settled := c.settle(logger, d.Ack(), OutcomeDelivered)
	if err := c.tracker.MarkProcessed(ctx, env.CorrelationID); err != nil {
		logger.Error().Err(err).Msg("failed to write processed marker")
	}
	c.report(ctx, logger, env.RequestID, notification.StatusDelivered, "")
	logger.Info().Int("attempts", attempts).Msg("notification delivered")
	return settled
}

// parse decodes and checks an envelope. On failure the returned envelope
// still carries whatever identifiers could be read.
func (c *Consumer) parse(body []byte) (notification.Envelope, error) {
	var env notification.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		var ids struct {
			RequestID string `json:"request_id"`
		}
		_ = json.Unmarshal(body, &ids)
		return notification.Envelope{RequestID: ids.RequestID}, fmt.Errorf("%w: %v", notification.ErrParse, err)
	}
	if err := env.Validate(); err != nil {
		return env, err
	}
	if env.NotificationType != c.channel {
		return env, fmt.Errorf("%w: %s envelope on %s queue", notification.ErrParse, env.NotificationType, c.queue)
	}
	return env, nil
}

func (c *Consumer) report(ctx context.Context, logger zerolog.Logger, requestID string, status notification.Status, reason string) {
	rec := notification.StatusRecord{Status: status, Error: reason, Channel: c.channel, Timestamp: time.Now().UTC()}
	if err := c.reporter.Report(ctx, requestID, rec); err != nil {
		logger.Warn().Err(err).Str("status", string(status)).Msg("status report failed")
	}
}

func (c *Consumer) settle(logger zerolog.Logger, err error, outcome Outcome) Outcome {
	if err != nil {
		logger.Error().Err(err).Str("outcome", string(outcome)).Msg("failed to settle message")
		return OutcomeNotSettled
	}
	return outcome
}
