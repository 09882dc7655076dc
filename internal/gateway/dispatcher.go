package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/notification-pipeline/internal/broker"
	"github.com/example/notification-pipeline/internal/common"
	"github.com/example/notification-pipeline/internal/enrich"
	"github.com/example/notification-pipeline/internal/notification"
	"github.com/example/notification-pipeline/internal/store"
)

var publishCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gateway_publish_total",
	Help: "Envelopes published to the broker by result",
}, []string{"channel", "result"})

// Dispatcher turns an accepted request into a published envelope.
type Dispatcher struct {
	tracker   *store.Tracker
	users     enrich.UserLookup
	templates enrich.TemplateLookup
	publisher broker.Publisher
	topo      broker.Topology
	tracer    trace.Tracer
	logger    zerolog.Logger
	now       func() time.Time
}

func NewDispatcher(tracker *store.Tracker, users enrich.UserLookup, templates enrich.TemplateLookup, publisher broker.Publisher, topo broker.Topology, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		tracker:   tracker,
		users:     users,
		templates: templates,
		publisher: publisher,
		topo:      topo,
		tracer:    otel.Tracer("gateway"),
		logger:    logger,
		now:       time.Now,
	}
}

// DerivedIdempotencyKey is used when the caller sends no idempotency header.
func DerivedIdempotencyKey(req notification.Request) string {
	return fmt.Sprintf("notification:%s:%s:%s:%s", req.UserID, req.TemplateCode, req.NotificationType, req.RequestID)
}

func applyDefaults(req *notification.Request) {
	if req.RequestID == "" {
		req.RequestID = "req_" + uuid.NewString()
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	if req.Priority == "" {
		req.Priority = notification.PriorityMedium
	}
	if req.Context == nil {
		req.Context = map[string]any{}
	}
	if req.Metadata == nil {
		req.Metadata = map[string]any{}
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = DerivedIdempotencyKey(*req)
	}
}

// Dispatch claims the idempotency key, enriches the request, publishes the
// envelope and records it as pending. The claim is released on every failure
// so a rejected request leaves no idempotency record behind.
func (d *Dispatcher) Dispatch(ctx context.Context, req notification.Request) (receipt Receipt, err error) {
	applyDefaults(&req)
	ctx, span := d.tracer.Start(ctx, "dispatch", trace.WithAttributes(
		attribute.String("request.id", req.RequestID),
		attribute.String("correlation.id", req.CorrelationID),
		attribute.String("notification.type", string(req.NotificationType)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	logger := common.WithContext(ctx, d.logger).With().
		Str("request_id", req.RequestID).
		Str("correlation_id", req.CorrelationID).
		Logger()

	if _, err := notification.ParseChannel(string(req.NotificationType)); err != nil {
		return Receipt{}, err
	}
	queue, err := d.topo.QueueFor(req.NotificationType)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", notification.ErrValidation, err)
	}

	if err := d.tracker.ClaimIdempotency(ctx, req.IdempotencyKey); err != nil {
		logger.Warn().Err(err).Msg("idempotency claim rejected")
		return Receipt{}, err
	}
	released := false
	defer func() {
		if err == nil || released {
			return
		}
		if rerr := d.tracker.ReleaseIdempotency(context.WithoutCancel(ctx), req.IdempotencyKey); rerr != nil {
			logger.Error().Err(rerr).Msg("failed to release idempotency claim")
		}
	}()

	user, err := d.users.GetUser(ctx, req.UserID)
	if err != nil {
		return Receipt{}, err
	}
	tmpl, err := d.templates.GetTemplate(ctx, req.TemplateCode)
	if err != nil {
		return Receipt{}, err
	}
	if !user.ChannelEnabled(req.NotificationType) {
		return Receipt{}, fmt.Errorf("%w: user has disabled %s notifications", notification.ErrChannelDisabled, req.NotificationType)
	}

	now := d.now().UTC()
	env := notification.Envelope{
		ID:               uuid.NewString(),
		RequestID:        req.RequestID,
		UserID:           req.UserID,
		NotificationType: req.NotificationType,
		TemplateCode:     req.TemplateCode,
		Context:          req.Context,
		Priority:         req.Priority,
		Metadata:         req.Metadata,
		CorrelationID:    req.CorrelationID,
		RetryCount:       0,
		CreatedAt:        now,
		UserData:         user,
		TemplateData:     tmpl,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: encode envelope: %v", notification.ErrPublishFailed, err)
	}

	if err := d.publisher.Publish(ctx, queue.RoutingKey, broker.Message{
		Body:          body,
		MessageID:     env.ID,
		CorrelationID: env.CorrelationID,
		Priority:      env.Priority.BrokerPriority(),
		Timestamp:     now,
		Headers:       map[string]any{broker.HeaderRequestID: env.RequestID},
	}); err != nil {
		publishCounter.WithLabelValues(string(req.NotificationType), "error").Inc()
		logger.Error().Err(err).Str("routing_key", queue.RoutingKey).Msg("publish failed")
		return Receipt{}, fmt.Errorf("%w: %v", notification.ErrPublishFailed, err)
	}
	publishCounter.WithLabelValues(string(req.NotificationType), "ok").Inc()
	released = true

	// the envelope is already on the broker; failures below are only logged
	if err := d.tracker.CompleteIdempotency(ctx, req.IdempotencyKey, req.RequestID); err != nil {
		logger.Error().Err(err).Msg("failed to record idempotency key")
	}
	if err := d.tracker.SetStatus(ctx, req.RequestID, notification.StatusRecord{
		Status:           notification.StatusPending,
		Timestamp:        now,
		UserID:           req.UserID,
		NotificationType: req.NotificationType,
	}); err != nil {
		logger.Error().Err(err).Msg("failed to record pending status")
	}

	logger.Info().Str("routing_key", queue.RoutingKey).Msg("notification queued")
	return Receipt{
		RequestID:        req.RequestID,
		CorrelationID:    req.CorrelationID,
		UserID:           req.UserID,
		NotificationType: req.NotificationType,
		Status:           notification.StatusPending,
		Timestamp:        now,
	}, nil
}
