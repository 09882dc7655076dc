// Package email delivers rendered email payloads through an ordered list of
// providers, falling over to the next provider when one fails.
package email

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/notification-pipeline/internal/common"
	"github.com/example/notification-pipeline/internal/notification"
)

var (
	providerCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "email_provider_sends_total",
		Help: "Email send attempts by provider and outcome",
	}, []string{"provider", "outcome"})
)

var ErrNoProviders = errors.New("at least one email provider required")

type Provider interface {
	Name() string
	Send(ctx context.Context, msg notification.EmailPayload) error
}

// Sender tries each provider in order and stops at the first success.
type Sender struct {
	providers []Provider
	logger    zerolog.Logger
}

func NewSender(logger zerolog.Logger, providers ...Provider) (*Sender, error) {
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}
	return &Sender{providers: providers, logger: logger}, nil
}

// Send delivers p, which must be an EmailPayload. The returned error is
// permanent only when every provider rejected the message permanently.
func (s *Sender) Send(ctx context.Context, p notification.Payload) error {
	msg, ok := p.(notification.EmailPayload)
	if !ok {
		return backoff.Permanent(fmt.Errorf("%w: email sender got %s payload", notification.ErrUnsupportedChannel, p.Channel()))
	}

	ctx, span := otel.Tracer("email-worker").Start(ctx, "deliver_email")
	defer span.End()
	span.SetAttributes(attribute.String("request.id", msg.RequestID), attribute.String("correlation.id", msg.CorrelationID))

	logger := common.WithContext(ctx, s.logger)
	var errs []error
	permanent := true
	for _, provider := range s.providers {
		err := provider.Send(ctx, msg)
		if err == nil {
			providerCounter.WithLabelValues(provider.Name(), "sent").Inc()
			logger.Info().Str("provider", provider.Name()).Str("to", msg.To).Str("correlation_id", msg.CorrelationID).Msg("email sent")
			return nil
		}
		span.RecordError(err)
		var perr *backoff.PermanentError
		if !errors.As(err, &perr) {
			permanent = false
		}
		providerCounter.WithLabelValues(provider.Name(), "failed").Inc()
		logger.Warn().Err(err).Str("provider", provider.Name()).Msg("provider send failed")
		errs = append(errs, fmt.Errorf("%s: %w", provider.Name(), err))
	}
	err := errors.Join(errs...)
	if permanent {
		return backoff.Permanent(fmt.Errorf("%w: %w", notification.ErrPermanentDelivery, err))
	}
	return fmt.Errorf("%w: %w", notification.ErrTransientDelivery, err)
}

// classifyStatus turns a provider HTTP status into nil, a transient error or a
// permanent one. 408 and 429 are retried like server errors.
func classifyStatus(provider string, status int, detail string) error {
	switch {
	case status < 300:
		return nil
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return fmt.Errorf("%s temporary error: %d %s", provider, status, detail)
	default:
		return backoff.Permanent(fmt.Errorf("%s permanent error: %d %s", provider, status, detail))
	}
}
