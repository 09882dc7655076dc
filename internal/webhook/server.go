// Package webhook accepts delivery status reports: callbacks from the channel
// workers and delivery events from the email providers.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/notification-pipeline/internal/common"
	"github.com/example/notification-pipeline/internal/gateway"
	"github.com/example/notification-pipeline/internal/notification"
	"github.com/example/notification-pipeline/internal/store"
)

var (
	eventCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "status_callbacks_total",
		Help: "Total status callbacks and provider events processed",
	}, []string{"source", "status"})
)

var errUnsupportedProvider = errors.New("unsupported provider")

type Server struct {
	Tracker *store.Tracker
	Logger  zerolog.Logger
}

// Register adds the callback routes to r.
func (s *Server) Register(r chi.Router) {
	r.Post("/{channel}/status", s.handleChannel)
	r.Post("/v1/providers/{provider}/events", s.handleProvider)
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	s.Register(r)
	return r
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("webhook").Start(r.Context(), "status-callback")
	defer span.End()

	channel, err := notification.ParseChannel(chi.URLParam(r, "channel"))
	if err != nil {
		s.respondErr(ctx, w, "unknown", err)
		return
	}
	var upd gateway.StatusUpdate
	if err := gateway.DecodeJSON(w, r, &upd); err != nil {
		s.respondErr(ctx, w, string(channel), err)
		return
	}
	if upd.NotificationID == "" {
		s.respondErr(ctx, w, string(channel), fmt.Errorf("%w: notification_id is required", notification.ErrValidation))
		return
	}
	rec, err := gateway.RecordFromUpdate(upd, channel)
	if err != nil {
		s.respondErr(ctx, w, string(channel), err)
		return
	}
	span.SetAttributes(attribute.String("request.id", upd.NotificationID), attribute.String("status", string(rec.Status)))

	if err := s.Tracker.SetStatus(ctx, upd.NotificationID, rec); err != nil {
		s.respondErr(ctx, w, string(channel), err)
		return
	}
	eventCounter.WithLabelValues(string(channel), "ok").Inc()
	gateway.WriteJSON(w, http.StatusOK, gateway.Response{Success: true, Message: "Status recorded", Data: rec})
}

// ProviderEvent is a provider delivery event reduced to what the status
// record needs.
type ProviderEvent struct {
	RequestID string
	Provider  string
	Status    notification.Status
	Reason    string
	Occurred  time.Time
}

func (s *Server) handleProvider(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("webhook").Start(r.Context(), "ingest-webhook")
	defer span.End()

	provider := chi.URLParam(r, "provider")
	var payload json.RawMessage
	if err := gateway.DecodeJSON(w, r, &payload); err != nil {
		s.respondErr(ctx, w, provider, err)
		return
	}
	events, err := normalize(provider, payload)
	if err != nil {
		s.respondErr(ctx, w, provider, err)
		return
	}

	applied := 0
	for _, ev := range events {
		err := s.Tracker.SetStatus(ctx, ev.RequestID, notification.StatusRecord{
			Status:    ev.Status,
			Timestamp: ev.Occurred,
			Error:     ev.Reason,
			Channel:   notification.ChannelEmail,
		})
		switch {
		case err == nil:
			applied++
		case errors.Is(err, notification.ErrStatusRegression):
			logger := common.WithContext(ctx, s.Logger)
			logger.Debug().Str("request_id", ev.RequestID).Str("provider", provider).Msg("ignoring stale provider event")
		default:
			s.respondErr(ctx, w, provider, err)
			return
		}
	}
	span.SetAttributes(attribute.Int("events.applied", applied))
	eventCounter.WithLabelValues(provider, "ok").Add(float64(len(events)))
	gateway.WriteJSON(w, http.StatusAccepted, gateway.Response{Success: true, Message: "Events accepted", Data: map[string]int{"received": len(events), "applied": applied}})
}

func normalize(provider string, payload json.RawMessage) ([]ProviderEvent, error) {
	switch provider {
	case "sendgrid":
		return normalizeSendGrid(payload)
	case "postmark":
		ev, ok, err := normalizePostmark(payload)
		if err != nil || !ok {
			return nil, err
		}
		return []ProviderEvent{ev}, nil
	default:
		return nil, fmt.Errorf("%w: %w %q", notification.ErrValidation, errUnsupportedProvider, provider)
	}
}

type sendGridEvent struct {
	Event     string `json:"event"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
	RequestID string `json:"request_id"`
}

// normalizeSendGrid reads an event webhook batch. The request id travels as a
// custom argument, which SendGrid flattens into each event.
func normalizeSendGrid(payload json.RawMessage) ([]ProviderEvent, error) {
	var batch []sendGridEvent
	if err := json.Unmarshal(payload, &batch); err != nil {
		return nil, fmt.Errorf("%w: sendgrid payload: %v", notification.ErrValidation, err)
	}
	var out []ProviderEvent
	for _, e := range batch {
		if e.RequestID == "" {
			continue
		}
		var status notification.Status
		switch strings.ToLower(e.Event) {
		case "delivered":
			status = notification.StatusDelivered
		case "bounce", "dropped", "blocked":
			status = notification.StatusFailed
		default:
			continue
		}
		occurred := time.Now().UTC()
		if e.Timestamp > 0 {
			occurred = time.Unix(e.Timestamp, 0).UTC()
		}
		out = append(out, ProviderEvent{RequestID: e.RequestID, Provider: "sendgrid", Status: status, Reason: e.Reason, Occurred: occurred})
	}
	return out, nil
}

type postmarkEvent struct {
	RecordType  string            `json:"RecordType"`
	Description string            `json:"Description"`
	DeliveredAt string            `json:"DeliveredAt"`
	BouncedAt   string            `json:"BouncedAt"`
	Metadata    map[string]string `json:"Metadata"`
}

func normalizePostmark(payload json.RawMessage) (ProviderEvent, bool, error) {
	var e postmarkEvent
	if err := json.Unmarshal(payload, &e); err != nil {
		return ProviderEvent{}, false, fmt.Errorf("%w: postmark payload: %v", notification.ErrValidation, err)
	}
	requestID := e.Metadata["request_id"]
	if requestID == "" {
		return ProviderEvent{}, false, fmt.Errorf("%w: postmark event has no request_id metadata", notification.ErrValidation)
	}
	ev := ProviderEvent{RequestID: requestID, Provider: "postmark", Occurred: time.Now().UTC()}
	var at string
	switch e.RecordType {
	case "Delivery":
		ev.Status, at = notification.StatusDelivered, e.DeliveredAt
	case "Bounce":
		ev.Status, at, ev.Reason = notification.StatusFailed, e.BouncedAt, e.Description
	default:
		return ProviderEvent{}, false, nil
	}
	if ts, err := time.Parse(time.RFC3339, at); err == nil {
		ev.Occurred = ts.UTC()
	}
	return ev, true, nil
}

func (s *Server) respondErr(ctx context.Context, w http.ResponseWriter, source string, err error) {
	status, body := gateway.ErrorResponse(err)
	logger := common.WithContext(ctx, s.Logger)
	logger.Error().Err(err).Int("status", status).Str("source", source).Msg("webhook handler error")
	eventCounter.WithLabelValues(source, "error").Inc()
	gateway.WriteJSON(w, status, body)
}
