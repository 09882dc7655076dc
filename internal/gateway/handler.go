package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/example/notification-pipeline/internal/common"
	"github.com/example/notification-pipeline/internal/notification"
	"github.com/example/notification-pipeline/internal/store"
)

var (
	reqCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Total number of notification requests received",
	}, []string{"status", "channel"})
	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_duration_seconds",
		Help:    "Latency for notification requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"channel"})
)

type Handler struct {
	dispatcher *Dispatcher
	tracker    *store.Tracker
	limiter    *RateLimiter
	health     common.HealthFunc
	validate   *validator.Validate
	logger     zerolog.Logger
}

func NewHandler(dispatcher *Dispatcher, tracker *store.Tracker, limiter *RateLimiter, health common.HealthFunc, logger zerolog.Logger) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		tracker:    tracker,
		limiter:    limiter,
		health:     health,
		validate:   NewValidator(),
		logger:     logger,
	}
}

// Router serves the notification API. Extra routes such as the worker
// status callbacks can be added through register.
func (h *Handler) Router(register ...func(chi.Router)) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP, middleware.Recoverer)
	if h.health != nil {
		r.Get("/health", common.HealthHandler(h.health))
	}
	r.Route("/notifications", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if h.limiter != nil {
				r.Use(h.limiter.Middleware)
			}
			r.Post("/", h.send)
			r.Post("/send", h.send)
		})
		r.Post("/status", h.updateStatus)
		r.Get("/status/{request_id}", h.getStatus)
	})
	for _, fn := range register {
		fn(r)
	}
	return r
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req SendRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		h.respondErr(r.Context(), w, "unknown", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.respondErr(r.Context(), w, "unknown", fmt.Errorf("%w: %s", notification.ErrValidation, Describe(err)))
		return
	}
	channel := req.NotificationType

	receipt, err := h.dispatcher.Dispatch(r.Context(), req.toRequest(strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))))
	requestLatency.WithLabelValues(channel).Observe(time.Since(start).Seconds())
	if err != nil {
		h.respondErr(r.Context(), w, channel, err)
		return
	}
	reqCounter.WithLabelValues("accepted", channel).Inc()
	WriteJSON(w, http.StatusAccepted, Response{Success: true, Message: "Notification queued successfully", Data: receipt})
}

// updateStatus records a status report. The record only moves forward in the
// lifecycle; a stale report answers 409 and leaves the record unchanged.
func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var upd StatusUpdate
	if err := DecodeJSON(w, r, &upd); err != nil {
		h.respondErr(r.Context(), w, "status", err)
		return
	}
	if err := h.validate.Struct(upd); err != nil {
		h.respondErr(r.Context(), w, "status", fmt.Errorf("%w: %s", notification.ErrValidation, Describe(err)))
		return
	}
	rec, err := RecordFromUpdate(upd, "")
	if err != nil {
		h.respondErr(r.Context(), w, "status", err)
		return
	}
	if err := h.tracker.SetStatus(r.Context(), upd.NotificationID, rec); err != nil {
		h.respondErr(r.Context(), w, "status", err)
		return
	}
	WriteJSON(w, http.StatusOK, Response{
		Success: true,
		Message: "Notification status updated successfully",
		Data:    map[string]any{"notification_id": upd.NotificationID, "status": rec.Status},
	})
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "request_id")
	rec, err := h.tracker.GetStatus(r.Context(), id)
	if err != nil {
		h.respondErr(r.Context(), w, "status", err)
		return
	}
	WriteJSON(w, http.StatusOK, Response{
		Success: true,
		Message: "Notification status retrieved successfully",
		Data:    statusView{NotificationID: id, StatusRecord: rec},
	})
}

type statusView struct {
	NotificationID string `json:"notification_id"`
	notification.StatusRecord
}

// RecordFromUpdate converts a status report, defaulting the timestamp to now.
func RecordFromUpdate(upd StatusUpdate, channel notification.Channel) (notification.StatusRecord, error) {
	status, err := notification.ParseStatus(upd.Status)
	if err != nil {
		return notification.StatusRecord{}, err
	}
	rec := notification.StatusRecord{Status: status, Error: upd.Error, Channel: channel, Timestamp: time.Now().UTC()}
	if upd.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339, upd.Timestamp)
		if err != nil {
			return notification.StatusRecord{}, fmt.Errorf("%w: timestamp: %v", notification.ErrValidation, err)
		}
		rec.Timestamp = ts.UTC()
	}
	return rec, nil
}

func (h *Handler) respondErr(ctx context.Context, w http.ResponseWriter, channel string, err error) {
	status, body := ErrorResponse(err)
	logger := common.WithContext(ctx, h.logger)
	ev := logger.Warn()
	if status >= 500 {
		ev = logger.Error()
	}
	ev.Err(err).Int("status", status).Msg("notification request failed")
	reqCounter.WithLabelValues(http.StatusText(status), channel).Inc()
	WriteJSON(w, status, body)
}

// DecodeJSON reads a JSON body of at most 1 MiB into out.
func DecodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", notification.ErrValidation, err)
	}
	return nil
}

// NewValidator reports fields by their JSON names.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Describe renders validator errors field by field.
func Describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s is %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
