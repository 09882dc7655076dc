package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/example/notification-pipeline/internal/common"
	"github.com/example/notification-pipeline/internal/gateway"
	"github.com/example/notification-pipeline/internal/notification"
	"github.com/example/notification-pipeline/internal/store"
)

var directCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "push_direct_sends_total",
	Help: "Direct push sends by route and outcome",
}, []string{"route", "outcome"})

// multicastParallelism caps concurrent sends for one multi-device request.
const multicastParallelism = 8

// MessageSender sends one push message and returns its FCM message name.
type MessageSender interface {
	SendMessage(ctx context.Context, p notification.Payload) (string, error)
}

// Runner applies retry and circuit breaking to a send.
type Runner interface {
	Run(ctx context.Context, fn func(ctx context.Context) error) (int, error)
}

type SendRequest struct {
	UserID      string         `json:"user_id" validate:"required"`
	PushToken   string         `json:"push_token" validate:"required"`
	Title       string         `json:"title" validate:"required"`
	Body        string         `json:"body" validate:"required"`
	Icon        string         `json:"icon" validate:"omitempty,url"`
	Image       string         `json:"image" validate:"omitempty,url"`
	ClickAction string         `json:"click_action" validate:"omitempty,url"`
	RequestID   string         `json:"request_id" validate:"required,max=128"`
	Priority    int            `json:"priority" validate:"omitempty,min=1,max=10"`
	Metadata    map[string]any `json:"metadata"`
}

type MulticastRequest struct {
	Tokens   []string       `json:"tokens" validate:"required,min=1,max=500,dive,required"`
	Title    string         `json:"title" validate:"required"`
	Body     string         `json:"body" validate:"required"`
	Icon     string         `json:"icon" validate:"omitempty,url"`
	Image    string         `json:"image" validate:"omitempty,url"`
	Metadata map[string]any `json:"metadata"`
}

type TopicRequest struct {
	Topic    string         `json:"topic" validate:"required,max=900"`
	Title    string         `json:"title" validate:"required"`
	Body     string         `json:"body" validate:"required"`
	Icon     string         `json:"icon" validate:"omitempty,url"`
	Image    string         `json:"image" validate:"omitempty,url"`
	Metadata map[string]any `json:"metadata"`
}

type TokenResult struct {
	Token     string `json:"token"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

type MulticastResult struct {
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	Details    []TokenResult `json:"details"`
}

// Handler serves direct push sends next to the queue consumer. Every send
// shares the worker's retry policy and circuit breaker.
type Handler struct {
	sender   MessageSender
	runner   Runner
	tracker  *store.Tracker
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewHandler(sender MessageSender, runner Runner, tracker *store.Tracker, logger zerolog.Logger) *Handler {
	return &Handler{sender: sender, runner: runner, tracker: tracker, validate: gateway.NewValidator(), logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Route("/push", func(r chi.Router) {
		r.Post("/send", h.send)
		r.Post("/send-multiple", h.sendMultiple)
		r.Post("/send-topic", h.sendTopic)
	})
}

func directKey(requestID string) string { return "push:direct:" + requestID }

func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if !h.decode(w, r, "send", &req) {
		return
	}
	ctx := r.Context()
	logger := common.WithContext(ctx, h.logger).With().Str("request_id", req.RequestID).Logger()

	if err := h.tracker.ClaimIdempotency(ctx, directKey(req.RequestID)); err != nil {
		if errors.Is(err, notification.ErrDuplicateRequest) {
			directCounter.WithLabelValues("send", "duplicate").Inc()
			gateway.WriteJSON(w, http.StatusOK, gateway.Response{Success: true, Message: "Notification already processed"})
			return
		}
		h.fail(ctx, w, "send", err)
		return
	}

	priority := req.Priority
	if priority == 0 {
		priority = 5
	}
	data := notification.StringMap(req.Metadata)
	data["user_id"] = req.UserID
	data["request_id"] = req.RequestID
	data["priority"] = strconv.Itoa(priority)

	id, err := h.deliver(ctx, notification.PushPayload{
		Token:       req.PushToken,
		Title:       req.Title,
		Body:        req.Body,
		Icon:        req.Icon,
		Image:       req.Image,
		ClickAction: req.ClickAction,
		Data:        data,
	})
	if err != nil {
		if rerr := h.tracker.ReleaseIdempotency(context.WithoutCancel(ctx), directKey(req.RequestID)); rerr != nil {
			logger.Error().Err(rerr).Msg("failed to release direct send claim")
		}
		h.fail(ctx, w, "send", err)
		return
	}
	if err := h.tracker.CompleteIdempotency(ctx, directKey(req.RequestID), id); err != nil {
		logger.Error().Err(err).Msg("failed to record direct send")
	}
	directCounter.WithLabelValues("send", "delivered").Inc()
	gateway.WriteJSON(w, http.StatusOK, gateway.Response{
		Success: true,
		Message: "Push notification sent successfully",
		Data:    map[string]string{"message_id": id},
	})
}

func (h *Handler) sendMultiple(w http.ResponseWriter, r *http.Request) {
	var req MulticastRequest
	if !h.decode(w, r, "send_multiple", &req) {
		return
	}
	ctx := r.Context()
	data := notification.StringMap(req.Metadata)

	results := make([]TokenResult, len(req.Tokens))
	var (
		mu          sync.Mutex
		circuitOpen int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(multicastParallelism)
	for i, token := range req.Tokens {
		i, token := i, token
		g.Go(func() error {
			id, err := h.deliver(gctx, notification.PushPayload{
				Token: token,
				Title: req.Title,
				Body:  req.Body,
				Icon:  req.Icon,
				Image: req.Image,
				Data:  data,
			})
			results[i] = TokenResult{Token: token, MessageID: id}
			if err != nil {
				results[i].Error = err.Error()
				if errors.Is(err, notification.ErrCircuitOpen) {
					mu.Lock()
					circuitOpen++
					mu.Unlock()
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	out := MulticastResult{Details: results}
	for _, res := range results {
		if res.Error == "" {
			out.Successful++
		} else {
			out.Failed++
		}
	}
	if out.Successful == 0 && circuitOpen > 0 {
		h.fail(ctx, w, "send_multiple", notification.ErrCircuitOpen)
		return
	}
	directCounter.WithLabelValues("send_multiple", "delivered").Add(float64(out.Successful))
	directCounter.WithLabelValues("send_multiple", "failed").Add(float64(out.Failed))
	gateway.WriteJSON(w, http.StatusOK, gateway.Response{
		Success: out.Successful > 0,
		Message: fmt.Sprintf("Push notifications sent to %d devices", out.Successful),
		Data:    out,
	})
}

func (h *Handler) sendTopic(w http.ResponseWriter, r *http.Request) {
	var req TopicRequest
	if !h.decode(w, r, "send_topic", &req) {
		return
	}
	id, err := h.deliver(r.Context(), notification.PushPayload{
		Topic: req.Topic,
		Title: req.Title,
		Body:  req.Body,
		Icon:  req.Icon,
		Image: req.Image,
		Data:  notification.StringMap(req.Metadata),
	})
	if err != nil {
		h.fail(r.Context(), w, "send_topic", err)
		return
	}
	directCounter.WithLabelValues("send_topic", "delivered").Inc()
	gateway.WriteJSON(w, http.StatusOK, gateway.Response{
		Success: true,
		Message: "Push notification sent to topic: " + req.Topic,
		Data:    map[string]string{"message_id": id},
	})
}

func (h *Handler) deliver(ctx context.Context, p notification.PushPayload) (string, error) {
	var id string
	_, err := h.runner.Run(ctx, func(ctx context.Context) error {
		var err error
		id, err = h.sender.SendMessage(ctx, p)
		return err
	})
	return id, err
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, route string, out any) bool {
	if err := gateway.DecodeJSON(w, r, out); err != nil {
		h.fail(r.Context(), w, route, err)
		return false
	}
	if err := h.validate.Struct(out); err != nil {
		h.fail(r.Context(), w, route, fmt.Errorf("%w: %s", notification.ErrValidation, gateway.Describe(err)))
		return false
	}
	return true
}

// statusFor maps a send error onto the HTTP status the caller sees.
func statusFor(err error) int {
	switch {
	case errors.Is(err, notification.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, notification.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, route string, err error) {
	status := statusFor(err)
	logger := common.WithContext(ctx, h.logger)
	ev := logger.Warn()
	if status >= 500 {
		ev = logger.Error()
	}
	ev.Err(err).Int("status", status).Str("route", route).Msg("direct push failed")
	directCounter.WithLabelValues(route, "failed").Inc()

	msg := err.Error()
	if status == http.StatusServiceUnavailable {
		msg = notification.ErrCircuitOpen.Error()
	}
	gateway.WriteJSON(w, status, gateway.Response{Success: false, Message: http.StatusText(status), Error: msg})
}
