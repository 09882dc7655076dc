package gateway

import (
	"time"

	"github.com/example/notification-pipeline/internal/notification"
)

const HeaderIdempotencyKey = "x-idempotency-key"

type SendRequest struct {
	RequestID        string         `json:"request_id" validate:"omitempty,max=128"`
	UserID           string         `json:"user_id" validate:"required,max=128"`
	NotificationType string         `json:"notification_type" validate:"required,oneof=email push"`
	TemplateCode     string         `json:"template_code" validate:"required,max=128"`
	Context          map[string]any `json:"context"`
	Priority         string         `json:"priority" validate:"omitempty,oneof=low medium high"`
	Metadata         map[string]any `json:"metadata"`
	CorrelationID    string         `json:"correlation_id" validate:"omitempty,max=128"`
}

func (r SendRequest) toRequest(idempotencyKey string) notification.Request {
	return notification.Request{
		RequestID:        r.RequestID,
		UserID:           r.UserID,
		NotificationType: notification.Channel(r.NotificationType),
		TemplateCode:     r.TemplateCode,
		Context:          r.Context,
		Priority:         notification.Priority(r.Priority),
		Metadata:         r.Metadata,
		CorrelationID:    r.CorrelationID,
		IdempotencyKey:   idempotencyKey,
	}
}

// StatusUpdate is the body of a status report from a channel worker.
type StatusUpdate struct {
	NotificationID string `json:"notification_id" validate:"required"`
	Status         string `json:"status" validate:"required,oneof=pending processing delivered failed"`
	Timestamp      string `json:"timestamp"`
	Error          string `json:"error"`
}

// Receipt is returned once a request has been queued.
type Receipt struct {
	RequestID        string               `json:"request_id"`
	CorrelationID    string               `json:"correlation_id"`
	UserID           string               `json:"user_id"`
	NotificationType notification.Channel `json:"notification_type"`
	Status           notification.Status  `json:"status"`
	Timestamp        time.Time            `json:"timestamp"`
}

// Response is the envelope every gateway endpoint answers with.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}
