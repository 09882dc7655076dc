package notification

import (
	"fmt"
	"time"
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

// Channels lists every channel the pipeline delivers to.
var Channels = []Channel{ChannelEmail, ChannelPush}

func ParseChannel(s string) (Channel, error) {
	switch Channel(s) {
	case ChannelEmail:
		return ChannelEmail, nil
	case ChannelPush:
		return ChannelPush, nil
	default:
		return "", fmt.Errorf("%w: unsupported notification_type %q", ErrValidation, s)
	}
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// BrokerPriority maps a priority onto the 0-10 range declared on the channel queues.
func (p Priority) BrokerPriority() uint8 {
	switch p {
	case PriorityLow:
		return 1
	case PriorityHigh:
		return 10
	default:
		return 5
	}
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
)

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusProcessing, StatusDelivered, StatusFailed:
		return Status(s), nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, s)
	}
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusDelivered, StatusFailed:
		return 2
	default:
		return -1
	}
}

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// CanAdvance reports whether moving from s to next keeps the
// pending -> processing -> {delivered|failed} order. Rewriting the same
// status is allowed (last writer wins); a terminal status is never left.
func (s Status) CanAdvance(next Status) bool {
	if next.rank() < 0 {
		return false
	}
	if s == "" {
		return true
	}
	if s.Terminal() {
		return s == next
	}
	return next.rank() >= s.rank()
}

// Request is the inbound notification request as accepted by the gateway.
type Request struct {
	RequestID        string         `json:"request_id,omitempty"`
	UserID           string         `json:"user_id"`
	NotificationType Channel        `json:"notification_type"`
	TemplateCode     string         `json:"template_code"`
	Context          map[string]any `json:"context,omitempty"`
	Priority         Priority       `json:"priority,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CorrelationID    string         `json:"correlation_id,omitempty"`
	IdempotencyKey   string         `json:"-"`
}

type UserData struct {
	Email       string         `json:"email"`
	Name        string         `json:"name"`
	FCMToken    string         `json:"fcm_token,omitempty"`
	Preferences map[string]any `json:"preferences,omitempty"`
}

// ChannelEnabled is false only when the user explicitly set
// "<channel>_enabled" to false. Missing preferences allow delivery.
func (u UserData) ChannelEnabled(ch Channel) bool {
	if u.Preferences == nil {
		return true
	}
	v, ok := u.Preferences[string(ch)+"_enabled"]
	if !ok {
		return true
	}
	enabled, isBool := v.(bool)
	return !isBool || enabled
}

type TemplateData struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Version int    `json:"version"`
}

// Envelope is the message placed on the broker. It is built once by the
// gateway and carries snapshots of the user and template so later edits do
// not change an in-flight notification.
type Envelope struct {
	ID               string         `json:"id"`
	RequestID        string         `json:"request_id"`
	UserID           string         `json:"user_id"`
	NotificationType Channel        `json:"notification_type"`
	TemplateCode     string         `json:"template_code"`
	Context          map[string]any `json:"context"`
	Priority         Priority       `json:"priority"`
	Metadata         map[string]any `json:"metadata"`
	CorrelationID    string         `json:"correlation_id"`
	RetryCount       int            `json:"retry_count"`
	CreatedAt        time.Time      `json:"created_at"`
	UserData         UserData       `json:"user_data"`
	TemplateData     TemplateData   `json:"template_data"`
}

// Validate checks the fields a consumer cannot work without.
func (e Envelope) Validate() error {
	if e.RequestID == "" {
		return fmt.Errorf("%w: envelope missing request_id", ErrParse)
	}
	if e.CorrelationID == "" {
		return fmt.Errorf("%w: envelope missing correlation_id", ErrParse)
	}
	if _, err := ParseChannel(string(e.NotificationType)); err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}
	return nil
}

// StatusRecord is what the store keeps under notification:status:{request_id}.
type StatusRecord struct {
	Status           Status    `json:"status"`
	Timestamp        time.Time `json:"timestamp"`
	Error            string    `json:"error,omitempty"`
	UserID           string    `json:"user_id,omitempty"`
	NotificationType Channel   `json:"notification_type,omitempty"`
	Channel          Channel   `json:"channel,omitempty"`
}
