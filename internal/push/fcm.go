// Package push delivers push payloads through the FCM HTTP v1 API.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2/jwt"

	"github.com/example/notification-pipeline/internal/common"
	"github.com/example/notification-pipeline/internal/notification"
)

const (
	DefaultEndpoint = "https://fcm.googleapis.com"
	tokenURL        = "https://oauth2.googleapis.com/token"
	messagingScope  = "https://www.googleapis.com/auth/firebase.messaging"
)

var ErrMissingCredentials = errors.New("firebase project id, client email and private key are required")

type Options struct {
	ProjectID   string
	ClientEmail string
	PrivateKey  string
	Endpoint    string
	Timeout     time.Duration
	// Client overrides the OAuth2 service account client.
	Client *http.Client
}

type FCMSender struct {
	endpoint  string
	projectID string
	client    *http.Client
	logger    zerolog.Logger
}

// NewFCMSender authenticates with a service account key through a JWT
// bearer grant unless opts.Client is set.
func NewFCMSender(ctx context.Context, opts Options, logger zerolog.Logger) (*FCMSender, error) {
	if opts.ProjectID == "" {
		return nil, ErrMissingCredentials
	}
	endpoint := strings.TrimRight(opts.Endpoint, "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	client := opts.Client
	if client == nil {
		if opts.ClientEmail == "" || opts.PrivateKey == "" {
			return nil, ErrMissingCredentials
		}
		conf := &jwt.Config{
			Email: opts.ClientEmail,
			// env files carry the key with escaped newlines
			PrivateKey: []byte(strings.ReplaceAll(opts.PrivateKey, `\n`, "\n")),
			Scopes:     []string{messagingScope},
			TokenURL:   tokenURL,
		}
		client = conf.Client(ctx)
	}
	if opts.Timeout > 0 {
		c := *client
		c.Timeout = opts.Timeout
		client = &c
	}
	return &FCMSender{endpoint: endpoint, projectID: opts.ProjectID, client: client, logger: logger}, nil
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Image string `json:"image,omitempty"`
}

type fcmAndroid struct {
	Priority string `json:"priority"`
}

type fcmWebpushNotification struct {
	Icon  string `json:"icon,omitempty"`
	Image string `json:"image,omitempty"`
}

type fcmWebpushOptions struct {
	Link string `json:"link"`
}

type fcmWebpush struct {
	Notification *fcmWebpushNotification `json:"notification,omitempty"`
	FCMOptions   *fcmWebpushOptions      `json:"fcm_options,omitempty"`
}

type fcmMessage struct {
	Token        string            `json:"token,omitempty"`
	Topic        string            `json:"topic,omitempty"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
	Android      *fcmAndroid       `json:"android,omitempty"`
	Webpush      *fcmWebpush       `json:"webpush,omitempty"`
}

type fcmRequest struct {
	Message fcmMessage `json:"message"`
}

type fcmResponse struct {
	Name string `json:"name"`
}

type fcmError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (s *FCMSender) Send(ctx context.Context, p notification.Payload) error {
	_, err := s.SendMessage(ctx, p)
	return err
}

// SendMessage sends one message and returns the FCM message name.
func (s *FCMSender) SendMessage(ctx context.Context, p notification.Payload) (string, error) {
	msg, ok := p.(notification.PushPayload)
	if !ok {
		return "", backoff.Permanent(fmt.Errorf("%w: push sender got %s payload", notification.ErrUnsupportedChannel, p.Channel()))
	}
	if (msg.Token == "") == (msg.Topic == "") {
		return "", backoff.Permanent(fmt.Errorf("%w: push needs exactly one of token or topic", notification.ErrValidation))
	}

	ctx, span := otel.Tracer("push-worker").Start(ctx, "deliver_push")
	defer span.End()
	span.SetAttributes(attribute.String("request.id", msg.Data["request_id"]))
	if msg.Topic != "" {
		span.SetAttributes(attribute.String("push.topic", msg.Topic))
	}

	body, err := json.Marshal(fcmRequest{Message: buildMessage(msg)})
	if err != nil {
		return "", backoff.Permanent(err)
	}
	url := fmt.Sprintf("%s/v1/projects/%s/messages:send", s.endpoint, s.projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("%w: fcm request: %v", notification.ErrTransientDelivery, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 {
		var out fcmResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&out)
		logger := common.WithContext(ctx, s.logger)
		logger.Info().
			Str("request_id", msg.Data["request_id"]).
			Str("message_name", out.Name).
			Msg("push notification sent")
		return out.Name, nil
	}
	err = fcmFailure(resp)
	span.RecordError(err)
	return "", err
}

func buildMessage(msg notification.PushPayload) fcmMessage {
	out := fcmMessage{
		Token:        msg.Token,
		Topic:        msg.Topic,
		Notification: fcmNotification{Title: msg.Title, Body: msg.Body, Image: msg.Image},
		Data:         msg.Data,
	}
	if msg.Data["priority"] == string(notification.PriorityHigh) {
		out.Android = &fcmAndroid{Priority: "high"}
	}
	if msg.Icon != "" || msg.Image != "" || msg.ClickAction != "" {
		out.Webpush = &fcmWebpush{}
		if msg.Icon != "" || msg.Image != "" {
			out.Webpush.Notification = &fcmWebpushNotification{Icon: msg.Icon, Image: msg.Image}
		}
		if msg.ClickAction != "" {
			out.Webpush.FCMOptions = &fcmWebpushOptions{Link: msg.ClickAction}
		}
	}
	return out
}

// fcmFailure classifies a non-2xx answer. 408, 429 and 5xx are retried.
func fcmFailure(resp *http.Response) error {
	var fe fcmError
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	detail := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &fe) == nil && fe.Error.Status != "" {
		detail = fe.Error.Status + ": " + fe.Error.Message
	}
	err := fmt.Errorf("fcm %d: %s", resp.StatusCode, detail)
	switch {
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("%w: %w", notification.ErrTransientDelivery, err)
	default:
		return backoff.Permanent(fmt.Errorf("%w: %w", notification.ErrPermanentDelivery, err))
	}
}
