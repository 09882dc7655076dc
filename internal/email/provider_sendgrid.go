package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/example/notification-pipeline/internal/notification"
)

type SendGridProvider struct {
	Endpoint string
	APIKey   string
	From     string
	Client   *http.Client
}

func (p *SendGridProvider) Name() string { return "sendgrid" }

type sendGridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridPersonalization struct {
	To         []sendGridAddress `json:"to"`
	CustomArgs map[string]string `json:"custom_args,omitempty"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendGridMail struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	Subject          string                    `json:"subject"`
	Content          []sendGridContent         `json:"content"`
	Headers          map[string]string         `json:"headers,omitempty"`
}

func (p *SendGridProvider) Send(ctx context.Context, msg notification.EmailPayload) error {
	payload := sendGridMail{
		Personalizations: []sendGridPersonalization{{
			To:         []sendGridAddress{{Email: msg.To, Name: msg.Name}},
			CustomArgs: map[string]string{"request_id": msg.RequestID},
		}},
		From:    sendGridAddress{Email: p.From},
		Subject: msg.Subject,
		Content: []sendGridContent{{Type: "text/html", Value: msg.HTML}},
		Headers: map[string]string{"X-Correlation-ID": msg.CorrelationID},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("sendgrid request: %w", err)
	}
	defer resp.Body.Close()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return classifyStatus("sendgrid", resp.StatusCode, string(bytes.TrimSpace(detail)))
}
