package email

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/mrz1836/postmark"

	"github.com/example/notification-pipeline/internal/notification"
)

type PostmarkProvider struct {
	client *postmark.Client
	from   string
}

func NewPostmarkProvider(serverToken, accountToken, from string) (*PostmarkProvider, error) {
	if serverToken == "" {
		return nil, fmt.Errorf("postmark server token is required")
	}
	if from == "" {
		return nil, fmt.Errorf("postmark sender address is required")
	}
	return &PostmarkProvider{client: postmark.NewClient(serverToken, accountToken), from: from}, nil
}

func (p *PostmarkProvider) Name() string { return "postmark" }

func (p *PostmarkProvider) Send(ctx context.Context, msg notification.EmailPayload) error {
	to := msg.To
	if msg.Name != "" {
		to = fmt.Sprintf("%q <%s>", msg.Name, msg.To)
	}
	resp, err := p.client.SendEmail(ctx, postmark.Email{
		From:     p.from,
		To:       to,
		Subject:  msg.Subject,
		HTMLBody: msg.HTML,
		Headers:  []postmark.Header{{Name: HeaderCorrelationID, Value: msg.CorrelationID}},
		Metadata: map[string]string{"request_id": msg.RequestID},
	})
	if err != nil {
		return fmt.Errorf("postmark request: %w", err)
	}
	if resp.ErrorCode > 0 {
		return backoff.Permanent(fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message))
	}
	return nil
}
