package email

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/wneessen/go-mail"

	"github.com/example/notification-pipeline/internal/notification"
)

const HeaderCorrelationID = "X-Correlation-ID"

type SMTPProvider struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

func (p *SMTPProvider) Name() string { return "smtp" }

func (p *SMTPProvider) Send(ctx context.Context, msg notification.EmailPayload) error {
	m, err := p.message(msg)
	if err != nil {
		return backoff.Permanent(err)
	}
	client, err := p.client()
	if err != nil {
		return backoff.Permanent(err)
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func (p *SMTPProvider) message(msg notification.EmailPayload) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(p.From); err != nil {
		return nil, fmt.Errorf("smtp from address: %w", err)
	}
	if err := m.AddToFormat(msg.Name, msg.To); err != nil {
		return nil, fmt.Errorf("smtp recipient: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextHTML, msg.HTML)
	if msg.CorrelationID != "" {
		m.SetGenHeader(mail.Header(HeaderCorrelationID), msg.CorrelationID)
	}
	return m, nil
}

func (p *SMTPProvider) client() (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(p.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if p.Timeout > 0 {
		opts = append(opts, mail.WithTimeout(p.Timeout))
	}
	if p.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(p.Username),
			mail.WithPassword(p.Password),
		)
	}
	c, err := mail.NewClient(p.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return c, nil
}
