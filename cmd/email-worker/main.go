package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/example/notification-pipeline/internal/common"
	"github.com/example/notification-pipeline/internal/consumer"
	"github.com/example/notification-pipeline/internal/email"
	"github.com/example/notification-pipeline/internal/notification"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("email-worker")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := common.NewLogger(cfg.ServiceName, cfg.LogLevel)
	shutdown, err := common.SetupOTel(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise telemetry")
	}
	defer common.ShutdownTelemetry(context.Background(), shutdown)

	providers, err := buildProviders(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("configure email providers")
	}
	sender, err := email.NewSender(logger, providers...)
	if err != nil {
		logger.Fatal().Err(err).Msg("configure email sender")
	}

	logger.Info().Str("provider", cfg.Email.Provider).Msg("email worker started")
	if err := consumer.Serve(ctx, cfg, notification.ChannelEmail, "email-service", sender, logger); err != nil {
		logger.Fatal().Err(err).Msg("email worker stopped")
	}
}

// buildProviders puts the configured provider first. SMTP is always kept as
// the final fallback.
func buildProviders(cfg *common.Config) ([]email.Provider, error) {
	ec := cfg.Email
	smtp := &email.SMTPProvider{
		Host:     ec.SMTPHost,
		Port:     ec.SMTPPort,
		Username: ec.SMTPUser,
		Password: ec.SMTPPass,
		From:     ec.From,
		Timeout:  cfg.Delivery.Timeout,
	}
	switch ec.Provider {
	case "smtp":
		return []email.Provider{smtp}, nil
	case "sendgrid":
		return []email.Provider{&email.SendGridProvider{
			Endpoint: ec.SendGridEndpoint,
			APIKey:   ec.SendGridAPIKey,
			From:     ec.From,
		}, smtp}, nil
	case "postmark":
		pm, err := email.NewPostmarkProvider(ec.PostmarkServerToken, ec.PostmarkAccountToken, ec.From)
		if err != nil {
			return nil, err
		}
		return []email.Provider{pm, smtp}, nil
	default:
		return nil, fmt.Errorf("invalid value for EMAIL_PROVIDER: %q", ec.Provider)
	}
}
