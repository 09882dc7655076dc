package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"

	"github.com/example/notification-pipeline/internal/common"
	"github.com/example/notification-pipeline/internal/consumer"
	"github.com/example/notification-pipeline/internal/notification"
	"github.com/example/notification-pipeline/internal/push"
	"github.com/example/notification-pipeline/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("push-worker")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := common.NewLogger(cfg.ServiceName, cfg.LogLevel)
	shutdown, err := common.SetupOTel(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise telemetry")
	}
	defer common.ShutdownTelemetry(context.Background(), shutdown)

	sender, err := push.NewFCMSender(ctx, push.Options{
		ProjectID:   cfg.Push.ProjectID,
		ClientEmail: cfg.Push.ClientEmail,
		PrivateKey:  cfg.Push.PrivateKey,
		Endpoint:    cfg.Push.Endpoint,
		Timeout:     cfg.Delivery.Timeout,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("configure fcm sender")
	}

	logger.Info().Str("project", cfg.Push.ProjectID).Msg("push worker started")
	direct := func(r chi.Router, exec *consumer.Executor, tracker *store.Tracker) {
		push.NewHandler(sender, exec, tracker, logger).Register(r)
	}
	if err := consumer.Serve(ctx, cfg, notification.ChannelPush, "push-service", sender, logger, direct); err != nil {
		logger.Fatal().Err(err).Msg("push worker stopped")
	}
}
