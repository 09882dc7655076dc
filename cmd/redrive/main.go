package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/notification-pipeline/internal/broker"
	"github.com/example/notification-pipeline/internal/common"
	"github.com/example/notification-pipeline/internal/redrive"
	"github.com/example/notification-pipeline/internal/store"
)

func main() {
	limit := flag.Int("limit", 0, "stop after redriving this many messages (0 = no limit)")
	idle := flag.Duration("idle", 5*time.Second, "stop once the failed queue has been empty for this long")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("redrive")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := common.NewLogger(cfg.ServiceName, cfg.LogLevel)
	shutdown, err := common.SetupOTel(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise telemetry")
	}
	defer common.ShutdownTelemetry(context.Background(), shutdown)

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		logger.Fatal().Err(err).Msg("open store")
	}
	defer st.Close()

	b, err := broker.Open(ctx, cfg.Broker, cfg.ServiceName, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open broker")
	}
	defer b.Close()

	r := redrive.Redriver{
		Broker: b,
		Tracker: store.NewTracker(st, store.TTLs{
			Claim:       cfg.TTL.Claim,
			Idempotency: cfg.TTL.Idempotency,
			Processed:   cfg.TTL.Processed,
			Status:      cfg.TTL.Status,
		}),
		Logger: logger,
		Limit:  *limit,
		Idle:   *idle,
	}
	stats, err := r.Run(ctx)
	ev := logger.Info()
	if err != nil {
		ev = logger.Error().Err(err)
	}
	ev.Int("redriven", stats.Redriven).Int("discarded", stats.Discarded).Msg("redrive finished")
}
