package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/notification-pipeline/internal/broker"
	"github.com/example/notification-pipeline/internal/common"
	"github.com/example/notification-pipeline/internal/enrich"
	"github.com/example/notification-pipeline/internal/gateway"
	"github.com/example/notification-pipeline/internal/store"
	"github.com/example/notification-pipeline/internal/webhook"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("gateway")
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
		logger.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("open store")
	}
	defer st.Close()
	tracker := store.NewTracker(st, store.TTLs{
		Claim:       cfg.TTL.Claim,
		Idempotency: cfg.TTL.Idempotency,
		Processed:   cfg.TTL.Processed,
		Status:      cfg.TTL.Status,
	})

	b, err := broker.Open(ctx, cfg.Broker, cfg.ServiceName, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Broker.Driver).Msg("open broker")
	}
	defer b.Close()

	grpcLookup, err := enrich.DialGRPCLookup(cfg.Lookup.UserGRPCAddr, cfg.Lookup.TemplateGRPCAddr, cfg.Lookup.Timeout)
	if err != nil {
		logger.Fatal().Err(err).Msg("dial lookup services")
	}
	defer grpcLookup.Close()
	rest := enrich.NewRESTLookup(cfg.Lookup.UserURL, cfg.Lookup.TemplateURL, cfg.Lookup.Timeout)
	cache := enrich.NewCache(st,
		enrich.FallbackUsers{Primary: grpcLookup, Secondary: rest},
		enrich.FallbackTemplates{Primary: grpcLookup, Secondary: rest},
		enrich.CacheTTLs{User: cfg.TTL.UserCache, Template: cfg.TTL.TemplateCache},
		logger,
	).WithFetchTimeout(2 * cfg.Lookup.Timeout)

	dispatcher := gateway.NewDispatcher(tracker, cache, cache, b, b.Topology(), logger)
	limiter := gateway.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	health := gatewayHealth(b, st)
	h := gateway.NewHandler(dispatcher, tracker, limiter, health, logger)
	hooks := &webhook.Server{Tracker: tracker, Logger: logger}

	srv := &http.Server{
		Addr:              formatAddr(cfg.HTTPPort),
		Handler:           h.Router(hooks.Register),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsSrv := common.StartMetricsServer(cfg.MetricsPort, common.Checks{
		Health: health,
		Ready: func(ctx context.Context) error {
			return errors.Join(b.Ping(ctx), st.Ping(ctx))
		},
	})
	defer metricsSrv.Shutdown(context.Background())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Int("port", cfg.HTTPPort).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case err := <-broker.Fatal(b):
			logger.Error().Err(err).Msg("broker connection lost")
			cancel()
			return err
		}
		ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		return srv.Shutdown(ctxShutdown)
	})
	g.Go(func() error {
		return store.RunSweeper(gctx, st, time.Minute, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("gateway stopped")
	}
}

func gatewayHealth(b broker.Broker, st store.Store) common.HealthFunc {
	return func(r *http.Request) (map[string]any, error) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		details := map[string]any{"broker": "up", "store": "up"}
		var errs []error
		if err := b.Ping(ctx); err != nil {
			details["broker"] = "down"
			errs = append(errs, fmt.Errorf("broker: %w", err))
		}
		if err := st.Ping(ctx); err != nil {
			details["store"] = "down"
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
		return details, errors.Join(errs...)
	}
}

func formatAddr(port int) string {
	return ":" + strconv.Itoa(port)
}
