package consumer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/example/notification-pipeline/internal/broker"
	"github.com/example/notification-pipeline/internal/common"
	"github.com/example/notification-pipeline/internal/notification"
	"github.com/example/notification-pipeline/internal/resilience"
	"github.com/example/notification-pipeline/internal/store"
)

var errSubscriptionClosed = errors.New("broker closed the subscription")

// RouteFunc adds worker-specific endpoints to the metrics server. Handlers
// share the consumer's executor and tracker.
type RouteFunc func(r chi.Router, exec *Executor, tracker *store.Tracker)

// Serve runs a channel worker process until ctx is done or the broker
// connection is lost for good.
func Serve(ctx context.Context, cfg *common.Config, channel notification.Channel, breakerName string, sender Sender, logger zerolog.Logger, routes ...RouteFunc) error {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
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
		return fmt.Errorf("open broker: %w", err)
	}
	defer b.Close()

	breaker := resilience.NewBreaker(resilience.BreakerSettings{
		Name:             breakerName,
		ErrorThreshold:   cfg.Delivery.ErrorThreshold,
		ResetTimeout:     cfg.Delivery.ResetTimeout,
		HalfOpenMaxCalls: cfg.Delivery.HalfOpenMaxCalls,
		CallTimeout:      cfg.Delivery.Timeout,
	}, logger)
	exec := NewExecutor(channel, sender, breaker, resilience.RetryPolicy{
		MaxAttempts: cfg.Delivery.MaxAttempts,
		BaseDelay:   cfg.Delivery.BaseDelay,
		Multiplier:  cfg.Delivery.BackoffMultiplier,
	}, logger)

	var reporter Reporter = StoreReporter{Tracker: tracker}
	if cfg.Reporter.Kind == "http" {
		reporter = CallbackReporter{BaseURL: cfg.Reporter.GatewayURL}
	}

	queue, err := b.Topology().QueueFor(channel)
	if err != nil {
		return err
	}
	c, err := New(Options{
		Channel:  channel,
		Queue:    queue.Name,
		Source:   b,
		Tracker:  tracker,
		Reporter: reporter,
		Executor: exec,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	mounts := make([]func(chi.Router), 0, len(routes))
	for _, fn := range routes {
		fn := fn
		mounts = append(mounts, func(r chi.Router) { fn(r, exec, tracker) })
	}
	metricsSrv := common.StartMetricsServer(cfg.MetricsPort, common.Checks{
		Health: workerHealth(b, st, breaker),
		Ready:  b.Ping,
	}, mounts...)
	defer metricsSrv.Shutdown(context.Background())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := c.Run(gctx); err != nil {
			return err
		}
		if gctx.Err() == nil {
			return errSubscriptionClosed
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-broker.Fatal(b):
			return err
		}
	})
	return g.Wait()
}

func workerHealth(b broker.Broker, st store.Store, breaker *resilience.Breaker) common.HealthFunc {
	return func(r *http.Request) (map[string]any, error) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		snap := breaker.Snapshot()
		circuit := map[string]any{"state": snap.State, "failures": snap.Failures}
		if !snap.NextAttempt.IsZero() {
			circuit["next_attempt"] = snap.NextAttempt
		}
		details := map[string]any{"circuit_breaker": circuit, "broker": "up", "store": "up"}
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
