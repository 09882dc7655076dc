package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/notification-pipeline/internal/common"
)

// Open connects the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg common.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "redis":
		return ConnectRedis(ctx, cfg.RedisURL, 5, 2*time.Second)
	case "postgres":
		return ConnectPostgres(ctx, cfg.DatabaseURL)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// RunSweeper removes expired rows every interval until ctx is done. Stores
// that expire keys on their own return immediately.
func RunSweeper(ctx context.Context, s Store, interval time.Duration, logger zerolog.Logger) error {
	ps, ok := s.(*PostgresStore)
	if !ok {
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := ps.Sweep(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("expired entry sweep failed")
				continue
			}
			if n > 0 {
				logger.Debug().Int64("removed", n).Msg("expired entries swept")
			}
		}
	}
}
