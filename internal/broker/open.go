package broker

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/example/notification-pipeline/internal/common"
	"github.com/example/notification-pipeline/internal/resilience"
)

// Open connects the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg common.BrokerConfig, group string, logger zerolog.Logger) (Broker, error) {
	topo := TopologyFromConfig(cfg)
	switch cfg.Driver {
	case "amqp":
		return DialAMQP(ctx, AMQPOptions{
			URL:      cfg.RabbitMQURL,
			Topology: topo,
			Reconnect: resilience.RetryPolicy{
				MaxAttempts: cfg.ConnectAttempts,
				BaseDelay:   cfg.ConnectDelay,
				Multiplier:  2,
			},
			Logger: logger,
		})
	case "kafka":
		return NewKafkaBroker(KafkaOptions{Brokers: cfg.KafkaBrokers, GroupID: group, Topology: topo, Logger: logger})
	case "memory":
		return NewMemoryBroker(topo), nil
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Driver)
	}
}

// Fatal returns the channel that reports an unrecoverable connection loss, or
// nil when b never gives up on its connection.
func Fatal(b Broker) <-chan error {
	if f, ok := b.(interface{ Fatal() <-chan error }); ok {
		return f.Fatal()
	}
	return nil
}
