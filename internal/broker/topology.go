package broker

import (
	"fmt"
	"time"

	"github.com/example/notification-pipeline/internal/common"
	"github.com/example/notification-pipeline/internal/notification"
)

const (
	DefaultMessageTTL  = 24 * time.Hour
	DefaultMaxPriority = 10
)

type QueueSpec struct {
	Name       string
	RoutingKey string
	Channel    notification.Channel
}

// Topology is the exchange, queue and binding layout declared on connect.
// Every channel queue dead-letters into FailedQueue through DLX.
type Topology struct {
	Exchange      string
	DLX           string
	DLQRoutingKey string
	FailedQueue   string
	Queues        []QueueSpec
	MessageTTL    time.Duration
	MaxPriority   uint8
}

func DefaultTopology() Topology {
	return TopologyFromConfig(common.BrokerConfig{
		Exchange:      "notifications.direct",
		DLX:           "notifications.dlq",
		DLQRoutingKey: "failed",
		FailedQueue:   "failed.queue",
		EmailQueue:    "email.queue",
		PushQueue:     "push.queue",
	})
}

func TopologyFromConfig(cfg common.BrokerConfig) Topology {
	return Topology{
		Exchange:      cfg.Exchange,
		DLX:           cfg.DLX,
		DLQRoutingKey: cfg.DLQRoutingKey,
		FailedQueue:   cfg.FailedQueue,
		Queues: []QueueSpec{
			{Name: cfg.EmailQueue, RoutingKey: RoutingKey(notification.ChannelEmail), Channel: notification.ChannelEmail},
			{Name: cfg.PushQueue, RoutingKey: RoutingKey(notification.ChannelPush), Channel: notification.ChannelPush},
		},
		MessageTTL:  DefaultMessageTTL,
		MaxPriority: DefaultMaxPriority,
	}
}

// RoutingKey is the binding key of a channel queue.
func RoutingKey(ch notification.Channel) string {
	return "notification." + string(ch)
}

func (t Topology) Validate() error {
	if t.Exchange == "" || t.DLX == "" || t.FailedQueue == "" || t.DLQRoutingKey == "" {
		return fmt.Errorf("topology: exchange, dlx, dlq routing key and failed queue are required")
	}
	if t.Exchange == t.DLX {
		return fmt.Errorf("topology: dead-letter exchange must differ from %q", t.Exchange)
	}
	names := map[string]bool{t.FailedQueue: true}
	keys := map[string]bool{}
	for _, q := range t.Queues {
		if q.Name == "" || q.RoutingKey == "" {
			return fmt.Errorf("topology: queue for %q needs a name and routing key", q.Channel)
		}
		if names[q.Name] {
			return fmt.Errorf("topology: queue %q declared twice", q.Name)
		}
		if keys[q.RoutingKey] {
			return fmt.Errorf("topology: routing key %q bound twice", q.RoutingKey)
		}
		names[q.Name], keys[q.RoutingKey] = true, true
	}
	return nil
}

// QueueArgs are the arguments every channel queue is declared with.
func (t Topology) QueueArgs() map[string]any {
	return map[string]any{
		"x-dead-letter-exchange":    t.DLX,
		"x-dead-letter-routing-key": t.DLQRoutingKey,
		"x-message-ttl":             t.MessageTTL.Milliseconds(),
		"x-max-priority":            int32(t.MaxPriority),
	}
}

func (t Topology) QueueFor(ch notification.Channel) (QueueSpec, error) {
	for _, q := range t.Queues {
		if q.Channel == ch {
			return q, nil
		}
	}
	return QueueSpec{}, fmt.Errorf("%w: %q", notification.ErrUnsupportedChannel, ch)
}

func (t Topology) QueueForKey(routingKey string) (QueueSpec, error) {
	for _, q := range t.Queues {
		if q.RoutingKey == routingKey {
			return q, nil
		}
	}
	return QueueSpec{}, fmt.Errorf("%w: %q", ErrUnknownRoute, routingKey)
}

func (t Topology) HasQueue(name string) bool {
	if name == t.FailedQueue {
		return true
	}
	for _, q := range t.Queues {
		if q.Name == name {
			return true
		}
	}
	return false
}

// RoutingKeyForQueue is the key messages carry when they arrive on queue.
func (t Topology) RoutingKeyForQueue(name string) string {
	if name == t.FailedQueue {
		return t.DLQRoutingKey
	}
	for _, q := range t.Queues {
		if q.Name == name {
			return q.RoutingKey
		}
	}
	return ""
}
