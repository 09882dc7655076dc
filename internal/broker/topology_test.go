package broker

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/notification-pipeline/internal/notification"
)

type recordingDeclarer struct {
	exchanges []string
	queues    map[string]amqp.Table
	bindings  []string
}

func (r *recordingDeclarer) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	r.exchanges = append(r.exchanges, name+":"+kind)
	if !durable {
		panic("exchange must be durable")
	}
	return nil
}

func (r *recordingDeclarer) QueueDeclare(name string, durable, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	if r.queues == nil {
		r.queues = map[string]amqp.Table{}
	}
	if !durable {
		panic("queue must be durable")
	}
	r.queues[name] = args
	return amqp.Queue{Name: name}, nil
}

func (r *recordingDeclarer) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	r.bindings = append(r.bindings, exchange+"/"+key+"->"+name)
	return nil
}

func TestDeclareTopology(t *testing.T) {
	rec := &recordingDeclarer{}
	require.NoError(t, Declare(rec, DefaultTopology()))

	assert.Equal(t, []string{"notifications.direct:direct", "notifications.dlq:direct"}, rec.exchanges)
	assert.ElementsMatch(t, []string{
		"notifications.dlq/failed->failed.queue",
		"notifications.direct/notification.email->email.queue",
		"notifications.direct/notification.push->push.queue",
	}, rec.bindings)

	assert.Nil(t, rec.queues["failed.queue"])
	args := rec.queues["email.queue"]
	assert.Equal(t, "notifications.dlq", args["x-dead-letter-exchange"])
	assert.Equal(t, "failed", args["x-dead-letter-routing-key"])
	assert.Equal(t, int64(86400000), args["x-message-ttl"])
	assert.Equal(t, int32(10), args["x-max-priority"])
	assert.NoError(t, args.Validate())
}

func TestTopologyValidate(t *testing.T) {
	topo := DefaultTopology()
	require.NoError(t, topo.Validate())

	dup := DefaultTopology()
	dup.Queues[1].RoutingKey = dup.Queues[0].RoutingKey
	assert.Error(t, dup.Validate())

	same := DefaultTopology()
	same.DLX = same.Exchange
	assert.Error(t, same.Validate())

	clash := DefaultTopology()
	clash.Queues[0].Name = clash.FailedQueue
	assert.Error(t, clash.Validate())
}

func TestTopologyLookups(t *testing.T) {
	topo := DefaultTopology()

	q, err := topo.QueueFor(notification.ChannelPush)
	require.NoError(t, err)
	assert.Equal(t, "push.queue", q.Name)
	assert.Equal(t, "notification.push", q.RoutingKey)

	_, err = topo.QueueFor("sms")
	assert.ErrorIs(t, err, notification.ErrUnsupportedChannel)

	_, err = topo.QueueForKey("notification.sms")
	assert.ErrorIs(t, err, ErrUnknownRoute)

	assert.True(t, topo.HasQueue("failed.queue"))
	assert.Equal(t, "failed", topo.RoutingKeyForQueue("failed.queue"))
	assert.Equal(t, "notification.email", topo.RoutingKeyForQueue("email.queue"))
}
