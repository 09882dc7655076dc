package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type memoryItem struct {
	msg         Message
	routingKey  string
	redelivered bool
	seq         uint64
	expiresAt   time.Time
}

type memoryQueue struct {
	items  []memoryItem
	signal chan struct{}
}

// MemoryBroker routes messages in process memory using the same topology as
// the networked brokers: priority ordering, per-queue message TTL and
// dead-lettering of rejected or expired messages into the failed queue.
type MemoryBroker struct {
	topo   Topology
	now    func() time.Time
	mu     sync.Mutex
	queues map[string]*memoryQueue
	seq    uint64
	closed chan struct{}
	once   sync.Once

	publishErr error
}

func NewMemoryBroker(topo Topology) *MemoryBroker {
	b := &MemoryBroker{
		topo:   topo,
		now:    time.Now,
		queues: map[string]*memoryQueue{},
		closed: make(chan struct{}),
	}
	b.queues[topo.FailedQueue] = newMemoryQueue()
	for _, q := range topo.Queues {
		b.queues[q.Name] = newMemoryQueue()
	}
	return b
}

func newMemoryQueue() *memoryQueue {
	return &memoryQueue{signal: make(chan struct{}, 1)}
}

func (b *MemoryBroker) Topology() Topology { return b.topo }

func (b *MemoryBroker) Ping(context.Context) error {
	select {
	case <-b.closed:
		return ErrClosed
	default:
		return nil
	}
}

func (b *MemoryBroker) Publish(ctx context.Context, routingKey string, msg Message) error {
	if err := b.Ping(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	publishErr := b.publishErr
	b.mu.Unlock()
	if publishErr != nil {
		return publishErr
	}
	q, err := b.topo.QueueForKey(routingKey)
	if err != nil {
		return err
	}
	msg.Headers = inject(ctx, msg.Headers)
	b.enqueue(q.Name, routingKey, msg, false, true)
	return nil
}

// SetPublishErr fails subsequent publishes with err until cleared with nil.
func (b *MemoryBroker) SetPublishErr(err error) {
	b.mu.Lock()
	b.publishErr = err
	b.mu.Unlock()
}

func (b *MemoryBroker) enqueue(queue, routingKey string, msg Message, redelivered, tail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[queue]
	b.seq++
	item := memoryItem{msg: msg, routingKey: routingKey, redelivered: redelivered, seq: b.seq}
	if !tail {
		// requeued messages keep their place ahead of newer ones
		item.seq = 0
	}
	if queue != b.topo.FailedQueue && b.topo.MessageTTL > 0 {
		item.expiresAt = b.now().Add(b.topo.MessageTTL)
	}
	q.items = append(q.items, item)
	if queue != b.topo.FailedQueue {
		sort.SliceStable(q.items, func(i, j int) bool {
			if q.items[i].msg.Priority != q.items[j].msg.Priority {
				return q.items[i].msg.Priority > q.items[j].msg.Priority
			}
			return q.items[i].seq < q.items[j].seq
		})
	}
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// deadLetter must be called without mu held.
func (b *MemoryBroker) deadLetter(queue string, item memoryItem, reason string) {
	headers := make(map[string]any, len(item.msg.Headers)+2)
	for k, v := range item.msg.Headers {
		headers[k] = v
	}
	headers[HeaderDeathQueue] = queue
	headers[HeaderDeathReason] = reason
	msg := item.msg
	msg.Headers = headers
	b.enqueue(b.topo.FailedQueue, b.topo.DLQRoutingKey, msg, false, true)
}

func (b *MemoryBroker) pop(queue string) (memoryItem, bool) {
	for {
		b.mu.Lock()
		q := b.queues[queue]
		if len(q.items) == 0 {
			b.mu.Unlock()
			return memoryItem{}, false
		}
		item := q.items[0]
		q.items = q.items[1:]
		expired := !item.expiresAt.IsZero() && !b.now().Before(item.expiresAt)
		if len(q.items) > 0 {
			select {
			case q.signal <- struct{}{}:
			default:
			}
		}
		b.mu.Unlock()
		if !expired {
			return item, true
		}
		b.deadLetter(queue, item, "expired")
	}
}

func (b *MemoryBroker) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	if !b.topo.HasQueue(queue) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, queue)
	}
	out := make(chan Delivery)
	go func() {
		defer close(out)
		b.mu.Lock()
		signal := b.queues[queue].signal
		b.mu.Unlock()
		for {
			item, ok := b.pop(queue)
			if !ok {
				select {
				case <-ctx.Done():
					return
				case <-b.closed:
					return
				case <-signal:
					continue
				}
			}

			settled := make(chan struct{})
			var once sync.Once
			settle := func(fn func()) error {
				err := ErrAlreadySettled
				once.Do(func() {
					fn()
					err = nil
					close(settled)
				})
				return err
			}
			d := NewDelivery(item.msg, queue, item.routingKey,
				func() error { return settle(func() {}) },
				func(requeue bool) error {
					return settle(func() {
						if requeue {
							b.enqueue(queue, item.routingKey, item.msg, true, false)
							return
						}
						if queue != b.topo.FailedQueue {
							b.deadLetter(queue, item, "rejected")
						}
					})
				},
			)
			d.Redelivered = item.redelivered

			select {
			case out <- d:
			case <-ctx.Done():
				b.enqueue(queue, item.routingKey, item.msg, true, false)
				return
			case <-b.closed:
				return
			}

			// prefetch 1: hold the next message until this one is settled
			select {
			case <-settled:
			case <-b.closed:
				return
			}
		}
	}()
	return out, nil
}

// Len reports how many messages wait in queue.
func (b *MemoryBroker) Len(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		return len(q.items)
	}
	return 0
}

// Peek returns a copy of the messages waiting in queue, head first.
func (b *MemoryBroker) Peek(queue string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return nil
	}
	out := make([]Message, len(q.items))
	for i, it := range q.items {
		out[i] = it.msg
	}
	return out
}

func (b *MemoryBroker) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}
