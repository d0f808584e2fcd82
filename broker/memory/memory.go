// Package memory provides an in-process broker. Queues are buffered
// channels created lazily on first use; delayed publishes ride on
// timers. For tests and single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/taskcanvas/canvas/broker"
	"github.com/taskcanvas/canvas/task"
)

// DefaultQueueSize is the per-queue channel buffer.
const DefaultQueueSize = 1024

// Compile-time interface check.
var _ broker.Broker = (*Broker)(nil)

// Option configures a Broker.
type Option func(*Broker)

// WithQueueSize overrides the per-queue buffer size.
func WithQueueSize(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.size = n
		}
	}
}

// Broker routes signatures through in-process channels.
type Broker struct {
	mu     sync.Mutex
	queues map[string]chan broker.Delivery
	timers map[*time.Timer]struct{}
	closed bool
	size   int
}

// New builds an empty in-memory broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		queues: make(map[string]chan broker.Delivery),
		timers: make(map[*time.Timer]struct{}),
		size:   DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// queue returns the channel for name, creating it on first use.
// Callers must hold b.mu.
func (b *Broker) queue(name string) chan broker.Delivery {
	ch, ok := b.queues[name]
	if !ok {
		ch = make(chan broker.Delivery, b.size)
		b.queues[name] = ch
	}
	return ch
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, sig *task.Signature) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return broker.ErrClosed
	}
	ch := b.queue(broker.QueueOf(sig))
	b.mu.Unlock()

	select {
	case ch <- &delivery{broker: b, sig: sig}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("memory: queue %q full", broker.QueueOf(sig))
	}
}

// PublishAfter implements broker.Broker. The signature lands on its
// queue once the timer fires; Close cancels pending timers.
func (b *Broker) PublishAfter(_ context.Context, sig *task.Signature, delay time.Duration) error {
	if delay <= 0 {
		return b.Publish(context.Background(), sig)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return broker.ErrClosed
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		b.mu.Lock()
		delete(b.timers, timer)
		b.mu.Unlock()
		// Best effort: a full queue drops the delayed message.
		_ = b.Publish(context.Background(), sig)
	})
	b.timers[timer] = struct{}{}
	b.mu.Unlock()
	return nil
}

// Consume implements broker.Broker. Deliveries stop when ctx is done
// or the broker closes; the queue itself stays.
func (b *Broker) Consume(ctx context.Context, queue string) (<-chan broker.Delivery, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, broker.ErrClosed
	}
	ch := b.queue(queue)
	b.mu.Unlock()

	out := make(chan broker.Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close implements broker.Broker. Pending delayed publishes are
// dropped; queue channels close so consumers drain and stop.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for timer := range b.timers {
		timer.Stop()
	}
	for _, ch := range b.queues {
		close(ch)
	}
	return nil
}

// delivery is an in-process delivery. Ack is a no-op; Nack with
// requeue pushes the signature back onto its queue.
type delivery struct {
	broker *Broker
	sig    *task.Signature
}

func (d *delivery) Signature() *task.Signature { return d.sig }

func (d *delivery) Ack() error { return nil }

func (d *delivery) Nack(requeue bool) error {
	if !requeue {
		return nil
	}
	return d.broker.Publish(context.Background(), d.sig)
}
