// Package amqp implements broker.Broker on RabbitMQ. Signatures are
// JSON message bodies routed through one direct exchange, with a
// dead-letter delay queue per work queue for held-back deliveries.
//
// Topology per queue "q":
//
//	canvas.tasks (direct)
//	├── q          [routing: q]
//	└── q.delay    → per-message TTL, dead-letters back to q
package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/taskcanvas/canvas/broker"
	"github.com/taskcanvas/canvas/task"
)

// Exchange is the direct exchange all task queues bind to.
const Exchange = "canvas.tasks"

const delaySuffix = ".delay"

// DefaultPrefetch bounds unacked deliveries per consumer.
const DefaultPrefetch = 16

// Compile-time interface check.
var _ broker.Broker = (*Broker)(nil)

// Option configures the Broker.
type Option func(*Broker)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithPrefetch overrides the consumer prefetch count.
func WithPrefetch(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.prefetch = n
		}
	}
}

// Broker implements broker.Broker backed by RabbitMQ.
type Broker struct {
	conn     *Connection
	logger   *slog.Logger
	prefetch int

	mu       sync.Mutex
	declared map[string]bool
}

// New dials the server and builds a broker.
func New(url string, opts ...Option) (*Broker, error) {
	b := &Broker{
		logger:   slog.Default(),
		prefetch: DefaultPrefetch,
		declared: make(map[string]bool),
	}
	for _, o := range opts {
		o(b)
	}

	conn, err := NewConnection(url, b.logger)
	if err != nil {
		return nil, err
	}
	b.conn = conn
	return b, nil
}

// NewWithConnection builds a broker over an existing connection. The
// caller owns the connection lifecycle.
func NewWithConnection(conn *Connection, opts ...Option) *Broker {
	b := &Broker{
		conn:     conn,
		logger:   slog.Default(),
		prefetch: DefaultPrefetch,
		declared: make(map[string]bool),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// declareQueue sets up the exchange, the work queue, its binding, and
// the matching delay queue. Declarations are idempotent server-side;
// the local set just avoids repeat round trips.
func (b *Broker) declareQueue(queue string) error {
	b.mu.Lock()
	done := b.declared[queue]
	b.mu.Unlock()
	if done {
		return nil
	}

	err := b.conn.WithChannel(func(ch *amqp.Channel) error {
		if err := ch.ExchangeDeclare(Exchange, "direct", true, false, false, false, nil); err != nil {
			return fmt.Errorf("amqp: declare exchange: %w", err)
		}
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("amqp: declare queue %s: %w", queue, err)
		}
		if err := ch.QueueBind(queue, queue, Exchange, false, nil); err != nil {
			return fmt.Errorf("amqp: bind queue %s: %w", queue, err)
		}
		delayArgs := amqp.Table{
			"x-dead-letter-exchange":    Exchange,
			"x-dead-letter-routing-key": queue,
		}
		if _, err := ch.QueueDeclare(queue+delaySuffix, true, false, false, false, delayArgs); err != nil {
			return fmt.Errorf("amqp: declare delay queue %s: %w", queue+delaySuffix, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.declared[queue] = true
	b.mu.Unlock()
	return nil
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, sig *task.Signature) error {
	return b.publish(ctx, sig, 0)
}

// PublishAfter implements broker.Broker. The message sits in the delay
// queue until its TTL expires, then dead-letters back onto the work
// queue.
func (b *Broker) PublishAfter(ctx context.Context, sig *task.Signature, delay time.Duration) error {
	return b.publish(ctx, sig, delay)
}

func (b *Broker) publish(ctx context.Context, sig *task.Signature, delay time.Duration) error {
	queue := broker.QueueOf(sig)
	if err := b.declareQueue(queue); err != nil {
		return err
	}

	body, err := sig.Encode()
	if err != nil {
		return err
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    sig.Options.TaskID.String(),
		Timestamp:    time.Now(),
		Body:         body,
	}

	exchange, routingKey := Exchange, queue
	if delay > 0 {
		// Delay queues are fed directly, not through the exchange.
		exchange, routingKey = "", queue+delaySuffix
		pub.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}

	return b.conn.WithChannel(func(ch *amqp.Channel) error {
		if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, pub); err != nil {
			return fmt.Errorf("amqp: publish to %s/%s: %w", exchange, routingKey, err)
		}
		b.logger.Debug("published signature",
			"queue", queue,
			"task", sig.Task,
			"task_id", sig.Options.TaskID,
			"delay", delay,
		)
		return nil
	})
}

// Consume implements broker.Broker. The subscription survives
// reconnects; the returned channel closes when ctx is done.
func (b *Broker) Consume(ctx context.Context, queue string) (<-chan broker.Delivery, error) {
	if err := b.declareQueue(queue); err != nil {
		return nil, err
	}

	out := make(chan broker.Delivery)
	go func() {
		defer close(out)
		for {
			if err := b.consumeOnce(ctx, queue, out); err != nil {
				b.logger.Warn("consume interrupted", "queue", queue, "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-b.conn.ReconnectNotify():
				// Redeclare on the fresh channel before resubscribing.
				b.mu.Lock()
				b.declared[queue] = false
				b.mu.Unlock()
				if err := b.declareQueue(queue); err != nil {
					b.logger.Warn("redeclare failed", "queue", queue, "error", err)
				}
			case <-time.After(time.Second):
			}
		}
	}()
	return out, nil
}

// consumeOnce runs one subscription until the server channel closes or
// ctx is done.
func (b *Broker) consumeOnce(ctx context.Context, queue string, out chan<- broker.Delivery) error {
	var msgs <-chan amqp.Delivery
	err := b.conn.WithChannel(func(ch *amqp.Channel) error {
		if err := ch.Qos(b.prefetch, 0, false); err != nil {
			return fmt.Errorf("amqp: set qos: %w", err)
		}
		var err error
		msgs, err = ch.Consume(queue, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("amqp: consume %s: %w", queue, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			sig, err := task.Decode(msg.Body)
			if err != nil {
				b.logger.Warn("dropping undecodable message", "queue", queue, "error", err)
				_ = msg.Nack(false, false)
				continue
			}
			select {
			case out <- &delivery{msg: msg, sig: sig}:
			case <-ctx.Done():
				_ = msg.Nack(false, true)
				return nil
			}
		}
	}
}

// Close implements broker.Broker.
func (b *Broker) Close() error {
	return b.conn.Close()
}

type delivery struct {
	msg amqp.Delivery
	sig *task.Signature
}

func (d *delivery) Signature() *task.Signature { return d.sig }

func (d *delivery) Ack() error { return d.msg.Ack(false) }

func (d *delivery) Nack(requeue bool) error { return d.msg.Nack(false, requeue) }
