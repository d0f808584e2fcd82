// Package broker defines the message transport contract between
// submitters and workers. A broker moves serialized signatures; it
// knows nothing about results or composition.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/taskcanvas/canvas/task"
)

// DefaultQueue is the queue signatures route to when none is set.
const DefaultQueue = "canvas"

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker: closed")

// Delivery is one received signature plus its acknowledgement
// controls. A delivery must be acked or nacked exactly once.
type Delivery interface {
	// Signature returns the decoded signature.
	Signature() *task.Signature
	// Ack confirms processing so the transport can discard the message.
	Ack() error
	// Nack rejects the message, optionally requeueing it.
	Nack(requeue bool) error
}

// Broker is the transport contract.
type Broker interface {
	// Publish routes sig to its queue for immediate delivery.
	Publish(ctx context.Context, sig *task.Signature) error

	// PublishAfter routes sig to its queue with delivery held back for
	// at least delay.
	PublishAfter(ctx context.Context, sig *task.Signature, delay time.Duration) error

	// Consume returns a channel of deliveries for one queue. The
	// channel closes when ctx is done or the broker closes.
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)

	// Close shuts the transport down.
	Close() error
}

// QueueOf resolves the queue a signature routes to.
func QueueOf(sig *task.Signature) string {
	if sig.Options.Queue != "" {
		return sig.Options.Queue
	}
	return DefaultQueue
}
