package amqp

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/taskcanvas/canvas/broker"
	"github.com/taskcanvas/canvas/id"
	"github.com/taskcanvas/canvas/task"
)

// newTestBroker connects to the RabbitMQ named by CANVAS_AMQP_URL, or
// skips the test when unset.
func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	url := os.Getenv("CANVAS_AMQP_URL")
	if url == "" {
		t.Skip("CANVAS_AMQP_URL not set")
	}
	b, err := New(url)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func newSig(name string, args ...any) *task.Signature {
	sig := task.NewSignature(name, args...)
	sig.Set(task.WithTaskID(id.NewTaskID()))
	return sig
}

func receive(t *testing.T, ch <-chan broker.Delivery, within time.Duration) broker.Delivery {
	t.Helper()
	select {
	case d, ok := <-ch:
		if !ok {
			t.Fatal("delivery channel closed")
		}
		return d
	case <-time.After(within):
		t.Fatal("no delivery arrived in time")
		return nil
	}
}

func TestPublishConsumeRoundTrip(t *testing.T) {
	b := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := "canvas-test-" + id.NewTaskID().String()
	deliveries, err := b.Consume(ctx, queue)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	sig := newSig("add", float64(1), float64(2))
	sig.Set(task.WithQueue(queue))
	if err := b.Publish(ctx, sig); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	d := receive(t, deliveries, 5*time.Second)
	got := d.Signature()
	if got.Task != "add" {
		t.Fatalf("got task %q, want %q", got.Task, "add")
	}
	if got.Options.TaskID.String() != sig.Options.TaskID.String() {
		t.Fatalf("got task id %q, want %q", got.Options.TaskID, sig.Options.TaskID)
	}
	if len(got.Args) != 2 || got.Args[0] != float64(1) {
		t.Fatalf("got args %v, want the published args", got.Args)
	}
	if err := d.Ack(); err != nil {
		t.Fatalf("Ack: %v", err)
	}
}

func TestPublishAfterDelays(t *testing.T) {
	b := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := "canvas-test-" + id.NewTaskID().String()
	deliveries, err := b.Consume(ctx, queue)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	sig := newSig("later")
	sig.Set(task.WithQueue(queue))
	start := time.Now()
	if err := b.PublishAfter(ctx, sig, 500*time.Millisecond); err != nil {
		t.Fatalf("PublishAfter: %v", err)
	}

	d := receive(t, deliveries, 10*time.Second)
	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Fatalf("delivered after %v, want the delay honored", elapsed)
	}
	if err := d.Ack(); err != nil {
		t.Fatalf("Ack: %v", err)
	}
}

func TestNackRequeues(t *testing.T) {
	b := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := "canvas-test-" + id.NewTaskID().String()
	deliveries, err := b.Consume(ctx, queue)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	sig := newSig("flaky")
	sig.Set(task.WithQueue(queue))
	if err := b.Publish(ctx, sig); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	d := receive(t, deliveries, 5*time.Second)
	if err := d.Nack(true); err != nil {
		t.Fatalf("Nack: %v", err)
	}
	d = receive(t, deliveries, 5*time.Second)
	if d.Signature().Options.TaskID.String() != sig.Options.TaskID.String() {
		t.Fatal("requeued delivery is a different message")
	}
	if err := d.Ack(); err != nil {
		t.Fatalf("Ack: %v", err)
	}
}
