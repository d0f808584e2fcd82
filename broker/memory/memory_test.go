package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/taskcanvas/canvas/broker"
	"github.com/taskcanvas/canvas/task"
)

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

func TestPublishConsume(t *testing.T) {
	t.Parallel()
	b := New()
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveries, err := b.Consume(ctx, broker.DefaultQueue)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	sig := task.NewSignature("add", 1, 2)
	if err := b.Publish(ctx, sig); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	d := receive(t, deliveries, time.Second)
	if d.Signature().Task != "add" {
		t.Fatalf("got task %q, want %q", d.Signature().Task, "add")
	}
	if err := d.Ack(); err != nil {
		t.Fatalf("Ack: %v", err)
	}
}

func TestPublishRoutesByQueue(t *testing.T) {
	t.Parallel()
	b := New()
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prio, err := b.Consume(ctx, "priority")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	sig := task.NewSignature("urgent")
	sig.Set(task.WithQueue("priority"))
	if err := b.Publish(ctx, sig); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	d := receive(t, prio, time.Second)
	if d.Signature().Task != "urgent" {
		t.Fatalf("got task %q on priority queue", d.Signature().Task)
	}
}

func TestPublishAfter(t *testing.T) {
	t.Parallel()
	b := New()
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveries, err := b.Consume(ctx, broker.DefaultQueue)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	start := time.Now()
	if err := b.PublishAfter(ctx, task.NewSignature("later"), 30*time.Millisecond); err != nil {
		t.Fatalf("PublishAfter: %v", err)
	}

	receive(t, deliveries, time.Second)
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("delivered after %v, want the delay honored", elapsed)
	}
}

func TestPublishAfterZeroDelayIsImmediate(t *testing.T) {
	t.Parallel()
	b := New()
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveries, err := b.Consume(ctx, broker.DefaultQueue)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if err := b.PublishAfter(ctx, task.NewSignature("now"), 0); err != nil {
		t.Fatalf("PublishAfter: %v", err)
	}
	receive(t, deliveries, time.Second)
}

func TestNackRequeues(t *testing.T) {
	t.Parallel()
	b := New()
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveries, err := b.Consume(ctx, broker.DefaultQueue)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if err := b.Publish(ctx, task.NewSignature("flaky")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	d := receive(t, deliveries, time.Second)
	if err := d.Nack(true); err != nil {
		t.Fatalf("Nack: %v", err)
	}
	d = receive(t, deliveries, time.Second)
	if d.Signature().Task != "flaky" {
		t.Fatalf("got task %q after requeue", d.Signature().Task)
	}
}

func TestPublishQueueFull(t *testing.T) {
	t.Parallel()
	b := New(WithQueueSize(1))
	defer b.Close()
	ctx := context.Background()

	if err := b.Publish(ctx, task.NewSignature("one")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := b.Publish(ctx, task.NewSignature("two")); err == nil {
		t.Fatal("Publish on a full queue succeeded")
	}
}

func TestClosedBrokerRejects(t *testing.T) {
	t.Parallel()
	b := New()
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := b.Publish(context.Background(), task.NewSignature("x")); !errors.Is(err, broker.ErrClosed) {
		t.Fatalf("got %v, want ErrClosed", err)
	}
	if _, err := b.Consume(context.Background(), broker.DefaultQueue); !errors.Is(err, broker.ErrClosed) {
		t.Fatalf("got %v, want ErrClosed", err)
	}
	// Double close is fine.
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestConsumeStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	b := New()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	deliveries, err := b.Consume(ctx, broker.DefaultQueue)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	cancel()

	select {
	case _, ok := <-deliveries:
		if ok {
			t.Fatal("received a delivery after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("delivery channel not closed after cancel")
	}
}
