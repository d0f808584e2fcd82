package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	backendmem "github.com/taskcanvas/canvas/backend/memory"
	"github.com/taskcanvas/canvas/broker"
	brokermem "github.com/taskcanvas/canvas/broker/memory"
	"github.com/taskcanvas/canvas/result"
	"github.com/taskcanvas/canvas/task"
)

// brokerScheduler publishes follow-up work back through the broker, the
// way the application wires an async deployment.
type brokerScheduler struct {
	brk broker.Broker
}

func (s *brokerScheduler) Submit(ctx context.Context, sig *task.Signature) error {
	return s.brk.Publish(ctx, sig)
}

func (s *brokerScheduler) SubmitAfter(ctx context.Context, sig *task.Signature, delay time.Duration) error {
	return s.brk.PublishAfter(ctx, sig, delay)
}

func waitReady(t *testing.T, backend result.Backend, sig *task.Signature) *result.Meta {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		meta, err := backend.Get(context.Background(), sig.Options.TaskID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if meta.State.Ready() {
			return meta
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task never reached a terminal state")
	return nil
}

func TestPoolExecutesPublishedTasks(t *testing.T) {
	t.Parallel()
	brk := brokermem.New()
	defer brk.Close()
	backend := backendmem.New()

	registry := task.NewRegistry()
	registry.Register("double", func(_ context.Context, args []any, _ map[string]any) (any, error) {
		return args[0].(int) * 2, nil
	})
	e := NewExecutor(registry, backend, &brokerScheduler{brk: brk}, testLogger())
	p := NewPool(brk, e, testLogger(), WithPoolConcurrency(4))

	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop(context.Background())

	sig := newSig("double", 21)
	if err := brk.Publish(ctx, sig); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	meta := waitReady(t, backend, sig)
	if meta.State != result.StateSuccess || meta.Value != 42 {
		t.Fatalf("got %+v, want success with value 42", meta)
	}
}

func TestPoolRunsManyTasks(t *testing.T) {
	t.Parallel()
	brk := brokermem.New()
	defer brk.Close()
	backend := backendmem.New()

	var count atomic.Int32
	registry := task.NewRegistry()
	registry.Register("tick", func(_ context.Context, _ []any, _ map[string]any) (any, error) {
		count.Add(1)
		return nil, nil
	})
	e := NewExecutor(registry, backend, &brokerScheduler{brk: brk}, testLogger())
	p := NewPool(brk, e, testLogger(), WithPoolConcurrency(8))

	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop(context.Background())

	const n = 50
	sigs := make([]*task.Signature, n)
	for i := range n {
		sigs[i] = newSig("tick")
		if err := brk.Publish(ctx, sigs[i]); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	for _, sig := range sigs {
		waitReady(t, backend, sig)
	}
	if got := count.Load(); got != n {
		t.Fatalf("got %d executions, want %d", got, n)
	}
}

func TestPoolConsumesConfiguredQueues(t *testing.T) {
	t.Parallel()
	brk := brokermem.New()
	defer brk.Close()
	backend := backendmem.New()

	registry := task.NewRegistry()
	registry.Register("work", func(_ context.Context, _ []any, _ map[string]any) (any, error) {
		return "done", nil
	})
	e := NewExecutor(registry, backend, &brokerScheduler{brk: brk}, testLogger())
	p := NewPool(brk, e, testLogger(), WithPoolQueues("priority"))

	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop(context.Background())

	sig := newSig("work")
	sig.Set(task.WithQueue("priority"))
	if err := brk.Publish(ctx, sig); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitReady(t, backend, sig)
}

// slotManager admits a bounded number of concurrent executions and
// counts releases.
type slotManager struct {
	mu       sync.Mutex
	active   int
	limit    int
	released int
}

func (m *slotManager) Acquire(_ string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active >= m.limit {
		return false
	}
	m.active++
	return true
}

func (m *slotManager) Release(_ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active--
	m.released++
}

func TestPoolQueueManager(t *testing.T) {
	t.Parallel()
	brk := brokermem.New()
	defer brk.Close()
	backend := backendmem.New()

	registry := task.NewRegistry()
	registry.Register("slow", func(_ context.Context, _ []any, _ map[string]any) (any, error) {
		time.Sleep(5 * time.Millisecond)
		return nil, nil
	})
	e := NewExecutor(registry, backend, &brokerScheduler{brk: brk}, testLogger())

	mgr := &slotManager{limit: 1}
	p := NewPool(brk, e, testLogger(),
		WithPoolConcurrency(4),
		WithQueueManager(mgr),
		WithRetryDelay(10*time.Millisecond),
	)

	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop(context.Background())

	sigs := make([]*task.Signature, 5)
	for i := range sigs {
		sigs[i] = newSig("slow")
		if err := brk.Publish(ctx, sigs[i]); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	for _, sig := range sigs {
		waitReady(t, backend, sig)
	}

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if mgr.released != 5 {
		t.Fatalf("got %d releases, want 5", mgr.released)
	}
	if mgr.active != 0 {
		t.Fatalf("got %d active after drain, want 0", mgr.active)
	}
}

func TestPoolStartStopIdempotent(t *testing.T) {
	t.Parallel()
	brk := brokermem.New()
	defer brk.Close()
	backend := backendmem.New()

	e := NewExecutor(task.NewRegistry(), backend, &brokerScheduler{brk: brk}, testLogger())
	p := NewPool(brk, e, testLogger())

	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
