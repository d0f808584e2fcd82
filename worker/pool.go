package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/taskcanvas/canvas/broker"
)

// QueueManager controls per-queue rate limiting and concurrency. The
// pool calls Acquire before executing a dequeued signature and Release
// after execution completes.
type QueueManager interface {
	// Acquire checks rate limits and concurrency for the queue.
	// Returns true if the task is allowed to proceed.
	Acquire(queue string) bool
	// Release decrements the active count for the queue.
	Release(queue string)
}

// Pool manages a set of concurrent worker goroutines that consume
// broker queues and execute signatures through the Executor.
type Pool struct {
	broker      broker.Broker
	executor    *Executor
	concurrency int
	queues      []string
	retryDelay  time.Duration
	logger      *slog.Logger

	// Queue manager (optional).
	queueManager QueueManager

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of worker goroutines per queue.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithPoolQueues sets the queues the pool consumes.
func WithPoolQueues(queues ...string) PoolOption {
	return func(p *Pool) {
		if len(queues) > 0 {
			p.queues = queues
		}
	}
}

// WithRetryDelay sets how long a rate-limited delivery is held back
// before it is requeued.
func WithRetryDelay(d time.Duration) PoolOption {
	return func(p *Pool) { p.retryDelay = d }
}

// WithQueueManager sets the queue manager for rate limiting and
// concurrency control.
func WithQueueManager(m QueueManager) PoolOption {
	return func(p *Pool) { p.queueManager = m }
}

// NewPool creates a worker pool.
func NewPool(b broker.Broker, executor *Executor, logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		broker:      b,
		executor:    executor,
		concurrency: 10,
		queues:      []string{broker.DefaultQueue},
		retryDelay:  time.Second,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.Int("concurrency", p.concurrency),
		slog.Any("queues", p.queues),
	)

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	g, runCtx := errgroup.WithContext(runCtx)
	p.group = g

	for _, q := range p.queues {
		deliveries, err := p.broker.Consume(runCtx, q)
		if err != nil {
			cancel()
			return err
		}
		for range p.concurrency {
			g.Go(func() error {
				p.consumeLoop(runCtx, q, deliveries)
				return nil
			})
		}
	}
	return nil
}

// Stop signals all workers to stop and waits for in-flight executions
// to finish or ctx to expire.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel, g := p.cancel, p.group
	p.mu.Unlock()

	p.logger.Info("worker pool stopping")
	cancel()

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out")
		return ctx.Err()
	}
}

// consumeLoop is run by each worker goroutine.
func (p *Pool) consumeLoop(ctx context.Context, queue string, deliveries <-chan broker.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			p.handle(ctx, queue, d)
		}
	}
}

func (p *Pool) handle(ctx context.Context, queue string, d broker.Delivery) {
	sig := d.Signature()

	if p.queueManager != nil && !p.queueManager.Acquire(queue) {
		// Rate limited: hold the signature back instead of spinning.
		if err := p.broker.PublishAfter(ctx, sig, p.retryDelay); err != nil {
			p.logger.Error("failed to requeue rate-limited task",
				slog.String("task_id", sig.Options.TaskID.String()),
				slog.String("error", err.Error()),
			)
			if nackErr := d.Nack(true); nackErr != nil {
				p.logger.Error("nack failed", slog.String("error", nackErr.Error()))
			}
			return
		}
		if err := d.Ack(); err != nil {
			p.logger.Error("ack failed", slog.String("error", err.Error()))
		}
		return
	}

	if execErr := p.executor.Execute(ctx, sig); execErr != nil {
		p.logger.Debug("task execution failed",
			slog.String("task_id", sig.Options.TaskID.String()),
			slog.String("task", sig.Task),
			slog.String("error", execErr.Error()),
		)
	}

	// The outcome is settled in the backend either way; the message
	// itself is done.
	if err := d.Ack(); err != nil {
		p.logger.Error("ack failed",
			slog.String("task_id", sig.Options.TaskID.String()),
			slog.String("error", err.Error()),
		)
	}

	if p.queueManager != nil {
		p.queueManager.Release(queue)
	}
}
