package canvas

import (
	"context"
	"log/slog"
	"time"

	backendmem "github.com/taskcanvas/canvas/backend/memory"
	"github.com/taskcanvas/canvas/backoff"
	"github.com/taskcanvas/canvas/broker"
	"github.com/taskcanvas/canvas/middleware"
	"github.com/taskcanvas/canvas/result"
	"github.com/taskcanvas/canvas/task"
	"github.com/taskcanvas/canvas/worker"
)

// DefaultChordInterval is how often the chord completion detector
// polls a header that is not yet done.
const DefaultChordInterval = time.Second

// DefaultResultExpiry is how long results live before the periodic
// cleanup task removes them.
const DefaultResultExpiry = 24 * time.Hour

// App wires a task registry, a broker, and a result backend into one
// composition surface. It is the Scheduler the backends and workers
// submit follow-up work through.
type App struct {
	registry *task.Registry
	brk      broker.Broker
	backend  result.Backend
	logger   *slog.Logger

	// eager executes submissions inline instead of publishing them.
	eager    bool
	executor *worker.Executor

	chordInterval   time.Duration
	chordMaxRetries *int
	resultExpiry    time.Duration
	backoffStrategy backoff.Strategy
	mws             []middleware.Middleware
}

// Compile-time interface check.
var _ result.Scheduler = (*App)(nil)

// Option configures an App.
type Option func(*App)

// WithBroker sets the transport. Without one the app runs eagerly.
func WithBroker(b broker.Broker) Option {
	return func(a *App) { a.brk = b }
}

// WithBackend sets the result backend. Defaults to an in-memory one.
func WithBackend(b result.Backend) Option {
	return func(a *App) { a.backend = b }
}

// WithRegistry sets a shared task registry.
func WithRegistry(r *task.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithEager forces inline execution even when a broker is configured.
func WithEager() Option {
	return func(a *App) { a.eager = true }
}

// WithChordInterval sets the default chord completion poll interval.
func WithChordInterval(d time.Duration) Option {
	return func(a *App) {
		if d > 0 {
			a.chordInterval = d
		}
	}
}

// WithChordMaxRetries bounds how many times the chord completion
// detector polls before failing the body. The default is unbounded.
func WithChordMaxRetries(n int) Option {
	return func(a *App) { a.chordMaxRetries = &n }
}

// WithResultExpiry sets how long results live before backend cleanup
// removes them.
func WithResultExpiry(d time.Duration) Option {
	return func(a *App) {
		if d > 0 {
			a.resultExpiry = d
		}
	}
}

// WithBackoff sets the retry delay strategy for eager execution.
func WithBackoff(s backoff.Strategy) Option {
	return func(a *App) { a.backoffStrategy = s }
}

// WithMiddleware sets the middleware chain for eager execution.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(a *App) { a.mws = mws }
}

// New builds an App. Without a broker it runs eagerly: every
// submission executes inline on the caller's goroutine, which is the
// mode unit tests use.
func New(opts ...Option) *App {
	a := &App{
		registry:        task.NewRegistry(),
		logger:          slog.Default(),
		chordInterval:   DefaultChordInterval,
		resultExpiry:    DefaultResultExpiry,
		backoffStrategy: backoff.DefaultStrategy(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.backend == nil {
		a.backend = backendmem.New()
	}
	if a.brk == nil {
		a.eager = true
	}

	a.executor = worker.NewExecutor(a.registry, a.backend, a, a.logger,
		worker.WithBackoff(a.backoffStrategy),
		worker.WithMiddleware(a.mws...),
	)

	a.registerBuiltins()
	return a
}

// Registry returns the task registry, for wiring a worker pool.
func (a *App) Registry() *task.Registry { return a.registry }

// Backend returns the result backend.
func (a *App) Backend() result.Backend { return a.backend }

// Broker returns the transport, or nil in eager mode.
func (a *App) Broker() broker.Broker { return a.brk }

// Register adds a task handler under name.
func (a *App) Register(name string, h task.Handler) {
	a.registry.Register(name, h)
}

// NewExecutor builds a worker executor sharing this app's registry,
// backend, and submission path.
func (a *App) NewExecutor(opts ...worker.ExecutorOption) *worker.Executor {
	base := []worker.ExecutorOption{
		worker.WithBackoff(a.backoffStrategy),
		worker.WithMiddleware(a.mws...),
	}
	return worker.NewExecutor(a.registry, a.backend, a, a.logger, append(base, opts...)...)
}

// Submit implements result.Scheduler. Eager apps execute the
// signature inline and record its outcome; otherwise it is published
// to the broker, honoring the signature's countdown.
func (a *App) Submit(ctx context.Context, sig *task.Signature) error {
	if a.eager {
		// Outcome errors are settled in the backend, not surfaced here.
		_ = a.executor.Execute(ctx, sig)
		return nil
	}
	if d := sig.Options.Countdown; d > 0 {
		cp := sig.Clone(nil)
		cp.Options.Countdown = 0
		return a.brk.PublishAfter(ctx, cp, d)
	}
	return a.brk.Publish(ctx, sig)
}

// SubmitAfter implements result.Scheduler. Eager apps skip the delay
// and execute inline.
func (a *App) SubmitAfter(ctx context.Context, sig *task.Signature, delay time.Duration) error {
	if a.eager {
		_ = a.executor.Execute(ctx, sig)
		return nil
	}
	return a.brk.PublishAfter(ctx, sig, delay)
}

// Close releases the app's backend and broker.
func (a *App) Close() error {
	var firstErr error
	if a.brk != nil {
		if err := a.brk.Close(); err != nil {
			firstErr = err
		}
	}
	if err := a.backend.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// addChild attaches a spawned handle to the currently executing task,
// if any, for provenance inspection.
func addChild(ctx context.Context, r task.Result) {
	if ec, ok := task.ExecContextFrom(ctx); ok {
		ec.AddChild(r)
	}
}
