// Package worker provides the task execution runtime — an Executor
// that invokes registered handlers through middleware and settles
// their outcomes, and a Pool that consumes broker queues concurrently.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskcanvas/canvas/backoff"
	"github.com/taskcanvas/canvas/middleware"
	"github.com/taskcanvas/canvas/result"
	"github.com/taskcanvas/canvas/task"
)

// DefaultMaxRetries is the retry budget for signatures that do not set
// one explicitly.
const DefaultMaxRetries = 3

// Executor runs a single signature through middleware and the
// registered handler, then settles the outcome: stores the result,
// fires linked callbacks, reports chord parts, and reschedules
// retries.
type Executor struct {
	registry   *task.Registry
	backend    result.Backend
	sched      result.Scheduler
	backoff    backoff.Strategy
	mw         middleware.Middleware
	logger     *slog.Logger
	metrics    *Metrics
	maxRetries int
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithBackoff overrides the retry delay strategy.
func WithBackoff(s backoff.Strategy) ExecutorOption {
	return func(e *Executor) { e.backoff = s }
}

// WithMiddleware sets the middleware chain run around every handler.
func WithMiddleware(mws ...middleware.Middleware) ExecutorOption {
	return func(e *Executor) { e.mw = middleware.Chain(mws...) }
}

// WithMetrics attaches execution metrics.
func WithMetrics(m *Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithDefaultMaxRetries overrides the retry budget for signatures that
// do not set one.
func WithDefaultMaxRetries(n int) ExecutorOption {
	return func(e *Executor) { e.maxRetries = n }
}

// NewExecutor creates an Executor. sched is used to submit follow-up
// work: retries, linked callbacks, and chord bodies.
func NewExecutor(
	registry *task.Registry,
	backend result.Backend,
	sched result.Scheduler,
	logger *slog.Logger,
	opts ...ExecutorOption,
) *Executor {
	e := &Executor{
		registry:   registry,
		backend:    backend,
		sched:      sched,
		backoff:    backoff.DefaultStrategy(),
		mw:         middleware.Chain(),
		logger:     logger,
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one signature to an outcome.
// On success: stores SUCCESS, fires links, reports the chord part.
// On a retry request or a failure with budget left: stores RETRY and
// reschedules the same task id with the attempt counter bumped.
// On a failure with the budget exhausted: stores FAILURE and reports
// the chord part; linked callbacks do not fire.
func (e *Executor) Execute(ctx context.Context, sig *task.Signature) error {
	handler, ok := e.registry.Get(sig.Task)
	if !ok {
		err := fmt.Errorf("no handler registered for task %q", sig.Task)
		return e.settleFailure(ctx, sig, err)
	}

	ec := &task.ExecContext{TaskID: sig.Options.TaskID, Signature: sig}
	ctx = task.WithExecContext(ctx, ec)

	terminal := func(ctx context.Context) (any, error) {
		return handler(ctx, sig.Args, sig.Kwargs)
	}

	start := time.Now()
	value, err := e.mw(ctx, sig, terminal)
	elapsed := time.Since(start)

	if e.metrics != nil {
		e.metrics.observe(sig.Task, err, elapsed)
	}

	if err == nil {
		return e.settleSuccess(ctx, sig, value)
	}

	// An explicit retry request reschedules without consuming the
	// default budget; only a signature-level MaxRetries bounds it.
	var retryErr *task.RetryError
	if errors.As(err, &retryErr) {
		if sig.Options.MaxRetries != nil && sig.Options.Retries+1 > *sig.Options.MaxRetries {
			return e.settleFailure(ctx, sig, err)
		}
		return e.reschedule(ctx, sig, retryErr.Delay, err)
	}

	attempt := sig.Options.Retries + 1
	if attempt <= e.retryBudget(sig) {
		return e.reschedule(ctx, sig, e.backoff.Delay(attempt), err)
	}

	return e.settleFailure(ctx, sig, err)
}

// retryBudget resolves the signature's max retries, falling back to
// the executor default.
func (e *Executor) retryBudget(sig *task.Signature) int {
	if sig.Options.MaxRetries != nil {
		return *sig.Options.MaxRetries
	}
	return e.maxRetries
}

func (e *Executor) settleSuccess(ctx context.Context, sig *task.Signature, value any) error {
	meta := &result.Meta{
		TaskID:  sig.Options.TaskID,
		GroupID: sig.Options.GroupID,
		State:   result.StateSuccess,
		Value:   value,
	}
	if err := e.backend.Store(ctx, meta); err != nil {
		e.logger.Error("failed to store task result",
			slog.String("task_id", sig.Options.TaskID.String()),
			slog.String("task", sig.Task),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.fireLinks(ctx, sig, value)

	if err := e.backend.ChordPartReturn(ctx, sig, meta, e.sched); err != nil {
		e.logger.Error("chord part return failed",
			slog.String("task_id", sig.Options.TaskID.String()),
			slog.String("group_id", sig.Options.GroupID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// fireLinks submits each linked callback with the parent's value
// prepended to its arguments.
func (e *Executor) fireLinks(ctx context.Context, sig *task.Signature, value any) {
	for _, cb := range sig.Links {
		next := cb.Clone([]any{value})
		if err := e.sched.Submit(ctx, next); err != nil {
			e.logger.Error("failed to submit linked callback",
				slog.String("task_id", sig.Options.TaskID.String()),
				slog.String("callback", cb.Task),
				slog.String("error", err.Error()),
			)
		}
	}
}

// reschedule records the RETRY state and resubmits the same task id
// with the attempt counter bumped.
func (e *Executor) reschedule(ctx context.Context, sig *task.Signature, delay time.Duration, cause error) error {
	meta := &result.Meta{
		TaskID:  sig.Options.TaskID,
		GroupID: sig.Options.GroupID,
		State:   result.StateRetry,
		Error:   cause.Error(),
	}
	if err := e.backend.Store(ctx, meta); err != nil {
		e.logger.Error("failed to store retry state",
			slog.String("task_id", sig.Options.TaskID.String()),
			slog.String("error", err.Error()),
		)
	}

	next := sig.Clone(nil)
	next.Set(task.WithRetries(sig.Options.Retries + 1))

	if e.metrics != nil {
		e.metrics.retry(sig.Task)
	}
	e.logger.Info("task scheduled for retry",
		slog.String("task_id", sig.Options.TaskID.String()),
		slog.String("task", sig.Task),
		slog.Int("attempt", next.Options.Retries),
		slog.Duration("delay", delay),
	)

	if err := e.sched.SubmitAfter(ctx, next, delay); err != nil {
		e.logger.Error("failed to resubmit task for retry",
			slog.String("task_id", sig.Options.TaskID.String()),
			slog.String("error", err.Error()),
		)
		return e.settleFailure(ctx, sig, fmt.Errorf("retry submit: %w", err))
	}
	return nil
}

// settleFailure records the terminal FAILURE and reports the chord
// part so waiters and chords observe the outcome. Linked callbacks are
// not fired for failures.
func (e *Executor) settleFailure(ctx context.Context, sig *task.Signature, cause error) error {
	meta := &result.Meta{
		TaskID:  sig.Options.TaskID,
		GroupID: sig.Options.GroupID,
		State:   result.StateFailure,
		Error:   cause.Error(),
	}
	if err := e.backend.Store(ctx, meta); err != nil {
		e.logger.Error("failed to store task failure",
			slog.String("task_id", sig.Options.TaskID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.logger.Warn("task failed",
		slog.String("task_id", sig.Options.TaskID.String()),
		slog.String("task", sig.Task),
		slog.Int("retries", sig.Options.Retries),
		slog.String("error", cause.Error()),
	)

	if err := e.backend.ChordPartReturn(ctx, sig, meta, e.sched); err != nil {
		e.logger.Error("chord part return failed",
			slog.String("task_id", sig.Options.TaskID.String()),
			slog.String("group_id", sig.Options.GroupID.String()),
			slog.String("error", err.Error()),
		)
	}
	return cause
}
