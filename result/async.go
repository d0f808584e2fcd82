package result

import (
	"context"
	"time"

	"github.com/taskcanvas/canvas/id"
)

// DefaultPollInterval is how often Get and Join re-check a backend
// that has no readiness notification.
const DefaultPollInterval = 200 * time.Millisecond

// AsyncResult is a handle to one invocation's eventual outcome.
// Handles are cheap to create and copy; the backend owns the value.
type AsyncResult struct {
	id      id.TaskID
	parent  *AsyncResult
	backend Backend
}

// NewAsyncResult builds a handle for taskID against b.
func NewAsyncResult(taskID id.TaskID, b Backend) *AsyncResult {
	return &AsyncResult{id: taskID, backend: b}
}

// WithParent returns a copy of the handle with its provenance parent
// set. The parent is the upstream step that caused this invocation.
func (r *AsyncResult) WithParent(parent *AsyncResult) *AsyncResult {
	cp := *r
	cp.parent = parent
	return &cp
}

// ID returns the invocation id this handle references.
func (r *AsyncResult) ID() id.TaskID { return r.id }

// Parent returns the upstream handle, or nil for a root invocation.
func (r *AsyncResult) Parent() *AsyncResult { return r.parent }

// ResultID returns the id as a string, for provenance bookkeeping.
func (r *AsyncResult) ResultID() string { return r.id.String() }

// State fetches the current lifecycle state. Unknown ids read as
// pending.
func (r *AsyncResult) State(ctx context.Context) (State, error) {
	meta, err := r.backend.Get(ctx, r.id)
	if err != nil {
		return "", err
	}
	return meta.State, nil
}

// Ready reports whether the outcome is terminal.
func (r *AsyncResult) Ready(ctx context.Context) (bool, error) {
	return r.backend.Ready(ctx, r.id)
}

// Result fetches the outcome record without waiting.
func (r *AsyncResult) Result(ctx context.Context) (*Meta, error) {
	return r.backend.Get(ctx, r.id)
}

// Forget evicts the stored outcome. The handle stays usable but will
// read as pending afterwards.
func (r *AsyncResult) Forget(ctx context.Context) error {
	return r.backend.Forget(ctx, r.id)
}

// GetOption tunes a blocking Get or Join.
type GetOption func(*getOptions)

type getOptions struct {
	interval  time.Duration
	timeout   time.Duration
	propagate bool
}

func defaultGetOptions() getOptions {
	return getOptions{interval: DefaultPollInterval, propagate: true}
}

// WithPollInterval overrides the readiness polling interval.
func WithPollInterval(d time.Duration) GetOption {
	return func(o *getOptions) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithTimeout bounds the wait. Zero means wait until ctx is done.
func WithTimeout(d time.Duration) GetOption {
	return func(o *getOptions) { o.timeout = d }
}

// WithoutPropagate makes a failed outcome come back as a *Failure
// value instead of an error, so a partial fan-out can still be read.
func WithoutPropagate() GetOption {
	return func(o *getOptions) { o.propagate = false }
}

// Get blocks until the outcome is terminal and returns its value. A
// FAILURE outcome is returned as an error by default; with
// WithoutPropagate it is returned as a *Failure value instead.
func (r *AsyncResult) Get(ctx context.Context, opts ...GetOption) (any, error) {
	o := defaultGetOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, o.timeout, ErrTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		meta, err := r.backend.Get(ctx, r.id)
		if err != nil {
			return nil, err
		}
		if meta.State.Ready() {
			return resolveMeta(meta, o.propagate)
		}
		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case <-ticker.C:
		}
	}
}

// resolveMeta maps a terminal record to Get's return convention.
func resolveMeta(meta *Meta, propagate bool) (any, error) {
	if meta.State == StateFailure {
		f := failureFromMeta(meta)
		if propagate {
			return nil, f
		}
		return f, nil
	}
	return meta.Value, nil
}
