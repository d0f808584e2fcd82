package task

import (
	"context"
	"sync"

	"github.com/taskcanvas/canvas/id"
)

// Result is implemented by result handles spawned from within a
// running task. Only the identity is needed for provenance bookkeeping.
type Result interface {
	ResultID() string
}

// ExecContext identifies the task currently being executed by a
// worker. It is carried explicitly on the context — there is no
// ambient "current task" global — so composition code can attach
// spawned child results to their parent for inspection.
type ExecContext struct {
	TaskID    id.TaskID
	Signature *Signature

	mu       sync.Mutex
	children []Result
}

// AddChild records a result handle spawned by this task. Best-effort
// provenance only; not required for correctness.
func (c *ExecContext) AddChild(r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.children = append(c.children, r)
}

// Children returns the result handles spawned by this task so far.
func (c *ExecContext) Children() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Result, len(c.children))
	copy(out, c.children)
	return out
}

type execContextKey struct{}

// WithExecContext returns a context carrying the execution context of
// the task being run. Set by the worker before invoking a handler.
func WithExecContext(ctx context.Context, ec *ExecContext) context.Context {
	return context.WithValue(ctx, execContextKey{}, ec)
}

// ExecContextFrom extracts the current task's execution context, if
// the caller is running inside a worker.
func ExecContextFrom(ctx context.Context) (*ExecContext, bool) {
	ec, ok := ctx.Value(execContextKey{}).(*ExecContext)
	return ec, ok
}
