package middleware

import (
	"context"
	"time"

	"github.com/taskcanvas/canvas/task"
)

// Timeout returns middleware that enforces a per-task execution
// deadline. When the deadline is exceeded the context is cancelled and
// the handler should return context.DeadlineExceeded. A non-positive d
// disables the middleware.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, _ *task.Signature, next Handler) (any, error) {
		if d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return next(ctx)
	}
}
