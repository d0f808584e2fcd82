package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/taskcanvas/canvas/task"
)

// Recover returns middleware that recovers from panics in the handler chain.
// Panics are converted to errors and logged with a stack trace.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, sig *task.Signature, next Handler) (value any, retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("task handler panicked",
					slog.String("task", sig.Task),
					slog.String("task_id", sig.Options.TaskID.String()),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				value = nil
				retErr = fmt.Errorf("panic in task %s: %v", sig.Task, r)
			}
		}()
		return next(ctx)
	}
}
