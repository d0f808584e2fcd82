package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/taskcanvas/canvas/broker"
	"github.com/taskcanvas/canvas/task"
)

// Logging returns middleware that logs task start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, sig *task.Signature, next Handler) (any, error) {
		logger.Info("task started",
			slog.String("task", sig.Task),
			slog.String("task_id", sig.Options.TaskID.String()),
			slog.String("queue", broker.QueueOf(sig)),
		)

		start := time.Now()
		value, err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("task failed",
				slog.String("task", sig.Task),
				slog.String("task_id", sig.Options.TaskID.String()),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("task completed",
				slog.String("task", sig.Task),
				slog.String("task_id", sig.Options.TaskID.String()),
				slog.Duration("elapsed", elapsed),
			)
		}

		return value, err
	}
}
