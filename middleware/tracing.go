package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskcanvas/canvas/task"
)

// tracerName is the instrumentation scope for canvas task spans.
const tracerName = "github.com/taskcanvas/canvas"

// Tracing returns middleware that wraps each task execution in an
// OpenTelemetry span. Without a globally configured TracerProvider the
// noop tracer is used and the middleware is a pass-through.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer is Tracing with an explicit tracer, for injecting
// a specific TracerProvider.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, sig *task.Signature, next Handler) (any, error) {
		ctx, span := tracer.Start(ctx, "canvas.task.execute",
			trace.WithAttributes(
				attribute.String("canvas.task.id", sig.Options.TaskID.String()),
				attribute.String("canvas.task.name", sig.Task),
				attribute.String("canvas.queue", sig.Options.Queue),
				attribute.Int("canvas.retries", sig.Options.Retries),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		v, err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return v, err
	}
}
