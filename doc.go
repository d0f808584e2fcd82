// Package canvas composes tasks into workflows and submits them for
// asynchronous execution. It offers signatures as the unit of
// composition, groups for parallel fan-out, chains for sequential
// pipelines, and chords for fan-out followed by an aggregating
// callback.
//
// Canvas is designed as a library, not a service. Import it, configure
// a broker and a result backend, and register tasks as ordinary Go
// functions.
//
// # Quick Start
//
//	app := canvas.New(
//	    canvas.WithBroker(amqpBroker),
//	    canvas.WithBackend(redisBackend),
//	)
//	app.Register("add", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
//	    return args[0].(float64) + args[1].(float64), nil
//	})
//	res, err := app.ApplyAsync(ctx, canvas.Task("add", 2, 3))
//	sum, err := res.Get(ctx)
//
// Without a broker the app runs eagerly: every submission executes
// inline on the caller's goroutine, which is the mode unit tests use.
//
// # Composition
//
//	canvas.Chain(canvas.Task("fetch", url), canvas.Task("parse"))
//	canvas.Group(canvas.Task("resize", 1), canvas.Task("resize", 2))
//	canvas.Chord(header, canvas.Task("combine"))
//
// A group inside a chain is upgraded to a chord over the next step, so
// pipelines can fan out and back in without naming the chord
// explicitly.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based
// identifiers generated at submission time.
package canvas

import "github.com/taskcanvas/canvas/task"

// Task builds a single-invocation signature for the named task.
func Task(name string, args ...any) *task.Signature {
	return task.NewSignature(name, args...)
}

// Group builds a parallel fan-out over members.
func Group(members ...*task.Signature) *task.Signature {
	return task.NewGroupSignature(members...)
}

// Chain builds a sequential pipeline; each step receives the previous
// step's return value prepended to its args.
func Chain(steps ...*task.Signature) *task.Signature {
	return task.NewChainSignature(steps...)
}

// Chord builds a fan-out header whose joined results feed body as a
// single list argument.
func Chord(header, body *task.Signature, opts ...task.Option) *task.Signature {
	return task.NewChordSignature(header, body, opts...)
}
