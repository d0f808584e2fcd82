package canvas

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskcanvas/canvas/result"
	"github.com/taskcanvas/canvas/task"
)

// Built-in task names. Registered on every app so any worker can run
// composition plumbing regardless of which app submitted it.
const (
	chordTaskName   = "canvas.chord"
	collectTaskName = "canvas.collect"
	mapTaskName     = "canvas.map"
	starmapTaskName = "canvas.starmap"
	cleanupTaskName = "canvas.backend_cleanup"
)

func (a *App) registerBuiltins() {
	a.registry.Register(chordTaskName, a.runChord)
	a.registry.Register(result.UnlockTaskName, a.runChordUnlock)
	a.registry.Register(collectTaskName, runCollect)
	a.registry.Register(mapTaskName, a.runMap)
	a.registry.Register(starmapTaskName, a.runStarmap)
	a.registry.Register(cleanupTaskName, a.runBackendCleanup)
}

// runChord applies a chord that arrived through the broker as a chain
// step or group member. The chord signature travels in kwargs; args
// hold the previous chain step's value, which is prepended to every
// header member.
func (a *App) runChord(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	raw, ok := kwargs["chord"]
	if !ok {
		return nil, fmt.Errorf("canvas: chord task without chord payload")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("canvas: chord task payload: %w", err)
	}
	chordSig, err := task.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("canvas: chord task payload: %w", err)
	}
	norm, err := task.Normalize(chordSig)
	if err != nil {
		return nil, err
	}
	if norm.KindOf() != task.KindChord {
		return nil, fmt.Errorf("canvas: chord task payload is a %s signature", norm.KindOf())
	}

	// The body's provenance parent is this chord task's own handle.
	var parent *result.AsyncResult
	if ec, ok := task.ExecContextFrom(ctx); ok && !ec.TaskID.IsNil() {
		parent = result.NewAsyncResult(ec.TaskID, a.backend)
	}
	h, err := a.applyChord(ctx, norm, args, parent)
	if err != nil {
		return nil, err
	}
	return h.ResultID(), nil
}

// runChordUnlock is the chord completion detector. Each poll checks
// whether the header has settled; a settled header fires the body, an
// unsettled one reschedules the detector until the retry budget runs
// out, at which point the body is failed.
func (a *App) runChordUnlock(ctx context.Context, _ []any, kwargs map[string]any) (any, error) {
	req, err := result.ParseChordRequest(kwargs)
	if err != nil {
		return nil, err
	}

	// Each reschedule increments the attempt counter on the signature,
	// so the counter itself is the poll budget spent so far. Exhaustion
	// must cut off every retry return, or a backend that keeps erroring
	// would spin the detector past the bound forever.
	attempt := 0
	if ec, ok := task.ExecContextFrom(ctx); ok && ec.Signature != nil {
		attempt = ec.Signature.Options.Retries
	}
	exhausted := req.MaxRetries != nil && attempt >= *req.MaxRetries

	ready, err := result.ChordReady(ctx, a.backend, req)
	if err != nil {
		if exhausted {
			return nil, a.exhaustChord(ctx, req)
		}
		return nil, task.RetryAfter(a.unlockInterval(req), fmt.Errorf("chord %s readiness check: %w", req.GroupID, err))
	}
	if ready {
		return nil, result.FireChordBody(ctx, a.backend, req, a)
	}
	if exhausted {
		return nil, a.exhaustChord(ctx, req)
	}
	return nil, task.RetryAfter(a.unlockInterval(req), fmt.Errorf("chord %s not ready", req.GroupID))
}

// exhaustChord fails the chord body with ErrChordTimeout so waiters on
// the body handle unblock, then surfaces the timeout as the detector's
// terminal error.
func (a *App) exhaustChord(ctx context.Context, req *result.ChordRequest) error {
	cause := fmt.Errorf("%w: group %s", ErrChordTimeout, req.GroupID)
	if err := result.FailChordBody(ctx, a.backend, req, cause); err != nil {
		return err
	}
	return cause
}

func (a *App) unlockInterval(req *result.ChordRequest) time.Duration {
	if req.Interval > 0 {
		return req.Interval
	}
	return a.chordInterval
}

// runCollect is the identity body used when a chain ends in a group:
// it returns the joined header values unchanged.
func runCollect(_ context.Context, args []any, _ map[string]any) (any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	return args[0], nil
}

// runMap applies the named task to each item of one list sequentially,
// in a single invocation, and returns the list of results.
func (a *App) runMap(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	name, handler, err := a.innerHandler(kwargs)
	if err != nil {
		return nil, err
	}
	items, err := firstArgList(args)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(items))
	for _, item := range items {
		v, err := handler(ctx, []any{item}, nil)
		if err != nil {
			return nil, fmt.Errorf("canvas: map %s: %w", name, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// runStarmap is runMap with each item spread as the positional args of
// one invocation.
func (a *App) runStarmap(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	name, handler, err := a.innerHandler(kwargs)
	if err != nil {
		return nil, err
	}
	items, err := firstArgList(args)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(items))
	for _, item := range items {
		callArgs, ok := item.([]any)
		if !ok {
			callArgs = []any{item}
		}
		v, err := handler(ctx, callArgs, nil)
		if err != nil {
			return nil, fmt.Errorf("canvas: starmap %s: %w", name, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func (a *App) innerHandler(kwargs map[string]any) (string, task.Handler, error) {
	name, _ := kwargs["task"].(string)
	if name == "" {
		return "", nil, fmt.Errorf("canvas: map task without inner task name")
	}
	handler, ok := a.registry.Get(name)
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrTaskNotRegistered, name)
	}
	return name, handler, nil
}

func firstArgList(args []any) ([]any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("canvas: map task without an item list")
	}
	items, ok := args[0].([]any)
	if !ok {
		return nil, fmt.Errorf("canvas: map task items are %T, want a list", args[0])
	}
	return items, nil
}

// runBackendCleanup drops result records older than the configured
// expiry. Scheduled periodically via beat in deployments whose backend
// has no native expiry.
func (a *App) runBackendCleanup(ctx context.Context, _ []any, _ map[string]any) (any, error) {
	removed, err := a.backend.Cleanup(ctx, a.resultExpiry)
	if err != nil {
		return nil, fmt.Errorf("canvas: backend cleanup: %w", err)
	}
	a.logger.Info("backend cleanup done",
		slog.Int("removed", removed),
		slog.Duration("expiry", a.resultExpiry),
	)
	return removed, nil
}

// Map builds a signature that applies the named task to each item in
// one worker invocation, returning the list of results.
func Map(taskName string, items []any) *task.Signature {
	sig := task.NewSignature(mapTaskName, items)
	sig.Kwargs = map[string]any{"task": taskName}
	return sig
}

// Starmap is Map with each item spread as the positional args of one
// call.
func Starmap(taskName string, items [][]any) *task.Signature {
	sig := task.NewSignature(starmapTaskName, starmapItems(items))
	sig.Kwargs = map[string]any{"task": taskName}
	return sig
}

// Chunks splits items into chunks of n calls each and returns a group
// with one starmap member per chunk. Joining the group yields one list
// of results per chunk.
func Chunks(taskName string, items [][]any, n int) *task.Signature {
	if n <= 0 {
		n = 1
	}
	var members []*task.Signature
	for start := 0; start < len(items); start += n {
		end := min(start+n, len(items))
		members = append(members, Starmap(taskName, items[start:end]))
	}
	return task.NewGroupSignature(members...)
}

// BackendCleanupSignature builds the periodic cleanup invocation, for
// registering with a beat runner.
func BackendCleanupSignature() *task.Signature {
	return task.NewSignature(cleanupTaskName)
}

func starmapItems(items [][]any) []any {
	out := make([]any, len(items))
	for i, it := range items {
		out[i] = []any(it)
	}
	return out
}
