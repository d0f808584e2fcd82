// Package memory provides an in-process result backend. It is the
// default for eager execution and for tests; nothing survives a
// restart.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/taskcanvas/canvas/id"
	"github.com/taskcanvas/canvas/result"
	"github.com/taskcanvas/canvas/task"
)

// Compile-time interface check.
var _ result.Backend = (*Backend)(nil)

// Backend stores outcome records in a mutex-guarded map. All reads
// copy out, so callers can never observe concurrent mutation.
type Backend struct {
	mu     sync.RWMutex
	metas  map[string]*result.Meta
	chords map[string]*chordState

	nativeChord bool
}

type chordState struct {
	req      *result.ChordRequest
	expected int
	done     int
	fired    bool
}

// Option configures a Backend.
type Option func(*Backend)

// WithNativeChord makes the backend count chord completions itself and
// fire the body from the last part's return, instead of relying on the
// polling completion detector.
func WithNativeChord() Option {
	return func(b *Backend) { b.nativeChord = true }
}

// New builds an empty in-memory backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		metas:  make(map[string]*result.Meta),
		chords: make(map[string]*chordState),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Capabilities implements result.Backend.
func (b *Backend) Capabilities() result.Capabilities {
	return result.Capabilities{NativeJoin: true, NativeChord: b.nativeChord}
}

// Store implements result.Backend. Last write wins per task id.
func (b *Backend) Store(_ context.Context, meta *result.Meta) error {
	cp := *meta
	if cp.StoredAt.IsZero() {
		cp.StoredAt = time.Now().UTC()
	}
	b.mu.Lock()
	b.metas[cp.TaskID.String()] = &cp
	b.mu.Unlock()
	return nil
}

// Get implements result.Backend. Unknown ids read as pending.
func (b *Backend) Get(_ context.Context, taskID id.TaskID) (*result.Meta, error) {
	b.mu.RLock()
	meta, ok := b.metas[taskID.String()]
	b.mu.RUnlock()
	if !ok {
		return &result.Meta{TaskID: taskID, State: result.StatePending}, nil
	}
	cp := *meta
	return &cp, nil
}

// Ready implements result.Backend.
func (b *Backend) Ready(_ context.Context, taskID id.TaskID) (bool, error) {
	b.mu.RLock()
	meta, ok := b.metas[taskID.String()]
	b.mu.RUnlock()
	return ok && meta.State.Ready(), nil
}

// BulkReady implements result.Backend.
func (b *Backend) BulkReady(_ context.Context, ids []id.TaskID) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, tid := range ids {
		meta, ok := b.metas[tid.String()]
		if !ok || !meta.State.Ready() {
			return false, nil
		}
	}
	return true, nil
}

// BulkGet implements result.Backend. Results come back in input order.
func (b *Backend) BulkGet(_ context.Context, ids []id.TaskID) ([]*result.Meta, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*result.Meta, len(ids))
	for i, tid := range ids {
		if meta, ok := b.metas[tid.String()]; ok {
			cp := *meta
			out[i] = &cp
		} else {
			out[i] = &result.Meta{TaskID: tid, State: result.StatePending}
		}
	}
	return out, nil
}

// OnChordApply implements result.Backend. Without native chord support
// the completion detector is scheduled; with it the expected member
// set is recorded for ChordPartReturn.
func (b *Backend) OnChordApply(ctx context.Context, req *result.ChordRequest, sched result.Scheduler) error {
	if !b.nativeChord {
		return result.ScheduleUnlock(ctx, req, sched)
	}
	b.mu.Lock()
	b.chords[req.GroupID.String()] = &chordState{req: req, expected: len(req.ResultIDs)}
	b.mu.Unlock()
	return nil
}

// ChordPartReturn implements result.Backend. The invocation that lands
// the final part wins the right to fire the body; every other path
// sees fired already set.
func (b *Backend) ChordPartReturn(ctx context.Context, _ *task.Signature, meta *result.Meta, sched result.Scheduler) error {
	if !b.nativeChord || meta.GroupID.IsNil() {
		return nil
	}

	b.mu.Lock()
	st, ok := b.chords[meta.GroupID.String()]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	st.done++
	fire := st.done >= st.expected && !st.fired
	if fire {
		st.fired = true
	}
	req := st.req
	b.mu.Unlock()

	if !fire {
		return nil
	}
	return result.FireChordBody(ctx, b, req, sched)
}

// Forget implements result.Backend.
func (b *Backend) Forget(_ context.Context, taskID id.TaskID) error {
	b.mu.Lock()
	delete(b.metas, taskID.String())
	b.mu.Unlock()
	return nil
}

// Cleanup implements result.Backend. Removes records stored more than
// olderThan ago.
func (b *Backend) Cleanup(_ context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for key, meta := range b.metas {
		if meta.StoredAt.Before(cutoff) {
			delete(b.metas, key)
			removed++
		}
	}
	return removed, nil
}

// Close implements result.Backend.
func (b *Backend) Close() error { return nil }
