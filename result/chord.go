package result

import (
	"context"
	"fmt"
	"time"
)

// ChordReady reports whether every header member of req has a
// terminal outcome, using one bulk round trip when the backend
// supports it.
func ChordReady(ctx context.Context, b Backend, req *ChordRequest) (bool, error) {
	if b.Capabilities().NativeJoin {
		return b.BulkReady(ctx, req.ResultIDs)
	}
	for _, rid := range req.ResultIDs {
		ok, err := b.Ready(ctx, rid)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// FireChordBody joins a completed header and submits the body with the
// joined values prepended as its first argument. A failed member
// either fails the body record outright (propagate) or occupies its
// slot as a *Failure value. Callers must ensure the header is ready
// and that they hold the right to fire exactly once.
func FireChordBody(ctx context.Context, b Backend, req *ChordRequest, sched Scheduler) error {
	metas, err := chordMetas(ctx, b, req)
	if err != nil {
		return err
	}

	values := make([]any, len(metas))
	for i, meta := range metas {
		if meta.State == StateFailure && req.Propagate {
			return failChordBody(ctx, b, req, failureFromMeta(meta))
		}
		v, _ := resolveMeta(meta, false)
		values[i] = v
	}

	body := req.Body.Clone([]any{values})
	if err := sched.Submit(ctx, body); err != nil {
		return fmt.Errorf("result: submit chord body for %s: %w", req.GroupID, err)
	}
	return nil
}

// FailChordBody records a terminal failure for the chord body without
// running it, so waiters on the body handle unblock.
func FailChordBody(ctx context.Context, b Backend, req *ChordRequest, cause error) error {
	return failChordBody(ctx, b, req, cause)
}

func failChordBody(ctx context.Context, b Backend, req *ChordRequest, cause error) error {
	meta := &Meta{
		TaskID:   req.Body.Options.TaskID,
		State:    StateFailure,
		Error:    cause.Error(),
		StoredAt: time.Now().UTC(),
	}
	if err := b.Store(ctx, meta); err != nil {
		return fmt.Errorf("result: fail chord body for %s: %w", req.GroupID, err)
	}
	return nil
}

func chordMetas(ctx context.Context, b Backend, req *ChordRequest) ([]*Meta, error) {
	if b.Capabilities().NativeJoin {
		return b.BulkGet(ctx, req.ResultIDs)
	}
	metas := make([]*Meta, len(req.ResultIDs))
	for i, rid := range req.ResultIDs {
		meta, err := b.Get(ctx, rid)
		if err != nil {
			return nil, err
		}
		metas[i] = meta
	}
	return metas, nil
}
