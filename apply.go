package canvas

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/taskcanvas/canvas/id"
	"github.com/taskcanvas/canvas/result"
	"github.com/taskcanvas/canvas/task"
)

// ApplyAsync submits a signature for execution and returns a handle to
// its eventual outcome. Chains and chords are accepted; a group must
// go through ApplyGroupAsync because its result is a collection, not a
// single handle.
func (a *App) ApplyAsync(ctx context.Context, sig *task.Signature, opts ...task.Option) (*result.AsyncResult, error) {
	norm, err := task.Normalize(sig)
	if err != nil {
		return nil, err
	}
	switch norm.KindOf() {
	case task.KindGroup:
		return nil, ErrIsGroup
	case task.KindChain:
		return a.ApplyChainAsync(ctx, norm, opts...)
	case task.KindChord:
		return a.applyChord(ctx, norm, nil, nil, opts...)
	default:
		return a.applyTask(ctx, norm, opts...)
	}
}

// Apply is ApplyAsync followed by a blocking Get. In eager mode the
// outcome is already settled, so Get returns without polling.
func (a *App) Apply(ctx context.Context, sig *task.Signature, opts ...task.Option) (any, error) {
	h, err := a.ApplyAsync(ctx, sig, opts...)
	if err != nil {
		return nil, err
	}
	return h.Get(ctx)
}

func (a *App) applyTask(ctx context.Context, sig *task.Signature, opts ...task.Option) (*result.AsyncResult, error) {
	cp := sig.Clone(nil, opts...)
	if cp.Options.TaskID.IsNil() {
		cp.Set(task.WithTaskID(id.NewTaskID()))
	}
	if err := a.Submit(ctx, cp); err != nil {
		return nil, err
	}
	h := result.NewAsyncResult(cp.Options.TaskID, a.backend)
	addChild(ctx, h)
	return h, nil
}

// ApplyGroupAsync submits every member of a group and returns the
// ordered collection handle. All members share one group id: the
// group's own id if set, the caller-assigned task id if present, or a
// fresh one.
func (a *App) ApplyGroupAsync(ctx context.Context, group *task.Signature, opts ...task.Option) (*result.GroupResult, error) {
	if group == nil || len(group.Members) == 0 {
		return nil, ErrEmptyGroup
	}
	norm, err := task.Normalize(group)
	if err != nil {
		return nil, err
	}
	if norm.KindOf() != task.KindGroup {
		return nil, fmt.Errorf("canvas: ApplyGroupAsync on %s signature", norm.KindOf())
	}
	gcp := norm.Clone(nil, opts...)

	gid := gcp.Options.GroupID
	if gid.IsNil() {
		if !gcp.Options.TaskID.IsNil() {
			gid = gcp.Options.TaskID
		} else {
			gid = id.NewGroupID()
		}
	}

	// Every member is prepared, with its handle, before anything is
	// published.
	submits := make([]*task.Signature, 0, len(gcp.Members))
	handles := make([]*result.AsyncResult, 0, len(gcp.Members))
	for _, m := range gcp.Members {
		sub, rid, err := a.prepareMember(m, nil, gid, gcp.Options.ChordBody)
		if err != nil {
			return nil, err
		}
		submits = append(submits, sub)
		handles = append(handles, result.NewAsyncResult(rid, a.backend))
	}

	// Members already sent stay submitted if a later publish fails;
	// the caller gets the error and no handle.
	for _, sub := range submits {
		if err := a.Submit(ctx, sub); err != nil {
			return nil, fmt.Errorf("canvas: submit group member: %w", err)
		}
	}

	gr := result.NewGroupResult(gid, handles, a.backend)
	addChild(ctx, gr)
	return gr, nil
}

// ApplyGroup is ApplyGroupAsync followed by a blocking Join.
func (a *App) ApplyGroup(ctx context.Context, group *task.Signature, opts ...task.Option) ([]any, error) {
	gr, err := a.ApplyGroupAsync(ctx, group, opts...)
	if err != nil {
		return nil, err
	}
	return gr.Join(ctx)
}

// ApplyChainAsync submits the first step of a chain and returns the
// handle of the last step, with parent handles linking back through
// the pipeline. Option overrides apply to the last step.
func (a *App) ApplyChainAsync(ctx context.Context, chain *task.Signature, opts ...task.Option) (*result.AsyncResult, error) {
	if chain == nil || len(chain.Members) == 0 {
		return nil, ErrEmptyChain
	}
	norm, err := task.Normalize(chain)
	if err != nil {
		return nil, err
	}
	if norm.KindOf() != task.KindChain {
		return nil, fmt.Errorf("canvas: ApplyChainAsync on %s signature", norm.KindOf())
	}

	first, rids, err := a.prepareChain(norm.Members, norm.Args, opts)
	if err != nil {
		return nil, err
	}
	if err := a.Submit(ctx, first); err != nil {
		return nil, fmt.Errorf("canvas: submit chain head: %w", err)
	}

	var h *result.AsyncResult
	for _, rid := range rids {
		next := result.NewAsyncResult(rid, a.backend)
		if h != nil {
			next = next.WithParent(h)
		}
		h = next
	}
	addChild(ctx, h)
	return h, nil
}

// ApplyChordAsync registers chord completion detection, submits the
// header, and returns a handle to the body's eventual outcome. Option
// overrides apply to the body.
//
// The handle has no provenance parent on this path: orchestration runs
// inline in the caller, so there is no chord task to point back to. A
// chord routed through a worker (as a chain step or group member) gets
// the chord task's handle as the body's parent.
func (a *App) ApplyChordAsync(ctx context.Context, chord *task.Signature, opts ...task.Option) (*result.AsyncResult, error) {
	norm, err := task.Normalize(chord)
	if err != nil {
		return nil, err
	}
	if norm.KindOf() != task.KindChord {
		return nil, fmt.Errorf("canvas: ApplyChordAsync on %s signature", norm.KindOf())
	}
	return a.applyChord(ctx, norm, nil, nil, opts...)
}

// applyChord applies a normalized chord. extraArgs are prepended to
// every header member; the chord task uses this to pass a previous
// chain step's value into the header. parent, when set, becomes the
// body handle's provenance parent.
func (a *App) applyChord(ctx context.Context, chord *task.Signature, extraArgs []any, parent *result.AsyncResult, opts ...task.Option) (*result.AsyncResult, error) {
	cp := chord.Clone(nil)
	header := cp.Header()
	body := cp.Body

	// The chord's own positional args are addressed to the header, the
	// same way a chain step's value is.
	if len(cp.Args) > 0 {
		merged := make([]any, 0, len(extraArgs)+len(cp.Args))
		merged = append(merged, extraArgs...)
		merged = append(merged, cp.Args...)
		extraArgs = merged
	}

	body.Set(opts...)
	if body.Options.TaskID.IsNil() {
		body.Set(task.WithTaskID(id.NewTaskID()))
	}

	gid := header.Options.GroupID
	if gid.IsNil() {
		if !header.Options.TaskID.IsNil() {
			gid = header.Options.TaskID
		} else {
			gid = id.NewGroupID()
		}
	}

	submits := make([]*task.Signature, 0, len(header.Members))
	rids := make([]id.TaskID, 0, len(header.Members))
	for _, m := range header.Members {
		sub, rid, err := a.prepareMember(m, extraArgs, gid, body)
		if err != nil {
			return nil, err
		}
		submits = append(submits, sub)
		rids = append(rids, rid)
	}

	interval := cp.Options.Interval
	if interval <= 0 {
		interval = a.chordInterval
	}
	maxRetries := cp.Options.MaxRetries
	if maxRetries == nil {
		maxRetries = a.chordMaxRetries
	}
	req := &result.ChordRequest{
		GroupID:    gid,
		Body:       body,
		Interval:   interval,
		MaxRetries: maxRetries,
		Propagate:  cp.Options.Propagate,
		ResultIDs:  rids,
	}

	if a.eager {
		// Inline execution leaves the whole header settled before we
		// join, so the detector machinery is skipped entirely.
		for _, sub := range submits {
			if err := a.Submit(ctx, sub); err != nil {
				return nil, fmt.Errorf("canvas: submit chord header member: %w", err)
			}
		}
		if err := result.FireChordBody(ctx, a.backend, req, a); err != nil {
			return nil, err
		}
	} else {
		// Completion detection must be registered before any header
		// member can finish, or the final part return could be missed.
		if err := a.backend.OnChordApply(ctx, req, a); err != nil {
			return nil, err
		}
		for _, sub := range submits {
			if err := a.Submit(ctx, sub); err != nil {
				return nil, fmt.Errorf("canvas: submit chord header member: %w", err)
			}
		}
	}

	h := result.NewAsyncResult(body.Options.TaskID, a.backend)
	if parent != nil {
		h = h.WithParent(parent)
	}
	addChild(ctx, h)
	return h, nil
}

// ApplyChord is ApplyChordAsync followed by a blocking Get on the body.
func (a *App) ApplyChord(ctx context.Context, chord *task.Signature, opts ...task.Option) (any, error) {
	h, err := a.ApplyChordAsync(ctx, chord, opts...)
	if err != nil {
		return nil, err
	}
	return h.Get(ctx)
}

// prepareMember readies one group or chord-header member for
// submission: extraArgs prepended, terminal task tagged with the group
// id and chord body so its part return is counted.
func (a *App) prepareMember(m *task.Signature, extraArgs []any, gid id.GroupID, chordBody *task.Signature) (*task.Signature, id.TaskID, error) {
	switch m.KindOf() {
	case task.KindTask:
		cp := m.Clone(extraArgs)
		if cp.Options.TaskID.IsNil() {
			cp.Set(task.WithTaskID(id.NewTaskID()))
		}
		cp.Set(task.WithGroupID(gid))
		if chordBody != nil {
			cp.Set(task.WithChordBody(chordBody))
		}
		return cp, cp.Options.TaskID, nil

	case task.KindChain:
		// The chain's last step is the member's terminal task; its
		// outcome represents the member.
		lastOpts := []task.Option{task.WithGroupID(gid)}
		if chordBody != nil {
			lastOpts = append(lastOpts, task.WithChordBody(chordBody))
		}
		first, rids, err := a.prepareChain(m.Members, extraArgs, lastOpts)
		if err != nil {
			return nil, id.Nil, err
		}
		return first, rids[len(rids)-1], nil

	case task.KindChord:
		bodyOpts := []task.Option{task.WithGroupID(gid)}
		if chordBody != nil {
			bodyOpts = append(bodyOpts, task.WithChordBody(chordBody))
		}
		return a.prepareChordTask(m, extraArgs, bodyOpts...)

	default:
		return nil, id.Nil, fmt.Errorf("canvas: cannot submit %s signature as a member", m.KindOf())
	}
}

// prepareChain readies chain steps: nested chains are spliced flat, a
// group followed by another step is upgraded into a chord over that
// step, a trailing group becomes a chord over the collector task, and
// each step is linked to its successor. lastOpts apply to the last
// step (the body, if the last step is a chord). Returns the signature
// to submit and the per-step result ids.
func (a *App) prepareChain(steps []*task.Signature, firstArgs []any, lastOpts []task.Option) (*task.Signature, []id.TaskID, error) {
	flat := flattenChainSteps(steps)
	if len(flat) == 0 {
		return nil, nil, ErrEmptyChain
	}

	var merged []*task.Signature
	for i := 0; i < len(flat); i++ {
		s := flat[i]
		if s.KindOf() != task.KindGroup {
			merged = append(merged, s)
			continue
		}
		if i+1 < len(flat) {
			next := flat[i+1]
			if next.KindOf() == task.KindGroup {
				return nil, nil, fmt.Errorf("canvas: chain step after a group must not be a group")
			}
			merged = append(merged, task.NewChordSignature(s, next))
			i++
		} else {
			merged = append(merged, task.NewChordSignature(s, task.NewSignature(collectTaskName)))
		}
	}

	n := len(merged)
	prepared := make([]*task.Signature, n)
	rids := make([]id.TaskID, n)
	for i, s := range merged {
		var extra []any
		if i == 0 {
			extra = firstArgs
		}
		cp := s.Clone(extra)
		if i == n-1 {
			if cp.KindOf() == task.KindChord {
				cp.Body.Set(lastOpts...)
			} else {
				cp.Set(lastOpts...)
			}
		}
		if cp.KindOf() == task.KindChord {
			if cp.Body.Options.TaskID.IsNil() {
				cp.Body.Set(task.WithTaskID(id.NewTaskID()))
			}
			rids[i] = cp.Body.Options.TaskID
		} else {
			if cp.Options.TaskID.IsNil() {
				cp.Set(task.WithTaskID(id.NewTaskID()))
			}
			rids[i] = cp.Options.TaskID
		}
		prepared[i] = cp
	}

	// Link back to front so a chord step carries its successor inside
	// the body before being encoded into the chord task.
	submits := make([]*task.Signature, n)
	for i := n - 1; i >= 0; i-- {
		s := prepared[i]
		if s.KindOf() == task.KindChord {
			if i < n-1 {
				s.Body.Link(submits[i+1])
			}
			sub, err := a.encodeChordTask(s)
			if err != nil {
				return nil, nil, err
			}
			submits[i] = sub
		} else {
			if i < n-1 {
				s.Link(submits[i+1])
			}
			submits[i] = s
		}
	}
	return submits[0], rids, nil
}

func flattenChainSteps(steps []*task.Signature) []*task.Signature {
	var out []*task.Signature
	for _, s := range steps {
		if s.KindOf() == task.KindChain {
			out = append(out, flattenChainSteps(s.Members)...)
		} else {
			out = append(out, s)
		}
	}
	return out
}

// prepareChordTask readies a chord that must travel through the broker
// (a chord used as a group member). bodyOpts apply to the body.
func (a *App) prepareChordTask(m *task.Signature, extraArgs []any, bodyOpts ...task.Option) (*task.Signature, id.TaskID, error) {
	cp := m.Clone(nil)
	header := cp.Header()
	if len(extraArgs) > 0 {
		for j, hm := range header.Members {
			header.Members[j] = hm.Clone(extraArgs)
		}
	}
	cp.Body.Set(bodyOpts...)
	if cp.Body.Options.TaskID.IsNil() {
		cp.Body.Set(task.WithTaskID(id.NewTaskID()))
	}
	sub, err := a.encodeChordTask(cp)
	if err != nil {
		return nil, id.Nil, err
	}
	return sub, cp.Body.Options.TaskID, nil
}

// encodeChordTask wraps a chord signature into an invocation of the
// chord task, which applies the chord on a worker. The chord's own
// positional args move onto the invocation so that values linked in by
// an upstream chain step land ahead of them.
func (a *App) encodeChordTask(chordSig *task.Signature) (*task.Signature, error) {
	enc := *chordSig
	args := enc.Args
	enc.Args = nil

	data, err := enc.Encode()
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("canvas: encode chord task: %w", err)
	}

	sub := task.NewSignature(chordTaskName, args...)
	sub.Kwargs = map[string]any{"chord": payload}
	sub.Set(task.WithTaskID(id.NewTaskID()))
	if q := chordSig.Options.Queue; q != "" {
		sub.Set(task.WithQueue(q))
	}
	return sub, nil
}
