package result

import (
	"context"
	"time"

	"github.com/taskcanvas/canvas/id"
)

// GroupResult is an ordered collection of handles produced by one
// fan-out. Member order matches submission order, so joined values
// line up with the signatures that produced them.
type GroupResult struct {
	groupID  id.GroupID
	children []*AsyncResult
	backend  Backend
}

// NewGroupResult builds a group handle over children.
func NewGroupResult(groupID id.GroupID, children []*AsyncResult, b Backend) *GroupResult {
	return &GroupResult{groupID: groupID, children: children, backend: b}
}

// ID returns the shared group id.
func (g *GroupResult) ID() id.GroupID { return g.groupID }

// ResultID returns the group id as a string, for provenance
// bookkeeping.
func (g *GroupResult) ResultID() string { return g.groupID.String() }

// Children returns the member handles in submission order.
func (g *GroupResult) Children() []*AsyncResult {
	out := make([]*AsyncResult, len(g.children))
	copy(out, g.children)
	return out
}

// Len returns the member count.
func (g *GroupResult) Len() int { return len(g.children) }

// Ready reports whether every member has a terminal outcome. Uses one
// bulk round trip when the backend supports it.
func (g *GroupResult) Ready(ctx context.Context) (bool, error) {
	if g.backend.Capabilities().NativeJoin {
		return g.backend.BulkReady(ctx, g.memberIDs())
	}
	for _, child := range g.children {
		ok, err := child.Ready(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Join blocks until every member is terminal and returns their values
// in member order. The first FAILURE aborts with that member's error
// by default; with WithoutPropagate each failure occupies its slot as
// a *Failure value and all members are waited for.
func (g *GroupResult) Join(ctx context.Context, opts ...GetOption) ([]any, error) {
	values := make([]any, len(g.children))
	for i, child := range g.children {
		v, err := child.Get(ctx, opts...)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

// JoinNative is Join over the backend's bulk operations: readiness is
// polled for the whole set and values arrive in one fetch. Returns
// ErrNativeJoinUnsupported when the backend cannot do this.
func (g *GroupResult) JoinNative(ctx context.Context, opts ...GetOption) ([]any, error) {
	if !g.backend.Capabilities().NativeJoin {
		return nil, ErrNativeJoinUnsupported
	}
	o := defaultGetOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, o.timeout, ErrTimeout)
		defer cancel()
	}

	ids := g.memberIDs()
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		ready, err := g.backend.BulkReady(ctx, ids)
		if err != nil {
			return nil, err
		}
		if ready {
			break
		}
		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case <-ticker.C:
		}
	}

	metas, err := g.backend.BulkGet(ctx, ids)
	if err != nil {
		return nil, err
	}
	values := make([]any, len(metas))
	for i, meta := range metas {
		v, err := resolveMeta(meta, o.propagate)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

// Forget evicts every member's stored outcome.
func (g *GroupResult) Forget(ctx context.Context) error {
	for _, child := range g.children {
		if err := child.Forget(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (g *GroupResult) memberIDs() []id.TaskID {
	ids := make([]id.TaskID, len(g.children))
	for i, child := range g.children {
		ids[i] = child.ID()
	}
	return ids
}
