package result

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/taskcanvas/canvas/id"
	"github.com/taskcanvas/canvas/task"
)

var (
	// ErrNativeJoinUnsupported is returned by bulk operations on
	// backends whose Capabilities do not advertise NativeJoin.
	ErrNativeJoinUnsupported = errors.New("result: backend does not support native join")

	// ErrTimeout is returned by Get/Join when the wait budget expires
	// before the result becomes ready.
	ErrTimeout = errors.New("result: timed out waiting for result")
)

// Meta is one invocation's stored outcome record.
type Meta struct {
	TaskID   id.TaskID   `json:"task_id"`
	GroupID  id.GroupID  `json:"group_id,omitzero"`
	State    State       `json:"state"`
	Value    any         `json:"value,omitempty"`
	Error    string      `json:"error,omitempty"`
	StoredAt time.Time   `json:"stored_at,omitzero"`
}

// Capabilities describes what a backend can do natively. Queried once
// at wiring time, not inferred per call.
type Capabilities struct {
	// NativeJoin means the backend can answer bulk readiness and fetch
	// many results in one round trip (BulkReady / BulkGet).
	NativeJoin bool
	// NativeChord means the backend detects chord completion itself
	// via ChordPartReturn, with no polling detector involved.
	NativeChord bool
}

// Scheduler submits follow-up signatures: the chord completion
// detector, a chord body, or linked callbacks. Implemented by the
// canvas application.
type Scheduler interface {
	Submit(ctx context.Context, sig *task.Signature) error
	SubmitAfter(ctx context.Context, sig *task.Signature, delay time.Duration) error
}

// Backend is the result-store contract the composition layer depends
// on. Correctness relies on get-after-set visibility per id; no other
// coordination is assumed.
type Backend interface {
	// Capabilities reports the backend's native abilities.
	Capabilities() Capabilities

	// Store records an outcome. Last write wins per task id.
	Store(ctx context.Context, meta *Meta) error

	// Get fetches the outcome for an id. Unknown ids return a pending
	// Meta, not an error: handles exist before outcomes do.
	Get(ctx context.Context, taskID id.TaskID) (*Meta, error)

	// Ready reports whether the id has a terminal outcome.
	Ready(ctx context.Context, taskID id.TaskID) (bool, error)

	// BulkReady reports whether every id has a terminal outcome.
	// Requires the NativeJoin capability.
	BulkReady(ctx context.Context, ids []id.TaskID) (bool, error)

	// BulkGet fetches many outcomes in input order.
	// Requires the NativeJoin capability.
	BulkGet(ctx context.Context, ids []id.TaskID) ([]*Meta, error)

	// OnChordApply registers a chord. Backends without native chord
	// support schedule the completion detector through sched; native
	// backends record the expected member set instead.
	OnChordApply(ctx context.Context, req *ChordRequest, sched Scheduler) error

	// ChordPartReturn is called by the worker after storing the outcome
	// of a chord header member. Native backends count completions and
	// submit the body via sched when the last part lands; others no-op.
	ChordPartReturn(ctx context.Context, sig *task.Signature, meta *Meta, sched Scheduler) error

	// Forget evicts the outcome for an id.
	Forget(ctx context.Context, taskID id.TaskID) error

	// Cleanup evicts outcomes stored more than olderThan ago and
	// returns how many were removed. Backends with native expiry may
	// no-op.
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)

	// Close releases backend resources.
	Close() error
}

// UnlockTaskName is the registered name of the chord completion
// detector task.
const UnlockTaskName = "canvas.chord_unlock"

// ChordRequest carries everything needed to detect completion of a
// chord header and trigger its body.
type ChordRequest struct {
	GroupID    id.GroupID
	Body       *task.Signature
	Interval   time.Duration
	MaxRetries *int // nil means unbounded polling
	Propagate  bool
	ResultIDs  []id.TaskID
}

// chordRequestWire is the kwargs encoding of a ChordRequest. Durations
// travel as milliseconds so the payload stays readable in the broker.
type chordRequestWire struct {
	GroupID    string          `json:"group_id"`
	Body       *task.Signature `json:"body"`
	IntervalMS int64           `json:"interval_ms"`
	MaxRetries *int            `json:"max_retries,omitempty"`
	Propagate  bool            `json:"propagate,omitempty"`
	ResultIDs  []string        `json:"results"`
}

// Kwargs encodes the request as a JSON-safe kwargs map, the form it
// travels in on the wire and in backend storage.
func (r *ChordRequest) Kwargs() (map[string]any, error) {
	wire := chordRequestWire{
		GroupID:    r.GroupID.String(),
		Body:       r.Body,
		IntervalMS: r.Interval.Milliseconds(),
		MaxRetries: r.MaxRetries,
		Propagate:  r.Propagate,
	}
	for _, rid := range r.ResultIDs {
		wire.ResultIDs = append(wire.ResultIDs, rid.String())
	}

	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("result: encode chord request: %w", err)
	}
	var kwargs map[string]any
	if err := json.Unmarshal(data, &kwargs); err != nil {
		return nil, fmt.Errorf("result: encode chord request kwargs: %w", err)
	}
	return kwargs, nil
}

// UnlockSignature builds the completion-detector signature for this
// request. Each invocation gets a fresh task id; the request rides in
// the kwargs.
func (r *ChordRequest) UnlockSignature() (*task.Signature, error) {
	kwargs, err := r.Kwargs()
	if err != nil {
		return nil, err
	}

	sig := task.NewSignature(UnlockTaskName)
	sig.Kwargs = kwargs
	sig.Set(task.WithTaskID(id.NewTaskID()))
	return sig, nil
}

// ParseChordRequest decodes a ChordRequest from detector kwargs.
func ParseChordRequest(kwargs map[string]any) (*ChordRequest, error) {
	data, err := json.Marshal(kwargs)
	if err != nil {
		return nil, fmt.Errorf("result: decode chord request: %w", err)
	}
	var wire chordRequestWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("result: decode chord request: %w", err)
	}
	if wire.Body == nil {
		return nil, fmt.Errorf("result: chord request has no body")
	}

	gid, err := id.ParseAny(wire.GroupID)
	if err != nil {
		return nil, fmt.Errorf("result: chord request group id: %w", err)
	}
	req := &ChordRequest{
		GroupID:    gid,
		Body:       wire.Body,
		Interval:   time.Duration(wire.IntervalMS) * time.Millisecond,
		MaxRetries: wire.MaxRetries,
		Propagate:  wire.Propagate,
	}
	for _, s := range wire.ResultIDs {
		rid, err := id.ParseAny(s)
		if err != nil {
			return nil, fmt.Errorf("result: chord request result id: %w", err)
		}
		req.ResultIDs = append(req.ResultIDs, rid)
	}
	return req, nil
}

// ScheduleUnlock submits the completion detector for req after one
// poll interval. Backends without native chord support call this from
// OnChordApply.
func ScheduleUnlock(ctx context.Context, req *ChordRequest, sched Scheduler) error {
	sig, err := req.UnlockSignature()
	if err != nil {
		return err
	}
	if err := sched.SubmitAfter(ctx, sig, req.Interval); err != nil {
		return fmt.Errorf("result: schedule chord unlock for %s: %w", req.GroupID, err)
	}
	return nil
}
