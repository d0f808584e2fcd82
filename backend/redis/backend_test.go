package redis

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/taskcanvas/canvas/id"
	"github.com/taskcanvas/canvas/result"
	"github.com/taskcanvas/canvas/task"
)

// newTestBackend connects to the Redis named by CANVAS_REDIS_ADDR, or
// skips the test when unset.
func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	addr := os.Getenv("CANVAS_REDIS_ADDR")
	if addr == "" {
		t.Skip("CANVAS_REDIS_ADDR not set")
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })

	b := New(client, WithTTL(time.Minute))
	if err := b.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	return b
}

type recordingScheduler struct {
	mu        sync.Mutex
	submitted []*task.Signature
}

func (s *recordingScheduler) Submit(_ context.Context, sig *task.Signature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, sig)
	return nil
}

func (s *recordingScheduler) SubmitAfter(ctx context.Context, sig *task.Signature, _ time.Duration) error {
	return s.Submit(ctx, sig)
}

func (s *recordingScheduler) all() []*task.Signature {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*task.Signature, len(s.submitted))
	copy(out, s.submitted)
	return out
}

func TestStoreGetRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	tid := id.NewTaskID()
	meta := &result.Meta{
		TaskID: tid, State: result.StateSuccess, Value: "hello",
		StoredAt: time.Now().UTC(),
	}
	if err := b.Store(ctx, meta); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, err := b.Get(ctx, tid)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != result.StateSuccess || got.Value != "hello" {
		t.Fatalf("got %+v, want success with value hello", got)
	}

	// Unknown ids read as pending.
	got, err = b.Get(ctx, id.NewTaskID())
	if err != nil {
		t.Fatalf("Get unknown: %v", err)
	}
	if got.State != result.StatePending {
		t.Fatalf("got state %q for unknown id, want pending", got.State)
	}
}

func TestBulkGetOrder(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	ids := []id.TaskID{id.NewTaskID(), id.NewTaskID(), id.NewTaskID()}
	// Leave ids[1] unstored; it must come back pending in its slot.
	for _, i := range []int{0, 2} {
		err := b.Store(ctx, &result.Meta{
			TaskID: ids[i], State: result.StateSuccess, Value: float64(i),
		})
		if err != nil {
			t.Fatalf("Store: %v", err)
		}
	}

	metas, err := b.BulkGet(ctx, ids)
	if err != nil {
		t.Fatalf("BulkGet: %v", err)
	}
	if metas[0].Value != float64(0) || metas[2].Value != float64(2) {
		t.Fatalf("got %+v, want input-order values", metas)
	}
	if metas[1].State != result.StatePending {
		t.Fatalf("got state %q for unstored slot, want pending", metas[1].State)
	}

	ready, err := b.BulkReady(ctx, ids)
	if err != nil || ready {
		t.Fatalf("got (ready=%v, err=%v) with one pending slot", ready, err)
	}
}

func TestForget(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	tid := id.NewTaskID()
	if err := b.Store(ctx, &result.Meta{TaskID: tid, State: result.StateSuccess}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := b.Forget(ctx, tid); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	meta, _ := b.Get(ctx, tid)
	if meta.State != result.StatePending {
		t.Fatalf("got state %q after forget, want pending", meta.State)
	}
}

func TestNativeChordFiresOnce(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	gid := id.NewGroupID()
	members := []id.TaskID{id.NewTaskID(), id.NewTaskID()}
	req := &result.ChordRequest{
		GroupID:   gid,
		Body:      task.NewSignature("combine"),
		Propagate: true,
		ResultIDs: members,
	}
	req.Body.Set(task.WithTaskID(id.NewTaskID()))

	sched := &recordingScheduler{}
	if err := b.OnChordApply(ctx, req, sched); err != nil {
		t.Fatalf("OnChordApply: %v", err)
	}

	for i, tid := range members {
		meta := &result.Meta{
			TaskID: tid, GroupID: gid, State: result.StateSuccess, Value: float64(i),
		}
		if err := b.Store(ctx, meta); err != nil {
			t.Fatalf("Store: %v", err)
		}
		if err := b.ChordPartReturn(ctx, nil, meta, sched); err != nil {
			t.Fatalf("ChordPartReturn: %v", err)
		}
	}

	subs := sched.all()
	if len(subs) != 1 || subs[0].Task != "combine" {
		t.Fatalf("got %+v, want exactly one body submission", subs)
	}
	values, ok := subs[0].Args[0].([]any)
	if !ok || len(values) != 2 {
		t.Fatalf("got body args %v, want joined values", subs[0].Args)
	}

	// The chord keys are gone, so a late duplicate part is ignored.
	late := &result.Meta{TaskID: members[1], GroupID: gid, State: result.StateSuccess}
	if err := b.ChordPartReturn(ctx, nil, late, sched); err != nil {
		t.Fatalf("ChordPartReturn duplicate: %v", err)
	}
	if len(sched.all()) != 1 {
		t.Fatal("body fired twice")
	}
}
