package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/taskcanvas/canvas/id"
)

type fakeResult string

func (r fakeResult) ResultID() string { return string(r) }

func TestExecContextRoundTrip(t *testing.T) {
	t.Parallel()

	ec := &ExecContext{TaskID: id.NewTaskID(), Signature: NewSignature("add")}
	ctx := WithExecContext(context.Background(), ec)

	got, ok := ExecContextFrom(ctx)
	if !ok {
		t.Fatal("ExecContextFrom found nothing")
	}
	if got != ec {
		t.Fatal("ExecContextFrom returned a different value")
	}

	if _, ok := ExecContextFrom(context.Background()); ok {
		t.Fatal("ExecContextFrom found a value on a bare context")
	}
}

func TestExecContextChildren(t *testing.T) {
	t.Parallel()

	ec := &ExecContext{TaskID: id.NewTaskID()}
	ec.AddChild(fakeResult("one"))
	ec.AddChild(fakeResult("two"))

	children := ec.Children()
	if len(children) != 2 {
		t.Fatalf("got %d children, want 2", len(children))
	}
	if children[0].ResultID() != "one" || children[1].ResultID() != "two" {
		t.Fatalf("children out of order: %v", children)
	}
}

func TestRetryError(t *testing.T) {
	t.Parallel()

	cause := errors.New("not ready")
	err := RetryAfter(time.Second, cause)

	var re *RetryError
	if !errors.As(err, &re) {
		t.Fatal("errors.As failed on RetryError")
	}
	if re.Delay != time.Second {
		t.Fatalf("got delay %v, want 1s", re.Delay)
	}
	if !errors.Is(err, cause) {
		t.Fatal("RetryError does not unwrap to its cause")
	}

	if got := RetryAfter(time.Second, nil).Error(); got == "" {
		t.Fatal("nil-cause RetryError has empty message")
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register("add", func(_ context.Context, _ []any, _ map[string]any) (any, error) {
		return 42, nil
	})

	h, ok := r.Get("add")
	if !ok {
		t.Fatal("registered handler not found")
	}
	v, err := h(context.Background(), nil, nil)
	if err != nil || v != 42 {
		t.Fatalf("got (%v, %v), want (42, nil)", v, err)
	}

	if _, ok := r.Get("missing"); ok {
		t.Fatal("Get returned a handler for an unregistered name")
	}

	// Re-registration replaces.
	r.Register("add", func(_ context.Context, _ []any, _ map[string]any) (any, error) {
		return 43, nil
	})
	h, _ = r.Get("add")
	if v, _ := h(context.Background(), nil, nil); v != 43 {
		t.Fatalf("got %v after re-registration, want 43", v)
	}

	names := r.Names()
	if len(names) != 1 || names[0] != "add" {
		t.Fatalf("got names %v, want [add]", names)
	}
}
