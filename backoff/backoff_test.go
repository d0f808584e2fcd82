package backoff_test

import (
	"testing"
	"time"

	"github.com/taskcanvas/canvas/backoff"
)

func TestConstantDelay(t *testing.T) {
	t.Parallel()
	c := backoff.NewConstant(250 * time.Millisecond)
	for _, attempt := range []int{1, 2, 7} {
		if got := c.Delay(attempt); got != 250*time.Millisecond {
			t.Fatalf("Delay(%d) = %v, want %v", attempt, got, 250*time.Millisecond)
		}
	}
}

func TestExponentialWithJitterBounds(t *testing.T) {
	t.Parallel()
	e := backoff.NewExponentialWithJitter(time.Second, 8*time.Second)

	tests := []struct {
		attempt int
		ceil    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{4, 8 * time.Second},
		{10, 8 * time.Second},
	}
	for _, tt := range tests {
		for range 50 {
			got := e.Delay(tt.attempt)
			if got < 0 || got >= tt.ceil {
				t.Fatalf("Delay(%d) = %v, want a value in [0, %v)", tt.attempt, got, tt.ceil)
			}
		}
	}
}

func TestExponentialWithJitterVaries(t *testing.T) {
	t.Parallel()
	e := backoff.NewExponentialWithJitter(time.Second, time.Minute)

	seen := make(map[time.Duration]bool)
	for range 100 {
		seen[e.Delay(4)] = true
	}
	if len(seen) < 2 {
		t.Fatalf("got %d distinct delays, want jittered values", len(seen))
	}
}

func TestDefaultStrategyBounds(t *testing.T) {
	t.Parallel()
	s := backoff.DefaultStrategy()
	if got := s.Delay(1); got < 0 || got >= time.Second {
		t.Fatalf("Delay(1) = %v, want a value in [0, 1s)", got)
	}
}
