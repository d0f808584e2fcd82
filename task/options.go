package task

import (
	"time"

	"github.com/taskcanvas/canvas/id"
)

// Options configures per-invocation behavior. The zero value is valid:
// ids are assigned at submission time and the broker's default queue
// is used.
type Options struct {
	// TaskID correlates the invocation with its result record. Assigned
	// at submission if absent; stable for the invocation's lifetime.
	TaskID id.TaskID `json:"task_id,omitzero"`

	// GroupID ties the invocation to a fan-out group.
	GroupID id.GroupID `json:"group_id,omitzero"`

	// ChordBody references the chord callback this invocation
	// contributes to. Backends with native chord support use it to
	// trigger the body without polling.
	ChordBody *Signature `json:"chord,omitempty"`

	// Queue is the broker queue to submit to. Empty means the default.
	Queue string `json:"queue,omitempty"`

	// Countdown delays execution by the given duration after submission.
	Countdown time.Duration `json:"countdown,omitempty"`

	// MaxRetries bounds execution retries. Nil means the consumer's
	// default: workers fall back to their configured budget, while the
	// chord completion detector treats nil as unbounded.
	MaxRetries *int `json:"max_retries,omitempty"`

	// Retries is the current attempt count, maintained by the worker.
	Retries int `json:"retries,omitempty"`

	// Interval is the poll interval for chord completion detection.
	Interval time.Duration `json:"interval,omitempty"`

	// Propagate controls whether member failures abort a chord join.
	Propagate bool `json:"propagate,omitempty"`
}

// Option is a functional override applied by Clone or Set.
type Option func(*Options)

// apply returns a copy of o with opts merged over it.
func (o Options) apply(opts ...Option) Options {
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithTaskID sets an explicit task ID.
func WithTaskID(tid id.TaskID) Option {
	return func(o *Options) { o.TaskID = tid }
}

// WithGroupID ties the invocation to a group.
func WithGroupID(gid id.GroupID) Option {
	return func(o *Options) { o.GroupID = gid }
}

// WithChordBody records the chord callback this invocation feeds.
func WithChordBody(body *Signature) Option {
	return func(o *Options) { o.ChordBody = body }
}

// WithQueue sets the target queue.
func WithQueue(q string) Option {
	return func(o *Options) { o.Queue = q }
}

// WithCountdown delays execution by d after submission.
func WithCountdown(d time.Duration) Option {
	return func(o *Options) { o.Countdown = d }
}

// WithMaxRetries bounds execution retries.
func WithMaxRetries(n int) Option {
	return func(o *Options) { o.MaxRetries = &n }
}

// WithRetries sets the current attempt count. Used by the worker when
// re-submitting a retried signature.
func WithRetries(n int) Option {
	return func(o *Options) { o.Retries = n }
}

// WithInterval sets the chord completion poll interval.
func WithInterval(d time.Duration) Option {
	return func(o *Options) { o.Interval = d }
}

// WithPropagate controls whether member failures abort a chord join.
func WithPropagate(propagate bool) Option {
	return func(o *Options) { o.Propagate = propagate }
}
