package task

import (
	"fmt"
	"time"
)

// RetryError is returned by a handler to ask the worker runtime to
// re-submit the same signature after Delay instead of recording a
// failure. The chord completion detector uses it for its polling loop.
type RetryError struct {
	// Delay is how long to wait before the next attempt.
	Delay time.Duration
	// Err describes why the attempt did not complete.
	Err error
}

// RetryAfter builds a RetryError requesting re-submission after d.
func RetryAfter(d time.Duration, err error) *RetryError {
	return &RetryError{Delay: d, Err: err}
}

// Error implements the error interface.
func (e *RetryError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("task: retry in %s", e.Delay)
	}
	return fmt.Sprintf("task: retry in %s: %v", e.Delay, e.Err)
}

// Unwrap returns the underlying cause.
func (e *RetryError) Unwrap() error { return e.Err }
