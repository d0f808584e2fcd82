package result

// State is the lifecycle state of one task invocation as recorded in
// the result backend.
type State string

const (
	// StatePending means no outcome has been recorded yet. Unknown ids
	// read as pending: a handle may be created before the worker ever
	// sees the task.
	StatePending State = "PENDING"
	// StateRetry means the last attempt was rescheduled and another
	// attempt is queued.
	StateRetry State = "RETRY"
	// StateSuccess means the invocation completed and its value is
	// available.
	StateSuccess State = "SUCCESS"
	// StateFailure means the invocation failed terminally.
	StateFailure State = "FAILURE"
)

// Ready reports whether the state is terminal (success or failure).
func (s State) Ready() bool {
	switch s {
	case StateSuccess, StateFailure:
		return true
	default:
		return false
	}
}
