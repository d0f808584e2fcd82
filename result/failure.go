package result

import (
	"fmt"

	"github.com/taskcanvas/canvas/id"
)

// Failure is the error surfaced when a handle's invocation ended in
// the FAILURE state. It carries the failed task's id so joins over
// many members can say which one broke.
type Failure struct {
	TaskID  id.TaskID
	Message string
}

// Error implements the error interface.
func (f *Failure) Error() string {
	return fmt.Sprintf("result: task %s failed: %s", f.TaskID, f.Message)
}

// failureFromMeta converts a terminal-failure record into its error.
func failureFromMeta(meta *Meta) *Failure {
	return &Failure{TaskID: meta.TaskID, Message: meta.Error}
}
