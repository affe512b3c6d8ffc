package scope

import (
	"github.com/wehubfusion/Daedalus/pkg/batch"
	"github.com/wehubfusion/Daedalus/pkg/task"
)

// State is a scope's lifecycle position. Scopes move strictly forward:
// StateOpen to StateComplete to StateMerged, with no skips and no reversals.
type State int32

const (
	// StateOpen means outputs are writable and the gate is unsignaled.
	StateOpen State = iota

	// StateComplete means outputs are frozen and the gate has been signaled,
	// but the scope has not merged into its parent yet.
	StateComplete

	// StateMerged means the scope popped: its surviving outputs live in the
	// parent store and the scope is detached.
	StateMerged
)

// String returns the state's name.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateComplete:
		return "complete"
	case StateMerged:
		return "merged"
	default:
		return "unknown"
	}
}

// TaskState is the shared payload of an execution tree: the task descriptor
// and the batch window the run operates on. One TaskState is created per run
// and reached from every scope in the tree; it never changes after creation.
type TaskState struct {
	task   *task.Descriptor
	window *batch.Window
}

// NewTaskState creates the shared state for a run. Either field may be nil
// for trees that carry only a task or only rows.
func NewTaskState(t *task.Descriptor, w *batch.Window) *TaskState {
	return &TaskState{task: t, window: w}
}

// Task returns the shared task descriptor, which may be nil.
func (ts *TaskState) Task() *task.Descriptor {
	if ts == nil {
		return nil
	}
	return ts.task
}

// Window returns the shared batch window, which may be nil.
func (ts *TaskState) Window() *batch.Window {
	if ts == nil {
		return nil
	}
	return ts.window
}
