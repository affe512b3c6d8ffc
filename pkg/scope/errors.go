package scope

import "errors"

// Core scope faults. Every one of these is a fatal logic error in the caller:
// the tree's structure or lifecycle was misused, so the run cannot proceed.
// Match with errors.Is; messages carry the offending names and paths.
var (
	// ErrInvalidScopeName indicates an empty name or one containing a
	// separator character.
	ErrInvalidScopeName = errors.New("scope name must be non-empty and free of '.' and '/'")

	// ErrDuplicateChildName indicates a push whose name collides with a live
	// sibling. Names freed by pop may be reused.
	ErrDuplicateChildName = errors.New("child name already in use by a live sibling")

	// ErrUnresolvedReference indicates an input binding whose source cannot
	// be resolved: no such binding, no such live sibling, a missing task
	// parameter, or a missing output field.
	ErrUnresolvedReference = errors.New("input reference cannot be resolved")

	// ErrAmbiguousDefaultInput indicates a no-name input read on a scope
	// with zero or several bindings.
	ErrAmbiguousDefaultInput = errors.New("default input requires exactly one binding")

	// ErrOutputsComplete indicates a second CompleteOutputs call.
	ErrOutputsComplete = errors.New("outputs already marked complete")

	// ErrOutputsSealed indicates an output write after CompleteOutputs.
	ErrOutputsSealed = errors.New("outputs sealed after completion")

	// ErrRowMaskAlreadySet indicates a second SetRowMask call.
	ErrRowMaskAlreadySet = errors.New("row mask already set")

	// ErrRowMaskUnset indicates a RowMask read before any SetRowMask.
	ErrRowMaskUnset = errors.New("row mask not set")

	// ErrRowMaskLengthMismatch indicates a mask whose length differs from
	// the window's row count.
	ErrRowMaskLengthMismatch = errors.New("row mask length does not match window row count")

	// ErrGateSignaled indicates a second Signal on a gate.
	ErrGateSignaled = errors.New("gate already signaled")

	// ErrScopeMerged indicates an operation on a scope that already popped.
	ErrScopeMerged = errors.New("scope already merged into its parent")

	// ErrRootScope indicates an operation that is not valid on the root.
	ErrRootScope = errors.New("operation not valid on the root scope")
)
