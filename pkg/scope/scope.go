// Package scope implements the hierarchical execution scopes that coordinate
// a run. A root scope owns the shared task state; each node body runs inside
// a child scope pushed under it. Scopes hand values to one another through
// three pieces that this package ties together: an ordered input map fixed at
// push, an owned output store frozen at completion, and a one-shot gate that
// releases sibling readers the moment the outputs are final.
//
// The tree is built for concurrent bodies. A consumer scope that reads a
// sibling's output blocks on the sibling's gate, never on a lock, so a
// completed producer is always observed with its full output set. Pop folds
// a finished child back into its parent under qualified keys:
//
//	child, _ := root.Push("extract", nil)
//	_ = child.SetOutput("rows", rows)
//	_ = child.CompleteOutputs()
//	_ = child.Pop(ctx) // parent now holds "extract.rows"
package scope

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/wehubfusion/Daedalus/pkg/batch"
	"github.com/wehubfusion/Daedalus/pkg/task"
	"github.com/wehubfusion/Daedalus/pkg/values"
)

// Binding maps a scope-internal input name to an external source. Sources
// are either task-parameter paths ("/model", "/llm/temperature") or sibling
// references ("extract.rows" for one field, "extract" for the whole output
// view).
type Binding struct {
	// Name is the internal input name the scope's body reads.
	Name string `json:"name"`

	// Source is where the value comes from.
	Source string `json:"source"`
}

// Scope is one node of an execution tree.
type Scope struct {
	name     string
	parent   *Scope
	shared   *TaskState
	bindings []Binding

	gate    *Gate
	outputs *values.Store

	mu          sync.Mutex
	children    map[string]*Scope
	outputNames []string
	mask        []bool
	lifecycle   State
}

// NewRoot creates the root scope of an execution tree over the shared task
// state. The root has no name, no parent, and no bindings; its store
// accumulates the qualified outputs of popped children.
func NewRoot(shared *TaskState) *Scope {
	return &Scope{
		shared:   shared,
		gate:     NewGate(),
		outputs:  values.NewStore(),
		children: make(map[string]*Scope),
	}
}

// Name returns the scope's own name. The root's name is empty.
func (s *Scope) Name() string {
	return s.name
}

// Parent returns the enclosing scope, nil for the root.
func (s *Scope) Parent() *Scope {
	return s.parent
}

// TaskState returns the shared state of the tree.
func (s *Scope) TaskState() *TaskState {
	return s.shared
}

// Task returns the shared task descriptor, which may be nil.
func (s *Scope) Task() *task.Descriptor {
	return s.shared.Task()
}

// Window returns the shared batch window, which may be nil.
func (s *Scope) Window() *batch.Window {
	return s.shared.Window()
}

// FullName returns the scope's absolute path: "/" for the root,
// "/extract/clean" for a nested child.
func (s *Scope) FullName() string {
	if s.parent == nil {
		return "/"
	}
	prefix := s.parent.FullName()
	if prefix == "/" {
		return "/" + s.name
	}
	return prefix + "/" + s.name
}

// State returns the scope's lifecycle position.
func (s *Scope) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle
}

// Gate returns the scope's completion gate.
func (s *Scope) Gate() *Gate {
	return s.gate
}

// Completed reports whether the gate has been signaled, cleanly or with a
// failure.
func (s *Scope) Completed() bool {
	return s.gate.Signaled()
}

// Push creates a child scope under s. The child is owned exclusively by the
// caller until it pops. Its binding list is fixed here and cannot change
// afterward. Returns ErrDuplicateChildName when a live sibling already uses
// name; a name freed by a previous pop may be reused.
func (s *Scope) Push(name string, bindings []Binding) (*Scope, error) {
	if name == "" || strings.ContainsAny(name, "./") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScopeName, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lifecycle == StateMerged {
		return nil, fmt.Errorf("%w: cannot push %q", ErrScopeMerged, name)
	}
	if _, exists := s.children[name]; exists {
		return nil, fmt.Errorf("%w: %q under %s", ErrDuplicateChildName, name, s.FullName())
	}

	child := &Scope{
		name:     name,
		parent:   s,
		shared:   s.shared,
		bindings: append([]Binding(nil), bindings...),
		gate:     NewGate(),
		outputs:  values.NewStore(),
		children: make(map[string]*Scope),
	}
	s.children[name] = child
	return child, nil
}

// LiveChildren returns the names of pushed, un-popped children.
func (s *Scope) LiveChildren() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.children))
	for name := range s.children {
		names = append(names, name)
	}
	return names
}

// SetOutput writes one output value. Fails with ErrOutputsSealed once the
// scope completed.
func (s *Scope) SetOutput(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lifecycle != StateOpen {
		return fmt.Errorf("%w: %s", ErrOutputsSealed, s.FullName())
	}
	return s.outputs.Set(key, value)
}

// SetOutputs writes a set of output values in one call.
func (s *Scope) SetOutputs(vals map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lifecycle != StateOpen {
		return fmt.Errorf("%w: %s", ErrOutputsSealed, s.FullName())
	}
	return s.outputs.SetAll(vals)
}

// SetOutputNames installs the projection applied at pop: only the named
// outputs survive into the parent. Names that never get written are silently
// skipped at pop time. A nil projection (the default) propagates everything.
func (s *Scope) SetOutputNames(names ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lifecycle != StateOpen {
		return fmt.Errorf("%w: %s", ErrOutputsSealed, s.FullName())
	}
	s.outputNames = append([]string(nil), names...)
	return nil
}

// Outputs returns a snapshot of the scope's own output store.
func (s *Scope) Outputs() values.View {
	return s.outputs.View()
}

// Output reads one value from the scope's own output store.
func (s *Scope) Output(key string) (any, bool) {
	return s.outputs.Get(key)
}

// CompleteOutputs freezes the output store and signals the gate, releasing
// every waiting consumer. Exactly one call is allowed; a second returns
// ErrOutputsComplete. Completing a scope that already failed returns
// ErrGateSignaled.
func (s *Scope) CompleteOutputs() error {
	s.mu.Lock()
	if s.lifecycle != StateOpen {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrOutputsComplete, s.FullName())
	}
	if s.gate.Signaled() {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s already failed", ErrGateSignaled, s.FullName())
	}
	s.outputs.Freeze()
	s.lifecycle = StateComplete
	s.mu.Unlock()

	if err := s.gate.Signal(nil); err != nil {
		return fmt.Errorf("completing %s: %w", s.FullName(), err)
	}
	return nil
}

// Fail signals the gate with a failure marker so sibling waiters release
// instead of blocking forever. The outputs are not frozen and never merge;
// drivers discard the whole tree after surfacing the failure. Failing an
// already-signaled scope returns ErrGateSignaled.
func (s *Scope) Fail(err error) error {
	if err == nil {
		err = fmt.Errorf("scope %s failed", s.FullName())
	}
	return s.gate.Signal(err)
}

// Pop folds the scope back into its parent. It waits on the scope's own gate
// when the body has not finished yet, so a driver may pop children in push
// order without tracking completion itself. On a clean completion the output
// store is projected through the output-name filter and the surviving
// entries merge into the parent store under "name.key" keys; the scope then
// detaches and enters StateMerged. A failed scope's error is returned
// unmerged. The row mask never propagates.
func (s *Scope) Pop(ctx context.Context) error {
	if s.parent == nil {
		return fmt.Errorf("%w: pop", ErrRootScope)
	}

	if err := s.gate.Wait(ctx); err != nil {
		return fmt.Errorf("popping %s: %w", s.FullName(), err)
	}

	s.mu.Lock()
	if s.lifecycle == StateMerged {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrScopeMerged, s.FullName())
	}
	var view values.View
	if s.outputNames == nil {
		view = s.outputs.View()
	} else {
		view = s.outputs.Project(s.outputNames)
	}
	fullName := s.FullName()
	s.lifecycle = StateMerged
	s.mu.Unlock()

	p := s.parent
	p.mu.Lock()
	delete(p.children, s.name)
	parentOpen := p.lifecycle == StateOpen
	p.mu.Unlock()

	if !parentOpen {
		return fmt.Errorf("%w: cannot merge %s into %s", ErrOutputsSealed, fullName, p.FullName())
	}
	if err := p.outputs.Merge(s.name, view); err != nil {
		return fmt.Errorf("merging %s: %w", fullName, err)
	}
	return nil
}
