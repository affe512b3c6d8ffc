package engine

import (
	"context"

	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/scope"
)

// Executor is the body of a node. It reads its inputs through the scope,
// writes outputs with SetOutput, and may call CompleteOutputs itself to
// release consumers early. A body that returns nil without completing is
// completed by the engine.
type Executor interface {
	Execute(ctx context.Context, sc *scope.Scope) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, sc *scope.Scope) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, sc *scope.Scope) error {
	return f(ctx, sc)
}

// Node describes one unit of a run: a name, the input bindings fixed at scope
// push, an optional output projection, and the body to execute.
type Node struct {
	Name        string
	Bindings    []scope.Binding
	OutputNames []string
	Body        Executor
}

// NewNode creates a node with the given name and body.
func NewNode(name string, body Executor) *Node {
	return &Node{Name: name, Body: body}
}

// WithInput appends one input binding and returns the node for chaining.
func (n *Node) WithInput(name, source string) *Node {
	n.Bindings = append(n.Bindings, scope.Binding{Name: name, Source: source})
	return n
}

// WithBindings appends input bindings and returns the node for chaining.
func (n *Node) WithBindings(bindings ...scope.Binding) *Node {
	n.Bindings = append(n.Bindings, bindings...)
	return n
}

// WithOutputNames sets the output projection applied when the node's scope
// pops. Unset means every output propagates.
func (n *Node) WithOutputNames(names ...string) *Node {
	n.OutputNames = append([]string(nil), names...)
	return n
}

func (n *Node) sources() []string {
	if len(n.Bindings) == 0 {
		return nil
	}
	sources := make([]string, len(n.Bindings))
	for i, b := range n.Bindings {
		sources[i] = b.Source
	}
	return sources
}

// NodesFromDefinition materializes a parsed graph definition into executable
// nodes, creating each node's body through the registry.
func NodesFromDefinition(def *graph.Definition, registry *Registry) ([]*Node, error) {
	nodes := make([]*Node, 0, len(def.Nodes))
	for _, nd := range def.Nodes {
		body, err := registry.Create(nd.Executor, nd.Config)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, &Node{
			Name:        nd.Name,
			Bindings:    append([]scope.Binding(nil), nd.Bindings...),
			OutputNames: append([]string(nil), nd.OutputNames...),
			Body:        body,
		})
	}
	return nodes, nil
}
