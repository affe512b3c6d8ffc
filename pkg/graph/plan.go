// Package graph validates node graphs before anything executes. A plan walks
// every node's input sources, rejects unknown and cyclic sibling references
// (a cycle would leave two scopes waiting on each other's gates forever), and
// exposes dependency layers for drivers that run nodes in order.
package graph

import (
	"errors"
	"fmt"
	"strings"
)

// Validation faults surfaced by BuildPlan.
var (
	// ErrDuplicateNode indicates two nodes sharing a name.
	ErrDuplicateNode = errors.New("duplicate node name")

	// ErrUnknownReference indicates an input source naming a node that does
	// not exist in the graph.
	ErrUnknownReference = errors.New("reference to unknown node")

	// ErrCyclicReference indicates input sources forming a cycle.
	ErrCyclicReference = errors.New("cyclic node references")
)

// Spec describes one node for planning: its name and the raw sources of its
// input bindings. Task-parameter sources (leading "/") carry no ordering
// constraint and are ignored here.
type Spec struct {
	Name    string
	Sources []string
}

// Plan is a validated execution order over a node graph.
type Plan struct {
	order  []string
	layers [][]string
	deps   map[string][]string
}

// BuildPlan validates specs and derives their dependency structure. An empty
// spec list yields an empty plan.
func BuildPlan(specs []Spec) (*Plan, error) {
	index := make(map[string]int, len(specs))
	for i, s := range specs {
		if s.Name == "" {
			return nil, fmt.Errorf("node at position %d has no name", i)
		}
		if _, dup := index[s.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateNode, s.Name)
		}
		index[s.Name] = i
	}

	deps := make(map[string][]string, len(specs))
	for _, s := range specs {
		var nodeDeps []string
		seen := make(map[string]bool)
		for _, src := range s.Sources {
			if strings.HasPrefix(src, "/") {
				continue
			}
			dep, _, _ := strings.Cut(src, ".")
			if dep == "" {
				return nil, fmt.Errorf("node %q has an empty input source", s.Name)
			}
			if _, known := index[dep]; !known {
				return nil, fmt.Errorf("%w: %q references %q", ErrUnknownReference, s.Name, dep)
			}
			if !seen[dep] {
				seen[dep] = true
				nodeDeps = append(nodeDeps, dep)
			}
		}
		deps[s.Name] = nodeDeps
	}

	if err := detectCycles(specs, deps); err != nil {
		return nil, err
	}

	return &Plan{
		order:  topoOrder(specs, deps),
		layers: buildLayers(specs, deps),
		deps:   deps,
	}, nil
}

const (
	colorWhite = iota
	colorGrey
	colorBlack
)

func detectCycles(specs []Spec, deps map[string][]string) error {
	color := make(map[string]int, len(specs))
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		color[name] = colorGrey
		stack = append(stack, name)

		for _, dep := range deps[name] {
			switch color[dep] {
			case colorGrey:
				cycle := append(append([]string(nil), stack...), dep)
				return fmt.Errorf("%w: %s", ErrCyclicReference, strings.Join(cycle, " -> "))
			case colorWhite:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}

		color[name] = colorBlack
		stack = stack[:len(stack)-1]
		return nil
	}

	for _, s := range specs {
		if color[s.Name] == colorWhite {
			if err := visit(s.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// buildLayers groups nodes by dependency depth: layer 0 has no sibling
// dependencies, layer n depends only on earlier layers. Declaration order is
// preserved within a layer.
func buildLayers(specs []Spec, deps map[string][]string) [][]string {
	depth := make(map[string]int, len(specs))

	var depthOf func(name string) int
	depthOf = func(name string) int {
		if d, ok := depth[name]; ok {
			return d
		}
		d := 0
		for _, dep := range deps[name] {
			if dd := depthOf(dep) + 1; dd > d {
				d = dd
			}
		}
		depth[name] = d
		return d
	}

	maxDepth := 0
	for _, s := range specs {
		if d := depthOf(s.Name); d > maxDepth {
			maxDepth = d
		}
	}

	layers := make([][]string, maxDepth+1)
	for _, s := range specs {
		d := depth[s.Name]
		layers[d] = append(layers[d], s.Name)
	}
	if len(specs) == 0 {
		return nil
	}
	return layers
}

func topoOrder(specs []Spec, deps map[string][]string) []string {
	layers := buildLayers(specs, deps)
	var order []string
	for _, layer := range layers {
		order = append(order, layer...)
	}
	return order
}

// Order returns every node name in a valid execution order: all of a node's
// dependencies appear before it.
func (p *Plan) Order() []string {
	return append([]string(nil), p.order...)
}

// Layers returns the nodes grouped by dependency depth.
func (p *Plan) Layers() [][]string {
	out := make([][]string, len(p.layers))
	for i, layer := range p.layers {
		out[i] = append([]string(nil), layer...)
	}
	return out
}

// Dependencies returns the sibling nodes name depends on.
func (p *Plan) Dependencies(name string) []string {
	return append([]string(nil), p.deps[name]...)
}

// Len returns the number of nodes in the plan.
func (p *Plan) Len() int {
	return len(p.order)
}
