package scope

import (
	"context"
	"fmt"
	"strings"
)

// Bindings returns a copy of the scope's ordered input map.
func (s *Scope) Bindings() []Binding {
	return append([]Binding(nil), s.bindings...)
}

// Input resolves the binding with the given internal name. Task-parameter
// sources never block; sibling sources wait on the producer's gate, bounded
// by ctx. A producer that failed propagates its failure to the caller.
func (s *Scope) Input(ctx context.Context, name string) (any, error) {
	for _, b := range s.bindings {
		if b.Name == name {
			return s.resolve(ctx, b)
		}
	}
	return nil, fmt.Errorf("%w: no binding named %q on %s", ErrUnresolvedReference, name, s.FullName())
}

// DefaultInput resolves the scope's single binding. Scopes with zero or
// several bindings have no default; those return ErrAmbiguousDefaultInput.
func (s *Scope) DefaultInput(ctx context.Context) (any, error) {
	if len(s.bindings) != 1 {
		return nil, fmt.Errorf("%w: %s has %d bindings", ErrAmbiguousDefaultInput, s.FullName(), len(s.bindings))
	}
	return s.resolve(ctx, s.bindings[0])
}

// Inputs resolves every binding in declared order and returns them keyed by
// internal name. Resolution stops at the first failure.
func (s *Scope) Inputs(ctx context.Context) (map[string]any, error) {
	out := make(map[string]any, len(s.bindings))
	for _, b := range s.bindings {
		v, err := s.resolve(ctx, b)
		if err != nil {
			return nil, err
		}
		out[b.Name] = v
	}
	return out, nil
}

func (s *Scope) resolve(ctx context.Context, b Binding) (any, error) {
	if strings.HasPrefix(b.Source, "/") {
		return s.resolveTask(b)
	}
	return s.resolveSibling(ctx, b)
}

// resolveTask reads a task parameter. The source "/llm/temperature" maps to
// the gjson path "llm.temperature"; a bare "/" yields the whole parameter
// document.
func (s *Scope) resolveTask(b Binding) (any, error) {
	d := s.Task()
	if d == nil {
		return nil, fmt.Errorf("%w: %q on %s (tree has no task)", ErrUnresolvedReference, b.Source, s.FullName())
	}

	path := strings.TrimPrefix(b.Source, "/")
	if path == "" {
		params, err := d.ParamsMap()
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrUnresolvedReference, b.Source, err)
		}
		return params, nil
	}

	path = strings.ReplaceAll(path, "/", ".")
	v, ok := d.Param(path)
	if !ok {
		return nil, fmt.Errorf("%w: task has no parameter %q", ErrUnresolvedReference, b.Source)
	}
	return v, nil
}

// resolveSibling locates the live sibling the source names, waits for it to
// complete, and reads either one output field ("extract.rows") or the whole
// output view ("extract").
func (s *Scope) resolveSibling(ctx context.Context, b Binding) (any, error) {
	sibName, field, hasField := strings.Cut(b.Source, ".")
	if sibName == "" {
		return nil, fmt.Errorf("%w: empty source on %s", ErrUnresolvedReference, s.FullName())
	}
	if sibName == s.name {
		return nil, fmt.Errorf("%w: %q refers to the requesting scope", ErrUnresolvedReference, b.Source)
	}
	if s.parent == nil {
		return nil, fmt.Errorf("%w: %q (root scope has no siblings)", ErrUnresolvedReference, b.Source)
	}

	s.parent.mu.Lock()
	sib, ok := s.parent.children[sibName]
	s.parent.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no live sibling %q under %s", ErrUnresolvedReference, sibName, s.parent.FullName())
	}

	if err := sib.gate.Wait(ctx); err != nil {
		return nil, fmt.Errorf("input %q waiting on %q: %w", b.Name, sibName, err)
	}

	if !hasField {
		return sib.outputs.View(), nil
	}
	v, ok := sib.outputs.Get(field)
	if !ok {
		return nil, fmt.Errorf("%w: %q has no output %q", ErrUnresolvedReference, sibName, field)
	}
	return v, nil
}
