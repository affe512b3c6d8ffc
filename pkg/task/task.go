// Package task defines the task descriptor shared by every scope in an
// execution tree. A descriptor pairs a task type with an opaque JSON
// parameter document; node bodies read individual parameters through gjson
// paths, which is how "/path" input bindings resolve.
package task

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ErrEmptyType indicates a descriptor without a task type.
var ErrEmptyType = errors.New("task type cannot be empty")

// Descriptor identifies a unit of work and carries its parameters. A
// descriptor is immutable after construction; the whole execution tree shares
// one instance.
type Descriptor struct {
	// Type names the kind of work, for example "completion" or "rag".
	Type string `json:"type"`

	// Params is the task's parameter document.
	Params json.RawMessage `json:"params,omitempty"`
}

// NewDescriptor creates a descriptor, marshaling params to JSON. A nil params
// produces an empty object.
func NewDescriptor(taskType string, params any) (*Descriptor, error) {
	if taskType == "" {
		return nil, ErrEmptyType
	}

	raw := json.RawMessage("{}")
	switch p := params.(type) {
	case nil:
	case json.RawMessage:
		if len(p) > 0 {
			raw = append(json.RawMessage(nil), p...)
		}
	case []byte:
		if len(p) > 0 {
			raw = append(json.RawMessage(nil), p...)
		}
	default:
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshaling task params: %w", err)
		}
		raw = data
	}
	return &Descriptor{Type: taskType, Params: raw}, nil
}

// ParseDescriptor decodes a descriptor from JSON.
func ParseDescriptor(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parsing task descriptor: %w", err)
	}
	if d.Type == "" {
		return nil, ErrEmptyType
	}
	if len(d.Params) == 0 {
		d.Params = json.RawMessage("{}")
	}
	return &d, nil
}

// Param reads a single parameter by gjson path, for example "model" or
// "llm.temperature". The second return reports whether the path exists.
func (d *Descriptor) Param(path string) (any, bool) {
	if d == nil || len(d.Params) == 0 {
		return nil, false
	}
	res := gjson.GetBytes(d.Params, path)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

// ParamString reads a string parameter by gjson path. Non-string values are
// rendered with gjson's string conversion.
func (d *Descriptor) ParamString(path string) (string, bool) {
	if d == nil || len(d.Params) == 0 {
		return "", false
	}
	res := gjson.GetBytes(d.Params, path)
	if !res.Exists() {
		return "", false
	}
	return res.String(), true
}

// ParamsMap decodes the full parameter document into a map.
func (d *Descriptor) ParamsMap() (map[string]any, error) {
	if d == nil || len(d.Params) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(d.Params, &out); err != nil {
		return nil, fmt.Errorf("decoding task params: %w", err)
	}
	return out, nil
}

// Clone returns an independent copy of the descriptor.
func (d *Descriptor) Clone() *Descriptor {
	if d == nil {
		return nil
	}
	params := make(json.RawMessage, len(d.Params))
	copy(params, d.Params)
	return &Descriptor{Type: d.Type, Params: params}
}
