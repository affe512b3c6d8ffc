// Package schema validates JSON documents against JSON Schema definitions.
// The runner uses it to check task parameters against the optional schema a
// message carries before any node executes.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Result is the outcome of one validation: a verdict plus one message per
// violated constraint.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Validator compiles and caches JSON Schemas. Compiled schemas are reused
// across calls, so validating every window of a batch against one schema
// compiles it once. Safe for concurrent use.
type Validator struct {
	draft *jsonschema.Draft

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewValidator creates a validator using the 2020-12 draft.
func NewValidator() *Validator {
	return NewValidatorForDraft("")
}

// NewValidatorForDraft creates a validator for a specific draft. Recognized
// values are "draft-04", "draft-06", "draft-07", "2019-09" and "2020-12";
// anything else falls back to 2020-12.
func NewValidatorForDraft(draft string) *Validator {
	return &Validator{
		draft: draftVersion(draft),
		cache: make(map[string]*jsonschema.Schema),
	}
}

// Validate checks a JSON document against a schema.
func (v *Validator) Validate(schemaJSON, document []byte) (*Result, error) {
	compiled, err := v.compile(schemaJSON)
	if err != nil {
		return nil, err
	}

	var doc any
	if err := json.Unmarshal(document, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return v.run(compiled, doc), nil
}

// ValidateValue checks an already-decoded value against a schema.
func (v *Validator) ValidateValue(schemaJSON []byte, value any) (*Result, error) {
	compiled, err := v.compile(schemaJSON)
	if err != nil {
		return nil, err
	}
	return v.run(compiled, value), nil
}

func (v *Validator) run(compiled *jsonschema.Schema, value any) *Result {
	if err := compiled.Validate(value); err != nil {
		return &Result{Valid: false, Errors: validationMessages(err)}
	}
	return &Result{Valid: true}
}

func (v *Validator) compile(schemaJSON []byte) (*jsonschema.Schema, error) {
	key := string(schemaJSON)

	v.mu.RLock()
	compiled, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	if !json.Valid(schemaJSON) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrInvalidSchema)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = v.draft
	compiler.AssertFormat = true

	if err := compiler.AddResource("schema.json", bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}

	v.mu.Lock()
	v.cache[key] = compiled
	v.mu.Unlock()
	return compiled, nil
}

func draftVersion(draft string) *jsonschema.Draft {
	switch draft {
	case "draft-04", "4":
		return jsonschema.Draft4
	case "draft-06", "6":
		return jsonschema.Draft6
	case "draft-07", "7":
		return jsonschema.Draft7
	case "2019-09":
		return jsonschema.Draft2019
	default:
		return jsonschema.Draft2020
	}
}

// validationMessages turns a validation error into flat human-readable
// messages, one per violated constraint.
func validationMessages(err error) []string {
	if err == nil {
		return nil
	}
	if verr, ok := err.(*jsonschema.ValidationError); ok {
		return flattenCauses(verr)
	}
	return []string{err.Error()}
}

func flattenCauses(verr *jsonschema.ValidationError) []string {
	var messages []string

	if msg := causeMessage(verr); msg != "" {
		messages = append(messages, msg)
	}
	for _, cause := range verr.Causes {
		messages = append(messages, flattenCauses(cause)...)
	}
	return messages
}

func causeMessage(verr *jsonschema.ValidationError) string {
	var parts []string
	if verr.InstanceLocation != "" {
		parts = append(parts, fmt.Sprintf("at '%s'", verr.InstanceLocation))
	}
	if verr.Message != "" {
		parts = append(parts, verr.Message)
	}
	return strings.Join(parts, ": ")
}
