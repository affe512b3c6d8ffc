// Package textops provides a declarative text transformation executor.
//
// A node lists rules, each reading one input binding, applying one
// operation, and writing one output:
//
//	{
//	  "rules": [
//	    {"input": "name", "op": "title", "output": "display"},
//	    {"input": "tags", "op": "join", "separator": ", ", "output": "tagline"}
//	  ]
//	}
//
// A rule with an empty input uses the node's default binding, so
// single-input nodes need no input name at all.
package textops

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/wehubfusion/Daedalus/pkg/engine"
	"github.com/wehubfusion/Daedalus/pkg/scope"
)

// Type is the executor name used in graph definitions.
const Type = "textops"

// Supported operations.
const (
	OpUpper      = "upper"
	OpLower      = "lower"
	OpTitle      = "title"
	OpCapitalize = "capitalize"
	OpTrim       = "trim"
	OpSplit      = "split"
	OpJoin       = "join"
	OpReplace    = "replace"
	OpLength     = "length"
)

const defaultSeparator = ","

// Rule transforms one input value into one output value.
type Rule struct {
	// Input names the binding to read. Empty means the default binding.
	Input string `json:"input,omitempty"`

	// Op selects the operation.
	Op string `json:"op"`

	// Output is the scope output key the result is written under.
	Output string `json:"output"`

	// Separator is used by split and join. Defaults to ",".
	Separator string `json:"separator,omitempty"`

	// Old and New are the replace operation's search and replacement text.
	Old string `json:"old,omitempty"`
	New string `json:"new,omitempty"`

	// Cutset lists the characters trim removes. Empty trims whitespace.
	Cutset string `json:"cutset,omitempty"`
}

// Config holds the textops executor configuration.
type Config struct {
	Rules []Rule `json:"rules"`
}

// Register installs the textops executor factory into a registry.
func Register(r *engine.Registry) error {
	return r.Register(Type, New)
}

// Executor applies an ordered list of text rules to a scope's inputs.
type Executor struct {
	rules []Rule
}

// New validates the configured rules and returns the executor.
func New(config json.RawMessage) (engine.Executor, error) {
	var cfg Config
	if len(config) > 0 {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("parsing textops config: %w", err)
		}
	}
	if len(cfg.Rules) == 0 {
		return nil, fmt.Errorf("textops config needs at least one rule")
	}

	for i := range cfg.Rules {
		rule := &cfg.Rules[i]
		if rule.Output == "" {
			return nil, fmt.Errorf("rule %d: output cannot be empty", i)
		}
		if rule.Separator == "" {
			rule.Separator = defaultSeparator
		}
		switch rule.Op {
		case OpUpper, OpLower, OpTitle, OpCapitalize, OpTrim, OpSplit, OpJoin, OpLength:
		case OpReplace:
			if rule.Old == "" {
				return nil, fmt.Errorf("rule %d: replace needs a non-empty old value", i)
			}
		case "":
			return nil, fmt.Errorf("rule %d: op cannot be empty", i)
		default:
			return nil, fmt.Errorf("rule %d: unknown op %q", i, rule.Op)
		}
	}

	return &Executor{rules: cfg.Rules}, nil
}

// Execute runs every rule in order and writes each result to the scope.
func (e *Executor) Execute(ctx context.Context, sc *scope.Scope) error {
	for i, rule := range e.rules {
		value, err := e.input(ctx, sc, rule)
		if err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}

		result, err := apply(rule, value)
		if err != nil {
			return fmt.Errorf("rule %d (%s): %w", i, rule.Op, err)
		}

		if err := sc.SetOutput(rule.Output, result); err != nil {
			return fmt.Errorf("rule %d (%s): %w", i, rule.Op, err)
		}
	}
	return nil
}

func (e *Executor) input(ctx context.Context, sc *scope.Scope, rule Rule) (any, error) {
	if rule.Input == "" {
		return sc.DefaultInput(ctx)
	}
	return sc.Input(ctx, rule.Input)
}

func apply(rule Rule, value any) (any, error) {
	if rule.Op == OpJoin {
		parts, err := asStrings(value)
		if err != nil {
			return nil, err
		}
		return strings.Join(parts, rule.Separator), nil
	}

	s, err := asString(value)
	if err != nil {
		return nil, err
	}

	switch rule.Op {
	case OpUpper:
		return strings.ToUpper(s), nil
	case OpLower:
		return strings.ToLower(s), nil
	case OpTitle:
		return cases.Title(language.Und).String(s), nil
	case OpCapitalize:
		return capitalize(s), nil
	case OpTrim:
		if rule.Cutset == "" {
			return strings.TrimSpace(s), nil
		}
		return strings.Trim(s, rule.Cutset), nil
	case OpSplit:
		return strings.Split(s, rule.Separator), nil
	case OpReplace:
		return strings.ReplaceAll(s, rule.Old, rule.New), nil
	case OpLength:
		return utf8.RuneCountInString(s), nil
	default:
		return nil, fmt.Errorf("unknown op %q", rule.Op)
	}
}

// capitalize uppercases the first rune and leaves the rest untouched.
func capitalize(s string) string {
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError && size <= 1 {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

func asString(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("expected a string input, got %T", v)
	}
}

func asStrings(v any) ([]string, error) {
	switch parts := v.(type) {
	case []string:
		return parts, nil
	case []any:
		out := make([]string, len(parts))
		for i, p := range parts {
			s, ok := p.(string)
			if !ok {
				return nil, fmt.Errorf("element %d: expected a string, got %T", i, p)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a string slice input, got %T", v)
	}
}
