package graph

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/wehubfusion/Daedalus/pkg/scope"
	"github.com/wehubfusion/Daedalus/pkg/task"
)

// NodeDef is a fully described graph node: what executes it, how it is
// configured, where its inputs come from, and which outputs survive its pop.
type NodeDef struct {
	Name        string
	Executor    string
	Config      json.RawMessage
	Bindings    []scope.Binding
	OutputNames []string
}

// Definition is a complete graph loaded from a definition file: an optional
// task descriptor plus the node set, already validated against BuildPlan.
type Definition struct {
	Task  *task.Descriptor
	Nodes []NodeDef
}

// Specs derives the planning view of the definition.
func (d *Definition) Specs() []Spec {
	specs := make([]Spec, len(d.Nodes))
	for i, n := range d.Nodes {
		sources := make([]string, len(n.Bindings))
		for j, b := range n.Bindings {
			sources[j] = b.Source
		}
		specs[i] = Spec{Name: n.Name, Sources: sources}
	}
	return specs
}

// Plan validates the definition's node references and returns the execution
// plan.
func (d *Definition) Plan() (*Plan, error) {
	return BuildPlan(d.Specs())
}

// HCL decoding targets. A graph file looks like:
//
//	task {
//	  type   = "completion"
//	  params = { model = "m1" }
//	}
//
//	node "extract" {
//	  executor = "script"
//	  config   = { source = "output = {rows: [1, 2, 3]}" }
//	  outputs  = ["rows"]
//	}
//
//	node "transform" {
//	  executor = "script"
//	  config   = { source = "output = {out: inputs.in}" }
//	  input "in" { from = "extract.rows" }
//	}
type hclGraphFile struct {
	Task  *hclTask  `hcl:"task,block"`
	Nodes []hclNode `hcl:"node,block"`
}

type hclTask struct {
	Type   string    `hcl:"type"`
	Params cty.Value `hcl:"params,optional"`
}

type hclNode struct {
	Name     string     `hcl:"name,label"`
	Executor string     `hcl:"executor"`
	Config   cty.Value  `hcl:"config,optional"`
	Outputs  []string   `hcl:"outputs,optional"`
	Inputs   []hclInput `hcl:"input,block"`
}

type hclInput struct {
	Name string `hcl:"name,label"`
	From string `hcl:"from"`
}

// LoadFile reads and parses an HCL graph definition from path.
func LoadFile(path string) (*Definition, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading graph file: %w", err)
	}
	return Parse(src, path)
}

// Parse decodes an HCL graph definition. The filename is used in
// diagnostics only. The returned definition has already passed plan
// validation.
func Parse(src []byte, filename string) (*Definition, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parsing %s: %w", filename, diags)
	}

	var parsed hclGraphFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("decoding %s: %w", filename, diags)
	}

	def := &Definition{}

	if parsed.Task != nil {
		params, err := ctyToJSON(parsed.Task.Params)
		if err != nil {
			return nil, fmt.Errorf("task params in %s: %w", filename, err)
		}
		d, err := task.NewDescriptor(parsed.Task.Type, params)
		if err != nil {
			return nil, fmt.Errorf("task block in %s: %w", filename, err)
		}
		def.Task = d
	}

	for _, n := range parsed.Nodes {
		if n.Executor == "" {
			return nil, fmt.Errorf("node %q in %s has no executor", n.Name, filename)
		}
		config, err := ctyToJSON(n.Config)
		if err != nil {
			return nil, fmt.Errorf("node %q config in %s: %w", n.Name, filename, err)
		}

		bindings := make([]scope.Binding, len(n.Inputs))
		for i, in := range n.Inputs {
			bindings[i] = scope.Binding{Name: in.Name, Source: in.From}
		}

		def.Nodes = append(def.Nodes, NodeDef{
			Name:        n.Name,
			Executor:    n.Executor,
			Config:      config,
			Bindings:    bindings,
			OutputNames: n.Outputs,
		})
	}

	if _, err := def.Plan(); err != nil {
		return nil, fmt.Errorf("validating %s: %w", filename, err)
	}
	return def, nil
}

// ctyToJSON renders an HCL attribute value as JSON. Absent attributes yield
// nil.
func ctyToJSON(v cty.Value) (json.RawMessage, error) {
	if v.IsNull() {
		return nil, nil
	}
	data, err := ctyjson.Marshal(v, v.Type())
	if err != nil {
		return nil, fmt.Errorf("rendering value: %w", err)
	}
	return data, nil
}
