package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wehubfusion/Daedalus/pkg/engine"
	"github.com/wehubfusion/Daedalus/pkg/graph"
)

var validateCmd = &cobra.Command{
	Use:   "validate <graph.hcl>",
	Short: "Check a graph definition without executing it",
	Long: `Validate parses the graph definition, checks node references and cycles,
and builds every executor, so script syntax errors and bad configs surface
before the graph is deployed.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	def, err := graph.LoadFile(args[0])
	if err != nil {
		return err
	}

	reg, err := builtinRegistry()
	if err != nil {
		return err
	}
	if _, err := engine.NodesFromDefinition(def, reg); err != nil {
		return fmt.Errorf("building nodes: %w", err)
	}

	plan, err := def.Plan()
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s is valid: %d nodes\n", args[0], len(def.Nodes))
	fmt.Fprintf(cmd.OutOrStdout(), "execution order: %s\n", strings.Join(plan.Order(), ", "))
	for i, layer := range plan.Layers() {
		fmt.Fprintf(cmd.OutOrStdout(), "layer %d: %s\n", i, strings.Join(layer, ", "))
	}
	if def.Task != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "task type: %s\n", def.Task.Type)
	}
	return nil
}
