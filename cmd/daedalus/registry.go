package main

import (
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/engine"
	"github.com/wehubfusion/Daedalus/pkg/nodes/script"
	"github.com/wehubfusion/Daedalus/pkg/nodes/textops"
	"github.com/wehubfusion/Daedalus/pkg/remote"
)

// builtinRegistry returns a registry with every executor the CLI ships.
func builtinRegistry() (*engine.Registry, error) {
	reg := engine.NewRegistry()
	for _, register := range []func(*engine.Registry) error{
		script.Register,
		textops.Register,
		remote.Register,
	} {
		if err := register(reg); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// cliLogger builds a stderr logger for local commands. Quiet by default so
// stdout stays parseable.
func cliLogger(verbose bool) (*zap.Logger, error) {
	if !verbose {
		return zap.NewNop(), nil
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}
