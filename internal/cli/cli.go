// Package cli is the gpuboot command line.
package cli

import (
	"context"
	"fmt"
	"os"

	"gpuboot/internal/orchestrator"
)

// MainWithArgs runs the command line with explicit args and returns the
// process exit code.
func MainWithArgs(ctx context.Context, args []string) int {
	f := &Flags{}
	started := false
	root := buildRootCmd(ctx, f, &started)
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return orchestrator.ExitOK
	}
	if !started {
		err = &orchestrator.UsageError{Err: err}
	}
	fmt.Fprintln(stderr, "error:", err.Error())
	if hint := orchestrator.Hint(err); hint != "" {
		fmt.Fprintln(stderr, "hint:", hint)
	}
	return orchestrator.ExitCode(err)
}

// Main returns an exit code for use by cmd/gpuboot.
func Main(ctx context.Context) int { return MainWithArgs(ctx, os.Args[1:]) }
