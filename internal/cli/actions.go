package cli

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"

	"gpuboot/internal/config"
	"gpuboot/internal/launch"
	"gpuboot/internal/orchestrator"
	"gpuboot/internal/status"
)

// Indirection layer to allow stubbing in tests

var (
	fnResolveConfig = config.Resolve
	fnDeps          = orchestrator.DefaultDeps
	fnUp            = orchestrator.Up
	fnAssets        = orchestrator.Assets
	fnSource        = orchestrator.Source
	fnReset         = orchestrator.Reset
	fnServe         = status.Serve
	fnQuerier       = launch.DefaultQuerier

	stdin  io.Reader = os.Stdin
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// isTerminal reports whether v is a file attached to a terminal.
func isTerminal(v any) bool {
	f, ok := v.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
