package host

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"gpuboot/internal/execx"
)

var (
	available  = execx.Available
	privileged = execx.MaybeSudo
)

var aptEnv = map[string]string{"DEBIAN_FRONTEND": "noninteractive"}

// base is shared by every host step.
type base struct {
	Run execx.Runner
	Log zerolog.Logger
}

func (b base) sudo(ctx context.Context, name string, args ...string) error {
	return b.Run.Run(ctx, privileged(execx.Command(name, args...)))
}

// shell runs a pipeline through sh -c with elevated privileges.
func (b base) shell(ctx context.Context, script string) error {
	return b.sudo(ctx, "sh", "-c", script)
}

func (b base) aptUpdate(ctx context.Context) error {
	c := privileged(execx.Cmd{Path: "apt-get", Args: []string{"update"}, Env: aptEnv})
	if err := b.Run.Run(ctx, c); err != nil {
		return fmt.Errorf("apt-get update: %w", err)
	}
	return nil
}

func (b base) aptInstall(ctx context.Context, pkgs ...string) error {
	if len(pkgs) == 0 {
		return nil
	}
	args := append([]string{"install", "-y", "--no-install-recommends"}, pkgs...)
	c := privileged(execx.Cmd{Path: "apt-get", Args: args, Env: aptEnv})
	if err := b.Run.Run(ctx, c); err != nil {
		return fmt.Errorf("failed to install %v via apt-get: %w", pkgs, err)
	}
	return nil
}

// debInstalled reports whether dpkg knows pkg as installed.
func (b base) debInstalled(ctx context.Context, pkg string) bool {
	out, err := b.Run.Output(ctx, execx.Command("dpkg-query", "-W", "-f=${Status}", pkg))
	return err == nil && string(out) == "install ok installed"
}
