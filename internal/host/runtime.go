package host

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"gpuboot/internal/config"
	"gpuboot/internal/execx"
)

const toolkitKeyring = "/usr/share/keyrings/nvidia-container-toolkit-keyring.gpg"

// Runtime installs the container engine, the compose plugin and the NVIDIA
// container toolkit, then registers the nvidia runtime with docker.
type Runtime struct {
	base
	Cfg config.RuntimeConfig
}

func NewRuntime(cfg config.RuntimeConfig, run execx.Runner, log zerolog.Logger) *Runtime {
	return &Runtime{base: base{Run: run, Log: log.With().Str("phase", "runtime").Logger()}, Cfg: cfg}
}

func (r *Runtime) Satisfied(ctx context.Context) (bool, error) {
	for _, bin := range []string{"docker", "nvidia-ctk"} {
		if !available(bin) {
			r.Log.Info().Str("binary", bin).Msg("not installed")
			return false, nil
		}
	}
	if _, err := r.Run.Output(ctx, execx.Command("docker", "compose", "version")); err != nil {
		r.Log.Info().Msg("docker compose plugin missing")
		return false, nil
	}
	return r.nvidiaRuntimeRegistered(ctx), nil
}

func (r *Runtime) nvidiaRuntimeRegistered(ctx context.Context) bool {
	out, err := r.Run.Output(ctx, execx.Command("docker", "info", "--format", "{{json .Runtimes}}"))
	if err != nil {
		r.Log.Info().Err(err).Msg("docker info failed")
		return false
	}
	return strings.Contains(string(out), `"nvidia"`)
}

func (r *Runtime) Apply(ctx context.Context) error {
	if _, err := requireDebianLike(); err != nil {
		return err
	}
	if !r.debInstalled(ctx, "nvidia-container-toolkit") {
		if err := r.shell(ctx, fmt.Sprintf("curl -fsSL %s | gpg --dearmor --yes -o %s", r.Cfg.ToolkitKeyURL, toolkitKeyring)); err != nil {
			return fmt.Errorf("install container toolkit key: %w", err)
		}
		list := fmt.Sprintf("curl -fsSL %s | sed 's#deb https://#deb [signed-by=%s] https://#g' > /etc/apt/sources.list.d/nvidia-container-toolkit.list",
			r.Cfg.ToolkitListURL, toolkitKeyring)
		if err := r.shell(ctx, list); err != nil {
			return fmt.Errorf("add container toolkit repository: %w", err)
		}
	}
	if err := r.aptUpdate(ctx); err != nil {
		return err
	}
	if err := r.aptInstall(ctx, r.Cfg.Packages...); err != nil {
		return err
	}
	if err := r.sudo(ctx, "systemctl", "enable", "--now", "docker"); err != nil {
		return fmt.Errorf("failed to enable/start docker service: %w", err)
	}
	if err := r.sudo(ctx, "nvidia-ctk", "runtime", "configure", "--runtime=docker"); err != nil {
		return fmt.Errorf("register nvidia runtime: %w", err)
	}
	if err := r.sudo(ctx, "systemctl", "restart", "docker"); err != nil {
		return fmt.Errorf("restart docker: %w", err)
	}
	return nil
}

func (r *Runtime) Verify(ctx context.Context) error {
	if !r.nvidiaRuntimeRegistered(ctx) {
		return fmt.Errorf("docker does not list the nvidia runtime after configuration")
	}
	return nil
}
