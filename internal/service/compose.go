package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"gpuboot/internal/config"
	"gpuboot/internal/execx"
	"gpuboot/internal/launch"
)

// Manager drives the compose project of the inference service.
type Manager struct {
	Cfg    config.ServiceConfig
	Run    execx.Runner
	Engine Engine
	Log    zerolog.Logger
}

func NewManager(cfg config.ServiceConfig, run execx.Runner, engine Engine, log zerolog.Logger) *Manager {
	return &Manager{Cfg: cfg, Run: run, Engine: engine, Log: log.With().Str("component", "service").Logger()}
}

// UpCommand renders the compose invocation for lc. Launch flags reach the
// container through the FlagsEnv variable.
func (m *Manager) UpCommand(lc launch.LaunchConfig) execx.Cmd {
	args := []string{"compose", "up", "-d"}
	if m.Cfg.Build {
		args = append(args, "--build")
	}
	env := map[string]string{}
	if m.Cfg.FlagsEnv != "" {
		env[m.Cfg.FlagsEnv] = strings.Join(lc.Flags(), " ")
	}
	return execx.Cmd{Path: "docker", Args: args, Env: env, Dir: m.Cfg.ComposeDir}
}

// Start brings the service up. Compose is idempotent: a running service
// with unchanged configuration is left alone.
func (m *Manager) Start(ctx context.Context, lc launch.LaunchConfig) error {
	m.Log.Info().Str("dir", m.Cfg.ComposeDir).Str("tier", lc.Tier.String()).Msg("starting service")
	if err := m.Run.Run(ctx, m.UpCommand(lc)); err != nil {
		return fmt.Errorf("docker compose up: %w", err)
	}
	return nil
}

// Running reports whether the service container is running.
func (m *Manager) Running(ctx context.Context) (bool, error) {
	if m.Engine == nil {
		return false, fmt.Errorf("no docker engine connection")
	}
	return m.Engine.ContainerRunning(ctx, m.Cfg.Container)
}
