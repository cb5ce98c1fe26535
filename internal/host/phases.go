// Package host holds the idempotent installers run by the phase runner:
// CUDA toolchain, container runtime and firewall.
package host

import (
	"github.com/rs/zerolog"

	"gpuboot/internal/config"
	"gpuboot/internal/execx"
	"gpuboot/internal/phase"
)

// Phase names, also written to the reboot checkpoint.
const (
	PhaseToolchain = "toolchain"
	PhaseRuntime   = "runtime"
	PhaseFirewall  = "firewall"
)

// Phases returns the ordered provisioning phases for cfg.
func Phases(cfg config.Config, run execx.Runner, log zerolog.Logger) []phase.Phase {
	return []phase.Phase{
		{Name: PhaseToolchain, State: phase.ToolchainInstalling, Step: NewToolchain(cfg.Toolchain, run, log), RequiresReboot: true},
		{Name: PhaseRuntime, State: phase.RuntimeInstalling, Step: NewRuntime(cfg.Runtime, run, log)},
		{Name: PhaseFirewall, State: phase.FirewallConfiguring, Step: NewFirewall(cfg.Firewall, cfg.Service.Port, run, log)},
	}
}
