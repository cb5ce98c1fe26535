package host

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"gpuboot/internal/config"
	"gpuboot/internal/execx"
)

// Firewall enables ufw with the configured inbound policy.
type Firewall struct {
	base
	Cfg         config.FirewallConfig
	ServicePort int
}

func NewFirewall(cfg config.FirewallConfig, servicePort int, run execx.Runner, log zerolog.Logger) *Firewall {
	return &Firewall{base: base{Run: run, Log: log.With().Str("phase", "firewall").Logger()}, Cfg: cfg, ServicePort: servicePort}
}

// Ports returns the ports opened explicitly: the allow list plus the
// service port, sorted and de-duplicated.
func (f *Firewall) Ports() []int {
	seen := map[int]bool{}
	var out []int
	for _, p := range append(append([]int(nil), f.Cfg.AllowPorts...), f.ServicePort) {
		if p > 0 && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Ints(out)
	return out
}

func (f *Firewall) Satisfied(ctx context.Context) (bool, error) {
	if !f.Cfg.Enabled {
		return true, nil
	}
	if !available("ufw") {
		return false, nil
	}
	out, err := f.Run.Output(ctx, privileged(execx.Command("ufw", "status", "verbose")))
	if err != nil {
		return false, nil
	}
	return StatusMatches(string(out), f.Cfg.InboundPolicy, f.Ports()), nil
}

// StatusMatches checks `ufw status verbose` output against the wanted state.
func StatusMatches(status, policy string, ports []int) bool {
	if !strings.Contains(status, "Status: active") {
		return false
	}
	if !strings.Contains(status, fmt.Sprintf("Default: %s (incoming)", policy)) {
		return false
	}
	if policy == config.InboundAllow {
		return true
	}
	for _, p := range ports {
		if !portAllowed(status, p) {
			return false
		}
	}
	return true
}

func portAllowed(status string, port int) bool {
	want := strconv.Itoa(port)
	for _, line := range strings.Split(status, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.HasPrefix(fields[1], "ALLOW") {
			continue
		}
		to := strings.TrimSuffix(fields[0], "/tcp")
		if to == want {
			return true
		}
	}
	return false
}

func (f *Firewall) Apply(ctx context.Context) error {
	if !available("ufw") {
		if _, err := requireDebianLike(); err != nil {
			return err
		}
		if err := f.aptInstall(ctx, "ufw"); err != nil {
			return err
		}
	}
	if f.Cfg.InboundPolicy == config.InboundAllow {
		f.Log.Warn().Msg("inbound policy is allow: all inbound traffic will be accepted; set firewall.inbound_policy=deny to restrict")
	}
	for _, p := range f.Ports() {
		if err := f.sudo(ctx, "ufw", "allow", fmt.Sprintf("%d/tcp", p)); err != nil {
			return fmt.Errorf("allow port %d: %w", p, err)
		}
	}
	if err := f.sudo(ctx, "ufw", "default", f.Cfg.InboundPolicy, "incoming"); err != nil {
		return fmt.Errorf("set inbound policy: %w", err)
	}
	if err := f.sudo(ctx, "ufw", "default", "allow", "outgoing"); err != nil {
		return fmt.Errorf("set outbound policy: %w", err)
	}
	if err := f.sudo(ctx, "ufw", "--force", "enable"); err != nil {
		return fmt.Errorf("enable ufw: %w", err)
	}
	return nil
}
