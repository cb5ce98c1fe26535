package phase

// State is the position of a provisioning run in the phase sequence.
type State uint8

const (
	NotStarted State = iota
	ToolchainInstalling
	AwaitingReboot
	RuntimeInstalling
	FirewallConfiguring
	Complete
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case ToolchainInstalling:
		return "toolchain-installing"
	case AwaitingReboot:
		return "awaiting-reboot"
	case RuntimeInstalling:
		return "runtime-installing"
	case FirewallConfiguring:
		return "firewall-configuring"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}
