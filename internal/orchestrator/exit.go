package orchestrator

import (
	"errors"

	"gpuboot/internal/cloud"
	"gpuboot/internal/config"
	"gpuboot/internal/lockres"
	"gpuboot/internal/phase"
	"gpuboot/internal/service"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitOther       = 1
	ExitUsage       = 2
	ExitLockTimeout = 3
	ExitPhase       = 4
	ExitCapability  = 5
)

// UsageError marks bad command-line input.
type UsageError struct{ Err error }

func (e *UsageError) Error() string { return e.Err.Error() }
func (e *UsageError) Unwrap() error { return e.Err }

// ExitCode maps an error from any flow to the process exit code.
func ExitCode(err error) int {
	var ve *config.ValidationError
	var ue *UsageError
	switch {
	case err == nil, phase.IsRebootRequired(err):
		return ExitOK
	case errors.As(err, &ue), errors.As(err, &ve):
		return ExitUsage
	case lockres.IsLockTimeout(err):
		return ExitLockTimeout
	case errors.Is(err, phase.ErrActionFailed):
		return ExitPhase
	case errors.Is(err, service.ErrCapabilityMissing):
		return ExitCapability
	default:
		return ExitOther
	}
}

// Hint returns a remediation line for err, or "".
func Hint(err error) string {
	var ce *service.CapabilityError
	var pe *phase.PhaseError
	switch {
	case err == nil:
		return ""
	case lockres.IsLockTimeout(err):
		return "another package manager is still running; wait for it to finish, or re-run with -y to clear stale locks, then run `gpuboot up` again"
	case errors.As(err, &pe):
		return "fix the failing " + pe.Phase + " step and run `gpuboot up` again; completed phases are skipped"
	case errors.As(err, &ce):
		return ce.Hint
	case errors.Is(err, ErrNoAssetSource):
		return "set assets.manifest or assets.command in the config file"
	case errors.Is(err, cloud.ErrNoToken):
		return "export TENSORDOCK_API_TOKEN or set cloud.token in the config file"
	case errors.Is(err, cloud.ErrNoCapacity):
		return "run `gpuboot cloud locations --all` to see current stock, then pick another --gpu or fewer GPUs"
	case errors.Is(err, cloud.ErrNotReady):
		return "the instance was created; check it with `gpuboot cloud list` and delete it with `gpuboot cloud delete` if it is stuck"
	default:
		return ""
	}
}

// Outcome is the result label recorded in the run metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case phase.IsRebootRequired(err):
		return "reboot"
	case lockres.IsLockTimeout(err):
		return "lock_timeout"
	case errors.Is(err, phase.ErrActionFailed):
		return "phase_failed"
	case errors.Is(err, service.ErrCapabilityMissing):
		return "capability_missing"
	default:
		return "error"
	}
}
