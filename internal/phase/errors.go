package phase

import (
	"errors"
	"fmt"
)

var (
	// ErrActionFailed is matched by every *PhaseError.
	ErrActionFailed = errors.New("phase action failed")
	// ErrRebootRequired is a controlled halt: the checkpoint is persisted and
	// the run continues on the next invocation after reboot.
	ErrRebootRequired = errors.New("reboot required to continue")
)

// PhaseError wraps the failure of a phase check, action or verify step.
type PhaseError struct {
	Phase string
	Step  string
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("phase %s: %s: %v", e.Phase, e.Step, e.Err)
}

func (e *PhaseError) Unwrap() []error { return []error{ErrActionFailed, e.Err} }

// IsRebootRequired reports whether err is the controlled reboot halt.
func IsRebootRequired(err error) bool { return errors.Is(err, ErrRebootRequired) }
