package lockres

import (
	"errors"
	"fmt"
	"strings"
)

// ErrLockTimeout is matched by errors.Is when locks never cleared.
var ErrLockTimeout = errors.New("package manager locks still held")

// LockTimeoutError reports which lock files remained after the last attempt.
type LockTimeoutError struct {
	Attempts  int
	Remaining []string
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("%v after %d attempts: %s", ErrLockTimeout, e.Attempts, strings.Join(e.Remaining, ", "))
}

func (e *LockTimeoutError) Unwrap() error { return ErrLockTimeout }

// IsLockTimeout reports whether err is a lock-resolution timeout.
func IsLockTimeout(err error) bool { return errors.Is(err, ErrLockTimeout) }
