//go:build linux

package lockres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
)

// ProcInspector finds lock holders by walking the open files of every
// process under /proc.
type ProcInspector struct{}

func NewInspector() Inspector { return ProcInspector{} }

func (ProcInspector) Holders(ctx context.Context, path string) ([]Holder, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	var out []Holder
	for _, p := range procs {
		files, err := p.OpenFilesWithContext(ctx)
		if err != nil {
			// exited, or not ours to read
			continue
		}
		for _, f := range files {
			if f.Path != path {
				continue
			}
			name, _ := p.NameWithContext(ctx)
			out = append(out, Holder{PID: p.Pid, Name: name})
			break
		}
	}
	return out, nil
}

// Terminate sends SIGTERM, waits up to grace for the process to exit and
// then sends SIGKILL. A process that is already gone is not an error.
func (ProcInspector) Terminate(ctx context.Context, pid int32, grace time.Duration) error {
	if err := unix.Kill(int(pid), unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return fmt.Errorf("SIGTERM %d: %w", pid, err)
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !alive(pid) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	if err := unix.Kill(int(pid), unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("SIGKILL %d: %w", pid, err)
	}
	return nil
}

func alive(pid int32) bool {
	err := unix.Kill(int(pid), 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
