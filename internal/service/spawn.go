package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/process"

	"gpuboot/internal/common/fsutil"
	"gpuboot/internal/logging"
)

// TaskCommand is the subcommand the background task runs. It also
// identifies the task's process when a PID file is checked.
const TaskCommand = "assets"

// Spawner starts the background asset task as a detached process that
// outlives the caller. Its output is appended to LogFile.
type Spawner struct {
	Executable string
	Args       []string
	LogFile    string
	// PIDFile records the spawned PID for status reporting.
	PIDFile string
	// Env is appended to the caller's environment.
	Env []string
	Log zerolog.Logger
}

var startProcess = func(cmd *exec.Cmd) error { return cmd.Start() }

// Spawn starts the task and returns without waiting for it.
func (s Spawner) Spawn() (int, error) {
	exe := s.Executable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return 0, fmt.Errorf("locate executable: %w", err)
		}
		exe = self
	}
	sink, err := logging.OpenSink(s.LogFile)
	if err != nil {
		return 0, err
	}
	defer sink.Close()

	cmd := exec.Command(exe, s.Args...)
	cmd.Stdin = nil
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	cmd.Stdout = sink
	cmd.Stderr = sink
	detach(cmd)
	if err := startProcess(cmd); err != nil {
		return 0, fmt.Errorf("start background task: %w", err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()

	if s.PIDFile != "" {
		if err := fsutil.WriteFileAtomic(s.PIDFile, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
			s.Log.Warn().Err(err).Msg("could not record background task pid")
		}
	}
	s.Log.Info().Int("pid", pid).Str("log", s.LogFile).Msg("background asset task started")
	return pid, nil
}

// BackgroundStatus reads a PID file and reports whether that process is
// still alive and still the asset task. A missing PID file means no task
// was recorded.
func BackgroundStatus(ctx context.Context, pidFile string) (pid int, running bool, err error) {
	b, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	pid, err = strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, false, fmt.Errorf("parse %s: %w", pidFile, err)
	}
	alive, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !alive {
		return pid, false, err
	}
	running, err = isAssetTask(ctx, int32(pid))
	return pid, running, err
}

// isAssetTask rejects a recycled PID: the live process must carry the task
// subcommand on its command line.
var isAssetTask = func(ctx context.Context, pid int32) (bool, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return false, nil
		}
		return false, err
	}
	args, err := p.CmdlineSliceWithContext(ctx)
	if err != nil {
		return false, err
	}
	return runsTask(args), nil
}

func runsTask(args []string) bool {
	if len(args) < 2 {
		return false
	}
	for _, a := range args[1:] {
		if a == TaskCommand {
			return true
		}
	}
	return false
}
