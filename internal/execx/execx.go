// Package execx runs external commands for host provisioning.
package execx

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Unified command description
type Cmd struct {
	Path string
	Args []string
	Env  map[string]string // additional env vars
	Dir  string            // working directory
}

// String renders the command line for logs.
func (c Cmd) String() string {
	return strings.TrimSpace(c.Path + " " + strings.Join(c.Args, " "))
}

// Runner executes commands. Host phases depend on this instead of os/exec so
// tests can script command outcomes.
type Runner interface {
	// Run executes c, streaming its output to the runner's log.
	Run(ctx context.Context, c Cmd) error
	// Output executes c and returns its stdout.
	Output(ctx context.Context, c Cmd) ([]byte, error)
}

// Command is a convenience constructor.
func Command(name string, args ...string) Cmd { return Cmd{Path: name, Args: args} }

var (
	lookPath = exec.LookPath
	geteuid  = os.Geteuid
)

// Available reports whether name resolves on PATH.
func Available(name string) bool {
	_, err := lookPath(name)
	return err == nil
}

// MaybeSudo prefixes c with sudo when not running as root and sudo exists.
func MaybeSudo(c Cmd) Cmd {
	if geteuid() == 0 {
		return c
	}
	if _, err := lookPath("sudo"); err == nil {
		return Cmd{Path: "sudo", Args: append([]string{c.Path}, c.Args...), Env: c.Env, Dir: c.Dir}
	}
	return c
}

// OSRunner runs commands on the local host.
type OSRunner struct {
	Log zerolog.Logger
}

// NewOSRunner returns a Runner that logs each line of command output at debug
// level and the command itself at info.
func NewOSRunner(log zerolog.Logger) *OSRunner { return &OSRunner{Log: log} }

func (r *OSRunner) command(ctx context.Context, c Cmd) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	if c.Dir != "" {
		cmd.Dir = c.Dir
	}
	// inherit environment
	cmd.Env = os.Environ()
	for k, v := range c.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	return cmd
}

func (r *OSRunner) Run(ctx context.Context, c Cmd) error {
	cmd := r.command(ctx, c)
	r.Log.Info().Str("cmd", c.String()).Msg("exec")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", c.Path, err)
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); r.stream("stdout", stdout) }()
	go func() { defer wg.Done(); r.stream("stderr", stderr) }()
	wg.Wait()
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%s: %w", c.String(), err)
	}
	return nil
}

func (r *OSRunner) Output(ctx context.Context, c Cmd) ([]byte, error) {
	cmd := r.command(ctx, c)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return out, fmt.Errorf("%s: %w: %s", c.String(), err, msg)
		}
		return out, fmt.Errorf("%s: %w", c.String(), err)
	}
	return out, nil
}

func (r *OSRunner) stream(name string, rd io.Reader) {
	s := bufio.NewScanner(rd)
	s.Buffer(make([]byte, 64*1024), 1024*1024)
	for s.Scan() {
		r.Log.Debug().Str("stream", name).Msg(s.Text())
	}
}
