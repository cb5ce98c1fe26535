package phase

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"gpuboot/internal/marker"
)

// fakeStep becomes satisfied once applied, like a real package install.
type fakeStep struct {
	done     bool
	applyErr error
	checkErr error
	applied  int
}

func (f *fakeStep) Satisfied(context.Context) (bool, error) { return f.done, f.checkErr }

func (f *fakeStep) Apply(context.Context) error {
	f.applied++
	if f.applyErr != nil {
		return f.applyErr
	}
	f.done = true
	return nil
}

type verifiedStep struct {
	fakeStep
	verifyErr error
}

func (v *verifiedStep) Verify(context.Context) error { return v.verifyErr }

type hostFakes struct {
	toolchain, runtime, firewall *fakeStep
}

func newRunner(t *testing.T) (*Runner, *hostFakes, marker.Marker) {
	t.Helper()
	f := &hostFakes{toolchain: &fakeStep{}, runtime: &fakeStep{}, firewall: &fakeStep{}}
	cp := marker.New(filepath.Join(t.TempDir(), "reboot-checkpoint"))
	r := &Runner{
		Phases: []Phase{
			{Name: "toolchain", State: ToolchainInstalling, Step: f.toolchain, RequiresReboot: true},
			{Name: "runtime", State: RuntimeInstalling, Step: f.runtime},
			{Name: "firewall", State: FirewallConfiguring, Step: f.firewall},
		},
		Checkpoint: &cp,
		Log:        zerolog.Nop(),
	}
	return r, f, cp
}

func TestRunFreshHostHaltsForReboot(t *testing.T) {
	r, f, cp := newRunner(t)
	res, err := r.Run(context.Background())
	if !errors.Is(err, ErrRebootRequired) || !IsRebootRequired(err) {
		t.Fatalf("expected reboot halt, got %v", err)
	}
	if res.State != AwaitingReboot || r.State() != AwaitingReboot {
		t.Fatalf("state=%s", res.State)
	}
	if f.toolchain.applied != 1 || f.runtime.applied != 0 {
		t.Fatalf("unexpected applies: toolchain=%d runtime=%d", f.toolchain.applied, f.runtime.applied)
	}
	note, ok, _ := cp.Read()
	if !ok || note != "toolchain" {
		t.Fatalf("checkpoint not set: ok=%v note=%q", ok, note)
	}
}

func TestRunResumesAfterCheckpoint(t *testing.T) {
	r, f, cp := newRunner(t)
	if _, err := r.Run(context.Background()); !IsRebootRequired(err) {
		t.Fatalf("first run: %v", err)
	}
	// toolchain reports unsatisfied to prove it is not re-run after resume
	f.toolchain.done = false

	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.Resumed != "toolchain" {
		t.Fatalf("resumed=%q", res.Resumed)
	}
	if f.toolchain.applied != 1 {
		t.Fatalf("toolchain re-ran after checkpoint: %d", f.toolchain.applied)
	}
	if f.runtime.applied != 1 || f.firewall.applied != 1 {
		t.Fatalf("later phases should run once: runtime=%d firewall=%d", f.runtime.applied, f.firewall.applied)
	}
	if ok, _ := cp.Exists(); ok {
		t.Fatalf("checkpoint should be consumed")
	}
	if res.State != Complete {
		t.Fatalf("state=%s", res.State)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	r, f, _ := newRunner(t)
	f.toolchain.done = true
	hooks := 0
	r.BeforeMutate = func(context.Context) error { hooks++; return nil }

	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(res.Ran) != 0 || len(res.Skipped) != 3 {
		t.Fatalf("second run should do nothing: %+v", res)
	}
	if hooks != 1 {
		t.Fatalf("BeforeMutate should run once across both runs (only the first mutated), got %d", hooks)
	}
}

func TestBeforeMutateRunsOncePerRun(t *testing.T) {
	r, f, _ := newRunner(t)
	f.toolchain.done = true
	hooks := 0
	r.BeforeMutate = func(context.Context) error { hooks++; return nil }
	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if hooks != 1 || len(res.Ran) != 2 {
		t.Fatalf("hooks=%d ran=%v", hooks, res.Ran)
	}
}

func TestBeforeMutateErrorStopsBeforeAction(t *testing.T) {
	r, f, _ := newRunner(t)
	boom := errors.New("locks held")
	r.BeforeMutate = func(context.Context) error { return boom }
	if _, err := r.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected hook error, got %v", err)
	}
	if f.toolchain.applied != 0 {
		t.Fatalf("no action may run when the hook fails")
	}
}

func TestRunActionFailure(t *testing.T) {
	r, f, cp := newRunner(t)
	f.toolchain.done = true
	cause := errors.New("apt-get exited 100")
	f.runtime.applyErr = cause

	res, err := r.Run(context.Background())
	var pe *PhaseError
	if !errors.As(err, &pe) || pe.Phase != "runtime" || pe.Step != "apply" {
		t.Fatalf("expected runtime PhaseError, got %v", err)
	}
	if !errors.Is(err, ErrActionFailed) || !errors.Is(err, cause) {
		t.Fatalf("PhaseError should match both sentinel and cause: %v", err)
	}
	if f.firewall.applied != 0 {
		t.Fatalf("later phases must not run after a failure")
	}
	if res.State != RuntimeInstalling {
		t.Fatalf("state=%s", res.State)
	}
	if ok, _ := cp.Exists(); ok {
		t.Fatalf("failure must not write a checkpoint")
	}
}

func TestRunVerifyFailure(t *testing.T) {
	r, _, _ := newRunner(t)
	v := &verifiedStep{verifyErr: errors.New("docker info has no nvidia runtime")}
	r.Phases = []Phase{{Name: "runtime", State: RuntimeInstalling, Step: v}}
	_, err := r.Run(context.Background())
	var pe *PhaseError
	if !errors.As(err, &pe) || pe.Step != "verify" {
		t.Fatalf("expected verify PhaseError, got %v", err)
	}
}

func TestRunCheckFailure(t *testing.T) {
	r, f, _ := newRunner(t)
	f.toolchain.checkErr = errors.New("nvcc crashed")
	_, err := r.Run(context.Background())
	var pe *PhaseError
	if !errors.As(err, &pe) || pe.Step != "check" {
		t.Fatalf("expected check PhaseError, got %v", err)
	}
}

func TestRunEmptyCheckpointFallsBackToRebootPhase(t *testing.T) {
	r, f, cp := newRunner(t)
	if err := cp.Set(""); err != nil {
		t.Fatal(err)
	}
	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Resumed != "toolchain" || f.toolchain.applied != 0 {
		t.Fatalf("resumed=%q toolchain applied=%d", res.Resumed, f.toolchain.applied)
	}
}

func TestRunUnknownCheckpointStartsOver(t *testing.T) {
	r, f, cp := newRunner(t)
	f.toolchain.done = true
	if err := cp.Set("kernel-upgrade"); err != nil {
		t.Fatal(err)
	}
	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Resumed != "" || len(res.Skipped) != 1 || len(res.Ran) != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRunCanceled(t *testing.T) {
	r, f, _ := newRunner(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancel, got %v", err)
	}
	if f.toolchain.applied != 0 {
		t.Fatalf("canceled run applied a phase")
	}
}

func TestStateString(t *testing.T) {
	if FirewallConfiguring.String() != "firewall-configuring" || State(99).String() != "unknown" {
		t.Fatalf("unexpected state names")
	}
}
