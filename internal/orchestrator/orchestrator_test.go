package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"gpuboot/internal/cloud"
	"gpuboot/internal/config"
	"gpuboot/internal/execx"
	"gpuboot/internal/lockres"
	"gpuboot/internal/marker"
	"gpuboot/internal/phase"
	"gpuboot/internal/prompt"
	"gpuboot/internal/service"
	"gpuboot/internal/status"
)

// hostStep stands in for an installer: satisfied once applied.
type hostStep struct {
	installed bool
	applied   int
	applyErr  error
}

func (s *hostStep) Satisfied(context.Context) (bool, error) { return s.installed, nil }

func (s *hostStep) Apply(context.Context) error {
	s.applied++
	if s.applyErr != nil {
		return s.applyErr
	}
	s.installed = true
	return nil
}

// fakeHost survives across Up invocations like a real machine.
type fakeHost struct {
	toolchain, runtime, firewall *hostStep
}

func newFakeHost() *fakeHost {
	return &fakeHost{toolchain: &hostStep{}, runtime: &hostStep{}, firewall: &hostStep{}}
}

func (h *fakeHost) phases(config.Config, execx.Runner, zerolog.Logger) []phase.Phase {
	return []phase.Phase{
		{Name: "toolchain", State: phase.ToolchainInstalling, Step: h.toolchain, RequiresReboot: true},
		{Name: "runtime", State: phase.RuntimeInstalling, Step: h.runtime},
		{Name: "firewall", State: phase.FirewallConfiguring, Step: h.firewall},
	}
}

type fakeEngine struct{ runtimes []string }

func (e fakeEngine) Runtimes(context.Context) ([]string, error)             { return e.runtimes, nil }
func (e fakeEngine) ContainerRunning(context.Context, string) (bool, error) { return true, nil }
func (e fakeEngine) Close() error                                           { return nil }

type fakeQuerier struct {
	mib int
	err error
}

func (q fakeQuerier) TotalVRAMMiB(context.Context) (int, error) { return q.mib, q.err }

type lockHolders map[string][]lockres.Holder

func (l lockHolders) Holders(_ context.Context, path string) ([]lockres.Holder, error) {
	return l[path], nil
}

func (l lockHolders) Terminate(context.Context, int32, time.Duration) error { return nil }

type harness struct {
	cfg     config.Config
	host    *fakeHost
	run     *execx.FakeRunner
	out     *bytes.Buffer
	spawned []service.Spawner
	deps    Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.StateDir = t.TempDir()
	cfg.Assets.DataDir = t.TempDir()
	cfg.Assets.LogFile = filepath.Join(t.TempDir(), "assets.log")
	cfg.Lock.Files = []string{filepath.Join(t.TempDir(), "lock")}
	cfg.Lock.MaxAttempts = 2
	cfg.Lock.RetryInterval = 0

	h := &harness{cfg: cfg, host: newFakeHost(), run: execx.NewFakeRunner(), out: &bytes.Buffer{}}
	h.deps = Deps{
		Run:       h.run,
		Inspector: lockHolders{},
		Querier:   fakeQuerier{mib: 24576},
		NewEngine: func(context.Context) (service.Engine, error) {
			return fakeEngine{runtimes: []string{"nvidia", "runc"}}, nil
		},
		Spawn: func(s service.Spawner) (int, error) {
			h.spawned = append(h.spawned, s)
			return 4242, nil
		},
		Phases: h.host.phases,
		Log:    zerolog.Nop(),
		Out:    h.out,
	}
	return h
}

func (h *harness) calls(substr string) int {
	n := 0
	for _, c := range h.run.Calls() {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

func TestUpFreshHostHaltsForRebootThenResumes(t *testing.T) {
	h := newHarness(t)
	opts := UpOptions{ConfigPath: "/etc/gpuboot.yaml", NonInteractive: true}

	res, err := Up(context.Background(), h.cfg, opts, h.deps)
	if err != nil || ExitCode(err) != ExitOK {
		t.Fatalf("first up: %v", err)
	}
	if !res.RebootRequired || h.host.toolchain.applied != 1 || h.host.runtime.applied != 0 {
		t.Fatalf("unexpected first run: %+v", res)
	}
	if ok, _ := marker.New(h.cfg.CheckpointPath()).Exists(); !ok {
		t.Fatalf("checkpoint should be written before the halt")
	}
	if !strings.Contains(h.out.String(), "gpuboot up") {
		t.Fatalf("halt message should say how to continue: %q", h.out.String())
	}
	if h.calls("reboot") != 0 || len(h.spawned) != 0 {
		t.Fatalf("non-interactive halt must not reboot or start the service")
	}

	// after the reboot the toolchain check is irrelevant: the checkpoint wins
	h.host.toolchain.installed = false
	res, err = Up(context.Background(), h.cfg, opts, h.deps)
	if err != nil {
		t.Fatalf("second up: %v", err)
	}
	if res.RebootRequired || res.Phases.Resumed != "toolchain" {
		t.Fatalf("unexpected second run: %+v", res)
	}
	if h.host.toolchain.applied != 1 || h.host.runtime.applied != 1 || h.host.firewall.applied != 1 {
		t.Fatalf("applies: toolchain=%d runtime=%d firewall=%d",
			h.host.toolchain.applied, h.host.runtime.applied, h.host.firewall.applied)
	}
	if ok, _ := marker.New(h.cfg.CheckpointPath()).Exists(); ok {
		t.Fatalf("checkpoint should be consumed")
	}
	if h.calls("docker compose up -d") != 1 {
		t.Fatalf("service not started: %v", h.run.Calls())
	}
	if len(h.spawned) != 1 || res.TaskPID != 4242 {
		t.Fatalf("background task not spawned: %+v", h.spawned)
	}
	args := strings.Join(h.spawned[0].Args, " ")
	if args != "assets --config /etc/gpuboot.yaml" || h.spawned[0].PIDFile != status.PIDFile(h.cfg) {
		t.Fatalf("spawner=%+v", h.spawned[0])
	}
}

func TestUpRebootFlagRunsRebootCommand(t *testing.T) {
	h := newHarness(t)
	res, err := Up(context.Background(), h.cfg, UpOptions{NonInteractive: true, Reboot: true}, h.deps)
	if err != nil || !res.RebootRequired {
		t.Fatalf("up: res=%+v err=%v", res, err)
	}
	if h.calls("systemctl reboot") != 1 {
		t.Fatalf("reboot command not run: %v", h.run.Calls())
	}
}

func TestUpRebootPromptDeclined(t *testing.T) {
	h := newHarness(t)
	h.deps.Prompt = prompt.NewTerminal(strings.NewReader("n\n"), io.Discard)
	if _, err := Up(context.Background(), h.cfg, UpOptions{}, h.deps); err != nil {
		t.Fatalf("up: %v", err)
	}
	if h.calls("reboot") != 0 {
		t.Fatalf("declined reboot must not run the command")
	}
}

func TestUpRebootCommandFailure(t *testing.T) {
	h := newHarness(t)
	h.run.On("systemctl reboot", "", errors.New("not permitted"))
	h.run.On("sudo systemctl reboot", "", errors.New("not permitted"))
	_, err := Up(context.Background(), h.cfg, UpOptions{NonInteractive: true, Reboot: true}, h.deps)
	if err == nil || ExitCode(err) != ExitOther {
		t.Fatalf("expected reboot failure, got %v", err)
	}
}

func TestUpLockTimeout(t *testing.T) {
	h := newHarness(t)
	lock := h.cfg.Lock.Files[0]
	if err := os.WriteFile(lock, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	h.deps.Inspector = lockHolders{lock: {{PID: 77, Name: "unattended-upgr"}}}

	_, err := Up(context.Background(), h.cfg, UpOptions{NonInteractive: true}, h.deps)
	if !lockres.IsLockTimeout(err) || ExitCode(err) != ExitLockTimeout {
		t.Fatalf("expected lock timeout, got %v", err)
	}
	if h.host.toolchain.applied != 0 {
		t.Fatalf("no phase may run while locks are held")
	}
	if Hint(err) == "" {
		t.Fatalf("lock timeout should carry a hint")
	}
}

type killLog struct{ pids []int32 }

type recordingHolders struct {
	lockHolders
	killed *killLog
}

func (r recordingHolders) Terminate(_ context.Context, pid int32, _ time.Duration) error {
	r.killed.pids = append(r.killed.pids, pid)
	return nil
}

func TestUpUnattendedPromptLeavesHolderAlone(t *testing.T) {
	h := newHarness(t)
	lock := h.cfg.Lock.Files[0]
	if err := os.WriteFile(lock, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	killed := &killLog{}
	h.deps.Inspector = recordingHolders{lockHolders: lockHolders{lock: {{PID: 99, Name: "python3"}}}, killed: killed}
	h.deps.Prompt = prompt.Unattended{Answer: false}

	_, err := Up(context.Background(), h.cfg, UpOptions{}, h.deps)
	if !lockres.IsLockTimeout(err) {
		t.Fatalf("expected lock timeout, got %v", err)
	}
	if len(killed.pids) != 0 {
		t.Fatalf("holder terminated without approval: %v", killed.pids)
	}
	if _, err := os.Stat(lock); err != nil {
		t.Fatalf("lock file must be left in place: %v", err)
	}
}

func TestUpWithoutPrompterDeclines(t *testing.T) {
	h := newHarness(t)
	lock := h.cfg.Lock.Files[0]
	if err := os.WriteFile(lock, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	killed := &killLog{}
	h.deps.Inspector = recordingHolders{lockHolders: lockHolders{lock: {{PID: 99, Name: "python3"}}}, killed: killed}

	if _, err := Up(context.Background(), h.cfg, UpOptions{}, h.deps); !lockres.IsLockTimeout(err) {
		t.Fatalf("expected lock timeout, got %v", err)
	}
	if len(killed.pids) != 0 {
		t.Fatalf("holder terminated without approval: %v", killed.pids)
	}
}

func TestUpSatisfiedHostSkipsLockResolution(t *testing.T) {
	h := newHarness(t)
	h.host.toolchain.installed, h.host.runtime.installed, h.host.firewall.installed = true, true, true
	lock := h.cfg.Lock.Files[0]
	if err := os.WriteFile(lock, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	h.deps.Inspector = lockHolders{lock: {{PID: 77, Name: "apt-get"}}}
	if _, err := Up(context.Background(), h.cfg, UpOptions{NonInteractive: true}, h.deps); err != nil {
		t.Fatalf("a held lock must not matter when nothing needs installing: %v", err)
	}
}

func TestUpPhaseFailure(t *testing.T) {
	h := newHarness(t)
	h.host.toolchain.installed = true
	h.host.runtime.applyErr = errors.New("apt-get exited 100")
	_, err := Up(context.Background(), h.cfg, UpOptions{NonInteractive: true}, h.deps)
	if ExitCode(err) != ExitPhase || !strings.Contains(Hint(err), "runtime") {
		t.Fatalf("expected phase failure, got %v (hint %q)", err, Hint(err))
	}
	if h.host.firewall.applied != 0 || h.calls("docker compose up") != 0 {
		t.Fatalf("nothing may run after a failed phase")
	}
}

func TestUpMissingNvidiaRuntime(t *testing.T) {
	h := newHarness(t)
	h.host.toolchain.installed, h.host.runtime.installed, h.host.firewall.installed = true, true, true
	h.deps.NewEngine = func(context.Context) (service.Engine, error) {
		return fakeEngine{runtimes: []string{"runc"}}, nil
	}
	_, err := Up(context.Background(), h.cfg, UpOptions{NonInteractive: true}, h.deps)
	if ExitCode(err) != ExitCapability || !strings.Contains(Hint(err), "nvidia-ctk") {
		t.Fatalf("expected capability error, got %v", err)
	}
}

func TestUpEngineUnavailable(t *testing.T) {
	h := newHarness(t)
	h.host.toolchain.installed, h.host.runtime.installed, h.host.firewall.installed = true, true, true
	h.deps.NewEngine = func(context.Context) (service.Engine, error) {
		return nil, errors.New("Docker daemon is not accessible")
	}
	_, err := Up(context.Background(), h.cfg, UpOptions{NonInteractive: true}, h.deps)
	if ExitCode(err) != ExitCapability {
		t.Fatalf("expected capability error, got %v", err)
	}
}

func TestUpPassesLaunchFlags(t *testing.T) {
	h := newHarness(t)
	h.host.toolchain.installed, h.host.runtime.installed, h.host.firewall.installed = true, true, true
	h.deps.Querier = fakeQuerier{mib: 8192}
	res, err := Up(context.Background(), h.cfg, UpOptions{NonInteractive: true}, h.deps)
	if err != nil {
		t.Fatalf("up: %v", err)
	}
	var env string
	for _, c := range h.run.Commands() {
		if strings.HasPrefix(c.String(), "docker compose up") {
			env = c.Env[h.cfg.Service.FlagsEnv]
		}
	}
	if env != "--lowvram" || res.Launch.Tier.String() != "low" {
		t.Fatalf("flags env=%q tier=%s", env, res.Launch.Tier)
	}
}

func TestUpUnknownVRAMLaunchesWithoutFlags(t *testing.T) {
	h := newHarness(t)
	h.host.toolchain.installed, h.host.runtime.installed, h.host.firewall.installed = true, true, true
	h.deps.Querier = fakeQuerier{err: errors.New("nvidia-smi not found")}
	res, err := Up(context.Background(), h.cfg, UpOptions{NonInteractive: true}, h.deps)
	if err != nil || len(res.Launch.Flags()) != 0 {
		t.Fatalf("expected no flags, got %v (err %v)", res.Launch.Flags(), err)
	}
}

func TestUpCollectsCredentialInteractively(t *testing.T) {
	h := newHarness(t)
	h.host.toolchain.installed, h.host.runtime.installed, h.host.firewall.installed = true, true, true
	h.cfg.Assets.Manifest = []config.AssetEntry{{Category: "checkpoints", Filename: "m.safetensors", CivitAI: &config.CivitAISource{VersionID: 1}}}
	h.deps.Prompt = prompt.NewTerminal(strings.NewReader("secret-key\n"), io.Discard)
	if _, err := Up(context.Background(), h.cfg, UpOptions{}, h.deps); err != nil {
		t.Fatalf("up: %v", err)
	}
	if len(h.spawned) != 1 || len(h.spawned[0].Env) != 1 || h.spawned[0].Env[0] != "CIVITAI_API_KEY=secret-key" {
		t.Fatalf("credential not forwarded: %+v", h.spawned)
	}
}

func TestUpSkipsCredentialPromptNonInteractive(t *testing.T) {
	h := newHarness(t)
	h.host.toolchain.installed, h.host.runtime.installed, h.host.firewall.installed = true, true, true
	h.cfg.Assets.Manifest = []config.AssetEntry{{Category: "loras", Filename: "x.safetensors", CivitAI: &config.CivitAISource{ModelID: 9}}}
	// a prompt that would fail if read
	h.deps.Prompt = prompt.NewTerminal(strings.NewReader(""), io.Discard)
	if _, err := Up(context.Background(), h.cfg, UpOptions{NonInteractive: true}, h.deps); err != nil {
		t.Fatalf("up: %v", err)
	}
	if len(h.spawned) != 1 || len(h.spawned[0].Env) != 0 {
		t.Fatalf("unexpected spawn: %+v", h.spawned)
	}
}

func TestUpDoesNotSpawnSecondTask(t *testing.T) {
	h := newHarness(t)
	h.host.toolchain.installed, h.host.runtime.installed, h.host.firewall.installed = true, true, true
	if err := os.MkdirAll(h.cfg.StateDir, 0o755); err != nil {
		t.Fatal(err)
	}
	task := startTaskStandIn(t)
	if err := os.WriteFile(status.PIDFile(h.cfg), []byte(strconv.Itoa(task)), 0o644); err != nil {
		t.Fatal(err)
	}
	res, err := Up(context.Background(), h.cfg, UpOptions{NonInteractive: true}, h.deps)
	if err != nil {
		t.Fatalf("up: %v", err)
	}
	if len(h.spawned) != 0 || res.TaskPID != task {
		t.Fatalf("spawned=%d pid=%d", len(h.spawned), res.TaskPID)
	}
}

func TestUpSpawnsWhenPIDWasRecycled(t *testing.T) {
	h := newHarness(t)
	h.host.toolchain.installed, h.host.runtime.installed, h.host.firewall.installed = true, true, true
	if err := os.MkdirAll(h.cfg.StateDir, 0o755); err != nil {
		t.Fatal(err)
	}
	// a live process that is not the asset task
	if err := os.WriteFile(status.PIDFile(h.cfg), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		t.Fatal(err)
	}
	res, err := Up(context.Background(), h.cfg, UpOptions{NonInteractive: true}, h.deps)
	if err != nil {
		t.Fatalf("up: %v", err)
	}
	if len(h.spawned) != 1 || res.TaskPID != 4242 {
		t.Fatalf("spawned=%d pid=%d", len(h.spawned), res.TaskPID)
	}
	if h.spawned[0].Args[0] != service.TaskCommand {
		t.Fatalf("args=%v", h.spawned[0].Args)
	}
}

// startTaskStandIn runs this test binary as a long-lived child whose command
// line carries the task subcommand.
func startTaskStandIn(t *testing.T) int {
	t.Helper()
	cmd := exec.Command(os.Args[0], "-test.run=^TestTaskStandIn$", "--", service.TaskCommand)
	cmd.Env = append(os.Environ(), "GPUBOOT_TASK_STAND_IN=1")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	return cmd.Process.Pid
}

func TestTaskStandIn(t *testing.T) {
	if os.Getenv("GPUBOOT_TASK_STAND_IN") != "1" {
		t.Skip("only runs as a child process")
	}
	time.Sleep(time.Minute)
}


func TestUpAssetsDisabled(t *testing.T) {
	h := newHarness(t)
	h.host.toolchain.installed, h.host.runtime.installed, h.host.firewall.installed = true, true, true
	h.cfg.Assets.Enabled = false
	if _, err := Up(context.Background(), h.cfg, UpOptions{NonInteractive: true}, h.deps); err != nil {
		t.Fatalf("up: %v", err)
	}
	if len(h.spawned) != 0 {
		t.Fatalf("no task expected when assets are disabled")
	}
}

func listeningService(t *testing.T, cfg *config.Config) {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	host, port, _ := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	cfg.Service.Host = host
	cfg.Service.Port, _ = strconv.Atoi(port)
	cfg.Readiness.GraceDelay = 0
	cfg.Readiness.PollInterval = config.Duration(10 * time.Millisecond)
}

func TestAssetsDownloadsOncePerVolume(t *testing.T) {
	h := newHarness(t)
	listeningService(t, &h.cfg)
	h.cfg.Assets.Command = []string{"docker", "compose", "exec", "-T", "comfyui", "python3", "/opt/download_models.py"}
	h.cfg.Assets.Credential = "k"

	for i := 0; i < 2; i++ {
		if err := Assets(context.Background(), h.cfg, h.deps); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if n := h.calls("download_models.py"); n != 1 {
		t.Fatalf("download ran %d times", n)
	}
	cmds := h.run.Commands()
	if cmds[0].Env["CIVITAI_API_KEY"] != "k" || cmds[0].Dir != h.cfg.Service.ComposeDir {
		t.Fatalf("download command env/dir: %+v", cmds[0])
	}
	if ok, _ := marker.New(h.cfg.CompletionMarkerPath()).Exists(); !ok {
		t.Fatalf("completion marker missing")
	}
}

func TestAssetsFailureLeavesMarkerAbsent(t *testing.T) {
	h := newHarness(t)
	listeningService(t, &h.cfg)
	h.cfg.Assets.Command = []string{"fetch-models"}
	h.run.On("fetch-models", "", fmt.Errorf("exit status 1"))
	err := Assets(context.Background(), h.cfg, h.deps)
	if err == nil || ExitCode(err) != ExitOther {
		t.Fatalf("expected download error, got %v", err)
	}
	if ok, _ := marker.New(h.cfg.CompletionMarkerPath()).Exists(); ok {
		t.Fatalf("marker must stay absent after a failure")
	}
}

func TestAssetsWithoutSource(t *testing.T) {
	h := newHarness(t)
	if err := Assets(context.Background(), h.cfg, h.deps); !errors.Is(err, ErrNoAssetSource) {
		t.Fatalf("expected ErrNoAssetSource, got %v", err)
	}
	h.cfg.Assets.Enabled = false
	if err := Assets(context.Background(), h.cfg, h.deps); err != nil {
		t.Fatalf("disabled assets should be a no-op: %v", err)
	}
}

func TestDownloaderPrefersManifest(t *testing.T) {
	h := newHarness(t)
	h.cfg.Assets.Command = []string{"fetch"}
	h.cfg.Assets.Manifest = []config.AssetEntry{{Category: "vae", Filename: "a.safetensors", URL: "http://example.invalid/a"}}
	dl, err := Downloader(h.cfg, h.deps)
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprintf("%T", dl) != "*assets.ManifestDownloader" {
		t.Fatalf("downloader=%T", dl)
	}
}

func TestReset(t *testing.T) {
	h := newHarness(t)
	cp := marker.New(h.cfg.CheckpointPath())
	done := marker.New(h.cfg.CompletionMarkerPath())
	for _, m := range []marker.Marker{cp, done} {
		if err := m.Set("x"); err != nil {
			t.Fatal(err)
		}
	}
	removed, err := Reset(h.cfg, false, true)
	if err != nil || len(removed) != 1 || removed[0] != done.Path {
		t.Fatalf("reset assets: %v %v", removed, err)
	}
	if ok, _ := cp.Exists(); !ok {
		t.Fatalf("checkpoint should be kept")
	}
	removed, err = Reset(h.cfg, false, false)
	if err != nil || len(removed) != 1 || removed[0] != cp.Path {
		t.Fatalf("reset all: %v %v", removed, err)
	}
}

func TestStatusSource(t *testing.T) {
	h := newHarness(t)
	src, closeFn := Source(context.Background(), h.cfg, h.deps)
	defer closeFn()
	r := src.Report(context.Background())
	if r.Service.Running == nil || !*r.Service.Running {
		t.Fatalf("engine state missing from report: %+v", r.Service)
	}
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{phase.ErrRebootRequired, ExitOK},
		{&config.ValidationError{Problems: []string{"x"}}, ExitUsage},
		{&UsageError{Err: errors.New("bad flag")}, ExitUsage},
		{fmt.Errorf("up: %w", &lockres.LockTimeoutError{Attempts: 3}), ExitLockTimeout},
		{&phase.PhaseError{Phase: "runtime", Step: "apply", Err: errors.New("x")}, ExitPhase},
		{&service.CapabilityError{Capability: "docker compose plugin"}, ExitCapability},
		{errors.New("boom"), ExitOther},
	}
	for i, c := range cases {
		if got := ExitCode(c.err); got != c.want {
			t.Fatalf("case %d (%v): got %d want %d", i, c.err, got, c.want)
		}
	}
	if Outcome(phase.ErrRebootRequired) != "reboot" || Outcome(nil) != "success" {
		t.Fatalf("unexpected outcome labels")
	}
	for _, err := range []error{&UsageError{Err: cloud.ErrNoToken}, fmt.Errorf("deploy: %w", cloud.ErrNoCapacity), cloud.ErrNotReady} {
		if Hint(err) == "" {
			t.Fatalf("no hint for %v", err)
		}
	}
	if ExitCode(&UsageError{Err: cloud.ErrNoToken}) != ExitUsage {
		t.Fatalf("a missing token is a usage error")
	}
}
