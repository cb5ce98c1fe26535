// Package orchestrator wires the provisioning components into the flows run
// by the gpuboot commands.
package orchestrator

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"gpuboot/internal/config"
	"gpuboot/internal/execx"
	"gpuboot/internal/host"
	"gpuboot/internal/launch"
	"gpuboot/internal/lockres"
	"gpuboot/internal/marker"
	"gpuboot/internal/metrics"
	"gpuboot/internal/phase"
	"gpuboot/internal/prompt"
	"gpuboot/internal/service"
	"gpuboot/internal/status"
)

// Deps are the host-facing collaborators. Tests replace them with fakes.
type Deps struct {
	Run       execx.Runner
	Inspector lockres.Inspector
	Prompt    prompt.Prompter
	Querier   launch.Querier
	// NewEngine connects to the container engine.
	NewEngine func(ctx context.Context) (service.Engine, error)
	// Spawn starts the detached background task.
	Spawn func(s service.Spawner) (int, error)
	// Phases builds the host phases; host.Phases when nil.
	Phases func(cfg config.Config, run execx.Runner, log zerolog.Logger) []phase.Phase

	Log     zerolog.Logger
	Metrics *metrics.Recorder
	// Out receives operator-facing messages.
	Out io.Writer
}

// DefaultDeps returns the collaborators used on a real host.
func DefaultDeps(log zerolog.Logger, rec *metrics.Recorder, p prompt.Prompter, out io.Writer) Deps {
	return Deps{
		Run:       execx.NewOSRunner(log),
		Inspector: lockres.NewInspector(),
		Prompt:    p,
		Querier:   launch.DefaultQuerier(),
		NewEngine: service.NewDockerEngine,
		Spawn:     service.Spawner.Spawn,
		Phases:    host.Phases,
		Log:       log,
		Metrics:   rec,
		Out:       out,
	}
}

// UpOptions carry the command-line switches of `gpuboot up`.
type UpOptions struct {
	// ConfigPath is forwarded to the background task.
	ConfigPath     string
	NonInteractive bool
	// Reboot reboots without asking once the checkpoint is written.
	Reboot bool
}

// UpResult summarises an `up` run.
type UpResult struct {
	Phases         phase.Result
	RebootRequired bool
	Launch         launch.LaunchConfig
	// TaskPID is the background task's PID; 0 when none was started.
	TaskPID int
}

// Up provisions the host and starts the service. A reboot halt is not an
// error: the result reports it and the caller exits 0.
func Up(ctx context.Context, cfg config.Config, opts UpOptions, d Deps) (UpResult, error) {
	var out UpResult
	log := d.Log.With().Str("command", "up").Logger()

	var confirm lockres.Confirmer = d.Prompt
	switch {
	case opts.NonInteractive:
		confirm = prompt.Unattended{Answer: true}
	case d.Prompt == nil:
		confirm = prompt.Unattended{Answer: false}
	}
	resolver := lockres.New(cfg.Lock, d.Inspector, confirm, log, d.Metrics)
	lockOpts := lockres.OptionsFrom(cfg.Lock, opts.NonInteractive)

	phases := d.Phases
	if phases == nil {
		phases = host.Phases
	}
	checkpoint := marker.New(cfg.CheckpointPath())
	runner := &phase.Runner{
		Phases:     phases(cfg, d.Run, log),
		Checkpoint: &checkpoint,
		BeforeMutate: func(ctx context.Context) error {
			return resolver.Resolve(ctx, lockOpts)
		},
		Log:     log,
		Metrics: d.Metrics,
	}

	res, err := runner.Run(ctx)
	out.Phases = res
	if phase.IsRebootRequired(err) {
		out.RebootRequired = true
		return out, rebootHalt(ctx, cfg, opts, d, res)
	}
	if err != nil {
		return out, err
	}

	engine, err := d.NewEngine(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("container engine unavailable")
		engine = nil
	} else {
		defer engine.Close()
	}
	if err := service.CheckCapabilities(ctx, d.Run, engine); err != nil {
		return out, err
	}

	out.Launch = launch.Configure(ctx, d.Querier, log, d.Metrics)
	mgr := service.NewManager(cfg.Service, d.Run, engine, log)
	if err := mgr.Start(ctx, out.Launch); err != nil {
		return out, err
	}

	if !cfg.Assets.Enabled {
		log.Info().Msg("asset provisioning disabled")
		return out, nil
	}
	pid, err := startBackground(ctx, cfg, opts, d, log)
	if err != nil {
		return out, err
	}
	out.TaskPID = pid
	fmt.Fprintf(d.out(), "Service starting on %s:%d. Assets download in the background; log: %s\n",
		cfg.Service.Host, cfg.Service.Port, cfg.Assets.LogFile)
	return out, nil
}

// rebootHalt reports the halt and reboots when asked to. It returns an
// error only when the reboot command itself fails.
func rebootHalt(ctx context.Context, cfg config.Config, opts UpOptions, d Deps, res phase.Result) error {
	last := ""
	if n := len(res.Ran); n > 0 {
		last = res.Ran[n-1]
	}
	fmt.Fprintf(d.out(), "A reboot is required to finish the %s phase. After the reboot, run `gpuboot up` again to continue.\n", last)

	reboot := opts.Reboot || cfg.Reboot.Auto
	if !reboot && !opts.NonInteractive && d.Prompt != nil {
		ok, err := d.Prompt.Confirm("Reboot now?")
		if err != nil {
			d.Log.Warn().Err(err).Msg("no answer to reboot prompt; not rebooting")
		}
		reboot = ok
	}
	if !reboot || len(cfg.Reboot.Command) == 0 {
		return nil
	}
	d.Log.Info().Strs("command", cfg.Reboot.Command).Msg("rebooting")
	cmd := execx.MaybeSudo(execx.Command(cfg.Reboot.Command[0], cfg.Reboot.Command[1:]...))
	if err := d.Run.Run(ctx, cmd); err != nil {
		return fmt.Errorf("reboot: %w", err)
	}
	return nil
}

// startBackground spawns `gpuboot assets` unless a previous task is still
// alive.
func startBackground(ctx context.Context, cfg config.Config, opts UpOptions, d Deps, log zerolog.Logger) (int, error) {
	pidFile := status.PIDFile(cfg)
	if pid, running, err := service.BackgroundStatus(ctx, pidFile); err == nil && running {
		log.Info().Int("pid", pid).Msg("background asset task already running")
		return pid, nil
	}

	var env []string
	if key := collectCredential(cfg, opts, d); key != "" {
		env = append(env, "CIVITAI_API_KEY="+key)
	}
	args := []string{service.TaskCommand}
	if opts.ConfigPath != "" {
		args = append(args, "--config", opts.ConfigPath)
	}
	spawn := d.Spawn
	if spawn == nil {
		spawn = service.Spawner.Spawn
	}
	return spawn(service.Spawner{
		Args:    args,
		LogFile: cfg.Assets.LogFile,
		PIDFile: pidFile,
		Env:     env,
		Log:     log,
	})
}

// collectCredential asks for a CivitAI key when the manifest needs one and
// none is configured. Non-interactive runs skip the prompt.
func collectCredential(cfg config.Config, opts UpOptions, d Deps) string {
	if cfg.Assets.Credential != "" || opts.NonInteractive || d.Prompt == nil {
		return ""
	}
	needed := false
	for _, e := range cfg.Assets.Manifest {
		if e.CivitAI != nil {
			needed = true
			break
		}
	}
	if !needed {
		return ""
	}
	key, err := d.Prompt.Ask("CivitAI API key (leave empty to skip)")
	if err != nil {
		d.Log.Warn().Err(err).Msg("could not read CivitAI API key; continuing without it")
		return ""
	}
	return key
}

func (d Deps) out() io.Writer {
	if d.Out == nil {
		return io.Discard
	}
	return d.Out
}
