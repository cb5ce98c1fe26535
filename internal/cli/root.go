package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"gpuboot/internal/config"
	"gpuboot/internal/launch"
	"gpuboot/internal/logging"
	"gpuboot/internal/metrics"
	"gpuboot/internal/orchestrator"
	"gpuboot/internal/prompt"
	"gpuboot/internal/status"
)

// Flags shared by the command tree.
type Flags struct {
	ConfigPath     string
	LogLevel       string
	NonInteractive bool
	Reboot         bool
	JSON           bool
	Listen         string
	Checkpoint     bool
	Assets         bool
	VRAM           int
	Cloud          CloudFlags
}

// session is the per-invocation state built from flags and config.
type session struct {
	cfg config.Config
	log zerolog.Logger
	rec *metrics.Recorder
}

// load resolves the configuration and applies flag overrides. Every
// failure here is a usage error.
func load(f *Flags, jsonLogs bool) (*session, error) {
	cfg, err := fnResolveConfig(f.ConfigPath)
	if err != nil {
		return nil, &orchestrator.UsageError{Err: err}
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	if f.NonInteractive {
		cfg.NonInteractive = true
	}
	var log zerolog.Logger
	if !jsonLogs && isTerminal(stderr) {
		log = logging.NewConsole(cfg.LogLevel, stderr)
	} else {
		log = logging.New(cfg.LogLevel, stderr)
	}
	return &session{cfg: cfg, log: log, rec: metrics.New()}, nil
}

// finish records the run outcome and writes the textfile when configured.
func (s *session) finish(command, outcome string) {
	s.rec.Finished(command, outcome)
	if err := s.rec.WriteTextfile(s.cfg.Metrics.Textfile); err != nil {
		s.log.Warn().Err(err).Str("path", s.cfg.Metrics.Textfile).Msg("could not write metrics textfile")
	}
}

// prompter asks on the terminal. Without a terminal on stdin nobody can
// answer, so every confirmation is declined; only -y approves them.
func (s *session) prompter() prompt.Prompter {
	if !isTerminal(stdin) {
		return prompt.Unattended{Answer: false}
	}
	return prompt.NewTerminal(stdin, stdout)
}

func (s *session) deps() orchestrator.Deps {
	return fnDeps(s.log, s.rec, s.prompter(), stdout)
}

// buildRootCmd constructs the command tree. started is set once a command
// body runs, which separates usage errors from run failures.
func buildRootCmd(ctx context.Context, f *Flags, started *bool) *cobra.Command {
	root := &cobra.Command{
		Use:           "gpuboot",
		Short:         "Provision a GPU host and start the inference service",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = cmd.Usage()
			return &orchestrator.UsageError{Err: errors.New("a command is required")}
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			*started = true
		},
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &orchestrator.UsageError{Err: err}
	})

	root.PersistentFlags().StringVar(&f.ConfigPath, "config", "", "Config file (.yaml, .json or .toml)")
	root.PersistentFlags().StringVar(&f.LogLevel, "log-level", "", "Log level: debug|info|warn|error (defaults GPUBOOT_LOG_LEVEL or info)")

	upCmd := &cobra.Command{
		Use:     "up",
		Short:   "Install the toolchain, runtime and firewall, then start the service",
		Example: "  gpuboot up\n  gpuboot up -y --reboot --config /etc/gpuboot.yaml",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := load(f, false)
			if err != nil {
				return err
			}
			opts := orchestrator.UpOptions{ConfigPath: f.ConfigPath, NonInteractive: s.cfg.NonInteractive, Reboot: f.Reboot}
			res, err := fnUp(ctx, s.cfg, opts, s.deps())
			outcome := orchestrator.Outcome(err)
			if err == nil && res.RebootRequired {
				outcome = "reboot"
			}
			s.finish("up", outcome)
			return err
		},
	}
	upCmd.Flags().BoolVarP(&f.NonInteractive, "non-interactive", "y", false, "Never prompt; clear stale package locks automatically")
	upCmd.Flags().BoolVar(&f.Reboot, "reboot", false, "Reboot immediately when a reboot is required")

	assetsCmd := &cobra.Command{
		Use:   "assets",
		Short: "Download model assets once the service is listening (runs in the background after up)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := load(f, true)
			if err != nil {
				return err
			}
			s.cfg.NonInteractive = true
			err = fnAssets(ctx, s.cfg, s.deps())
			s.finish("assets", orchestrator.Outcome(err))
			return err
		},
	}

	statusCmd := &cobra.Command{
		Use:     "status",
		Short:   "Report provisioning progress",
		Example: "  gpuboot status --json\n  gpuboot status --listen :9400",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := load(f, false)
			if err != nil {
				return err
			}
			src, closeFn := fnSource(ctx, s.cfg, s.deps())
			defer closeFn()
			listen := f.Listen
			if listen == "" {
				listen = s.cfg.Status.Listen
			}
			if listen != "" {
				return fnServe(ctx, listen, status.NewMux(src, s.rec.Registry(), s.cfg.Status.CORSOrigins), s.log)
			}
			return printReport(cmd.OutOrStdout(), src.Report(ctx), f.JSON)
		},
	}
	statusCmd.Flags().BoolVar(&f.JSON, "json", false, "Print the report as JSON")
	statusCmd.Flags().StringVar(&f.Listen, "listen", "", "Serve /healthz, /status and /metrics on this address")

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Remove the reboot checkpoint and/or the asset completion marker",
		Long:  "Remove persisted markers so the next run redoes that work. With no selection both are removed.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := load(f, false)
			if err != nil {
				return err
			}
			removed, err := fnReset(s.cfg, f.Checkpoint, f.Assets)
			if err != nil {
				return err
			}
			if len(removed) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to reset")
			}
			for _, p := range removed {
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", p)
			}
			return nil
		},
	}
	resetCmd.Flags().BoolVar(&f.Checkpoint, "checkpoint", false, "Remove the reboot checkpoint")
	resetCmd.Flags().BoolVar(&f.Assets, "assets", false, "Remove the asset completion marker")

	flagsCmd := &cobra.Command{
		Use:     "flags",
		Short:   "Print the service launch flags for this GPU",
		Example: "  gpuboot flags\n  gpuboot flags --vram 16384",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.VRAM < 0 {
				return &orchestrator.UsageError{Err: fmt.Errorf("--vram must be >= 0, got %d", f.VRAM)}
			}
			var lc launch.LaunchConfig
			if f.VRAM > 0 {
				lc = launch.SelectFlags(f.VRAM)
			} else {
				lc = launch.Configure(ctx, fnQuerier(), logging.New(f.LogLevel, stderr), nil)
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(lc.Flags(), " "))
			return nil
		},
	}
	flagsCmd.Flags().IntVar(&f.VRAM, "vram", 0, "Total VRAM in MiB instead of querying the GPU")

	completionCmd := &cobra.Command{Use: "completion", Short: "Generate the autocompletion script for the specified shell"}
	completionCmd.AddCommand(&cobra.Command{Use: "bash", Short: "Bash completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenBashCompletion(cmd.OutOrStdout()) }})
	completionCmd.AddCommand(&cobra.Command{Use: "zsh", Short: "Zsh completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenZshCompletion(cmd.OutOrStdout()) }})
	completionCmd.AddCommand(&cobra.Command{Use: "fish", Short: "Fish completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenFishCompletion(cmd.OutOrStdout(), true) }})
	completionCmd.AddCommand(&cobra.Command{Use: "powershell", Short: "PowerShell completion", RunE: func(cmd *cobra.Command, args []string) error {
		return root.GenPowerShellCompletionWithDesc(cmd.OutOrStdout())
	}})

	root.AddCommand(upCmd, assetsCmd, statusCmd, resetCmd, flagsCmd, buildCloudCmd(ctx, f), completionCmd)
	return root
}

func printReport(w io.Writer, r status.Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	fmt.Fprintf(w, "stage:       %s\n", r.Stage)
	if r.Checkpoint.Present {
		fmt.Fprintf(w, "checkpoint:  present (after %s; run `gpuboot up` to continue)\n", r.Checkpoint.Phase)
	} else {
		fmt.Fprintln(w, "checkpoint:  none")
	}
	switch {
	case r.Assets.Complete:
		fmt.Fprintf(w, "assets:      complete (%s)\n", r.Assets.CompletedAt)
	case r.Assets.TaskRunning:
		fmt.Fprintf(w, "assets:      downloading (pid %d)\n", r.Assets.TaskPID)
	default:
		fmt.Fprintln(w, "assets:      not downloaded")
	}
	running := "unknown"
	if r.Service.Running != nil {
		running = fmt.Sprintf("%t", *r.Service.Running)
	}
	fmt.Fprintf(w, "service:     %s:%d reachable=%t container_running=%s\n", r.Service.Host, r.Service.Port, r.Service.Reachable, running)
	return nil
}
