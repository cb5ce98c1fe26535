// Package status reports provisioning progress from the persisted markers
// and serves it over HTTP.
package status

import (
	"context"
	"path/filepath"
	"time"

	"gpuboot/internal/config"
	"gpuboot/internal/marker"
	"gpuboot/internal/readiness"
	"gpuboot/internal/service"
)

// Report is the JSON document served on /status and printed by
// `gpuboot status --json`.
type Report struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Stage       string           `json:"stage"`
	Checkpoint  CheckpointReport `json:"checkpoint"`
	Assets      AssetsReport     `json:"assets"`
	Service     ServiceReport    `json:"service"`
}

type CheckpointReport struct {
	Present bool   `json:"present"`
	Phase   string `json:"phase,omitempty"`
	Path    string `json:"path"`
}

type AssetsReport struct {
	Complete    bool   `json:"complete"`
	CompletedAt string `json:"completed_at,omitempty"`
	MarkerPath  string `json:"marker_path"`
	TaskPID     int    `json:"task_pid,omitempty"`
	TaskRunning bool   `json:"task_running"`
}

type ServiceReport struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Reachable bool   `json:"reachable"`
	// Running is nil when the container engine could not be asked.
	Running *bool `json:"running,omitempty"`
}

// Source produces a fresh Report.
type Source interface {
	Report(ctx context.Context) Report
}

// Gatherer builds reports from the configuration's marker paths and a
// quick dial of the service port.
type Gatherer struct {
	Cfg    config.Config
	Engine service.Engine
	now    func() time.Time
}

// PIDFile is where the background task's PID is recorded.
func PIDFile(cfg config.Config) string { return filepath.Join(cfg.StateDir, "assets.pid") }

func (g Gatherer) Report(ctx context.Context) Report {
	now := g.now
	if now == nil {
		now = time.Now
	}
	r := Report{GeneratedAt: now().UTC()}

	cp := marker.New(g.Cfg.CheckpointPath())
	r.Checkpoint.Path = cp.Path
	r.Checkpoint.Phase, r.Checkpoint.Present, _ = cp.Read()

	done := marker.New(g.Cfg.CompletionMarkerPath())
	r.Assets.MarkerPath = done.Path
	r.Assets.CompletedAt, r.Assets.Complete, _ = done.Read()
	r.Assets.TaskPID, r.Assets.TaskRunning, _ = service.BackgroundStatus(ctx, PIDFile(g.Cfg))

	r.Service.Host, r.Service.Port = g.Cfg.Service.Host, g.Cfg.Service.Port
	r.Service.Reachable = readiness.Reachable(ctx, g.Cfg.Service.Host, g.Cfg.Service.Port, g.Cfg.Readiness.DialTimeout.D())
	if g.Engine != nil {
		if running, err := g.Engine.ContainerRunning(ctx, g.Cfg.Service.Container); err == nil {
			r.Service.Running = &running
		}
	}
	r.Stage = stage(r)
	return r
}

// stage summarises the report in one word.
func stage(r Report) string {
	switch {
	case r.Checkpoint.Present:
		return "awaiting-reboot"
	case r.Assets.Complete && r.Service.Reachable:
		return "ready"
	case r.Assets.TaskRunning:
		return "provisioning-assets"
	case r.Service.Reachable:
		return "serving"
	default:
		return "not-running"
	}
}
