package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gpuboot"

// Recorder owns the collectors of one process. All methods are safe on a nil
// receiver so components can run without metrics in tests.
type Recorder struct {
	reg *prometheus.Registry

	lockAttempts    prometheus.Counter
	lockActions     *prometheus.CounterVec
	phaseActions    *prometheus.CounterVec
	phaseDuration   *prometheus.HistogramVec
	readinessWait   *prometheus.HistogramVec
	downloads       *prometheus.CounterVec
	downloadedBytes prometheus.Counter
	vramTier        *prometheus.GaugeVec
	cloudRequests   *prometheus.CounterVec
	lastRun         *prometheus.GaugeVec
}

// New creates a Recorder backed by a fresh registry.
func New() *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		lockAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "scan_attempts_total",
			Help:      "Package-manager lock scans performed",
		}),
		lockActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "actions_total",
			Help:      "Actions taken on contended lock files",
		}, []string{"action"}),
		phaseActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "phase",
			Name:      "runs_total",
			Help:      "Phase outcomes by phase name",
		}, []string{"phase", "outcome"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "phase",
			Name:      "action_duration_seconds",
			Help:      "Duration of phase actions in seconds",
			Buckets:   []float64{1, 5, 15, 60, 180, 600, 1800},
		}, []string{"phase"}),
		readinessWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "readiness",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for the service port",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"ready"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assets",
			Name:      "runs_total",
			Help:      "Asset provisioning outcomes",
		}, []string{"outcome"}),
		downloadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assets",
			Name:      "downloaded_bytes_total",
			Help:      "Bytes written by the manifest downloader",
		}),
		vramTier: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "launch",
			Name:      "vram_tier",
			Help:      "Selected launch tier (1 for the active tier)",
		}, []string{"tier"}),
		cloudRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cloud",
			Name:      "requests_total",
			Help:      "Cloud provider API requests by operation and HTTP status class",
		}, []string{"operation", "code"}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time a command last finished, by command and result",
		}, []string{"command", "result"}),
	}
	r.reg.MustRegister(r.lockAttempts, r.lockActions, r.phaseActions, r.phaseDuration,
		r.readinessWait, r.downloads, r.downloadedBytes, r.vramTier, r.cloudRequests, r.lastRun)
	return r
}

// Registry exposes the underlying registry for HTTP exposition.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}

func (r *Recorder) LockAttempt() {
	if r == nil {
		return
	}
	r.lockAttempts.Inc()
}

// LockAction counts wait, terminate, remove and decline decisions.
func (r *Recorder) LockAction(action string) {
	if r == nil {
		return
	}
	r.lockActions.WithLabelValues(action).Inc()
}

// Phase records a phase outcome: skipped, applied, failed, resumed.
func (r *Recorder) Phase(name, outcome string, took time.Duration) {
	if r == nil {
		return
	}
	r.phaseActions.WithLabelValues(name, outcome).Inc()
	if outcome == "applied" || outcome == "failed" {
		r.phaseDuration.WithLabelValues(name).Observe(took.Seconds())
	}
}

func (r *Recorder) ReadinessWait(ready bool, took time.Duration) {
	if r == nil {
		return
	}
	label := "false"
	if ready {
		label = "true"
	}
	r.readinessWait.WithLabelValues(label).Observe(took.Seconds())
}

// Download records an asset run outcome: skipped, succeeded, failed.
func (r *Recorder) Download(outcome string) {
	if r == nil {
		return
	}
	r.downloads.WithLabelValues(outcome).Inc()
}

func (r *Recorder) DownloadedBytes(n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.downloadedBytes.Add(float64(n))
}

// VRAMTier marks tier as the active launch tier.
func (r *Recorder) VRAMTier(tier string) {
	if r == nil {
		return
	}
	r.vramTier.Reset()
	r.vramTier.WithLabelValues(tier).Set(1)
}

// CloudRequest counts one provider API call. code is the status class
// ("2xx", "5xx") or "error" when no response arrived.
func (r *Recorder) CloudRequest(operation, code string) {
	if r == nil {
		return
	}
	r.cloudRequests.WithLabelValues(operation, code).Inc()
}

func (r *Recorder) Finished(command, result string) {
	if r == nil {
		return
	}
	r.lastRun.WithLabelValues(command, result).SetToCurrentTime()
}

// WriteTextfile writes the registry in the node-exporter textfile format.
// An empty path is a no-op.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.reg)
}
