package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Defaults applied by Default. Polling defaults match what a fresh cloud
// instance needs: unattended-upgrades commonly holds the dpkg lock for a few
// minutes after boot, and the inference service takes tens of seconds to bind.
const (
	DefaultStateDir          = "/var/lib/gpuboot"
	DefaultLockAttempts      = 60
	DefaultLockInterval      = 5 * time.Second
	DefaultTerminateGrace    = 3 * time.Second
	DefaultMinCUDA           = "12.8"
	DefaultServicePort       = 8188
	DefaultReadinessAttempts = 60
	DefaultPollInterval      = 5 * time.Second
	DefaultGraceDelay        = 10 * time.Second
	DefaultDialTimeout       = time.Second
	DefaultSetupPollInterval = 10 * time.Second
	DefaultDownloadRetries   = 3
	DefaultMarkerName        = ".models_downloaded"
	// DefaultKeyringURL targets Ubuntu 24.04; the toolchain phase swaps the
	// distribution segment for the running host unless it is overridden.
	DefaultCloudAPIURL = "https://dashboard.tensordock.com/api/v2"
	DefaultKeyringURL  = "https://developer.download.nvidia.com/compute/cuda/repos/ubuntu2404/x86_64/cuda-keyring_1.1-1_all.deb"

	InboundAllow = "allow"
	InboundDeny  = "deny"
)

// Config holds every tunable of a provisioning run. It is built once by
// Resolve and passed explicitly to each component.
type Config struct {
	LogLevel       string `json:"log_level" yaml:"log_level" toml:"log_level" env:"GPUBOOT_LOG_LEVEL"`
	NonInteractive bool   `json:"non_interactive" yaml:"non_interactive" toml:"non_interactive" env:"GPUBOOT_NON_INTERACTIVE"`
	// StateDir holds the reboot checkpoint. It must survive reboots and live
	// outside the service's working directory.
	StateDir string `json:"state_dir" yaml:"state_dir" toml:"state_dir" env:"GPUBOOT_STATE_DIR"`

	Lock      LockConfig      `json:"lock" yaml:"lock" toml:"lock"`
	Toolchain ToolchainConfig `json:"toolchain" yaml:"toolchain" toml:"toolchain"`
	Runtime   RuntimeConfig   `json:"runtime" yaml:"runtime" toml:"runtime"`
	Firewall  FirewallConfig  `json:"firewall" yaml:"firewall" toml:"firewall"`
	Service   ServiceConfig   `json:"service" yaml:"service" toml:"service"`
	Readiness ReadinessConfig `json:"readiness" yaml:"readiness" toml:"readiness"`
	Assets    AssetsConfig    `json:"assets" yaml:"assets" toml:"assets"`
	Reboot    RebootConfig    `json:"reboot" yaml:"reboot" toml:"reboot"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics" toml:"metrics"`
	Status    StatusConfig    `json:"status" yaml:"status" toml:"status"`
	Cloud     CloudConfig     `json:"cloud" yaml:"cloud" toml:"cloud"`
}

type LockConfig struct {
	Files                  []string `json:"files" yaml:"files" toml:"files"`
	PackageManagerPrefixes []string `json:"package_manager_prefixes" yaml:"package_manager_prefixes" toml:"package_manager_prefixes"`
	MaxAttempts            int      `json:"max_attempts" yaml:"max_attempts" toml:"max_attempts" env:"GPUBOOT_LOCK_MAX_ATTEMPTS"`
	RetryInterval          Duration `json:"retry_interval" yaml:"retry_interval" toml:"retry_interval" env:"GPUBOOT_LOCK_RETRY_INTERVAL"`
	// TerminateGrace is how long a rogue holder gets between SIGTERM and SIGKILL.
	TerminateGrace Duration `json:"terminate_grace" yaml:"terminate_grace" toml:"terminate_grace"`
}

type ToolchainConfig struct {
	MinVersion string   `json:"min_version" yaml:"min_version" toml:"min_version" env:"GPUBOOT_CUDA_MIN_VERSION"`
	NvccPath   string   `json:"nvcc_path" yaml:"nvcc_path" toml:"nvcc_path"`
	KeyringURL string   `json:"keyring_url" yaml:"keyring_url" toml:"keyring_url"`
	Packages   []string `json:"packages" yaml:"packages" toml:"packages"`
}

type RuntimeConfig struct {
	Packages       []string `json:"packages" yaml:"packages" toml:"packages"`
	ToolkitKeyURL  string   `json:"toolkit_key_url" yaml:"toolkit_key_url" toml:"toolkit_key_url"`
	ToolkitListURL string   `json:"toolkit_list_url" yaml:"toolkit_list_url" toml:"toolkit_list_url"`
}

// FirewallConfig controls the firewall phase. InboundPolicy "allow" accepts
// all inbound traffic, which is how rented GPU hosts behind a provider
// firewall are usually run; "deny" opens only AllowPorts and the service port.
type FirewallConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled" toml:"enabled" env:"GPUBOOT_FIREWALL_ENABLED"`
	InboundPolicy string `json:"inbound_policy" yaml:"inbound_policy" toml:"inbound_policy" env:"GPUBOOT_FIREWALL_INBOUND_POLICY"`
	AllowPorts    []int  `json:"allow_ports" yaml:"allow_ports" toml:"allow_ports"`
}

type ServiceConfig struct {
	Name       string `json:"name" yaml:"name" toml:"name"`
	ComposeDir string `json:"compose_dir" yaml:"compose_dir" toml:"compose_dir" env:"GPUBOOT_COMPOSE_DIR"`
	// Container is the compose container name, used to inspect run state.
	Container string `json:"container" yaml:"container" toml:"container"`
	Host      string `json:"host" yaml:"host" toml:"host"`
	Port      int    `json:"port" yaml:"port" toml:"port" env:"GPUBOOT_SERVICE_PORT"`
	// FlagsEnv names the variable through which launch flags reach the container.
	FlagsEnv string `json:"flags_env" yaml:"flags_env" toml:"flags_env"`
	Build    bool   `json:"build" yaml:"build" toml:"build"`
}

type ReadinessConfig struct {
	MaxAttempts  int      `json:"max_attempts" yaml:"max_attempts" toml:"max_attempts"`
	PollInterval Duration `json:"poll_interval" yaml:"poll_interval" toml:"poll_interval"`
	GraceDelay   Duration `json:"grace_delay" yaml:"grace_delay" toml:"grace_delay"`
	DialTimeout  Duration `json:"dial_timeout" yaml:"dial_timeout" toml:"dial_timeout"`
}

type AssetsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" toml:"enabled" env:"GPUBOOT_ASSETS_ENABLED"`
	// DataDir is inside the service's persistent volume; the completion
	// marker lives here so it follows the downloaded files.
	DataDir           string       `json:"data_dir" yaml:"data_dir" toml:"data_dir" env:"GPUBOOT_ASSETS_DIR"`
	MarkerName        string       `json:"marker_name" yaml:"marker_name" toml:"marker_name"`
	SetupReadyFile    string       `json:"setup_ready_file" yaml:"setup_ready_file" toml:"setup_ready_file"`
	SetupPollInterval Duration     `json:"setup_poll_interval" yaml:"setup_poll_interval" toml:"setup_poll_interval"`
	LogFile           string       `json:"log_file" yaml:"log_file" toml:"log_file" env:"GPUBOOT_ASSETS_LOG"`
	Command           []string     `json:"command" yaml:"command" toml:"command"`
	Manifest          []AssetEntry `json:"manifest" yaml:"manifest" toml:"manifest"`
	Retries           int          `json:"retries" yaml:"retries" toml:"retries"`
	Credential        string       `json:"credential" yaml:"credential" toml:"credential" env:"CIVITAI_API_KEY"`
	HFToken           string       `json:"hf_token" yaml:"hf_token" toml:"hf_token" env:"HF_TOKEN"`
}

// AssetEntry is one file of the download manifest. Exactly one of URL,
// HuggingFace, or CivitAI names the source.
type AssetEntry struct {
	Category    string         `json:"category" yaml:"category" toml:"category"`
	Filename    string         `json:"filename" yaml:"filename" toml:"filename"`
	URL         string         `json:"url,omitempty" yaml:"url,omitempty" toml:"url,omitempty"`
	HuggingFace *HFSource      `json:"huggingface,omitempty" yaml:"huggingface,omitempty" toml:"huggingface,omitempty"`
	CivitAI     *CivitAISource `json:"civitai,omitempty" yaml:"civitai,omitempty" toml:"civitai,omitempty"`
}

type HFSource struct {
	Repo     string `json:"repo" yaml:"repo" toml:"repo"`
	File     string `json:"file" yaml:"file" toml:"file"`
	Revision string `json:"revision,omitempty" yaml:"revision,omitempty" toml:"revision,omitempty"`
}

type CivitAISource struct {
	ModelID   int `json:"model_id,omitempty" yaml:"model_id,omitempty" toml:"model_id,omitempty"`
	VersionID int `json:"version_id,omitempty" yaml:"version_id,omitempty" toml:"version_id,omitempty"`
}

type RebootConfig struct {
	Auto    bool     `json:"auto" yaml:"auto" toml:"auto" env:"GPUBOOT_REBOOT"`
	Command []string `json:"command" yaml:"command" toml:"command"`
}

type MetricsConfig struct {
	Textfile string `json:"textfile" yaml:"textfile" toml:"textfile" env:"GPUBOOT_METRICS_TEXTFILE"`
}

type StatusConfig struct {
	Listen      string   `json:"listen" yaml:"listen" toml:"listen" env:"GPUBOOT_STATUS_LISTEN"`
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
}

// CloudConfig drives the `gpuboot cloud` commands, which rent a GPU instance
// and bootstrap it with this tool. Only those commands read it.
type CloudConfig struct {
	APIURL string `json:"api_url" yaml:"api_url" toml:"api_url" env:"TENSORDOCK_API_URL"`
	Token  string `json:"token" yaml:"token" toml:"token" env:"TENSORDOCK_API_TOKEN"`
	// GPUModel is matched case-insensitively against the provider's GPU names.
	GPUModel  string `json:"gpu_model" yaml:"gpu_model" toml:"gpu_model"`
	GPUCount  int    `json:"gpu_count" yaml:"gpu_count" toml:"gpu_count"`
	VCPUs     int    `json:"vcpus" yaml:"vcpus" toml:"vcpus"`
	RAMGB     int    `json:"ram_gb" yaml:"ram_gb" toml:"ram_gb"`
	StorageGB int    `json:"storage_gb" yaml:"storage_gb" toml:"storage_gb"`
	Image     string `json:"image" yaml:"image" toml:"image"`
	// SSHKeyFile is the public key installed for root on the instance.
	SSHKeyFile string `json:"ssh_key_file" yaml:"ssh_key_file" toml:"ssh_key_file" env:"GPUBOOT_SSH_KEY_FILE"`
	// BinaryURL is where the instance downloads the gpuboot binary.
	BinaryURL    string   `json:"binary_url" yaml:"binary_url" toml:"binary_url" env:"GPUBOOT_BINARY_URL"`
	InfoFile     string   `json:"info_file" yaml:"info_file" toml:"info_file"`
	WaitTimeout  Duration `json:"wait_timeout" yaml:"wait_timeout" toml:"wait_timeout"`
	PollInterval Duration `json:"poll_interval" yaml:"poll_interval" toml:"poll_interval"`
}

// Default returns the configuration used when no file or env overrides it.
func Default() Config {
	return Config{
		LogLevel: "info",
		StateDir: DefaultStateDir,
		Lock: LockConfig{
			Files: []string{
				"/var/lib/dpkg/lock-frontend",
				"/var/lib/dpkg/lock",
				"/var/lib/apt/lists/lock",
				"/var/cache/apt/archives/lock",
			},
			// comm names are truncated to 15 bytes, hence "unattended-upgr".
			PackageManagerPrefixes: []string{"apt", "apt-get", "dpkg", "unattended-upgr", "packagekitd", "aptd"},
			MaxAttempts:            DefaultLockAttempts,
			RetryInterval:          Duration(DefaultLockInterval),
			TerminateGrace:         Duration(DefaultTerminateGrace),
		},
		Toolchain: ToolchainConfig{
			MinVersion: DefaultMinCUDA,
			NvccPath:   "/usr/local/cuda/bin/nvcc",
			KeyringURL: DefaultKeyringURL,
			Packages:   []string{"cuda-toolkit-12-8", "cuda-drivers"},
		},
		Runtime: RuntimeConfig{
			Packages:       []string{"docker.io", "docker-compose-v2", "nvidia-container-toolkit"},
			ToolkitKeyURL:  "https://nvidia.github.io/libnvidia-container/gpgkey",
			ToolkitListURL: "https://nvidia.github.io/libnvidia-container/stable/deb/nvidia-container-toolkit.list",
		},
		Firewall: FirewallConfig{
			Enabled:       true,
			InboundPolicy: InboundAllow,
			AllowPorts:    []int{22},
		},
		Service: ServiceConfig{
			Name:       "comfyui",
			ComposeDir: "/root/gpuboot-service",
			Container:  "comfyui",
			Host:       "127.0.0.1",
			Port:       DefaultServicePort,
			FlagsEnv:   "CLI_ARGS",
			Build:      true,
		},
		Readiness: ReadinessConfig{
			MaxAttempts:  DefaultReadinessAttempts,
			PollInterval: Duration(DefaultPollInterval),
			GraceDelay:   Duration(DefaultGraceDelay),
			DialTimeout:  Duration(DefaultDialTimeout),
		},
		Assets: AssetsConfig{
			Enabled:           true,
			DataDir:           "/workspace/ComfyUI/models",
			MarkerName:        DefaultMarkerName,
			SetupPollInterval: Duration(DefaultSetupPollInterval),
			LogFile:           "/var/log/gpuboot-assets.log",
			Retries:           DefaultDownloadRetries,
		},
		Reboot: RebootConfig{
			Command: []string{"systemctl", "reboot"},
		},
		Cloud: CloudConfig{
			APIURL:       DefaultCloudAPIURL,
			GPUModel:     "4090",
			GPUCount:     1,
			VCPUs:        8,
			RAMGB:        32,
			StorageGB:    200,
			Image:        "ubuntu2404",
			SSHKeyFile:   "~/.ssh/id_ed25519.pub",
			InfoFile:     "server_info.json",
			WaitTimeout:  Duration(5 * time.Minute),
			PollInterval: Duration(10 * time.Second),
		},
	}
}

// CheckpointPath is where the reboot checkpoint marker is persisted.
func (c Config) CheckpointPath() string { return filepath.Join(c.StateDir, "reboot-checkpoint") }

// CompletionMarkerPath is where the asset completion marker is persisted.
func (c Config) CompletionMarkerPath() string {
	name := c.Assets.MarkerName
	if name == "" {
		name = DefaultMarkerName
	}
	return filepath.Join(c.Assets.DataDir, name)
}

// Validate rejects configurations that cannot drive a run.
func (c Config) Validate() error {
	var problems []string
	if c.StateDir == "" {
		problems = append(problems, "state_dir must be set")
	}
	if c.Lock.MaxAttempts <= 0 {
		problems = append(problems, "lock.max_attempts must be > 0")
	}
	if c.Lock.RetryInterval < 0 {
		problems = append(problems, "lock.retry_interval must be >= 0")
	}
	if strings.TrimSpace(c.Toolchain.MinVersion) == "" {
		problems = append(problems, "toolchain.min_version must be set")
	}
	switch c.Firewall.InboundPolicy {
	case InboundAllow, InboundDeny:
	default:
		problems = append(problems, fmt.Sprintf("firewall.inbound_policy must be %q or %q, got %q", InboundAllow, InboundDeny, c.Firewall.InboundPolicy))
	}
	for _, p := range c.Firewall.AllowPorts {
		if p <= 0 || p > 65535 {
			problems = append(problems, fmt.Sprintf("firewall.allow_ports: invalid port %d", p))
		}
	}
	if c.Service.Port <= 0 || c.Service.Port > 65535 {
		problems = append(problems, fmt.Sprintf("service.port: invalid port %d", c.Service.Port))
	}
	if c.Service.Host == "" {
		problems = append(problems, "service.host must be set")
	}
	if c.Readiness.MaxAttempts <= 0 {
		problems = append(problems, "readiness.max_attempts must be > 0")
	}
	if c.Assets.Enabled && c.Assets.DataDir == "" {
		problems = append(problems, "assets.data_dir must be set when assets are enabled")
	}
	for i, e := range c.Assets.Manifest {
		if err := e.validate(); err != nil {
			problems = append(problems, fmt.Sprintf("assets.manifest[%d]: %v", i, err))
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (e AssetEntry) validate() error {
	if e.Category == "" || e.Filename == "" {
		return fmt.Errorf("category and filename are required")
	}
	if strings.ContainsAny(e.Filename, `/\`) || e.Filename == ".." || e.Filename == "." {
		return fmt.Errorf("filename %q must be a plain file name", e.Filename)
	}
	if strings.Contains(e.Category, "..") {
		return fmt.Errorf("category %q must not escape the data dir", e.Category)
	}
	n := 0
	if e.URL != "" {
		n++
	}
	if e.HuggingFace != nil {
		n++
		if e.HuggingFace.Repo == "" || e.HuggingFace.File == "" {
			return fmt.Errorf("huggingface source needs repo and file")
		}
	}
	if e.CivitAI != nil {
		n++
		if e.CivitAI.ModelID == 0 && e.CivitAI.VersionID == 0 {
			return fmt.Errorf("civitai source needs model_id or version_id")
		}
	}
	if n != 1 {
		return fmt.Errorf("exactly one of url, huggingface, civitai must be set")
	}
	return nil
}

// ValidationError lists every problem found by Validate.
type ValidationError struct{ Problems []string }

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Problems, "; ")
}
