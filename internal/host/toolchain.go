package host

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/mod/semver"

	"gpuboot/internal/config"
	"gpuboot/internal/execx"
)

var nvccRelease = regexp.MustCompile(`release (\d+(?:\.\d+)*)`)

// Toolchain installs the CUDA toolkit and driver. A fresh driver needs a
// reboot before the GPU is usable.
type Toolchain struct {
	base
	Cfg config.ToolchainConfig
}

func NewToolchain(cfg config.ToolchainConfig, run execx.Runner, log zerolog.Logger) *Toolchain {
	return &Toolchain{base: base{Run: run, Log: log.With().Str("phase", "toolchain").Logger()}, Cfg: cfg}
}

// InstalledVersion returns the toolkit version reported by nvcc, or "" when
// no toolkit is installed.
func (t *Toolchain) InstalledVersion(ctx context.Context) string {
	candidates := []string{t.Cfg.NvccPath}
	if available("nvcc") {
		candidates = append(candidates, "nvcc")
	}
	for _, bin := range candidates {
		if bin == "" {
			continue
		}
		out, err := t.Run.Output(ctx, execx.Command(bin, "--version"))
		if err != nil {
			continue
		}
		if v := ParseNvccVersion(string(out)); v != "" {
			return v
		}
	}
	return ""
}

// ParseNvccVersion extracts "12.8" from nvcc's "release 12.8, V12.8.93" line.
func ParseNvccVersion(out string) string {
	m := nvccRelease.FindStringSubmatch(out)
	if m == nil {
		return ""
	}
	return m[1]
}

// AtLeast compares dotted versions numerically. A missing or malformed
// installed version never satisfies the minimum.
func AtLeast(have, want string) bool {
	h, m := canonical(have), canonical(want)
	if !semver.IsValid(h) || !semver.IsValid(m) {
		return false
	}
	return semver.Compare(h, m) >= 0
}

func canonical(v string) string {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if v == "" {
		return ""
	}
	parts := strings.Split(v, ".")
	for i, p := range parts {
		// semver rejects leading zeros, nvcc never prints them in a meaningful way
		p = strings.TrimLeft(p, "0")
		if p == "" {
			p = "0"
		}
		parts[i] = p
	}
	return "v" + strings.Join(parts, ".")
}

func (t *Toolchain) Satisfied(ctx context.Context) (bool, error) {
	have := t.InstalledVersion(ctx)
	if have == "" {
		t.Log.Info().Msg("CUDA toolkit not installed")
		return false, nil
	}
	ok := AtLeast(have, t.Cfg.MinVersion)
	t.Log.Info().Str("installed", have).Str("minimum", t.Cfg.MinVersion).Bool("satisfied", ok).Msg("CUDA toolkit version")
	return ok, nil
}

func (t *Toolchain) Apply(ctx context.Context) error {
	rel, err := requireDebianLike()
	if err != nil {
		return err
	}
	if !t.debInstalled(ctx, "cuda-keyring") {
		deb := filepath.Join(os.TempDir(), "cuda-keyring.deb")
		url := t.keyringURL(rel)
		t.Log.Info().Str("url", url).Msg("installing CUDA keyring")
		if err := t.Run.Run(ctx, execx.Command("curl", "-fsSL", "-o", deb, url)); err != nil {
			return fmt.Errorf("download CUDA keyring: %w", err)
		}
		if err := t.sudo(ctx, "dpkg", "-i", deb); err != nil {
			return fmt.Errorf("install CUDA keyring: %w", err)
		}
	} else {
		t.Log.Info().Msg("cuda-keyring already installed")
	}
	if err := t.aptUpdate(ctx); err != nil {
		return err
	}
	return t.aptInstall(ctx, t.Cfg.Packages...)
}

// keyringURL points the default keyring at the running distribution. A
// configured URL is used as given.
func (t *Toolchain) keyringURL(rel OSRelease) string {
	url := t.Cfg.KeyringURL
	if url == "" {
		url = config.DefaultKeyringURL
	} else if url != config.DefaultKeyringURL {
		return url
	}
	distro := rel.RepoDistro()
	if distro == "" {
		return url
	}
	return strings.Replace(url, "/ubuntu2404/", "/"+distro+"/", 1)
}

// Verify checks that the toolkit now reports an acceptable version. The
// driver itself only loads after the reboot.
func (t *Toolchain) Verify(ctx context.Context) error {
	have := t.InstalledVersion(ctx)
	if !AtLeast(have, t.Cfg.MinVersion) {
		return fmt.Errorf("nvcc reports %q after install, want >= %s", have, t.Cfg.MinVersion)
	}
	return nil
}
