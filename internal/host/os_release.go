package host

import (
	"fmt"
	"os"
	"runtime"
	"strings"
)

var osReleasePath = "/etc/os-release"

// OSRelease holds the fields of /etc/os-release this tool cares about.
type OSRelease struct {
	ID              string
	IDLike          []string
	VersionID       string
	VersionCodename string
}

// ParseOSRelease reads KEY=value lines, ignoring comments and quotes.
func ParseOSRelease(data string) OSRelease {
	var r OSRelease
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		v = strings.Trim(v, `"'`)
		switch k {
		case "ID":
			r.ID = strings.ToLower(v)
		case "ID_LIKE":
			r.IDLike = strings.Fields(strings.ToLower(v))
		case "VERSION_ID":
			r.VersionID = v
		case "VERSION_CODENAME":
			r.VersionCodename = v
		}
	}
	return r
}

// DebianLike reports whether apt is the native package manager.
func (r OSRelease) DebianLike() bool {
	if r.ID == "debian" || r.ID == "ubuntu" {
		return true
	}
	for _, l := range r.IDLike {
		if l == "debian" || l == "ubuntu" {
			return true
		}
	}
	return false
}

func readOSRelease() (OSRelease, error) {
	if runtime.GOOS != "linux" {
		return OSRelease{}, fmt.Errorf("unsupported OS %s", runtime.GOOS)
	}
	data, err := os.ReadFile(osReleasePath)
	if err != nil {
		return OSRelease{}, err
	}
	return ParseOSRelease(string(data)), nil
}

// RepoDistro returns the distribution segment NVIDIA's CUDA repositories use
// for this release ("ubuntu2204", "debian12"), or "" when unknown.
func (r OSRelease) RepoDistro() string {
	v := strings.TrimSpace(r.VersionID)
	if v == "" {
		return ""
	}
	switch r.ID {
	case "ubuntu":
		return "ubuntu" + strings.ReplaceAll(v, ".", "")
	case "debian":
		major, _, _ := strings.Cut(v, ".")
		return "debian" + major
	}
	return ""
}

// requireDebianLike fails early on hosts the apt-based installers cannot serve.
func requireDebianLike() (OSRelease, error) {
	rel, err := readOSRelease()
	if err != nil {
		return rel, fmt.Errorf("detect distribution: %w", err)
	}
	if !rel.DebianLike() {
		return rel, fmt.Errorf("installer supports Debian/Ubuntu hosts; on %q please install manually", rel.ID)
	}
	return rel, nil
}
