package cloud

import (
	"bytes"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"text/template"
)

// SetupLog is where the setup script on the instance writes its output.
const SetupLog = "/var/log/gpuboot-setup.log"

// Bootstrap is what the first-boot script installs on the instance.
type Bootstrap struct {
	// BinaryURL is downloaded to /usr/local/bin/gpuboot.
	BinaryURL string
	// Config is the raw configuration file shipped to the instance. The
	// extension of ConfigName picks its format there. Both are optional.
	Config     []byte
	ConfigName string
	// Env holds secrets for the provisioning run, for example
	// CIVITAI_API_KEY. They are written to a root-only environment file.
	Env map[string]string
}

const (
	configDelim = "GPUBOOT_CONFIG"
	envDelim    = "GPUBOOT_ENV"
)

// The unit runs `up` on every boot: the first run halts for the driver
// reboot, the next one resumes from the checkpoint, later ones only
// confirm the host and restart the service.
var setupTemplate = template.Must(template.New("setup").Funcs(template.FuncMap{"quote": shellQuote}).Parse(`#!/bin/bash
set -euo pipefail
exec > >(tee -a {{.Log}}) 2>&1
echo "gpuboot setup started: $(date)"
export DEBIAN_FRONTEND=noninteractive

install -d -m 0755 /etc/gpuboot
curl -fsSL --retry 5 -o /usr/local/bin/gpuboot {{quote .BinaryURL}}
chmod 0755 /usr/local/bin/gpuboot
{{- if .ConfigPath}}
cat > {{.ConfigPath}} <<'` + configDelim + `'
{{.Config}}
` + configDelim + `
{{- end}}

umask 077
cat > /etc/gpuboot/env <<'` + envDelim + `'
{{- range .Env}}
{{.}}
{{- end}}
` + envDelim + `
umask 022

cat > /etc/systemd/system/gpuboot-up.service <<'GPUBOOT_UNIT'
[Unit]
Description=Provision the GPU host and start the inference service
Wants=network-online.target
After=network-online.target

[Service]
Type=oneshot
RemainAfterExit=yes
EnvironmentFile=/etc/gpuboot/env
ExecStart=/usr/local/bin/gpuboot up -y --reboot{{if .ConfigPath}} --config {{.ConfigPath}}{{end}}
StandardOutput=append:{{.Log}}
StandardError=append:{{.Log}}

[Install]
WantedBy=multi-user.target
GPUBOOT_UNIT

systemctl daemon-reload
systemctl enable gpuboot-up.service
systemctl start --no-block gpuboot-up.service
echo "gpuboot setup handed over to gpuboot-up.service: $(date)"
`))

// Script renders the first-boot shell script.
func (b Bootstrap) Script() (string, error) {
	if strings.TrimSpace(b.BinaryURL) == "" {
		return "", fmt.Errorf("cloud.binary_url must point at a gpuboot binary the instance can download")
	}
	data := struct {
		Log        string
		BinaryURL  string
		Config     string
		ConfigPath string
		Env        []string
	}{Log: SetupLog, BinaryURL: b.BinaryURL}

	if len(b.Config) > 0 {
		ext := strings.ToLower(filepath.Ext(b.ConfigName))
		switch ext {
		case ".yaml", ".yml", ".json", ".toml":
		default:
			ext = ".yaml"
		}
		content := strings.TrimRight(string(b.Config), "\n")
		if containsLine(content, configDelim) {
			return "", fmt.Errorf("config file contains the line %q", configDelim)
		}
		data.Config, data.ConfigPath = content, "/etc/gpuboot/gpuboot"+ext
	}

	// non-interactive on the instance; the unit passes -y and --reboot too
	data.Env = []string{"GPUBOOT_NON_INTERACTIVE=true"}
	for _, k := range slices.Sorted(maps.Keys(b.Env)) {
		line, err := envLine(k, b.Env[k])
		if err != nil {
			return "", err
		}
		data.Env = append(data.Env, line)
	}

	var buf bytes.Buffer
	if err := setupTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render setup script: %w", err)
	}
	return buf.String(), nil
}

// envLine formats KEY="value" for a systemd EnvironmentFile.
func envLine(k, v string) (string, error) {
	if k == "" || strings.ContainsAny(k, "= \t\n") {
		return "", fmt.Errorf("invalid environment name %q", k)
	}
	if strings.ContainsAny(v, "\n\r") {
		return "", fmt.Errorf("value of %s must be a single line", k)
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return k + `="` + v + `"`, nil
}

// shellQuote wraps s in single quotes for bash.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func containsLine(s, line string) bool {
	for _, l := range strings.Split(s, "\n") {
		if l == line {
			return true
		}
	}
	return false
}
