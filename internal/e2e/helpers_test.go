package e2e

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"gpuboot/internal/config"
	"gpuboot/internal/execx"
	"gpuboot/internal/metrics"
	"gpuboot/internal/orchestrator"
)

// assetHost serves file bodies by path and counts requests.
type assetHost struct {
	mu    sync.Mutex
	files map[string]string
	hits  int
	srv   *httptest.Server
}

func newAssetHost(t *testing.T, files map[string]string) *assetHost {
	t.Helper()
	a := &assetHost{files: map[string]string{}}
	for p, b := range files {
		a.files[p] = b
	}
	a.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		a.hits++
		body, ok := a.files[r.URL.Path]
		a.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(a.srv.Close)
	return a
}

func (a *assetHost) put(path, body string) {
	a.mu.Lock()
	a.files[path] = body
	a.mu.Unlock()
}

func (a *assetHost) total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hits
}

// serviceStandIn listens like the inference service and returns its port.
func serviceStandIn(t *testing.T) int {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	_, port, _ := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	n, _ := strconv.Atoi(port)
	return n
}

// writeConfig writes a YAML config file and resolves it the way the CLI does.
func writeConfig(t *testing.T, body string) config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gpuboot.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Resolve(path)
	if err != nil {
		t.Fatalf("resolve config: %v", err)
	}
	return cfg
}

func deps(rec *metrics.Recorder) orchestrator.Deps {
	return orchestrator.Deps{Run: execx.NewFakeRunner(), Log: zerolog.Nop(), Metrics: rec}
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func yamlConfig(stateDir, dataDir string, port int, assetURL string) string {
	return fmt.Sprintf(`state_dir: %s
service:
  host: 127.0.0.1
  port: %d
readiness:
  max_attempts: 5
  poll_interval: 10ms
  grace_delay: 0s
  dial_timeout: 200ms
assets:
  enabled: true
  data_dir: %s
  retries: 0
  manifest:
    - category: checkpoints
      filename: base.safetensors
      url: %s/files/base.safetensors
    - category: vae
      filename: vae.safetensors
      url: %s/files/vae.safetensors
`, stateDir, port, dataDir, assetURL, assetURL)
}
