package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gpuboot/internal/assets"
	"gpuboot/internal/marker"
	"gpuboot/internal/metrics"
	"gpuboot/internal/orchestrator"
	"gpuboot/internal/status"
)

// TestE2E_AssetsThenStatus runs the background task from a YAML config
// against a listening service and an asset host, then reads the result
// back through the status endpoint.
func TestE2E_AssetsThenStatus(t *testing.T) {
	host := newAssetHost(t, map[string]string{
		"/files/base.safetensors": strings.Repeat("b", 4096),
		"/files/vae.safetensors":  strings.Repeat("v", 1024),
	})
	port := serviceStandIn(t)
	dataDir := t.TempDir()
	cfg := writeConfig(t, yamlConfig(t.TempDir(), dataDir, port, host.srv.URL))

	rec := metrics.New()
	if err := orchestrator.Assets(context.Background(), cfg, deps(rec)); err != nil {
		t.Fatalf("assets: %v", err)
	}
	for _, f := range []struct{ rel string; size int }{
		{"checkpoints/base.safetensors", 4096},
		{"vae/vae.safetensors", 1024},
	} {
		got, err := os.ReadFile(filepath.Join(dataDir, f.rel))
		if err != nil || len(got) != f.size {
			t.Fatalf("%s: err=%v len=%d", f.rel, err, len(got))
		}
	}
	if host.total() != 2 {
		t.Fatalf("expected 2 downloads, got %d", host.total())
	}

	// second run: marker present, nothing fetched
	if err := orchestrator.Assets(context.Background(), cfg, deps(rec)); err != nil {
		t.Fatalf("second assets run: %v", err)
	}
	if host.total() != 2 {
		t.Fatalf("completion marker ignored: %d downloads", host.total())
	}

	srv := httptest.NewServer(status.NewMux(status.Gatherer{Cfg: cfg}, rec.Registry(), nil))
	t.Cleanup(srv.Close)
	resp, body := httpGet(t, srv.URL+"/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
	var rep status.Report
	if err := json.Unmarshal(body, &rep); err != nil {
		t.Fatalf("json: %v", err)
	}
	if rep.Stage != "ready" || !rep.Assets.Complete || !rep.Service.Reachable {
		t.Fatalf("unexpected report: %s", body)
	}

	resp, body = httpGet(t, srv.URL+"/metrics")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "gpuboot_assets_runs_total") {
		t.Fatalf("metrics missing download counter:\n%s", body)
	}
}

// TestE2E_PartialDownloadRetriesNextRun verifies a failed file keeps the
// marker absent and the next run completes the set.
func TestE2E_PartialDownloadRetriesNextRun(t *testing.T) {
	host := newAssetHost(t, map[string]string{"/files/base.safetensors": "weights"})
	port := serviceStandIn(t)
	cfg := writeConfig(t, yamlConfig(t.TempDir(), t.TempDir(), port, host.srv.URL))

	err := orchestrator.Assets(context.Background(), cfg, deps(nil))
	if !assets.IsDownloadError(err) {
		t.Fatalf("expected download error, got %v", err)
	}
	if ok, _ := marker.New(cfg.CompletionMarkerPath()).Exists(); ok {
		t.Fatalf("marker written after a partial download")
	}

	host.put("/files/vae.safetensors", "vae")
	if err := orchestrator.Assets(context.Background(), cfg, deps(nil)); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if ok, _ := marker.New(cfg.CompletionMarkerPath()).Exists(); !ok {
		t.Fatalf("marker missing after a full download")
	}
}
