package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"gpuboot/internal/common/fsutil"
	"gpuboot/internal/config"
	"gpuboot/internal/execx"
	"gpuboot/internal/metrics"
)

const (
	DefaultHFBaseURL      = "https://huggingface.co"
	DefaultCivitAIBaseURL = "https://civitai.com"

	// Files at or below this size are treated as failed earlier downloads
	// (error pages, truncated transfers) and fetched again.
	minCompleteSize = 1 << 20
)

// CommandDownloader runs an opaque external download command, typically
// inside the service container.
type CommandDownloader struct {
	Run     execx.Runner
	Command []string
	Env     map[string]string
	Dir     string
}

func (c CommandDownloader) Download(ctx context.Context) error {
	if len(c.Command) == 0 {
		return errors.New("no download command configured")
	}
	cmd := execx.Cmd{Path: c.Command[0], Args: c.Command[1:], Env: c.Env, Dir: c.Dir}
	if err := c.Run.Run(ctx, cmd); err != nil {
		return fmt.Errorf("download command: %w", err)
	}
	return nil
}

var newBackOff = func() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0
	return b
}

// ManifestDownloader fetches each manifest entry over HTTP into
// <DataDir>/<category>/<filename>.
type ManifestDownloader struct {
	DataDir    string
	Entries    []config.AssetEntry
	CivitAIKey string
	HFToken    string
	// Retries is the number of extra attempts per file.
	Retries int

	HFBaseURL      string
	CivitAIBaseURL string
	Client         *http.Client
	Log            zerolog.Logger
	Metrics        *metrics.Recorder
}

// NewManifestDownloader builds a downloader from the assets configuration.
func NewManifestDownloader(cfg config.AssetsConfig, log zerolog.Logger, rec *metrics.Recorder) *ManifestDownloader {
	return &ManifestDownloader{
		DataDir:    cfg.DataDir,
		Entries:    cfg.Manifest,
		CivitAIKey: cfg.Credential,
		HFToken:    cfg.HFToken,
		Retries:    cfg.Retries,
		Log:        log,
		Metrics:    rec,
	}
}

// Download fetches every entry, continuing past failures, and returns all
// failures joined.
func (m *ManifestDownloader) Download(ctx context.Context) error {
	m.warnMissingCredentials()
	var errs []error
	fetched, skipped := 0, 0
	for _, e := range m.Entries {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		dest := filepath.Join(m.DataDir, e.Category, e.Filename)
		log := m.Log.With().Str("category", e.Category).Str("file", e.Filename).Logger()
		if fi, err := os.Stat(dest); err == nil {
			if fi.Size() > minCompleteSize {
				log.Info().Int64("bytes", fi.Size()).Msg("already present")
				skipped++
				continue
			}
			log.Warn().Int64("bytes", fi.Size()).Msg("present but too small; downloading again")
		}
		url, bearer := m.source(e)
		if err := m.fetchWithRetry(ctx, log, url, bearer, dest); err != nil {
			log.Error().Err(err).Str("url", url).Msg("download failed")
			errs = append(errs, fmt.Errorf("%s/%s: %w", e.Category, e.Filename, err))
			continue
		}
		fetched++
	}
	m.logSummary(fetched, skipped, len(errs))
	return errors.Join(errs...)
}

func (m *ManifestDownloader) warnMissingCredentials() {
	for _, e := range m.Entries {
		if e.CivitAI != nil && m.CivitAIKey == "" {
			m.Log.Warn().Msg("CIVITAI_API_KEY not set; CivitAI downloads may be rejected")
			return
		}
	}
}

// source resolves the download URL and the bearer token to send with it.
func (m *ManifestDownloader) source(e config.AssetEntry) (url, bearer string) {
	switch {
	case e.HuggingFace != nil:
		base := m.HFBaseURL
		if base == "" {
			base = DefaultHFBaseURL
		}
		rev := e.HuggingFace.Revision
		if rev == "" {
			rev = "main"
		}
		return fmt.Sprintf("%s/%s/resolve/%s/%s", base, e.HuggingFace.Repo, rev, e.HuggingFace.File), m.HFToken
	case e.CivitAI != nil:
		base := m.CivitAIBaseURL
		if base == "" {
			base = DefaultCivitAIBaseURL
		}
		id := e.CivitAI.VersionID
		if id == 0 {
			id = e.CivitAI.ModelID
		}
		return base + "/api/download/models/" + strconv.Itoa(id), m.CivitAIKey
	default:
		return e.URL, ""
	}
}

func (m *ManifestDownloader) fetchWithRetry(ctx context.Context, log zerolog.Logger, url, bearer, dest string) error {
	retries := m.Retries
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), uint64(retries)), ctx)
	return backoff.RetryNotify(func() error {
		return m.fetch(ctx, url, bearer, dest)
	}, b, func(err error, wait time.Duration) {
		log.Warn().Err(err).Dur("retry_in", wait).Msg("download attempt failed")
	})
}

// statusError is an unexpected HTTP status.
type statusError struct {
	URL  string
	Code int
}

func (e *statusError) Error() string { return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.Code) }

func (m *ManifestDownloader) fetch(ctx context.Context, url, bearer, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	client := m.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		serr := &statusError{URL: url, Code: resp.StatusCode}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(serr)
		}
		return serr
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return backoff.Permanent(err)
	}
	part := dest + ".part"
	f, err := os.OpenFile(part, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return backoff.Permanent(err)
	}
	n, err := io.Copy(f, resp.Body)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(part)
		return fmt.Errorf("write %s: %w", part, err)
	}
	if err := os.Rename(part, dest); err != nil {
		_ = os.Remove(part)
		return backoff.Permanent(err)
	}
	m.Metrics.DownloadedBytes(n)
	return nil
}

func (m *ManifestDownloader) logSummary(fetched, skipped, failed int) {
	ev := m.Log.Info().Int("fetched", fetched).Int("skipped", skipped).Int("failed", failed)
	if size, err := fsutil.DirSize(m.DataDir); err == nil {
		ev = ev.Int64("data_dir_bytes", size)
	}
	ev.Dict("category_bytes", m.categorySizes()).Msg("asset download summary")
}

// categorySizes holds the on-disk size of each manifest category directory.
func (m *ManifestDownloader) categorySizes() *zerolog.Event {
	d := zerolog.Dict()
	seen := map[string]bool{}
	for _, e := range m.Entries {
		if e.Category == "" || seen[e.Category] {
			continue
		}
		seen[e.Category] = true
		size, err := fsutil.DirSize(filepath.Join(m.DataDir, e.Category))
		if err != nil {
			m.Log.Debug().Err(err).Str("category", e.Category).Msg("cannot size category")
			continue
		}
		d = d.Int64(e.Category, size)
	}
	return d
}
