// Package assets populates the service's model directory in the background
// once the service is up, exactly once per data volume.
package assets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"gpuboot/internal/common/fsutil"
	"gpuboot/internal/marker"
	"gpuboot/internal/metrics"
	"gpuboot/internal/readiness"
)

// Downloader fetches the full asset set. It must return an error unless
// every asset is in place.
type Downloader interface {
	Download(ctx context.Context) error
}

// DownloadError marks a failed provisioning run; the completion marker is
// left absent so the next run retries.
type DownloadError struct{ Err error }

func (e *DownloadError) Error() string { return "asset download failed: " + e.Err.Error() }
func (e *DownloadError) Unwrap() error { return e.Err }

// IsDownloadError reports whether err came from the downloader.
func IsDownloadError(err error) bool {
	var de *DownloadError
	return errors.As(err, &de)
}

// Provisioner is the background task body.
type Provisioner struct {
	// Marker is the completion marker; its presence means nothing to do.
	Marker marker.Marker
	// SetupReadyFile, when set, must exist before anything else happens.
	SetupReadyFile    string
	SetupPollInterval time.Duration

	Host      string
	Port      int
	Readiness readiness.Options

	Downloader Downloader
	Log        zerolog.Logger
	Metrics    *metrics.Recorder

	now func() time.Time
}

// Run waits for setup and the service, then downloads unless the
// completion marker exists. A download failure returns *DownloadError and
// never touches the service.
func (p *Provisioner) Run(ctx context.Context) error {
	if err := p.waitForSetup(ctx); err != nil {
		return err
	}

	if !readiness.WaitUntilReady(ctx, p.Host, p.Port, p.Readiness) {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.Log.Warn().Str("host", p.Host).Int("port", p.Port).Msg("service not ready; downloading anyway")
	}

	done, err := p.Marker.Exists()
	if err != nil {
		return err
	}
	if done {
		note, _, _ := p.Marker.Read()
		p.Log.Info().Str("marker", p.Marker.Path).Str("completed", note).Msg("assets already provisioned; skipping")
		p.Metrics.Download("skipped")
		return nil
	}

	p.Log.Info().Msg("starting asset download")
	if err := p.Downloader.Download(ctx); err != nil {
		p.Log.Error().Err(err).Msg("asset download failed; completion marker not written")
		p.Metrics.Download("failed")
		return &DownloadError{Err: err}
	}
	now := p.now
	if now == nil {
		now = time.Now
	}
	if err := p.Marker.Set(now().UTC().Format(time.RFC3339)); err != nil {
		p.Metrics.Download("failed")
		return fmt.Errorf("write completion marker: %w", err)
	}
	p.Metrics.Download("succeeded")
	p.Log.Info().Str("marker", p.Marker.Path).Msg("asset download complete")
	return nil
}

func (p *Provisioner) waitForSetup(ctx context.Context) error {
	if p.SetupReadyFile == "" {
		return nil
	}
	interval := p.SetupPollInterval
	if interval <= 0 {
		interval = time.Second
	}
	logged := false
	for {
		if fsutil.PathExists(p.SetupReadyFile) {
			return nil
		}
		if !logged {
			p.Log.Info().Str("file", p.SetupReadyFile).Dur("interval", interval).Msg("waiting for setup to finish")
			logged = true
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
