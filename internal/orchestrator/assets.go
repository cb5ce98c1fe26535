package orchestrator

import (
	"context"
	"errors"

	"gpuboot/internal/assets"
	"gpuboot/internal/config"
	"gpuboot/internal/marker"
	"gpuboot/internal/readiness"
)

// ErrNoAssetSource is returned when assets are enabled but neither a
// manifest nor a download command is configured.
var ErrNoAssetSource = errors.New("no asset manifest or download command configured")

// Downloader picks the manifest downloader when a manifest is configured,
// else the external download command.
func Downloader(cfg config.Config, d Deps) (assets.Downloader, error) {
	if len(cfg.Assets.Manifest) > 0 {
		return assets.NewManifestDownloader(cfg.Assets, d.Log, d.Metrics), nil
	}
	if len(cfg.Assets.Command) > 0 {
		env := map[string]string{}
		if cfg.Assets.Credential != "" {
			env["CIVITAI_API_KEY"] = cfg.Assets.Credential
		}
		if cfg.Assets.HFToken != "" {
			env["HF_TOKEN"] = cfg.Assets.HFToken
		}
		return assets.CommandDownloader{Run: d.Run, Command: cfg.Assets.Command, Env: env, Dir: cfg.Service.ComposeDir}, nil
	}
	return nil, ErrNoAssetSource
}

// Assets is the body of the background task: wait for setup and the
// service, then download once per data volume.
func Assets(ctx context.Context, cfg config.Config, d Deps) error {
	log := d.Log.With().Str("command", "assets").Logger()
	if !cfg.Assets.Enabled {
		log.Info().Msg("asset provisioning disabled; nothing to do")
		return nil
	}
	dl, err := Downloader(cfg, d)
	if err != nil {
		return err
	}
	p := &assets.Provisioner{
		Marker:            marker.New(cfg.CompletionMarkerPath()),
		SetupReadyFile:    cfg.Assets.SetupReadyFile,
		SetupPollInterval: cfg.Assets.SetupPollInterval.D(),
		Host:              cfg.Service.Host,
		Port:              cfg.Service.Port,
		Readiness:         readiness.OptionsFrom(cfg.Readiness, log, d.Metrics),
		Downloader:        dl,
		Log:               log,
		Metrics:           d.Metrics,
	}
	return p.Run(ctx)
}
