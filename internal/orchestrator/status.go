package orchestrator

import (
	"context"

	"gpuboot/internal/config"
	"gpuboot/internal/marker"
	"gpuboot/internal/status"
)

// Source returns the status source for cfg. The container engine is
// optional; without it the report leaves the container state unknown.
func Source(ctx context.Context, cfg config.Config, d Deps) (status.Source, func()) {
	g := status.Gatherer{Cfg: cfg}
	closeFn := func() {}
	if d.NewEngine != nil {
		if engine, err := d.NewEngine(ctx); err == nil {
			g.Engine = engine
			closeFn = func() { _ = engine.Close() }
		} else {
			d.Log.Debug().Err(err).Msg("container engine unavailable for status")
		}
	}
	return g, closeFn
}

// Reset removes the selected markers so the next run redoes that work.
// With neither selected both are removed. It returns the paths that existed.
func Reset(cfg config.Config, checkpoint, assets bool) ([]string, error) {
	if !checkpoint && !assets {
		checkpoint, assets = true, true
	}
	var targets []marker.Marker
	if checkpoint {
		targets = append(targets, marker.New(cfg.CheckpointPath()))
	}
	if assets {
		targets = append(targets, marker.New(cfg.CompletionMarkerPath()))
	}
	var removed []string
	for _, m := range targets {
		ok, err := m.Exists()
		if err != nil {
			return removed, err
		}
		if !ok {
			continue
		}
		if err := m.Clear(); err != nil {
			return removed, err
		}
		removed = append(removed, m.Path)
	}
	return removed, nil
}
