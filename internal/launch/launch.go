// Package launch picks the inference service's memory flags from the
// host's GPU memory.
package launch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"gpuboot/internal/metrics"
)

// Tier thresholds in MiB, inclusive.
const (
	LowVRAMMaxMiB    = 12 * 1024
	NormalVRAMMaxMiB = 16 * 1024
)

type Tier int

const (
	High Tier = iota
	Normal
	Low
)

func (t Tier) String() string {
	switch t {
	case Low:
		return "low"
	case Normal:
		return "normal"
	default:
		return "high"
	}
}

// Flags returns the service arguments for the tier. High needs no
// memory-saving flag.
func (t Tier) Flags() []string {
	switch t {
	case Low:
		return []string{"--lowvram"}
	case Normal:
		return []string{"--normalvram"}
	default:
		return nil
	}
}

// LaunchConfig is fixed for one service invocation.
type LaunchConfig struct {
	Tier    Tier
	VRAMMiB int
	// Queried is false when the VRAM size could not be determined.
	Queried bool
}

func (c LaunchConfig) Flags() []string { return c.Tier.Flags() }

// SelectFlags maps total VRAM to a tier.
func SelectFlags(totalVRAMMiB int) LaunchConfig {
	cfg := LaunchConfig{VRAMMiB: totalVRAMMiB, Queried: true}
	switch {
	case totalVRAMMiB <= LowVRAMMaxMiB:
		cfg.Tier = Low
	case totalVRAMMiB <= NormalVRAMMaxMiB:
		cfg.Tier = Normal
	default:
		cfg.Tier = High
	}
	return cfg
}

// Querier reports the total memory of the largest GPU in MiB.
type Querier interface {
	TotalVRAMMiB(ctx context.Context) (int, error)
}

// ErrNoGPU is returned by queriers that see no devices.
var ErrNoGPU = errors.New("no GPU detected")

// Chain tries each querier in order and returns the first answer.
type Chain []Querier

func (c Chain) TotalVRAMMiB(ctx context.Context) (int, error) {
	var errs []error
	for _, q := range c {
		mib, err := q.TotalVRAMMiB(ctx)
		if err == nil && mib > 0 {
			return mib, nil
		}
		if err == nil {
			err = ErrNoGPU
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return 0, ErrNoGPU
	}
	return 0, fmt.Errorf("query VRAM: %w", errors.Join(errs...))
}

// DefaultQuerier prefers NVML and falls back to nvidia-smi.
func DefaultQuerier() Querier {
	return Chain{NVMLQuerier{}, SmiQuerier{}}
}

// Configure queries VRAM and selects a tier. It never fails: an unknown VRAM
// size selects High so the service starts without memory-saving flags.
func Configure(ctx context.Context, q Querier, log zerolog.Logger, rec *metrics.Recorder) LaunchConfig {
	mib, err := q.TotalVRAMMiB(ctx)
	var cfg LaunchConfig
	if err != nil {
		log.Warn().Err(err).Msg("cannot determine GPU memory; launching without memory-saving flags")
		cfg = LaunchConfig{Tier: High}
	} else {
		cfg = SelectFlags(mib)
		log.Info().Int("vram_mib", mib).Str("tier", cfg.Tier.String()).Strs("flags", cfg.Flags()).Msg("launch flags selected")
	}
	rec.VRAMTier(cfg.Tier.String())
	return cfg
}
