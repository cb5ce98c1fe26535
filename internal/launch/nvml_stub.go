//go:build !linux || !cgo

package launch

import (
	"context"
	"errors"
)

// NVMLQuerier is unavailable without cgo on linux; the chain falls through
// to nvidia-smi.
type NVMLQuerier struct{}

func (NVMLQuerier) TotalVRAMMiB(context.Context) (int, error) {
	return 0, errors.New("NVML support not compiled in")
}
