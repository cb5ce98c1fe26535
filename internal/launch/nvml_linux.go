//go:build linux && cgo

package launch

import (
	"context"
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// NVMLQuerier reads device memory through libnvidia-ml.
type NVMLQuerier struct{}

func (NVMLQuerier) TotalVRAMMiB(context.Context) (int, error) {
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return 0, fmt.Errorf("initialize NVML: %v", ret)
	}
	defer nvml.Shutdown()

	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return 0, fmt.Errorf("NVML device count: %v", ret)
	}
	best := 0
	for i := 0; i < count; i++ {
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			continue
		}
		mem, ret := device.GetMemoryInfo()
		if ret != nvml.SUCCESS {
			continue
		}
		if mib := int(mem.Total / (1024 * 1024)); mib > best {
			best = mib
		}
	}
	if best == 0 {
		return 0, ErrNoGPU
	}
	return best, nil
}
