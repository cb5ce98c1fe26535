package launch

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const smiTimeout = 5 * time.Second

var runSmiCommand = func(ctx context.Context, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, args[0], args[1:]...).Output()
}

// SmiQuerier reads memory.total from nvidia-smi.
type SmiQuerier struct {
	// Path defaults to nvidia-smi on PATH.
	Path string
}

func (s SmiQuerier) TotalVRAMMiB(ctx context.Context) (int, error) {
	bin := s.Path
	if bin == "" {
		bin = "nvidia-smi"
	}
	ctx, cancel := context.WithTimeout(ctx, smiTimeout)
	defer cancel()
	out, err := runSmiCommand(ctx, bin, "--query-gpu=memory.total", "--format=csv,noheader,nounits")
	if err != nil {
		return 0, fmt.Errorf("nvidia-smi: %w", err)
	}
	return ParseSmiMemory(string(out))
}

// ParseSmiMemory returns the largest per-GPU value of nvidia-smi's CSV
// memory.total output.
func ParseSmiMemory(out string) (int, error) {
	best := 0
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(strings.TrimSuffix(line, "MiB")))
		if err != nil {
			return 0, fmt.Errorf("parse nvidia-smi memory %q: %w", line, err)
		}
		if n > best {
			best = n
		}
	}
	if best == 0 {
		return 0, ErrNoGPU
	}
	return best, nil
}
