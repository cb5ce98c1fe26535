// Package service starts the inference service under docker compose and
// launches the detached background asset task.
package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/docker/docker/client"
)

// Engine is the container-engine view needed by this package.
type Engine interface {
	// Runtimes lists the OCI runtimes registered with the engine.
	Runtimes(ctx context.Context) ([]string, error)
	// ContainerRunning reports whether the named container is running. A
	// missing container is not an error.
	ContainerRunning(ctx context.Context, name string) (bool, error)
	Close() error
}

type dockerEngine struct {
	cli *client.Client
}

// NewDockerEngine connects to the local daemon honouring DOCKER_HOST and
// friends, and verifies it answers.
func NewDockerEngine(ctx context.Context) (Engine, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("Docker daemon is not accessible: %w", err)
	}
	return &dockerEngine{cli: cli}, nil
}

func (d *dockerEngine) Runtimes(ctx context.Context) ([]string, error) {
	info, err := d.cli.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("docker info: %w", err)
	}
	out := make([]string, 0, len(info.Runtimes))
	for name := range info.Runtimes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (d *dockerEngine) ContainerRunning(ctx context.Context, name string) (bool, error) {
	inspect, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect container: %w", err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

func (d *dockerEngine) Close() error { return d.cli.Close() }
