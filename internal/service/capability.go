package service

import (
	"context"
	"errors"
	"fmt"

	"gpuboot/internal/execx"
)

// ErrCapabilityMissing is matched by every *CapabilityError.
var ErrCapabilityMissing = errors.New("required runtime capability missing")

// CapabilityError names the missing piece and how to fix it.
type CapabilityError struct {
	Capability string
	Hint       string
	Err        error
}

func (e *CapabilityError) Error() string {
	msg := fmt.Sprintf("%v: %s", ErrCapabilityMissing, e.Capability)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CapabilityError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrCapabilityMissing}
	}
	return []error{ErrCapabilityMissing, e.Err}
}

// CheckCapabilities confirms the compose plugin and the nvidia runtime are
// available before the service is started.
func CheckCapabilities(ctx context.Context, run execx.Runner, engine Engine) error {
	if _, err := run.Output(ctx, execx.Command("docker", "compose", "version")); err != nil {
		return &CapabilityError{Capability: "docker compose plugin", Hint: "install docker-compose-v2", Err: err}
	}
	if engine == nil {
		return &CapabilityError{Capability: "docker engine", Hint: "start the docker service: systemctl start docker"}
	}
	runtimes, err := engine.Runtimes(ctx)
	if err != nil {
		return &CapabilityError{Capability: "docker engine", Hint: "start the docker service: systemctl start docker", Err: err}
	}
	for _, r := range runtimes {
		if r == "nvidia" {
			return nil
		}
	}
	return &CapabilityError{
		Capability: "nvidia container runtime",
		Hint:       "run: nvidia-ctk runtime configure --runtime=docker && systemctl restart docker",
	}
}
