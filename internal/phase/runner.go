// Package phase runs ordered, idempotent host phases and carries progress
// across a reboot through a checkpoint marker.
package phase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gpuboot/internal/marker"
	"gpuboot/internal/metrics"
)

// Step is one idempotent host change.
type Step interface {
	// Satisfied reports whether the change is already in place.
	Satisfied(ctx context.Context) (bool, error)
	Apply(ctx context.Context) error
}

// Verifier is optionally implemented by a Step to confirm its postcondition.
type Verifier interface {
	Verify(ctx context.Context) error
}

// Phase binds a Step to its name and the runner state shown while it runs.
type Phase struct {
	Name           string
	State          State
	Step           Step
	RequiresReboot bool
}

// Result summarises one Run.
type Result struct {
	Ran     []string
	Skipped []string
	// Resumed is the phase recorded by the checkpoint consumed at startup.
	Resumed string
	State   State
}

// Runner executes phases in order.
type Runner struct {
	Phases     []Phase
	Checkpoint *marker.Marker
	// BeforeMutate runs at most once, before the first action of a Run.
	BeforeMutate func(ctx context.Context) error
	Log          zerolog.Logger
	Metrics      *metrics.Recorder

	mu    sync.Mutex
	state State
	now   func() time.Time
}

// State returns the state most recently entered by Run.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	r.Log.Debug().Str("state", s.String()).Msg("phase state")
}

// Run consumes the checkpoint, skips satisfied phases and applies the rest.
// A failed phase returns a *PhaseError and leaves later phases untouched.
// When a reboot-requiring phase completes the checkpoint is written and
// ErrRebootRequired is returned.
func (r *Runner) Run(ctx context.Context) (res Result, err error) {
	defer func() { res.State = r.State() }()
	now := r.now
	if now == nil {
		now = time.Now
	}
	r.setState(NotStarted)

	start := 0
	if r.Checkpoint != nil {
		note, ok, err := r.Checkpoint.Consume()
		if err != nil {
			return res, fmt.Errorf("consume reboot checkpoint: %w", err)
		}
		if ok {
			idx := r.resumeIndex(note)
			if idx >= 0 {
				res.Resumed = r.Phases[idx].Name
				start = idx + 1
				r.Metrics.Phase(res.Resumed, "resumed", 0)
				r.Log.Info().Str("phase", res.Resumed).Msg("resuming after reboot")
			} else {
				r.Log.Warn().Str("checkpoint", note).Msg("checkpoint names no known phase; starting over")
			}
		}
	}

	mutated := false
	for _, p := range r.Phases[start:] {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		r.setState(p.State)
		log := r.Log.With().Str("phase", p.Name).Logger()

		ok, err := p.Step.Satisfied(ctx)
		if err != nil {
			r.Metrics.Phase(p.Name, "failed", 0)
			return res, &PhaseError{Phase: p.Name, Step: "check", Err: err}
		}
		if ok {
			log.Info().Msg("already satisfied; skipping")
			r.Metrics.Phase(p.Name, "skipped", 0)
			res.Skipped = append(res.Skipped, p.Name)
			continue
		}

		if !mutated && r.BeforeMutate != nil {
			if err := r.BeforeMutate(ctx); err != nil {
				return res, err
			}
		}
		mutated = true

		log.Info().Msg("applying")
		began := now()
		if err := p.Step.Apply(ctx); err != nil {
			r.Metrics.Phase(p.Name, "failed", now().Sub(began))
			return res, &PhaseError{Phase: p.Name, Step: "apply", Err: err}
		}
		if v, ok := p.Step.(Verifier); ok {
			if err := v.Verify(ctx); err != nil {
				r.Metrics.Phase(p.Name, "failed", now().Sub(began))
				return res, &PhaseError{Phase: p.Name, Step: "verify", Err: err}
			}
		}
		took := now().Sub(began)
		r.Metrics.Phase(p.Name, "applied", took)
		res.Ran = append(res.Ran, p.Name)
		log.Info().Dur("took", took).Msg("applied")

		if p.RequiresReboot {
			if r.Checkpoint != nil {
				if err := r.Checkpoint.Set(p.Name); err != nil {
					return res, &PhaseError{Phase: p.Name, Step: "checkpoint", Err: err}
				}
			}
			r.setState(AwaitingReboot)
			return res, ErrRebootRequired
		}
	}
	r.setState(Complete)
	return res, nil
}

// resumeIndex maps a checkpoint note to a phase index. An empty note falls
// back to the first reboot-requiring phase.
func (r *Runner) resumeIndex(note string) int {
	for i, p := range r.Phases {
		if note == "" && p.RequiresReboot {
			return i
		}
		if note != "" && p.Name == note {
			return i
		}
	}
	return -1
}
