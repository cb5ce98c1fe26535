// Package lockres clears package-manager lock contention before any phase
// installs packages.
package lockres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"gpuboot/internal/config"
	"gpuboot/internal/metrics"
)

var (
	statFile   = os.Stat
	removeFile = os.Remove
)

// Inspector finds and stops processes holding a lock file.
type Inspector interface {
	Holders(ctx context.Context, path string) ([]Holder, error)
	Terminate(ctx context.Context, pid int32, grace time.Duration) error
}

// Confirmer asks the operator before a destructive action.
type Confirmer interface {
	Confirm(question string) (bool, error)
}

// Options bound a single Resolve call.
type Options struct {
	MaxAttempts   int
	RetryInterval time.Duration
	// AutoConfirm approves every termination and removal without asking.
	AutoConfirm bool
}

// Resolver watches a fixed list of lock files.
type Resolver struct {
	Files                  []string
	PackageManagerPrefixes []string
	TerminateGrace         time.Duration

	Inspector Inspector
	Confirm   Confirmer
	Log       zerolog.Logger
	Metrics   *metrics.Recorder

	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a Resolver from the lock section of the configuration.
func New(cfg config.LockConfig, insp Inspector, confirm Confirmer, log zerolog.Logger, rec *metrics.Recorder) *Resolver {
	return &Resolver{
		Files:                  append([]string(nil), cfg.Files...),
		PackageManagerPrefixes: append([]string(nil), cfg.PackageManagerPrefixes...),
		TerminateGrace:         cfg.TerminateGrace.D(),
		Inspector:              insp,
		Confirm:                confirm,
		Log:                    log.With().Str("component", "lockres").Logger(),
		Metrics:                rec,
	}
}

// OptionsFrom maps the lock configuration to Resolve options.
func OptionsFrom(cfg config.LockConfig, autoConfirm bool) Options {
	return Options{MaxAttempts: cfg.MaxAttempts, RetryInterval: cfg.RetryInterval.D(), AutoConfirm: autoConfirm}
}

// Scan reports the state of every watched file that currently exists.
func (r *Resolver) Scan(ctx context.Context) ([]Lock, error) {
	var out []Lock
	var errs []error
	for _, path := range r.Files {
		exists, err := fileExists(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !exists {
			continue
		}
		holders, err := r.Inspector.Holders(ctx, path)
		if err != nil {
			errs = append(errs, fmt.Errorf("inspect %s: %w", path, err))
			continue
		}
		out = append(out, Lock{Path: path, State: Classify(true, holders, r.PackageManagerPrefixes), Holders: holders})
	}
	return out, errors.Join(errs...)
}

// Resolve polls until none of the watched lock files exist. Package-manager
// holders are waited out; unknown holders are terminated and orphaned files
// removed, each only when AutoConfirm is set or the operator approves.
// After MaxAttempts scans with files remaining it returns a
// *LockTimeoutError.
func (r *Resolver) Resolve(ctx context.Context, opts Options) error {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	sleep := r.sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	declined := map[string]bool{}
	for attempt := 1; ; attempt++ {
		r.Metrics.LockAttempt()
		remaining, err := r.pass(ctx, opts, declined)
		if err != nil {
			return err
		}
		if len(remaining) == 0 {
			if attempt > 1 {
				r.Log.Info().Int("attempts", attempt).Msg("package manager locks cleared")
			}
			return nil
		}
		if attempt >= opts.MaxAttempts {
			return &LockTimeoutError{Attempts: attempt, Remaining: remaining}
		}
		r.Log.Info().Int("attempt", attempt).Int("max_attempts", opts.MaxAttempts).
			Strs("locks", remaining).Dur("retry_in", opts.RetryInterval).Msg("waiting for package manager locks")
		if err := sleep(ctx, opts.RetryInterval); err != nil {
			return err
		}
	}
}

// pass handles each existing lock file once and returns those still present.
func (r *Resolver) pass(ctx context.Context, opts Options, declined map[string]bool) ([]string, error) {
	var remaining []string
	for _, path := range r.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		exists, err := fileExists(path)
		if err != nil {
			r.Log.Warn().Err(err).Str("lock", path).Msg("cannot stat lock file")
			remaining = append(remaining, path)
			continue
		}
		if !exists {
			continue
		}
		holders, err := r.Inspector.Holders(ctx, path)
		if err != nil {
			r.Log.Warn().Err(err).Str("lock", path).Msg("cannot determine lock holders")
			remaining = append(remaining, path)
			continue
		}
		switch state := Classify(true, holders, r.PackageManagerPrefixes); state {
		case HeldByPackageManager:
			r.Metrics.LockAction("wait")
			r.Log.Info().Str("lock", path).Strs("holders", holderNames(holders)).Msg("lock held by package manager")
		case HeldByUnknownProcess:
			q := fmt.Sprintf("%s is held by %v. Terminate the holder and remove the lock?", path, holderNames(holders))
			if r.approve(opts, declined, declineKey(path, holders), q) {
				r.terminate(ctx, path, holders)
				r.remove(path)
			}
		case Orphaned:
			q := fmt.Sprintf("%s exists but no process holds it. Remove it?", path)
			if r.approve(opts, declined, path, q) {
				r.remove(path)
			}
		}
		if still, _ := fileExists(path); still {
			remaining = append(remaining, path)
		}
	}
	return remaining, nil
}

// approve reports whether a destructive action may proceed. A refusal is
// remembered for the rest of the Resolve call so the operator is asked once.
func (r *Resolver) approve(opts Options, declined map[string]bool, key, question string) bool {
	if opts.AutoConfirm {
		return true
	}
	if r.Confirm == nil || declined[key] {
		return false
	}
	ok, err := r.Confirm.Confirm(question)
	if err != nil {
		r.Log.Warn().Err(err).Msg("confirmation failed; leaving lock in place")
		ok = false
	}
	if !ok {
		r.Metrics.LockAction("decline")
		declined[key] = true
	}
	return ok
}

func (r *Resolver) terminate(ctx context.Context, path string, holders []Holder) {
	for _, h := range holders {
		r.Log.Warn().Str("lock", path).Int32("pid", h.PID).Str("name", h.Name).Msg("terminating lock holder")
		r.Metrics.LockAction("terminate")
		if err := r.Inspector.Terminate(ctx, h.PID, r.TerminateGrace); err != nil {
			r.Log.Warn().Err(err).Int32("pid", h.PID).Msg("terminate failed")
		}
	}
}

func (r *Resolver) remove(path string) {
	if err := removeFile(path); err != nil && !os.IsNotExist(err) {
		r.Log.Warn().Err(err).Str("lock", path).Msg("remove lock file failed")
		return
	}
	r.Metrics.LockAction("remove")
	r.Log.Info().Str("lock", path).Msg("removed lock file")
}

func declineKey(path string, holders []Holder) string {
	k := path
	for _, h := range holders {
		k += ":" + strconv.Itoa(int(h.PID))
	}
	return k
}

func fileExists(path string) (bool, error) {
	_, err := statFile(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", path, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
