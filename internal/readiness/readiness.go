// Package readiness waits for the inference service to accept TCP
// connections.
package readiness

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"gpuboot/internal/config"
	"gpuboot/internal/metrics"
)

// Options bound one wait. Zero values fall back to the package defaults.
type Options struct {
	MaxAttempts  int
	PollInterval time.Duration
	// GraceDelay is slept after the first successful connect, since the
	// service may accept before it is fully initialised.
	GraceDelay  time.Duration
	DialTimeout time.Duration

	Log     zerolog.Logger
	Metrics *metrics.Recorder
}

// OptionsFrom maps the readiness configuration to Options.
func OptionsFrom(cfg config.ReadinessConfig, log zerolog.Logger, rec *metrics.Recorder) Options {
	return Options{
		MaxAttempts:  cfg.MaxAttempts,
		PollInterval: cfg.PollInterval.D(),
		GraceDelay:   cfg.GraceDelay.D(),
		DialTimeout:  cfg.DialTimeout.D(),
		Log:          log,
		Metrics:      rec,
	}
}

var dial = func(ctx context.Context, addr string, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Reachable reports whether something accepts TCP connections on host:port.
func Reachable(ctx context.Context, host string, port int, timeout time.Duration) bool {
	return dial(ctx, net.JoinHostPort(host, strconv.Itoa(port)), timeout) == nil
}

// WaitUntilReady polls host:port until a connect succeeds, then sleeps the
// grace delay and returns true. Every failed attempt is followed by one
// PollInterval, so giving up takes MaxAttempts*PollInterval. It returns
// false then or when ctx is done. Not being ready is never an error.
func WaitUntilReady(ctx context.Context, host string, port int, opts Options) bool {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = config.DefaultReadinessAttempts
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = config.DefaultDialTimeout
	}
	log := opts.Log.With().Str("component", "readiness").Str("host", host).Int("port", port).Logger()
	began := time.Now()
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if Reachable(ctx, host, port, opts.DialTimeout) {
			log.Info().Int("attempt", attempt).Dur("grace", opts.GraceDelay).Msg("service port open")
			if !sleep(ctx, opts.GraceDelay) {
				opts.Metrics.ReadinessWait(false, time.Since(began))
				return false
			}
			opts.Metrics.ReadinessWait(true, time.Since(began))
			return true
		}
		log.Debug().Int("attempt", attempt).Int("max_attempts", opts.MaxAttempts).Msg("service not ready")
		if !sleep(ctx, opts.PollInterval) {
			break
		}
	}
	log.Warn().Int("attempts", opts.MaxAttempts).Dur("waited", time.Since(began)).Msg("service did not become ready")
	opts.Metrics.ReadinessWait(false, time.Since(began))
	return false
}

// sleep waits d or until ctx is done; it reports whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
