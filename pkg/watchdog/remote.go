package watchdog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/outpost/pkg/deployer"
	"github.com/cuemby/outpost/pkg/health"
	"github.com/cuemby/outpost/pkg/log"
	"github.com/rs/zerolog"
)

// ErrSelfDestructed is returned once the relay has deleted its own stack.
// It is an expected terminal event, not a failure.
var ErrSelfDestructed = errors.New("relay stack self-destructed")

// StackDeleter deletes a stack by handle; *deployer.Deployer satisfies it
type StackDeleter interface {
	Delete(ctx context.Context, h *deployer.Handle) error
}

// RemoteConfig configures the relay-side watchdog
type RemoteConfig struct {
	StackName string
	Region    string
	Interval  time.Duration
	Threshold int

	// StateFile records a completed self-destruct so a restarted agent on a
	// dying instance never deletes twice. Empty disables it.
	StateFile string
}

// DefaultRemoteConfig returns the defaults used by the relay boot script
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		Interval:  5 * time.Second,
		Threshold: 60,
	}
}

// Remote runs on the relay and deletes the relay's stack when the origin
// stays unreachable over the tunnel for Threshold consecutive checks
type Remote struct {
	cfg     RemoteConfig
	checker health.Checker
	deleter StackDeleter
	counter *Counter
	ticks   <-chan time.Time
	logger  zerolog.Logger
}

// NewRemote creates a relay-side watchdog
func NewRemote(cfg RemoteConfig, checker health.Checker, deleter StackDeleter) *Remote {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultRemoteConfig().Interval
	}
	return &Remote{
		cfg:     cfg,
		checker: checker,
		deleter: deleter,
		counter: NewCounter(cfg.Threshold),
		logger:  log.WithStack(cfg.StackName, cfg.Region).With().Str("component", "watchdog").Logger(),
	}
}

// WithTicks replaces the interval ticker with ticks
func (r *Remote) WithTicks(ticks <-chan time.Time) *Remote {
	r.ticks = ticks
	return r
}

// Run probes the origin on every tick until ctx is done or the stack has been
// deleted, in which case it returns ErrSelfDestructed.
func (r *Remote) Run(ctx context.Context) error {
	if r.alreadyDestroyed() {
		r.logger.Info().Str("state_file", r.cfg.StateFile).Msg("Stack already self-destructed, nothing to watch")
		return ErrSelfDestructed
	}

	ticks := r.ticks
	if ticks == nil {
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		ticks = ticker.C
	}

	r.logger.Info().
		Dur("interval", r.cfg.Interval).
		Int("threshold", r.counter.Threshold).
		Msg("Watchdog started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticks:
			if err := r.Step(ctx); err != nil {
				return err
			}
		}
	}
}

// Step runs one probe and, on reaching the threshold, deletes the stack.
// It returns ErrSelfDestructed after a successful delete.
func (r *Remote) Step(ctx context.Context) error {
	result := r.checker.Check(ctx)
	if !r.counter.Observe(result.Healthy) {
		if !result.Healthy {
			r.logger.Debug().
				Int("failures", r.counter.ConsecutiveFailures).
				Str("message", result.Message).
				Msg("Origin unreachable")
		}
		return nil
	}

	r.logger.Warn().
		Int("failures", r.counter.ConsecutiveFailures).
		Msg("Origin unreachable for too long, deleting own stack")

	// Outlive the caller so a shutdown signal cannot interrupt the delete
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Minute)
	defer cancel()

	h := &deployer.Handle{StackName: r.cfg.StackName, Region: r.cfg.Region}
	if err := r.deleter.Delete(delCtx, h); err != nil {
		return fmt.Errorf("self-destruct of %s: %w", r.cfg.StackName, err)
	}

	if err := r.markDestroyed(); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to record self-destruct")
	}

	r.logger.Info().Msg("Stack deletion requested")
	return ErrSelfDestructed
}

func (r *Remote) alreadyDestroyed() bool {
	if r.cfg.StateFile == "" {
		return false
	}
	_, err := os.Stat(r.cfg.StateFile)
	return err == nil
}

func (r *Remote) markDestroyed() error {
	if r.cfg.StateFile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(r.cfg.StateFile), 0o755); err != nil {
		return err
	}
	return os.WriteFile(r.cfg.StateFile, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644)
}
