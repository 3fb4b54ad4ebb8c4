package cdn

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cuemby/outpost/pkg/health"
	"github.com/cuemby/outpost/pkg/log"
	"github.com/cuemby/outpost/pkg/metrics"
	"github.com/cuemby/outpost/pkg/reconciler"
	"github.com/cuemby/outpost/pkg/types"
	"github.com/rs/zerolog"
)

// Config tunes the cloudflared supervisor
type Config struct {
	Binary    string
	ConfigDir string

	RestartMin time.Duration
	RestartMax time.Duration

	// a run longer than StableAfter resets the restart backoff
	StableAfter time.Duration

	StopTimeout time.Duration
}

// DefaultConfig returns the defaults
func DefaultConfig() Config {
	return Config{
		Binary:      "cloudflared",
		ConfigDir:   "/var/lib/outpost/cloudflared",
		RestartMin:  time.Second,
		RestartMax:  time.Minute,
		StableAfter: time.Minute,
		StopTimeout: 10 * time.Second,
	}
}

// Strategy exposes one domain through a cloudflared tunnel it supervises
type Strategy struct {
	cfg    Config
	domain string
	launch Launcher
	logger zerolog.Logger

	mu       sync.Mutex
	exp      *types.Exposure
	proc     Process
	checker  health.Checker
	restart  bool
	cancel   context.CancelFunc
	done     chan struct{}
	restarts int
	lastExit string
}

var _ reconciler.Strategy = (*Strategy)(nil)

// New creates the cdn strategy for domain. A nil launch starts real processes.
func New(domain string, cfg Config, launch Launcher) *Strategy {
	def := DefaultConfig()
	if cfg.Binary == "" {
		cfg.Binary = def.Binary
	}
	if cfg.ConfigDir == "" {
		cfg.ConfigDir = def.ConfigDir
	}
	if cfg.RestartMin <= 0 {
		cfg.RestartMin = def.RestartMin
	}
	if cfg.RestartMax <= 0 {
		cfg.RestartMax = def.RestartMax
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = def.StableAfter
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}

	logger := log.WithExposure("cdn", domain)
	if launch == nil {
		launch = ExecLauncher(logger.With().Str("process", "cloudflared").Logger())
	}
	return &Strategy{
		cfg:    cfg,
		domain: domain,
		launch: launch,
		logger: logger,
	}
}

// ConfigPath is where the cloudflared config for this domain is written
func (s *Strategy) ConfigPath() string {
	name := strings.NewReplacer(".", "-", "/", "-").Replace(strings.ToLower(s.domain))
	return filepath.Join(s.cfg.ConfigDir, name+".yml")
}

// Restarts returns how often cloudflared exited unexpectedly
func (s *Strategy) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// Observe reports the supervised process. A supervised tunnel whose process is
// between restarts, or whose readiness check fails, is reported down.
func (s *Strategy) Observe(ctx context.Context) (reconciler.Observation, error) {
	s.mu.Lock()
	exp, proc, checker, lastExit := s.exp, s.proc, s.checker, s.lastExit
	s.mu.Unlock()

	if exp == nil {
		return reconciler.Observation{State: types.StackStatePending}, nil
	}

	obs := reconciler.Observation{
		State:          types.StackStateReady,
		Managed:        true,
		Fingerprint:    exp.Fingerprint(),
		TunnelExpected: true,
		TunnelUp:       proc != nil,
		PublicEndpoint: exp.Domain,
		Reason:         lastExit,
	}
	if proc != nil && checker != nil {
		res := checker.Check(ctx)
		obs.TunnelUp = res.Healthy
		if !res.Healthy {
			obs.Reason = res.Message
		}
	}
	return obs, nil
}

// Provision writes the config and starts cloudflared. It returns once the first
// process has started; later exits are restarted with backoff.
func (s *Strategy) Provision(ctx context.Context, exp *types.Exposure) error {
	if err := s.stop(); err != nil {
		return err
	}
	if err := s.writeConfig(exp); err != nil {
		return &configError{err: err}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	started := make(chan error, 1)
	done := make(chan struct{})

	s.mu.Lock()
	s.exp = exp
	s.checker = readinessCheck(exp)
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go s.supervise(runCtx, done, started)

	select {
	case err := <-started:
		if err != nil {
			cancel()
			<-done
			s.clear()
			return fmt.Errorf("failed to start %s: %w", s.cfg.Binary, err)
		}
	case <-ctx.Done():
		cancel()
		<-done
		s.clear()
		return ctx.Err()
	}

	s.logger.Info().Str("config", s.ConfigPath()).Msg("cloudflared started")
	return nil
}

// Reconfigure rewrites the config and restarts cloudflared to load it
func (s *Strategy) Reconfigure(ctx context.Context, exp *types.Exposure) error {
	s.mu.Lock()
	current, proc := s.exp, s.proc
	s.mu.Unlock()

	if current == nil {
		return s.Provision(ctx, exp)
	}
	if current.Fingerprint() == exp.Fingerprint() {
		return nil
	}

	if err := s.writeConfig(exp); err != nil {
		return &configError{err: err}
	}

	s.mu.Lock()
	s.exp = exp
	s.checker = readinessCheck(exp)
	s.restart = proc != nil
	s.mu.Unlock()

	if proc != nil {
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			return fmt.Errorf("failed to signal cloudflared: %w", err)
		}
	}
	s.logger.Info().Msg("cloudflared config changed, restarting")
	return nil
}

// Teardown stops cloudflared and removes its config. It is idempotent.
func (s *Strategy) Teardown(ctx context.Context) error {
	if err := s.stop(); err != nil {
		return err
	}
	if err := os.Remove(s.ConfigPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	s.clear()
	return nil
}

// Close stops cloudflared
func (s *Strategy) Close() {
	if err := s.stop(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to stop cloudflared")
	}
	s.clear()
}

func (s *Strategy) clear() {
	s.mu.Lock()
	s.exp = nil
	s.checker = nil
	s.lastExit = ""
	s.mu.Unlock()
}

// stop ends supervision and waits for the process to exit
func (s *Strategy) stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (s *Strategy) supervise(ctx context.Context, done chan<- struct{}, started chan<- error) {
	defer close(done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RestartMin
	b.MaxInterval = s.cfg.RestartMax
	b.MaxElapsedTime = 0
	b.Reset()

	first := true
	for {
		proc, err := s.launch(s.cfg.Binary, "tunnel", "--no-autoupdate", "--config", s.ConfigPath(), "run")
		if err == nil {
			s.setProc(proc)
		}
		if first {
			started <- err
			first = false
			if err != nil {
				return
			}
		}

		var exitErr error
		runStart := time.Now()
		if err != nil {
			exitErr = err
		} else {
			exited := make(chan error, 1)
			go func() { exited <- proc.Wait() }()

			select {
			case exitErr = <-exited:
			case <-ctx.Done():
				s.terminate(proc, exited)
				s.setProc(nil)
				return
			}
			s.setProc(nil)
		}

		if s.takeRestart() {
			b.Reset()
			continue
		}

		reason := "exited"
		if exitErr != nil {
			reason = exitErr.Error()
		}
		s.mu.Lock()
		s.restarts++
		s.lastExit = reason
		s.mu.Unlock()
		metrics.CDNRestarts.WithLabelValues(s.domain).Inc()

		if time.Since(runStart) >= s.cfg.StableAfter {
			b.Reset()
		}
		delay := b.NextBackOff()
		s.logger.Warn().Str("reason", reason).Dur("restart_in", delay).Msg("cloudflared exited unexpectedly")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// terminate asks the process to exit and kills it after StopTimeout
func (s *Strategy) terminate(proc Process, exited <-chan error) {
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to send SIGTERM")
	}

	select {
	case <-exited:
	case <-time.After(s.cfg.StopTimeout):
		s.logger.Warn().Msg("cloudflared did not stop gracefully, killing")
		if err := proc.Kill(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to kill cloudflared")
		}
		<-exited
	}
	s.logger.Info().Msg("cloudflared stopped")
}

func (s *Strategy) setProc(proc Process) {
	s.mu.Lock()
	s.proc = proc
	s.mu.Unlock()
}

func (s *Strategy) takeRestart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.restart
	s.restart = false
	return r
}

func (s *Strategy) writeConfig(exp *types.Exposure) error {
	data, err := RenderConfig(exp)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.cfg.ConfigDir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(s.ConfigPath(), data, 0o600); err != nil {
		return fmt.Errorf("failed to write cloudflared config: %w", err)
	}
	return nil
}

// readinessCheck probes cloudflared's /ready endpoint when metrics are enabled
func readinessCheck(exp *types.Exposure) health.Checker {
	if exp.Cloudflare == nil || exp.Cloudflare.MetricsAddr == "" {
		return nil
	}
	return health.NewHTTPChecker("http://" + exp.Cloudflare.MetricsAddr + "/ready").WithTimeout(3 * time.Second)
}

// configError marks an exposure cloudflared cannot run as permanent
type configError struct {
	err error
}

func (e *configError) Error() string   { return e.err.Error() }
func (e *configError) Unwrap() error   { return e.err }
func (e *configError) Permanent() bool { return true }
