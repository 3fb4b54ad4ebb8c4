package watchdog

import (
	"context"
	"time"

	"github.com/cuemby/outpost/pkg/log"
	"github.com/cuemby/outpost/pkg/metrics"
	"github.com/rs/zerolog"
)

// Kind identifies an origin-side observation
type Kind int

const (
	// TunnelHealthy is sent when the tunnel recovers or first comes up
	TunnelHealthy Kind = iota
	// TunnelStale is sent when the tunnel has failed Threshold checks in a row
	TunnelStale
	// StackVanished is sent when a stack that existed is gone
	StackVanished
)

func (k Kind) String() string {
	switch k {
	case TunnelHealthy:
		return "tunnel_healthy"
	case TunnelStale:
		return "tunnel_stale"
	case StackVanished:
		return "stack_vanished"
	}
	return "unknown"
}

// Observation is a message from the local watchdog to its reconciler
type Observation struct {
	Kind         Kind
	At           time.Time
	Failures     int
	HandshakeAge time.Duration
}

// Sample is what the local watchdog sees on one tick
type Sample struct {
	StackExists bool

	// TunnelExpected is false while no tunnel should exist yet, e.g. during
	// stack creation; failures are not counted then.
	TunnelExpected bool
	TunnelUp       bool
	HandshakeAge   time.Duration
}

// SampleFunc takes one sample. An error means the sample is unknown and is
// never treated as a vanished stack.
type SampleFunc func(ctx context.Context) (Sample, error)

// Local watches one exposure's tunnel and stack from the origin side
type Local struct {
	domain   string
	interval time.Duration
	sample   SampleFunc
	counter  *Counter
	out      chan Observation
	ticks    <-chan time.Time
	logger   zerolog.Logger

	seen    bool
	healthy bool
}

// NewLocal creates an origin-side watchdog for domain
func NewLocal(domain string, interval time.Duration, threshold int, sample SampleFunc) *Local {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Local{
		domain:   domain,
		interval: interval,
		sample:   sample,
		counter:  NewCounter(threshold),
		out:      make(chan Observation, 4),
		logger:   log.WithExposure("watchdog", domain),
	}
}

// WithTicks replaces the interval ticker with ticks
func (l *Local) WithTicks(ticks <-chan time.Time) *Local {
	l.ticks = ticks
	return l
}

// Observations returns the channel the reconciler reads from
func (l *Local) Observations() <-chan Observation {
	return l.out
}

// Run samples on every tick until ctx is done
func (l *Local) Run(ctx context.Context) {
	ticks := l.ticks
	if ticks == nil {
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		ticks = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			l.Step(ctx)
		}
	}
}

// Step takes one sample and emits at most one observation
func (l *Local) Step(ctx context.Context) {
	s, err := l.sample(ctx)
	if err != nil {
		l.logger.Debug().Err(err).Msg("Watchdog sample failed")
		return
	}

	if !s.StackExists {
		if l.seen {
			l.seen = false
			l.healthy = false
			l.counter.Reset()
			metrics.StacksVanished.WithLabelValues(l.domain).Inc()
			l.logger.Info().Msg("Relay stack is gone, expected after a relay self-destruct")
			l.emit(ctx, Observation{Kind: StackVanished, At: time.Now()})
		}
		return
	}
	l.seen = true

	if !s.TunnelExpected {
		l.counter.Reset()
		l.healthy = false
		return
	}

	if s.TunnelUp && l.counter.Fired() {
		l.counter.Reset()
	}
	fired := l.counter.Observe(s.TunnelUp)
	metrics.WatchdogFailures.WithLabelValues(l.domain).Set(float64(l.counter.ConsecutiveFailures))

	switch {
	case fired:
		l.healthy = false
		l.logger.Warn().
			Int("failures", l.counter.ConsecutiveFailures).
			Dur("handshake_age", s.HandshakeAge).
			Msg("Tunnel is stale")
		l.emit(ctx, Observation{Kind: TunnelStale, At: time.Now(), Failures: l.counter.ConsecutiveFailures, HandshakeAge: s.HandshakeAge})
	case s.TunnelUp && !l.healthy:
		l.healthy = true
		l.emit(ctx, Observation{Kind: TunnelHealthy, At: time.Now(), HandshakeAge: s.HandshakeAge})
	}
}

func (l *Local) emit(ctx context.Context, obs Observation) {
	select {
	case l.out <- obs:
	case <-ctx.Done():
	}
}
