package reconciler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/outpost/pkg/events"
	"github.com/cuemby/outpost/pkg/log"
	"github.com/cuemby/outpost/pkg/metrics"
	"github.com/cuemby/outpost/pkg/types"
	"github.com/cuemby/outpost/pkg/watchdog"
	"github.com/rs/zerolog"
)

// Config tunes one reconciler
type Config struct {
	Interval time.Duration

	// DegradedRedeployAfter tears down and redeploys a deployment that has
	// been Degraded this long; 0 never does
	DegradedRedeployAfter time.Duration

	WatchdogInterval  time.Duration
	WatchdogThreshold int

	// TeardownOnExit removes the deployment when the reconciler is stopped
	TeardownOnExit  bool
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the defaults
func DefaultConfig() Config {
	return Config{
		Interval:          30 * time.Second,
		WatchdogInterval:  15 * time.Second,
		WatchdogThreshold: 4,
		TeardownOnExit:    true,
		ShutdownTimeout:   5 * time.Minute,
	}
}

// Reconciler drives one exposure towards its desired state. It owns the
// exposure's strategy; nothing else calls it.
type Reconciler struct {
	cfg      Config
	strategy Strategy
	watchdog *watchdog.Local
	broker   *events.Broker
	logger   zerolog.Logger
	ticks    <-chan time.Time

	mu         sync.Mutex
	pending    *types.Exposure
	hasPending bool
	notify     chan struct{}

	// owned by the loop goroutine
	desired       *types.Exposure
	state         types.StackState
	failedFP      string
	tunnelStale   bool
	degradedSince time.Time
	deployments   int
	lastErr       string

	status atomic.Pointer[types.ExposureStatus]
}

// New creates a reconciler for exp. broker may be nil.
func New(exp *types.Exposure, strategy Strategy, cfg Config, broker *events.Broker) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}

	r := &Reconciler{
		cfg:      cfg,
		strategy: strategy,
		broker:   broker,
		logger:   log.WithExposure("reconciler", exp.Domain),
		notify:   make(chan struct{}, 1),
		desired:  exp,
		state:    types.StackStatePending,
	}
	r.watchdog = watchdog.NewLocal(exp.Domain, cfg.WatchdogInterval, cfg.WatchdogThreshold, r.sample)
	r.publish(Observation{})
	return r
}

// WithTicks replaces the reconcile ticker
func (r *Reconciler) WithTicks(ticks <-chan time.Time) *Reconciler {
	r.ticks = ticks
	return r
}

// Watchdog returns the local watchdog feeding this reconciler
func (r *Reconciler) Watchdog() *watchdog.Local {
	return r.watchdog
}

// Update hands a new desired exposure to the loop. Only the latest pending
// value is kept.
func (r *Reconciler) Update(exp *types.Exposure) {
	r.mu.Lock()
	r.pending = exp
	r.hasPending = true
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Remove asks the loop to tear the exposure down and exit
func (r *Reconciler) Remove() {
	r.Update(nil)
}

// Status returns the latest status snapshot
func (r *Reconciler) Status() types.ExposureStatus {
	return *r.status.Load()
}

// Run reconciles until ctx is done or the exposure is removed. It never
// returns an error; failures are contained in the exposure's status.
func (r *Reconciler) Run(ctx context.Context) error {
	defer r.strategy.Close()

	wdCtx, stopWatchdog := context.WithCancel(ctx)
	defer stopWatchdog()
	go r.watchdog.Run(wdCtx)

	ticks := r.ticks
	if ticks == nil {
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		ticks = ticker.C
	}

	r.logger.Info().Str("provider", string(r.desired.Provider)).Msg("Reconciler started")
	r.reconcile(ctx)

	for {
		select {
		case <-ctx.Done():
			r.shutdown(ctx)
			return nil

		case <-r.notify:
			exp, ok := r.takePending()
			if !ok {
				continue
			}
			if exp == nil {
				r.remove(ctx)
				return nil
			}
			r.desired = exp
			r.reconcile(ctx)

		case obs := <-r.watchdog.Observations():
			r.observe(ctx, obs)

		case <-ticks:
			r.reconcile(ctx)
		}
	}
}

func (r *Reconciler) takePending() (*types.Exposure, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.hasPending {
		return nil, false
	}
	exp := r.pending
	r.pending = nil
	r.hasPending = false
	return exp, true
}

// observe handles a watchdog message. Every message is re-checked against a
// fresh observation, so a late StackVanished never redeploys twice.
func (r *Reconciler) observe(ctx context.Context, obs watchdog.Observation) {
	switch obs.Kind {
	case watchdog.TunnelStale:
		r.tunnelStale = true
		r.emit(events.EventTunnelStale, "tunnel handshake is stale")
	case watchdog.TunnelHealthy:
		r.tunnelStale = false
		r.emit(events.EventTunnelUp, "tunnel is up")
	case watchdog.StackVanished:
		r.logger.Info().Msg("Stack vanished, checking whether to redeploy")
	}
	r.reconcile(ctx)
}

// reconcile compares desired and observed state once and acts on the difference
func (r *Reconciler) reconcile(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)

	if r.state == types.StackStateFailed && r.failedFP == r.desired.Fingerprint() {
		return
	}
	r.failedFP = ""

	obs, err := r.strategy.Observe(ctx)
	if err != nil {
		if ctx.Err() == nil {
			metrics.ReconciliationErrors.WithLabelValues("observe").Inc()
			r.logger.Warn().Err(err).Msg("Failed to observe exposure, will retry")
			r.lastErr = err.Error()
			r.publish(obs)
		}
		return
	}

	switch {
	case obs.State == types.StackStateDestroying:
		// wait for the provider to finish
		r.setState(types.StackStateDestroying, obs)

	case obs.State == types.StackStateFailed && obs.Managed:
		r.fail(obs, obs.Reason)

	case obs.State == types.StackStateFailed:
		// left by an earlier attempt; the strategy replaces it
		r.logger.Warn().Str("reason", obs.Reason).Msg("Found failed stack, replacing")
		r.provision(ctx)

	case !obs.State.Exists():
		if obs.Managed || r.state.Exists() {
			r.vanished(ctx, obs)
		}
		r.provision(ctx)

	case !obs.Managed:
		r.logger.Info().Str("state", string(obs.State)).Str("stack", obs.StackName).Msg("Attaching to existing stack")
		r.emit(events.EventStackAttached, "attaching to existing stack "+obs.StackName)
		r.provision(ctx)

	case obs.Fingerprint != r.desired.Fingerprint():
		r.reconfigure(ctx)

	default:
		r.settle(ctx, obs)
	}
}

// settle derives Ready/Degraded for a managed deployment that matches the
// desired exposure
func (r *Reconciler) settle(ctx context.Context, obs Observation) {
	degraded := obs.TunnelExpected && (r.tunnelStale || (!obs.TunnelUp && r.state == types.StackStateDegraded))
	if !degraded {
		r.lastErr = ""
		r.setState(types.StackStateReady, obs)
		return
	}

	r.setState(types.StackStateDegraded, obs)

	if r.cfg.DegradedRedeployAfter > 0 && time.Since(r.degradedSince) >= r.cfg.DegradedRedeployAfter {
		r.logger.Warn().
			Dur("degraded_for", time.Since(r.degradedSince)).
			Msg("Degraded for too long, redeploying")
		if err := r.strategy.Teardown(ctx); err != nil {
			r.handleError(ctx, "teardown", err)
			return
		}
		r.tunnelStale = false
		r.provision(ctx)
		return
	}

	// Let the strategy repair what it can, e.g. a deleted interface
	if err := r.strategy.Reconfigure(ctx, r.desired); err != nil {
		r.handleError(ctx, "repair", err)
	}
}

func (r *Reconciler) vanished(ctx context.Context, obs Observation) {
	metrics.ReconciliationErrors.WithLabelValues("vanished").Inc()
	r.logger.Info().
		Str("stack", obs.StackName).
		Msg("Stack no longer exists, expected after a relay self-destruct; redeploying")
	r.emit(events.EventStackVanished, "stack vanished, redeploying")

	// release local resources held for the old deployment
	if err := r.strategy.Teardown(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("Local cleanup after vanished stack failed")
	}
	r.tunnelStale = false
	r.setState(types.StackStateDestroyed, obs)
}

func (r *Reconciler) provision(ctx context.Context) {
	r.setState(types.StackStateCreating, Observation{StackName: types.StackName(r.desired.Domain)})
	r.emit(events.EventStackCreating, "provisioning")

	timer := metrics.NewTimer()
	err := r.strategy.Provision(ctx, r.desired)
	if err != nil {
		r.handleError(ctx, "provision", err)
		return
	}
	timer.ObserveDuration(metrics.ProvisionDuration)

	r.deployments++
	r.tunnelStale = false
	r.lastErr = ""
	metrics.Deployments.WithLabelValues(r.desired.Domain).Inc()

	obs, _ := r.strategy.Observe(ctx)
	r.setState(types.StackStateReady, obs)
	r.emit(events.EventStackReady, "deployment ready")
	r.logger.Info().
		Str("endpoint", obs.PublicEndpoint).
		Dur("took", timer.Duration()).
		Msg("Exposure ready")
}

func (r *Reconciler) reconfigure(ctx context.Context) {
	r.logger.Info().Msg("Desired exposure changed, reconfiguring in place")
	if err := r.strategy.Reconfigure(ctx, r.desired); err != nil {
		r.handleError(ctx, "reconfigure", err)
		return
	}

	obs, _ := r.strategy.Observe(ctx)
	r.lastErr = ""
	r.setState(types.StackStateReady, obs)
	r.emit(events.EventStackUpdated, "reconfigured")
}

// handleError classifies a strategy failure: permanent errors fail the
// exposure, tunnel failures degrade it, anything else is retried next tick
func (r *Reconciler) handleError(ctx context.Context, op string, err error) {
	if ctx.Err() != nil {
		r.logger.Info().Str("op", op).Msg("Interrupted by shutdown")
		return
	}

	r.lastErr = err.Error()
	switch {
	case IsPermanent(err):
		metrics.ReconciliationErrors.WithLabelValues("permanent").Inc()
		r.fail(Observation{StackName: types.StackName(r.desired.Domain)}, err.Error())
	case IsDegrading(err):
		metrics.ReconciliationErrors.WithLabelValues("tunnel").Inc()
		r.logger.Warn().Err(err).Str("op", op).Msg("Tunnel could not be established")
		r.emit(events.EventStackDegraded, err.Error())
		obs, _ := r.strategy.Observe(ctx)
		r.setState(types.StackStateDegraded, obs)
	default:
		metrics.ReconciliationErrors.WithLabelValues("transient").Inc()
		r.logger.Warn().Err(err).Str("op", op).Msg("Reconcile step failed, will retry")
		obs, _ := r.strategy.Observe(ctx)
		if !obs.State.Exists() {
			obs.State = types.StackStatePending
		}
		r.setState(obs.State, obs)
	}
}

func (r *Reconciler) fail(obs Observation, reason string) {
	r.failedFP = r.desired.Fingerprint()
	r.lastErr = reason
	r.setState(types.StackStateFailed, obs)
	r.emit(events.EventStackFailed, reason)
	r.logger.Error().Str("reason", reason).Msg("Exposure failed; waiting for a configuration change")
}

func (r *Reconciler) remove(ctx context.Context) {
	r.logger.Info().Msg("Exposure removed from configuration, tearing down")
	r.teardown(ctx)
	r.emit(events.EventExposureRemoved, "exposure removed")
}

func (r *Reconciler) shutdown(ctx context.Context) {
	if !r.cfg.TeardownOnExit {
		r.logger.Info().Msg("Leaving deployment in place for the next start")
		return
	}
	r.teardown(ctx)
}

// teardown outlives ctx so an in-flight delete is never interrupted
func (r *Reconciler) teardown(ctx context.Context) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ShutdownTimeout)
	defer cancel()

	r.setState(types.StackStateDestroying, Observation{StackName: types.StackName(r.desired.Domain)})
	if err := r.strategy.Teardown(tctx); err != nil {
		r.lastErr = err.Error()
		r.logger.Error().Err(err).Msg("Teardown failed")
		r.publish(Observation{})
		return
	}
	r.setState(types.StackStateDestroyed, Observation{})
	r.emit(events.EventStackDestroyed, "torn down")
}

func (r *Reconciler) setState(state types.StackState, obs Observation) {
	if state == types.StackStateDegraded && r.state != types.StackStateDegraded {
		r.degradedSince = time.Now()
	}
	if state != r.state {
		r.logger.Info().
			Str("from", string(r.state)).
			Str("to", string(state)).
			Msg("State changed")
	}
	r.state = state
	r.publish(obs)
}

func (r *Reconciler) publish(obs Observation) {
	stackName := obs.StackName
	if stackName == "" && r.desired.Provider == types.ProviderAWS {
		stackName = types.StackName(r.desired.Domain)
	}
	r.status.Store(&types.ExposureStatus{
		Domain:           r.desired.Domain,
		Provider:         r.desired.Provider,
		State:            r.state,
		StackName:        stackName,
		PublicEndpoint:   obs.PublicEndpoint,
		TunnelUp:         obs.TunnelUp,
		LastHandshakeAge: obs.HandshakeAge,
		ReceiveBytes:     obs.ReceiveBytes,
		TransmitBytes:    obs.TransmitBytes,
		Deployments:      r.deployments,
		LastError:        r.lastErr,
		UpdatedAt:        time.Now(),
	})
}

func (r *Reconciler) emit(t events.EventType, message string) {
	if r.broker != nil {
		r.broker.Emit(t, r.desired.Domain, message, nil)
	}
}

// sample feeds the local watchdog from the strategy
func (r *Reconciler) sample(ctx context.Context) (watchdog.Sample, error) {
	obs, err := r.strategy.Observe(ctx)
	if err != nil {
		return watchdog.Sample{}, err
	}
	return watchdog.Sample{
		StackExists:    obs.State.Exists(),
		TunnelExpected: obs.TunnelExpected,
		TunnelUp:       obs.TunnelUp,
		HandshakeAge:   obs.HandshakeAge,
	}, nil
}
