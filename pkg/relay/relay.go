package relay

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/cuemby/outpost/pkg/deployer"
	"github.com/cuemby/outpost/pkg/dns"
	"github.com/cuemby/outpost/pkg/keys"
	"github.com/cuemby/outpost/pkg/log"
	"github.com/cuemby/outpost/pkg/metrics"
	"github.com/cuemby/outpost/pkg/network"
	"github.com/cuemby/outpost/pkg/readiness"
	"github.com/cuemby/outpost/pkg/reconciler"
	"github.com/cuemby/outpost/pkg/template"
	"github.com/cuemby/outpost/pkg/tunnel"
	"github.com/cuemby/outpost/pkg/types"
	"github.com/rs/zerolog"
)

// Config holds the per-process relay settings shared by all aws exposures
type Config struct {
	Region       string
	HostedZoneID string
	InstanceType string

	// OriginPublicIP is detected when empty
	OriginPublicIP string

	// Owner is tagged on every stack. A stack of the same name carrying
	// another owner belongs to another host and is never touched.
	Owner string

	ListenPort int

	AgentURL          string
	AgentSHA256       string
	WatchdogInterval  time.Duration
	WatchdogThreshold int

	ReadinessTimeout time.Duration

	// VerifyDNS waits up to DNSTimeout for the record to resolve at the
	// zone's nameservers. A record that never shows up is only logged.
	VerifyDNS  bool
	DNSTimeout time.Duration
}

// IPSource reports the origin's public address
type IPSource interface {
	Detect(ctx context.Context) (netip.Addr, error)
}

// Deps are the shared components a Strategy composes
type Deps struct {
	Keys      *keys.Manager
	Builder   *template.Builder
	Deployer  *deployer.Deployer
	Gate      *readiness.Gate
	Tunnels   *tunnel.Supervisor
	Subnets   *tunnel.Allocator
	Forwarder *network.Forwarder
	PublicIP  IPSource
}

// deployment is everything this process holds for one live stack. Its key
// material exists only here and inside the tunnel handle.
type deployment struct {
	exposure *types.Exposure
	handle   *deployer.Handle
	pair     *keys.Pair
	ready    string
	wait     *readiness.Handle
	zone     *deployer.Zone
	originIP netip.Addr
	subnet   tunnel.Subnet
	endpoint netip.Addr
	tunnel   *tunnel.Handle
	desc     types.StackDescriptor
}

// Strategy exposes one domain through a disposable EC2 relay
type Strategy struct {
	cfg       Config
	deps      Deps
	domain    string
	stackName string
	iface     string
	logger    zerolog.Logger

	mu      sync.Mutex
	current *deployment
}

var _ reconciler.Strategy = (*Strategy)(nil)

// New creates the relay strategy for domain
func New(domain string, cfg Config, deps Deps) *Strategy {
	if cfg.ListenPort == 0 {
		cfg.ListenPort = template.DefaultListenPort
	}
	if cfg.ReadinessTimeout <= 0 {
		cfg.ReadinessTimeout = 10 * time.Minute
	}
	if cfg.DNSTimeout <= 0 {
		cfg.DNSTimeout = 5 * time.Minute
	}

	stackName := types.StackName(domain)
	return &Strategy{
		cfg:       cfg,
		deps:      deps,
		domain:    domain,
		stackName: stackName,
		iface:     deps.Tunnels.InterfaceName(domain),
		logger:    log.WithStack(stackName, cfg.Region).With().Str("domain", domain).Logger(),
	}
}

// Descriptor returns the descriptor of the live deployment, if any
func (s *Strategy) Descriptor() (types.StackDescriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return types.StackDescriptor{}, false
	}
	return s.current.desc, true
}

// Observe reports the stack and tunnel. Without a live deployment the stack is
// looked up by name so a leftover from an earlier run is seen.
func (s *Strategy) Observe(ctx context.Context) (reconciler.Observation, error) {
	s.mu.Lock()
	d := s.current
	var (
		handle      deployer.Handle
		th          *tunnel.Handle
		fingerprint string
	)
	if d != nil {
		handle = *d.handle
		th = d.tunnel
		fingerprint = d.exposure.Fingerprint()
	}
	s.mu.Unlock()

	obs := reconciler.Observation{StackName: s.stackName, State: types.StackStatePending}

	if d == nil {
		_, st, err := s.deps.Deployer.Find(ctx, s.stackName)
		if errors.Is(err, deployer.ErrNotFound) {
			return obs, nil
		}
		if err != nil {
			return obs, err
		}
		obs.State = st.State
		obs.PublicEndpoint = st.PublicEndpoint()
		obs.Reason = st.Reason
		return obs, nil
	}

	st, err := s.deps.Deployer.Poll(ctx, &handle)
	if err != nil {
		return obs, err
	}
	obs.State = st.State
	obs.Managed = true
	obs.Fingerprint = fingerprint
	obs.PublicEndpoint = st.PublicEndpoint()
	obs.Reason = st.Reason

	if th != nil && st.State.Exists() {
		obs.TunnelExpected = true
		ts, err := s.deps.Tunnels.Status(th)
		if err != nil {
			return obs, fmt.Errorf("tunnel status: %w", err)
		}
		obs.TunnelUp = ts.Up
		obs.HandshakeAge = ts.LastHandshakeAge
		obs.ReceiveBytes = ts.ReceiveBytes
		obs.TransmitBytes = ts.TransmitBytes
		if !ts.LastHandshake.IsZero() {
			metrics.HandshakeAge.WithLabelValues(s.domain).Set(ts.LastHandshakeAge.Seconds())
		}
		metrics.TunnelBytes.WithLabelValues(s.domain, "rx").Set(float64(ts.ReceiveBytes))
		metrics.TunnelBytes.WithLabelValues(s.domain, "tx").Set(float64(ts.TransmitBytes))
	}
	return obs, nil
}

// Provision deploys a relay for exp with fresh keys, or attaches to a stack of
// the same name left by an earlier run. An attached stack is rekeyed with an
// update, since its keys died with the process that made them.
func (s *Strategy) Provision(ctx context.Context, exp *types.Exposure) error {
	zone, err := s.deps.Deployer.ValidateZone(ctx, s.cfg.HostedZoneID, exp.Domain)
	if err != nil {
		return err
	}

	originIP, err := s.originIP(ctx)
	if err != nil {
		return fmt.Errorf("failed to determine origin public ip: %w", err)
	}

	existing, err := s.leftover(ctx)
	if err != nil {
		return err
	}

	subnet, err := s.deps.Subnets.Allocate(s.domain)
	if err != nil {
		return err
	}

	pair, err := s.deps.Keys.GeneratePair()
	if err != nil {
		s.deps.Subnets.Release(s.domain)
		return fmt.Errorf("failed to generate tunnel keys: %w", err)
	}

	d := &deployment{
		exposure: exp,
		pair:     pair,
		zone:     zone,
		originIP: originIP,
		subnet:   subnet,
	}

	if err := s.submit(ctx, d, existing); err != nil {
		s.abandon(d)
		return err
	}

	if err := s.awaitRelay(ctx, d, existing != nil); err != nil {
		s.abandon(d)
		return err
	}

	s.mu.Lock()
	s.current = d
	s.mu.Unlock()

	if err := s.connect(ctx, d); err != nil {
		return err
	}

	s.logger.Info().
		Str("endpoint", d.endpoint.String()).
		Str("interface", s.iface).
		Str("tunnel_subnet", subnet.Prefix.String()).
		Msg("Relay deployed")

	s.verifyDNS(ctx, d)
	return nil
}

// leftover finds a stack from an earlier run. Stacks being deleted are waited
// out and failed ones are removed, so only a usable stack is returned.
func (s *Strategy) leftover(ctx context.Context) (*deployer.Handle, error) {
	h, st, err := s.deps.Deployer.Find(ctx, s.stackName)
	if errors.Is(err, deployer.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if owner := st.Tags[template.TagOwner]; owner != "" && owner != s.cfg.Owner {
		return nil, &ForeignStack{StackName: s.stackName, Owner: owner}
	}

	switch {
	case st.State == types.StackStateDestroying:
		s.logger.Info().Msg("Waiting for previous stack to finish deleting")
		return nil, s.deps.Deployer.WaitDeleted(ctx, h)

	case st.State == types.StackStateFailed && !st.InProgress:
		s.logger.Warn().Str("status", st.StackStatus).Msg("Replacing failed stack")
		if err := s.deps.Deployer.Delete(ctx, h); err != nil {
			return nil, err
		}
		return nil, s.deps.Deployer.WaitDeleted(ctx, h)

	case st.State == types.StackStateCreating || st.InProgress:
		s.logger.Info().Str("status", st.StackStatus).Msg("Waiting for existing stack to settle before attaching")
		if _, err := s.deps.Deployer.WaitReady(ctx, h); err != nil {
			return nil, err
		}
	}

	s.logger.Info().Str("stack_id", h.StackID).Msg("Attaching to existing stack")
	return h, nil
}

// submit renders d and creates its stack, or updates existing in place
func (s *Strategy) submit(ctx context.Context, d *deployment, existing *deployer.Handle) error {
	tpl, err := s.deps.Builder.Render(d.exposure, d.pair, s.params(d))
	if err != nil {
		return err
	}
	defer tpl.Wipe()
	d.ready = tpl.ReadyCondition

	if existing != nil {
		d.handle = existing
		return s.deps.Deployer.Update(ctx, existing, tpl)
	}

	h, err := s.deps.Deployer.Create(ctx, s.stackName, tpl)
	if errors.Is(err, deployer.ErrAlreadyExists) {
		// created by someone else between the lookup and now
		var st *deployer.Status
		h, st, err = s.deps.Deployer.Find(ctx, s.stackName)
		if err != nil {
			return err
		}
		if st.InProgress {
			if _, err := s.deps.Deployer.WaitReady(ctx, h); err != nil {
				return err
			}
		}
		d.handle = h
		return s.deps.Deployer.Update(ctx, h, tpl)
	}
	if err != nil {
		return err
	}
	d.handle = h
	return nil
}

// awaitRelay waits for the relay to signal its wait condition and then for
// the stack itself. A relay that never signals is deleted before the error is
// returned.
func (s *Strategy) awaitRelay(ctx context.Context, d *deployment, updated bool) error {
	d.wait = s.deps.Gate.Open(d.handle, d.ready)
	sig, err := s.deps.Gate.Await(ctx, d.wait, s.cfg.ReadinessTimeout)
	switch {
	case errors.Is(err, readiness.ErrTimeout):
		s.logger.Error().Dur("timeout", s.cfg.ReadinessTimeout).Msg("Relay never reported ready, deleting stack")
		s.deletePartial(ctx, d.handle)
		return &DeploymentTimeout{StackName: s.stackName, Timeout: s.cfg.ReadinessTimeout, Err: err}
	case errors.Is(err, readiness.ErrSignalFailure):
		s.logger.Error().Err(err).Msg("Relay reported failure, deleting stack")
		s.deletePartial(ctx, d.handle)
		return &DeploymentFailed{StackName: s.stackName, Err: err}
	case err != nil:
		// cancelled: the stack is left for the next start to attach to
		return err
	}

	wait := s.deps.Deployer.WaitReady
	if updated {
		wait = s.deps.Deployer.WaitUpdated
	}
	st, err := wait(ctx, d.handle)
	if err != nil {
		return err
	}

	if id, data, err := readiness.ParseData(st.Outputs[template.OutputReadyData]); err == nil {
		sig.UniqueId, sig.Data = id, data
	}
	endpoint := st.PublicEndpoint()
	if endpoint == "" {
		endpoint = sig.Data
	}
	addr, err := netip.ParseAddr(endpoint)
	if err != nil {
		return fmt.Errorf("stack %s has no usable public endpoint %q: %w", s.stackName, endpoint, err)
	}
	d.endpoint = addr
	d.desc = types.StackDescriptor{
		StackName:      s.stackName,
		StackID:        d.handle.StackID,
		Region:         s.cfg.Region,
		HostedZoneID:   d.zone.ID,
		PublicEndpoint: addr.String(),
		ReadyCondition: d.ready,
		Fingerprint:    d.exposure.Fingerprint(),
		CreatedAt:      time.Now(),
	}

	s.logger.Info().
		Str("instance_id", sig.UniqueId).
		Str("endpoint", endpoint).
		Msg("Relay reported ready")
	return nil
}

// connect brings the tunnel up and installs origin forwarding. Failures leave
// the deployment in place for a later repair.
func (s *Strategy) connect(ctx context.Context, d *deployment) error {
	if d.tunnel == nil {
		th, err := s.deps.Tunnels.BringUp(ctx, d.pair.Origin, tunnel.Spec{
			Interface: s.iface,
			Address:   d.subnet.OriginPrefix(),
			Peer: tunnel.Peer{
				PublicKey:    d.pair.Relay.PublicKey,
				PresharedKey: d.pair.Origin.PresharedKey,
				Endpoint:     netip.AddrPortFrom(d.endpoint, uint16(s.cfg.ListenPort)),
				TunnelIP:     d.subnet.Relay,
			},
		})
		if err != nil {
			return err
		}
		s.mu.Lock()
		d.tunnel = th
		s.mu.Unlock()
	}

	if err := s.deps.Forwarder.Publish(ctx, d.exposure, s.iface, d.subnet.Relay); err != nil {
		return fmt.Errorf("failed to install origin forwarding: %w", err)
	}
	return nil
}

// Reconfigure applies a changed exposure to the live stack with an in-place
// update. Keys and therefore the wait condition stay the same, so only the
// port rules differ. It also repairs a tunnel that is missing or points at an
// old address.
func (s *Strategy) Reconfigure(ctx context.Context, exp *types.Exposure) error {
	s.mu.Lock()
	d := s.current
	s.mu.Unlock()
	if d == nil {
		return fmt.Errorf("no deployment of %s to reconfigure", s.stackName)
	}

	if d.exposure.Fingerprint() != exp.Fingerprint() {
		next := *d
		next.exposure = exp

		tpl, err := s.deps.Builder.Render(exp, d.pair, s.params(&next))
		if err != nil {
			return err
		}
		err = s.deps.Deployer.Update(ctx, d.handle, tpl)
		tpl.Wipe()
		if err != nil {
			return err
		}

		st, err := s.deps.Deployer.WaitUpdated(ctx, d.handle)
		if err != nil {
			return err
		}

		s.mu.Lock()
		if addr, err := netip.ParseAddr(st.PublicEndpoint()); err == nil {
			d.endpoint = addr
		}
		d.exposure = exp
		d.desc.Fingerprint = exp.Fingerprint()
		d.desc.PublicEndpoint = d.endpoint.String()
		s.mu.Unlock()

		s.logger.Info().Int("ports", len(exp.PortMappings)).Msg("Relay reconfigured in place")
	}

	return s.repair(ctx, d)
}

// repair makes the local side match d: interface present, peer endpoint
// current and forwarding installed
func (s *Strategy) repair(ctx context.Context, d *deployment) error {
	if d.tunnel == nil {
		return s.connect(ctx, d)
	}

	ts, err := s.deps.Tunnels.Status(d.tunnel)
	if err != nil {
		return err
	}
	if !ts.DeviceExists {
		s.logger.Warn().Str("interface", s.iface).Msg("Tunnel interface is gone, restoring")
		if err := s.deps.Tunnels.Restore(ctx, d.tunnel); err != nil {
			return err
		}
	}

	s.mu.Lock()
	want := netip.AddrPortFrom(d.endpoint, uint16(s.cfg.ListenPort))
	s.mu.Unlock()
	if d.tunnel.Endpoint() != want {
		if err := s.deps.Tunnels.Rebind(ctx, d.tunnel, want); err != nil {
			return err
		}
	}

	if !slices.Equal(s.deps.Forwarder.Published(s.domain), d.exposure.PortMappings) {
		return s.deps.Forwarder.Publish(ctx, d.exposure, s.iface, d.subnet.Relay)
	}
	return nil
}

// Teardown deletes the stack and then releases everything held locally. When
// the delete fails nothing local is released, so a retry starts over.
func (s *Strategy) Teardown(ctx context.Context) error {
	s.mu.Lock()
	d := s.current
	s.mu.Unlock()

	var h *deployer.Handle
	if d != nil {
		h = d.handle
	} else {
		found, st, err := s.deps.Deployer.Find(ctx, s.stackName)
		if errors.Is(err, deployer.ErrNotFound) {
			s.release(ctx)
			return nil
		}
		if err != nil {
			return err
		}
		if owner := st.Tags[template.TagOwner]; owner != "" && owner != s.cfg.Owner {
			s.logger.Warn().Str("owner", owner).Msg("Leaving stack owned by another host")
			s.release(ctx)
			return nil
		}
		h = found
	}

	if err := s.deps.Deployer.Delete(ctx, h); err != nil {
		return err
	}
	if err := s.deps.Deployer.WaitDeleted(ctx, h); err != nil {
		return err
	}

	s.release(ctx)
	s.logger.Info().Msg("Relay torn down")
	return nil
}

// Close releases local resources and wipes keys without touching the stack
func (s *Strategy) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.release(ctx)
}

func (s *Strategy) release(ctx context.Context) {
	s.mu.Lock()
	d := s.current
	s.current = nil
	s.mu.Unlock()

	if err := s.deps.Forwarder.Unpublish(ctx, s.domain); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to remove origin forwarding")
	}
	if d != nil {
		if err := s.deps.Tunnels.TearDown(ctx, d.tunnel); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to remove tunnel interface")
		}
		d.pair.Zero()
	}
	s.deps.Subnets.Release(s.domain)
}

// abandon drops a deployment attempt that never became current
func (s *Strategy) abandon(d *deployment) {
	s.deps.Gate.Close(d.wait)
	d.pair.Zero()
	s.deps.Subnets.Release(s.domain)
}

// deletePartial removes a stack whose relay never became ready. It outlives
// ctx so a shutdown does not leave the stack behind.
func (s *Strategy) deletePartial(ctx context.Context, h *deployer.Handle) {
	if h == nil {
		return
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Minute)
	defer cancel()

	if err := s.deps.Deployer.Delete(dctx, h); err != nil {
		s.logger.Error().Err(err).Msg("Failed to delete partial stack")
		return
	}
	if err := s.deps.Deployer.WaitDeleted(dctx, h); err != nil {
		s.logger.Error().Err(err).Msg("Partial stack did not delete cleanly")
	}
}

func (s *Strategy) verifyDNS(ctx context.Context, d *deployment) {
	if !s.cfg.VerifyDNS {
		return
	}

	servers := d.zone.NameServers
	if len(servers) == 0 {
		servers = dns.DefaultServers
	}
	vctx, cancel := context.WithTimeout(ctx, s.cfg.DNSTimeout)
	defer cancel()

	if err := dns.NewVerifier(servers).WaitFor(vctx, d.exposure.Domain, d.endpoint, 10*time.Second); err != nil {
		s.logger.Warn().Err(err).Msg("DNS record not visible yet")
		return
	}
	s.logger.Info().Str("address", d.endpoint.String()).Msg("DNS record verified")
}

func (s *Strategy) originIP(ctx context.Context) (netip.Addr, error) {
	if s.cfg.OriginPublicIP != "" {
		return netip.ParseAddr(s.cfg.OriginPublicIP)
	}
	if s.deps.PublicIP == nil {
		return netip.Addr{}, errors.New("origin public ip is not configured")
	}
	return s.deps.PublicIP.Detect(ctx)
}

func (s *Strategy) params(d *deployment) template.Params {
	// the wait condition counts whole seconds
	timeout := s.cfg.ReadinessTimeout
	if r := timeout % time.Second; r != 0 {
		timeout += time.Second - r
	}

	return template.Params{
		StackName:         s.stackName,
		Region:            s.cfg.Region,
		HostedZoneID:      d.zone.ID,
		InstanceType:      s.cfg.InstanceType,
		OriginPublicIP:    d.originIP.String(),
		ListenPort:        s.cfg.ListenPort,
		RelayTunnelIP:     d.subnet.Relay,
		OriginTunnelIP:    d.subnet.Origin,
		Owner:             s.cfg.Owner,
		ReadinessTimeout:  timeout,
		AgentURL:          s.cfg.AgentURL,
		AgentSHA256:       s.cfg.AgentSHA256,
		WatchdogInterval:  s.cfg.WatchdogInterval,
		WatchdogThreshold: s.cfg.WatchdogThreshold,
	}
}
