package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/outpost/pkg/deployer"
	"github.com/cuemby/outpost/pkg/events"
	"github.com/cuemby/outpost/pkg/log"
	"github.com/cuemby/outpost/pkg/reconciler"
	"github.com/cuemby/outpost/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// StrategyFactory builds the strategy that realizes one exposure
type StrategyFactory func(exp *types.Exposure) (reconciler.Strategy, error)

// StackStore lists and deletes relay stacks; *deployer.Deployer satisfies it
type StackStore interface {
	ListManaged(ctx context.Context) ([]deployer.ManagedStack, error)
	Delete(ctx context.Context, h *deployer.Handle) error
}

// Manager runs one reconciler per exposure
type Manager struct {
	cfg     reconciler.Config
	factory StrategyFactory
	stacks  StackStore
	owner   string
	broker  *events.Broker
	logger  zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	group   *errgroup.Group
	entries map[string]*entry
	backlog []*types.Exposure

	// done channels of reconcilers still tearing down a removed domain
	retiring map[string]<-chan struct{}
}

type entry struct {
	rec      *reconciler.Reconciler
	provider types.Provider
	done     chan struct{}
}

// New creates a manager. stacks may be nil when no aws exposure is
// configured; broker may be nil. owner identifies this origin on the stacks it
// creates; the orphan sweep never touches stacks of another owner.
func New(cfg reconciler.Config, factory StrategyFactory, stacks StackStore, owner string, broker *events.Broker) *Manager {
	return &Manager{
		cfg:      cfg,
		factory:  factory,
		stacks:   stacks,
		owner:    owner,
		broker:   broker,
		logger:   log.WithComponent("manager"),
		entries:  make(map[string]*entry),
		retiring: make(map[string]<-chan struct{}),
	}
}

// Run starts a reconciler for every exposure and blocks until ctx is done and
// every reconciler has shut down. Stacks left behind by exposures that are no
// longer configured are deleted first.
func (m *Manager) Run(ctx context.Context, exposures []*types.Exposure) error {
	m.sweepOrphans(ctx, exposures)

	m.mu.Lock()
	m.ctx = ctx
	m.group = &errgroup.Group{}
	backlog := m.backlog
	m.backlog = nil
	m.mu.Unlock()

	if backlog != nil {
		exposures = backlog
	}
	m.Apply(exposures)

	<-ctx.Done()
	m.logger.Info().Msg("Stopping reconcilers")

	// wait out an Apply that started before cancellation
	m.mu.Lock()
	group := m.group
	m.mu.Unlock()
	return group.Wait()
}

// Apply moves the running reconcilers to the given exposures: new domains get
// a reconciler, changed ones are updated in place, missing ones are torn
// down. A domain whose provider changed is torn down before its new strategy
// starts.
func (m *Manager) Apply(exposures []*types.Exposure) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.group == nil {
		m.backlog = exposures
		return
	}
	if m.ctx.Err() != nil {
		return
	}

	desired := make(map[string]*types.Exposure, len(exposures))
	for _, exp := range exposures {
		desired[exp.Domain] = exp
	}

	for domain, e := range m.entries {
		if _, ok := desired[domain]; !ok {
			m.logger.Info().Str("domain", domain).Msg("Exposure removed from configuration")
			e.rec.Remove()
			delete(m.entries, domain)
			m.retiring[domain] = e.done
		}
	}

	for _, exp := range exposures {
		e, ok := m.entries[exp.Domain]
		switch {
		case !ok:
			m.start(exp)
		case e.provider != exp.Provider:
			m.logger.Info().
				Str("domain", exp.Domain).
				Str("from", string(e.provider)).
				Str("to", string(exp.Provider)).
				Msg("Provider changed, replacing exposure")
			e.rec.Remove()
			delete(m.entries, exp.Domain)
			m.retiring[exp.Domain] = e.done
			m.start(exp)
		default:
			e.rec.Update(exp)
		}
	}
}

// start launches a reconciler for exp. If an earlier reconciler of the same
// domain is still tearing down, the new one waits for it. Caller holds m.mu.
func (m *Manager) start(exp *types.Exposure) {
	logger := m.logger.With().Str("domain", exp.Domain).Logger()

	strategy, err := m.factory(exp)
	if err != nil {
		logger.Error().Err(err).Msg("Cannot build strategy for exposure")
		m.emit(events.EventStackFailed, exp.Domain, err.Error())
		return
	}
	after := m.retiring[exp.Domain]
	delete(m.retiring, exp.Domain)

	e := &entry{
		rec:      reconciler.New(exp, strategy, m.cfg, m.broker),
		provider: exp.Provider,
		done:     make(chan struct{}),
	}
	m.entries[exp.Domain] = e
	m.emit(events.EventExposureAdded, exp.Domain, fmt.Sprintf("provider %s", exp.Provider))

	ctx := m.ctx
	m.group.Go(func() error {
		defer close(e.done)
		if after != nil {
			select {
			case <-after:
			case <-ctx.Done():
				strategy.Close()
				return nil
			}
		}
		// a failing exposure never stops the others
		if err := e.rec.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("Reconciler stopped with error")
		}
		return nil
	})
}

// Statuses returns a snapshot of every exposure, ordered by domain
func (m *Manager) Statuses() []types.ExposureStatus {
	m.mu.Lock()
	out := make([]types.ExposureStatus, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.rec.Status())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// Status returns the snapshot of one exposure
func (m *Manager) Status(domain string) (types.ExposureStatus, bool) {
	m.mu.Lock()
	e, ok := m.entries[domain]
	m.mu.Unlock()
	if !ok {
		return types.ExposureStatus{}, false
	}
	return e.rec.Status(), true
}

// sweepOrphans deletes this origin's managed stacks whose domain is not a
// configured aws exposure. Stacks owned by other origins sharing the account
// are left alone. Failures are logged; the next start tries again.
func (m *Manager) sweepOrphans(ctx context.Context, exposures []*types.Exposure) {
	if m.stacks == nil {
		return
	}

	wanted := make(map[string]bool)
	for _, exp := range exposures {
		if exp.Provider == types.ProviderAWS {
			wanted[types.StackName(exp.Domain)] = true
		}
	}

	stacks, err := m.stacks.ListManaged(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Cannot list stacks, skipping orphan sweep")
		return
	}

	for _, s := range stacks {
		if wanted[s.StackName] {
			continue
		}
		if s.Status != nil && s.Status.State == types.StackStateDestroying {
			continue
		}

		logger := m.logger.With().Str("stack", s.StackName).Str("domain", s.Domain).Logger()
		if s.Owner != m.owner {
			logger.Debug().Str("owner", s.Owner).Msg("Stack belongs to another origin, not sweeping")
			continue
		}
		h := s.Handle
		if err := m.stacks.Delete(ctx, &h); err != nil {
			logger.Error().Err(err).Msg("Failed to delete orphaned stack")
			continue
		}
		logger.Info().Msg("Deleted orphaned stack")
		m.emit(events.EventOrphanRemoved, s.Domain, "deleted stack "+s.StackName)
	}
}

func (m *Manager) emit(t events.EventType, domain, message string) {
	if m.broker != nil {
		m.broker.Emit(t, domain, message, nil)
	}
}
