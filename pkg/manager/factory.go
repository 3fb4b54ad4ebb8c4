package manager

import (
	"errors"
	"fmt"

	"github.com/cuemby/outpost/pkg/cdn"
	"github.com/cuemby/outpost/pkg/reconciler"
	"github.com/cuemby/outpost/pkg/relay"
	"github.com/cuemby/outpost/pkg/types"
)

// ErrProviderUnavailable is returned for an exposure whose provider was not
// set up at startup
var ErrProviderUnavailable = errors.New("provider not available")

// Strategies builds strategies from the components shared by all exposures
type Strategies struct {
	Relay     relay.Config
	RelayDeps *relay.Deps // nil when no aws exposure was configured at startup

	CDN      cdn.Config
	Launcher cdn.Launcher // nil runs cloudflared
}

// New returns the strategy for exp's provider
func (s *Strategies) New(exp *types.Exposure) (reconciler.Strategy, error) {
	switch exp.Provider {
	case types.ProviderAWS:
		if s.RelayDeps == nil {
			return nil, fmt.Errorf("%s: aws: %w", exp.Domain, ErrProviderUnavailable)
		}
		return relay.New(exp.Domain, s.Relay, *s.RelayDeps), nil
	case types.ProviderCloudflare:
		return cdn.New(exp.Domain, s.CDN, s.Launcher), nil
	}
	return nil, fmt.Errorf("%s: unknown provider %q", exp.Domain, exp.Provider)
}
