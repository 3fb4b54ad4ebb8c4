package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/outpost/pkg/deployer"
	"github.com/cuemby/outpost/pkg/keys"
	"github.com/cuemby/outpost/pkg/tunnel"
	"github.com/cuemby/outpost/pkg/types"
)

// Observation is what a strategy currently sees of its exposure
type Observation struct {
	// State is the provider-side state; Pending when nothing exists
	State types.StackState

	// Managed is true when this process holds the deployment, i.e. its keys
	// and tunnel. An existing stack that is not managed must be attached.
	Managed bool

	// Fingerprint of the exposure the deployment was built for
	Fingerprint string

	TunnelExpected bool
	TunnelUp       bool
	HandshakeAge   time.Duration

	// Bytes through the tunnel since the interface was configured
	ReceiveBytes  int64
	TransmitBytes int64

	StackName      string
	PublicEndpoint string
	Reason         string
}

// Strategy exposes one domain through one provider. Observe may be called
// concurrently with the other methods; the others are only called from the
// reconciler's goroutine.
type Strategy interface {
	// Observe reports the current state without changing anything
	Observe(ctx context.Context) (Observation, error)

	// Provision creates, or attaches to, the deployment for exp
	Provision(ctx context.Context, exp *types.Exposure) error

	// Reconfigure applies exp to the existing deployment in place
	Reconfigure(ctx context.Context, exp *types.Exposure) error

	// Teardown removes the deployment; it is idempotent
	Teardown(ctx context.Context) error

	// Close releases local resources without touching the provider
	Close()
}

// PermanentError is implemented by errors that must not be retried until the
// desired exposure changes
type PermanentError interface {
	error
	Permanent() bool
}

// IsPermanent reports whether err leaves the exposure Failed
func IsPermanent(err error) bool {
	var p PermanentError
	if errors.As(err, &p) && p.Permanent() {
		return true
	}
	return deployer.IsPermanent(err) || errors.Is(err, keys.ErrEntropy)
}

// IsDegrading reports whether err leaves infrastructure in place but the
// tunnel down
func IsDegrading(err error) bool {
	var est *tunnel.EstablishmentError
	return errors.As(err, &est)
}
