package readiness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/cuemby/outpost/pkg/deployer"
	"github.com/cuemby/outpost/pkg/log"
	"github.com/cuemby/outpost/pkg/metrics"
	"github.com/cuemby/outpost/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
)

var (
	// ErrTimeout is returned by Await when the relay did not signal in time,
	// whether the local bound or the condition's own Timeout ran out first
	ErrTimeout = errors.New("readiness signal not received in time")

	// ErrSignalFailure is returned by Await when the relay signalled FAILURE
	// or the stack failed before it could signal
	ErrSignalFailure = errors.New("relay reported failure")

	// ErrUnknownHandle is returned for a handle the gate never issued
	ErrUnknownHandle = errors.New("unknown wait handle")

	// ErrHandleClosed is returned by Await when the handle was closed while
	// waiting
	ErrHandleClosed = errors.New("wait handle is closed")
)

// StackSource describes stacks and their resources
type StackSource interface {
	Resource(ctx context.Context, h *deployer.Handle, logicalID string) (*deployer.ResourceStatus, error)
	Poll(ctx context.Context, h *deployer.Handle) (*deployer.Status, error)
}

// Signal is the outcome of a wait condition. UniqueId and Data are only
// known once the stack publishes the condition's data; see ParseData.
type Signal struct {
	Status   string `json:"Status"`
	Reason   string `json:"Reason"`
	UniqueId string `json:"UniqueId"`
	Data     string `json:"Data"`
}

// Handle is one wait on one wait condition
type Handle struct {
	ID        string
	Stack     deployer.Handle
	LogicalID string
	CreatedAt time.Time
}

type entry struct {
	handle *Handle
	closed chan struct{}
	once   sync.Once
}

// GateConfig tunes polling. The limiter is shared by every waiter, so many
// relays booting at once cannot exceed the describe rate.
type GateConfig struct {
	PollInterval      time.Duration
	RequestsPerSecond float64
	Burst             int
}

// Gate waits for relays to signal the wait condition of their stack
type Gate struct {
	source  StackSource
	cfg     GateConfig
	limiter *rate.Limiter

	mu      sync.Mutex
	handles map[string]*entry
	logger  zerolog.Logger
}

// NewGate creates a gate reading conditions through source
func NewGate(source StackSource, cfg GateConfig) *Gate {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}

	return &Gate{
		source:  source,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		handles: make(map[string]*entry),
		logger:  log.WithComponent("readiness"),
	}
}

// Open starts a wait on the condition logicalID of the submitted stack
func (g *Gate) Open(stack *deployer.Handle, logicalID string) *Handle {
	g.mu.Lock()
	defer g.mu.Unlock()

	h := &Handle{
		ID:        uuid.NewString(),
		Stack:     *stack,
		LogicalID: logicalID,
		CreatedAt: time.Now(),
	}
	g.handles[h.ID] = &entry{handle: h, closed: make(chan struct{})}

	g.logger.Debug().
		Str("stack", stack.StackName).
		Str("condition", logicalID).
		Msg("Wait handle opened")
	return h
}

// Await polls the condition until it completes or fails, the timeout passes
// or ctx is done. The handle is closed when Await returns.
func (g *Gate) Await(ctx context.Context, h *Handle, timeout time.Duration) (Signal, error) {
	g.mu.Lock()
	e, ok := g.handles[h.ID]
	g.mu.Unlock()
	if !ok {
		return Signal{}, ErrUnknownHandle
	}
	defer g.Close(h)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	logger := g.logger.With().Str("stack", h.Stack.StackName).Str("condition", h.LogicalID).Logger()
	for {
		select {
		case <-e.closed:
			return Signal{}, ErrHandleClosed
		default:
		}

		sig, done, err := g.check(ctx, h)
		if done {
			g.record(err)
			if err == nil {
				logger.Info().Str("reason", sig.Reason).Msg("Relay signalled ready")
			}
			return sig, err
		}
		if err != nil {
			if ctx.Err() != nil {
				return Signal{}, ctx.Err()
			}
			logger.Warn().Err(err).Msg("Wait condition lookup failed, will retry")
		}

		select {
		case <-ctx.Done():
			metrics.ReadinessSignals.WithLabelValues("cancelled").Inc()
			return Signal{}, ctx.Err()
		case <-e.closed:
			return Signal{}, ErrHandleClosed
		case <-deadline.C:
			metrics.ReadinessSignals.WithLabelValues("timeout").Inc()
			return Signal{}, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		case <-ticker.C:
		}
	}
}

// check looks at the condition once. done reports a final outcome.
func (g *Gate) check(ctx context.Context, h *Handle) (Signal, bool, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return Signal{}, false, err
	}

	rs, err := g.source.Resource(ctx, &h.Stack, h.LogicalID)
	if errors.Is(err, deployer.ErrNotFound) {
		// not created yet, unless the stack is already going away
		st, perr := g.source.Poll(ctx, &h.Stack)
		if perr != nil {
			return Signal{}, false, perr
		}
		switch st.State {
		case types.StackStateFailed, types.StackStateDestroying, types.StackStateDestroyed:
			return Signal{Status: StatusFailure, Reason: st.Reason},
				true, fmt.Errorf("%w: stack is %s before the relay signalled: %s", ErrSignalFailure, st.StackStatus, st.Reason)
		}
		return Signal{}, false, nil
	}
	if err != nil {
		if deployer.IsPermanent(err) {
			return Signal{}, true, err
		}
		return Signal{}, false, err
	}

	return outcome(rs)
}

// outcome maps the condition's resource status to a signal
func outcome(rs *deployer.ResourceStatus) (Signal, bool, error) {
	switch cfntypes.ResourceStatus(rs.Status) {
	case cfntypes.ResourceStatusCreateComplete, cfntypes.ResourceStatusUpdateComplete:
		return Signal{Status: StatusSuccess, Reason: rs.Reason}, true, nil
	case cfntypes.ResourceStatusCreateFailed, cfntypes.ResourceStatusUpdateFailed:
		sig := Signal{Status: StatusFailure, Reason: rs.Reason}
		if strings.Contains(strings.ToLower(rs.Reason), "timed out") {
			return sig, true, fmt.Errorf("%w: %s", ErrTimeout, rs.Reason)
		}
		return sig, true, fmt.Errorf("%w: %s", ErrSignalFailure, rs.Reason)
	}
	if strings.HasPrefix(rs.Status, "DELETE_") {
		return Signal{Status: StatusFailure, Reason: rs.Reason},
			true, fmt.Errorf("%w: wait condition is %s", ErrSignalFailure, rs.Status)
	}
	return Signal{}, false, nil
}

func (g *Gate) record(err error) {
	switch {
	case err == nil:
		metrics.ReadinessSignals.WithLabelValues("success").Inc()
	case errors.Is(err, ErrTimeout):
		metrics.ReadinessSignals.WithLabelValues("timeout").Inc()
	default:
		metrics.ReadinessSignals.WithLabelValues("failure").Inc()
	}
}

// Close ends the wait on h. A waiting Await returns ErrHandleClosed.
func (g *Gate) Close(h *Handle) {
	if h == nil {
		return
	}
	g.mu.Lock()
	e, ok := g.handles[h.ID]
	delete(g.handles, h.ID)
	g.mu.Unlock()

	if ok {
		e.once.Do(func() { close(e.closed) })
	}
}

// Pending returns the number of open handles
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.handles)
}

// ParseData reads the Data attribute of a wait condition, a JSON object of
// unique id to data. With several signals the lowest unique id wins.
func ParseData(raw string) (uniqueID, data string, err error) {
	if raw == "" {
		return "", "", errors.New("no wait condition data")
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return "", "", fmt.Errorf("wait condition data: %w", err)
	}
	if len(m) == 0 {
		return "", "", errors.New("no wait condition data")
	}

	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids[0], m[ids[0]], nil
}
