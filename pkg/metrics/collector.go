package metrics

import (
	"time"

	"github.com/cuemby/outpost/pkg/types"
)

// StatusSource reports the current status of every exposure
type StatusSource interface {
	Statuses() []types.ExposureStatus
}

var allStates = []types.StackState{
	types.StackStatePending,
	types.StackStateCreating,
	types.StackStateReady,
	types.StackStateDegraded,
	types.StackStateDestroying,
	types.StackStateDestroyed,
	types.StackStateFailed,
}

// Collector periodically turns exposure snapshots into gauges
type Collector struct {
	source   StatusSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source StatusSource) *Collector {
	return &Collector{
		source:   source,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	statuses := c.source.Statuses()

	counts := make(map[types.Provider]map[types.StackState]int)
	ExposureState.Reset()
	HandshakeAge.Reset()

	for _, st := range statuses {
		if counts[st.Provider] == nil {
			counts[st.Provider] = make(map[types.StackState]int)
		}
		counts[st.Provider][st.State]++

		for _, state := range allStates {
			v := 0.0
			if state == st.State {
				v = 1
			}
			ExposureState.WithLabelValues(st.Domain, string(state)).Set(v)
		}

		if st.TunnelUp {
			HandshakeAge.WithLabelValues(st.Domain).Set(st.LastHandshakeAge.Seconds())
		}
	}

	ExposuresTotal.Reset()
	for provider, states := range counts {
		for state, count := range states {
			ExposuresTotal.WithLabelValues(string(provider), string(state)).Set(float64(count))
		}
	}
}
