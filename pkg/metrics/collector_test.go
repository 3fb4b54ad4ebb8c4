package metrics

import (
	"testing"
	"time"

	"github.com/cuemby/outpost/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type staticSource []types.ExposureStatus

func (s staticSource) Statuses() []types.ExposureStatus { return s }

func TestCollector_Collect(t *testing.T) {
	src := staticSource{
		{Domain: "a.example", Provider: types.ProviderAWS, State: types.StackStateReady, TunnelUp: true, LastHandshakeAge: 42 * time.Second},
		{Domain: "b.example", Provider: types.ProviderAWS, State: types.StackStateCreating},
		{Domain: "c.example", Provider: types.ProviderCloudflare, State: types.StackStateReady},
	}

	c := NewCollector(src)
	c.collect()

	assert.Equal(t, 1.0, testutil.ToFloat64(ExposuresTotal.WithLabelValues("aws", "ready")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ExposuresTotal.WithLabelValues("aws", "creating")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ExposuresTotal.WithLabelValues("cloudflare", "ready")))

	assert.Equal(t, 1.0, testutil.ToFloat64(ExposureState.WithLabelValues("a.example", "ready")))
	assert.Equal(t, 0.0, testutil.ToFloat64(ExposureState.WithLabelValues("a.example", "failed")))
	assert.Equal(t, 42.0, testutil.ToFloat64(HandshakeAge.WithLabelValues("a.example")))
}

func TestCollector_StartStop(t *testing.T) {
	c := NewCollector(staticSource{})
	c.Start()
	c.Stop()
}
