package cdn

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/cuemby/outpost/pkg/reconciler"
	"github.com/cuemby/outpost/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type fakeProc struct {
	exit       chan error
	once       sync.Once
	ignoreTerm bool

	mu      sync.Mutex
	signals []os.Signal
	killed  bool
}

func newFakeProc() *fakeProc {
	return &fakeProc{exit: make(chan error, 1)}
}

func (p *fakeProc) Wait() error { return <-p.exit }

func (p *fakeProc) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	if !p.ignoreTerm {
		p.finish(nil)
	}
	return nil
}

func (p *fakeProc) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.finish(errors.New("signal: killed"))
	return nil
}

func (p *fakeProc) finish(err error) {
	p.once.Do(func() { p.exit <- err })
}

func (p *fakeProc) crash() {
	p.finish(errors.New("exit status 1"))
}

func (p *fakeProc) terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.signals) > 0 && p.signals[0] == syscall.SIGTERM
}

type fakeLauncher struct {
	mu         sync.Mutex
	procs      []*fakeProc
	args       [][]string
	fail       error
	ignoreTerm bool
}

func (l *fakeLauncher) launch(name string, args ...string) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return nil, l.fail
	}
	p := newFakeProc()
	p.ignoreTerm = l.ignoreTerm
	l.procs = append(l.procs, p)
	l.args = append(l.args, append([]string{name}, args...))
	return p, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) proc(i int) *fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}

func cfExposure(ports ...int) *types.Exposure {
	exp := &types.Exposure{
		Domain:        "b.example",
		OriginAddress: "10.0.0.5",
		Provider:      types.ProviderCloudflare,
		Cloudflare: &types.CloudflareSettings{
			Tunnel:          "6ff42ae2-765d-4adf-8112-31c55c1551ef",
			CredentialsFile: "/etc/cloudflared/b.json",
		},
	}
	for _, p := range ports {
		exp.PortMappings = append(exp.PortMappings, types.PortMapping{ExternalPort: p, InternalPort: p + 8000, Protocol: types.ProtocolTCP})
	}
	return exp
}

func newTestStrategy(t *testing.T, l *fakeLauncher) *Strategy {
	t.Helper()
	return New("b.example", Config{
		ConfigDir:   t.TempDir(),
		RestartMin:  time.Millisecond,
		RestartMax:  5 * time.Millisecond,
		StopTimeout: 20 * time.Millisecond,
	}, l.launch)
}

func TestRenderConfig(t *testing.T) {
	tests := []struct {
		name     string
		exp      *types.Exposure
		services []string
		wantErr  bool
	}{
		{
			name:     "https and http",
			exp:      cfExposure(443, 80),
			services: []string{"https://10.0.0.5:8443", "http://10.0.0.5:8080", "http_status:404"},
		},
		{
			name:     "raw tcp",
			exp:      cfExposure(22),
			services: []string{"tcp://10.0.0.5:8022", "http_status:404"},
		},
		{
			name:     "no mappings",
			exp:      cfExposure(),
			services: []string{"http://10.0.0.5", "http_status:404"},
		},
		{
			name: "udp",
			exp: func() *types.Exposure {
				exp := cfExposure()
				exp.PortMappings = []types.PortMapping{{ExternalPort: 53, InternalPort: 53, Protocol: types.ProtocolUDP}}
				return exp
			}(),
			wantErr: true,
		},
		{
			name:    "missing settings",
			exp:     &types.Exposure{Domain: "b.example", OriginAddress: "10.0.0.5", Provider: types.ProviderCloudflare},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := RenderConfig(tt.exp)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			var cfg tunnelConfig
			require.NoError(t, yaml.Unmarshal(data, &cfg))
			assert.Equal(t, "6ff42ae2-765d-4adf-8112-31c55c1551ef", cfg.Tunnel)
			assert.Equal(t, "/etc/cloudflared/b.json", cfg.CredentialsFile)
			assert.True(t, cfg.NoAutoupdate)

			var services []string
			for _, r := range cfg.Ingress {
				services = append(services, r.Service)
			}
			assert.Equal(t, tt.services, services)
			assert.Empty(t, cfg.Ingress[len(cfg.Ingress)-1].Hostname, "catch-all rule must not match a hostname")
		})
	}
}

func TestRenderConfig_MissingSettingsError(t *testing.T) {
	_, err := RenderConfig(&types.Exposure{Domain: "b.example"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestProvision(t *testing.T) {
	l := &fakeLauncher{}
	s := newTestStrategy(t, l)
	defer s.Close()

	exp := cfExposure(443)
	require.NoError(t, s.Provision(context.Background(), exp))
	require.Equal(t, 1, l.count())

	args := l.args[0]
	assert.Equal(t, []string{"cloudflared", "tunnel", "--no-autoupdate", "--config", s.ConfigPath(), "run"}, args)

	info, err := os.Stat(s.ConfigPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	obs, err := s.Observe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StackStateReady, obs.State)
	assert.True(t, obs.Managed)
	assert.True(t, obs.TunnelUp)
	assert.Equal(t, exp.Fingerprint(), obs.Fingerprint)
}

func TestProvision_LaunchFailure(t *testing.T) {
	l := &fakeLauncher{fail: errors.New(`exec: "cloudflared": executable file not found in $PATH`)}
	s := newTestStrategy(t, l)

	err := s.Provision(context.Background(), cfExposure(443))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "executable file not found")

	obs, err := s.Observe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StackStatePending, obs.State)
}

func TestProvision_InvalidExposureIsPermanent(t *testing.T) {
	s := newTestStrategy(t, &fakeLauncher{})
	err := s.Provision(context.Background(), &types.Exposure{Domain: "b.example", Provider: types.ProviderCloudflare})
	require.ErrorIs(t, err, ErrNotConfigured)
	assert.True(t, reconciler.IsPermanent(err))
}

func TestCrashIsRestarted(t *testing.T) {
	l := &fakeLauncher{}
	s := newTestStrategy(t, l)
	defer s.Close()

	require.NoError(t, s.Provision(context.Background(), cfExposure(443)))
	l.proc(0).crash()

	require.Eventually(t, func() bool { return l.count() == 2 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 1, s.Restarts())

	require.Eventually(t, func() bool {
		obs, _ := s.Observe(context.Background())
		return obs.TunnelUp
	}, 2*time.Second, time.Millisecond)
}

func TestReconfigure(t *testing.T) {
	l := &fakeLauncher{}
	s := newTestStrategy(t, l)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Provision(ctx, cfExposure(443)))

	// unchanged is a no-op
	require.NoError(t, s.Reconfigure(ctx, cfExposure(443)))
	assert.False(t, l.proc(0).terminated())

	next := cfExposure(443, 22)
	require.NoError(t, s.Reconfigure(ctx, next))

	require.Eventually(t, func() bool { return l.count() == 2 }, 2*time.Second, time.Millisecond)
	assert.True(t, l.proc(0).terminated())
	assert.Equal(t, 0, s.Restarts(), "a requested restart is not a crash")

	data, err := os.ReadFile(s.ConfigPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "tcp://10.0.0.5:8022")

	obs, err := s.Observe(ctx)
	require.NoError(t, err)
	assert.Equal(t, next.Fingerprint(), obs.Fingerprint)
}

func TestTeardown(t *testing.T) {
	l := &fakeLauncher{}
	s := newTestStrategy(t, l)

	ctx := context.Background()
	require.NoError(t, s.Provision(ctx, cfExposure(443)))
	require.NoError(t, s.Teardown(ctx))

	assert.True(t, l.proc(0).terminated())
	_, err := os.Stat(s.ConfigPath())
	assert.True(t, os.IsNotExist(err))

	obs, err := s.Observe(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.StackStatePending, obs.State)

	require.NoError(t, s.Teardown(ctx))
	assert.Equal(t, 1, l.count())
}

func TestTeardown_KillsStuckProcess(t *testing.T) {
	l := &fakeLauncher{ignoreTerm: true}
	s := newTestStrategy(t, l)

	require.NoError(t, s.Provision(context.Background(), cfExposure(443)))
	require.NoError(t, s.Teardown(context.Background()))

	p := l.proc(0)
	p.mu.Lock()
	defer p.mu.Unlock()
	assert.True(t, p.killed)
}

func TestObserve_ReadinessEndpoint(t *testing.T) {
	var mu sync.Mutex
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "/ready", r.URL.Path)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	l := &fakeLauncher{}
	s := newTestStrategy(t, l)
	defer s.Close()

	exp := cfExposure(443)
	exp.Cloudflare.MetricsAddr = strings.TrimPrefix(srv.URL, "http://")
	require.NoError(t, s.Provision(context.Background(), exp))

	obs, err := s.Observe(context.Background())
	require.NoError(t, err)
	assert.True(t, obs.TunnelUp)

	mu.Lock()
	status = http.StatusServiceUnavailable
	mu.Unlock()

	obs, err = s.Observe(context.Background())
	require.NoError(t, err)
	assert.False(t, obs.TunnelUp)
	assert.NotEmpty(t, obs.Reason)
}
