package main

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cuemby/outpost/pkg/config"
	"github.com/cuemby/outpost/pkg/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
aws: {region: us-east-2, hosted_zone_id: Z123, instance_type: t4g.nano}
relay: {agent_url: "https://downloads.example/outpost-linux-arm64"}
origin: {public_ip: 203.0.113.7}
exposures:
  App.Example.:
    service: tcp://web:8080
    provider: aws
    ports:
      - {external: 443, internal: 8443}
  b.example:
    service: http://10.0.0.9:3000
    provider: cloudflare
    cloudflare: {tunnel: t, credentials_file: /etc/cloudflared/b.json}
`

func seeded() *keys.Manager {
	seed := make([]byte, 4096)
	for i := range seed {
		seed[i] = byte(i*7 + 3)
	}
	return keys.NewManagerWithReader(bytes.NewReader(seed))
}

type fixedIP struct {
	addr netip.Addr
	err  error
}

func (f fixedIP) Detect(ctx context.Context) (netip.Addr, error) {
	return f.addr, f.err
}

func TestFindExposure(t *testing.T) {
	cfg, err := config.Parse([]byte(testConfig), nil)
	require.NoError(t, err)

	exp, err := findExposure(cfg, "app.example.com")
	assert.Error(t, err)
	assert.Nil(t, exp)

	exp, err = findExposure(cfg, "APP.example.")
	require.NoError(t, err)
	assert.Equal(t, "app.example", exp.Domain)
}

func TestRenderTemplate_RedactsKeys(t *testing.T) {
	cfg, err := config.Parse([]byte(testConfig), nil)
	require.NoError(t, err)
	exp, err := findExposure(cfg, "app.example")
	require.NoError(t, err)

	expected, err := seeded().GeneratePair()
	require.NoError(t, err)

	out, err := renderTemplate(cfg, exp, seeded())
	require.NoError(t, err)

	body := string(out)
	assert.Contains(t, body, "<redacted>")
	assert.Contains(t, body, "203.0.113.7")
	for _, k := range []keys.Key{expected.Origin.PrivateKey, expected.Relay.PrivateKey, expected.Relay.PresharedKey} {
		assert.NotContains(t, body, k.Base64())
	}
}

func TestResolveOwner(t *testing.T) {
	tests := []struct {
		name     string
		yaml     string
		detector fixedIP
		want     string
		wantErr  bool
	}{
		{
			name:     "configured id",
			yaml:     `origin: {id: edge-01, public_ip: 203.0.113.7}`,
			detector: fixedIP{err: errors.New("offline")},
			want:     "edge-01",
		},
		{
			name: "public ip",
			yaml: `origin: {public_ip: 203.0.113.7}`,
			want: "203.0.113.7",
		},
		{
			name:     "detected",
			yaml:     `{}`,
			detector: fixedIP{addr: netip.MustParseAddr("198.51.100.4")},
			want:     "198.51.100.4",
		},
		{
			name:     "detection fails",
			yaml:     `{}`,
			detector: fixedIP{err: errors.New("offline")},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := config.Parse([]byte(tt.yaml), nil)
			require.NoError(t, err)

			got, err := resolveOwner(context.Background(), cfg, tt.detector)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckShapingModules(t *testing.T) {
	dir := t.TempDir()
	procModules := filepath.Join(dir, "modules")
	sysModule := filepath.Join(dir, "sys")
	require.NoError(t, os.WriteFile(procModules, []byte("sch_htb 36864 0 - Live 0x0000000000000000\n"), 0o644))

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{name: "no limits", yaml: `{}`},
		{name: "upload only", yaml: `tunnel: {upload_limit_mbps: 50}`},
		{name: "download", yaml: `tunnel: {download_limit_mbps: 20}`, wantErr: "ifb, act_mirred"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := config.Parse([]byte(tt.yaml), nil)
			require.NoError(t, err)

			err = checkShapingModules(cfg, procModules, sysModule)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestKeysCheck(t *testing.T) {
	var out bytes.Buffer
	keysCheckCmd.SetOut(&out)
	defer keysCheckCmd.SetOut(nil)

	require.NoError(t, runKeysCheck(keysCheckCmd, nil))
	assert.True(t, strings.HasSuffix(out.String(), "ok\n"))
	assert.Contains(t, out.String(), "origin public key: ")
}

func TestVerifyPair(t *testing.T) {
	pair, err := seeded().GeneratePair()
	require.NoError(t, err)
	require.NoError(t, verifyPair(pair))

	pair.Relay.PublicKey = pair.Origin.PublicKey
	assert.ErrorContains(t, verifyPair(pair), "relay public key")

	pair.Zero()
	assert.Error(t, verifyPair(pair))
}

func TestReconcilerConfig(t *testing.T) {
	cfg := config.Default()
	cfg.TeardownOnExit = false

	rc := reconcilerConfig(cfg)
	assert.Equal(t, cfg.Reconcile.Interval, rc.Interval)
	assert.Equal(t, cfg.Watchdog.Threshold, rc.WatchdogThreshold)
	assert.False(t, rc.TeardownOnExit)
}
