package network

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/outpost/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	calls  []string
	failOn string
}

func (r *recorder) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	call := name + " " + strings.Join(args, " ")
	r.calls = append(r.calls, call)
	if r.failOn != "" && strings.Contains(call, r.failOn) {
		return nil, errors.New("iptables: Resource temporarily unavailable")
	}
	return nil, nil
}

func staticResolver(addr string) ResolveFunc {
	return func(ctx context.Context, host string) (netip.Addr, error) {
		return netip.MustParseAddr(addr), nil
	}
}

func testExposure(ports ...types.PortMapping) *types.Exposure {
	return &types.Exposure{
		Domain:        "a.example",
		OriginAddress: "web:8080",
		Provider:      types.ProviderAWS,
		PortMappings:  ports,
	}
}

func TestForwarder_Publish(t *testing.T) {
	rec := &recorder{}
	f := NewForwarder(rec).WithResolver(staticResolver("192.168.1.20"))

	exp := testExposure(types.PortMapping{ExternalPort: 80, InternalPort: 8080, Protocol: types.ProtocolTCP})
	require.NoError(t, f.Publish(context.Background(), exp, "wg-outpost", netip.MustParseAddr("172.17.0.1")))

	assert.Equal(t, []string{
		"iptables -A INPUT -i wg-outpost -s 172.17.0.1 -m conntrack --ctstate RELATED,ESTABLISHED -j ACCEPT",
		"iptables -A FORWARD -o wg-outpost -d 172.17.0.1 -j ACCEPT",
		"iptables -A INPUT -i wg-outpost -s 172.17.0.1 -p tcp --dport 8080 -j ACCEPT",
		"iptables -A FORWARD -i wg-outpost -s 172.17.0.1 -p tcp --dport 8080 -j ACCEPT",
		"iptables -t nat -A PREROUTING -i wg-outpost -s 172.17.0.1 -p tcp --dport 8080 -j DNAT --to-destination 192.168.1.20:8080",
		"iptables -t nat -A POSTROUTING -d 192.168.1.20 -p tcp --dport 8080 -j MASQUERADE",
	}, rec.calls)
	assert.Equal(t, exp.PortMappings, f.Published("a.example"))
}

func TestForwarder_Unpublish(t *testing.T) {
	rec := &recorder{}
	f := NewForwarder(rec).WithResolver(staticResolver("192.168.1.20"))
	ctx := context.Background()

	exp := testExposure(types.PortMapping{ExternalPort: 53, InternalPort: 5353, Protocol: types.ProtocolUDP})
	require.NoError(t, f.Publish(ctx, exp, "wg-outpost", netip.MustParseAddr("172.17.0.1")))
	added := len(rec.calls)

	require.NoError(t, f.Unpublish(ctx, "a.example"))
	removed := rec.calls[added:]
	require.Len(t, removed, added)
	assert.Equal(t, "iptables -t nat -D POSTROUTING -d 192.168.1.20 -p udp --dport 5353 -j MASQUERADE", removed[0])
	assert.Equal(t, "iptables -D INPUT -i wg-outpost -s 172.17.0.1 -m conntrack --ctstate RELATED,ESTABLISHED -j ACCEPT", removed[len(removed)-1])
	assert.Nil(t, f.Published("a.example"))

	// second removal is a no-op
	require.NoError(t, f.Unpublish(ctx, "a.example"))
	assert.Len(t, rec.calls, 2*added)
}

func TestForwarder_RollbackOnFailure(t *testing.T) {
	rec := &recorder{failOn: "PREROUTING"}
	f := NewForwarder(rec).WithResolver(staticResolver("192.168.1.20"))

	exp := testExposure(types.PortMapping{ExternalPort: 80, InternalPort: 8080, Protocol: types.ProtocolTCP})
	err := f.Publish(context.Background(), exp, "wg-outpost", netip.MustParseAddr("172.17.0.1"))
	require.Error(t, err)

	// four rules added, the fifth failed, the four removed in reverse
	require.Len(t, rec.calls, 9)
	assert.Equal(t, "iptables -D FORWARD -i wg-outpost -s 172.17.0.1 -p tcp --dport 8080 -j ACCEPT", rec.calls[5])
	assert.Nil(t, f.Published("a.example"))
}

func TestForwarder_TunnelOnly(t *testing.T) {
	rec := &recorder{}
	f := NewForwarder(rec).WithResolver(staticResolver("192.168.1.20"))

	require.NoError(t, f.Publish(context.Background(), testExposure(), "wg-outpost", netip.MustParseAddr("172.17.0.1")))
	assert.Len(t, rec.calls, 2)
}

func TestForwarder_LoopbackOrigin(t *testing.T) {
	rec := &recorder{}
	f := NewForwarder(rec).WithResolver(staticResolver("127.0.0.1"))

	exp := testExposure(types.PortMapping{ExternalPort: 80, InternalPort: 8080, Protocol: types.ProtocolTCP})
	require.NoError(t, f.Publish(context.Background(), exp, "wg-outpost", netip.MustParseAddr("172.17.0.1")))
	assert.Equal(t, "sysctl -w net.ipv4.conf.wg-outpost.route_localnet=1", rec.calls[0])
}

func TestResolveIPv4_Literal(t *testing.T) {
	addr, err := resolveIPv4(context.Background(), "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", addr.String())

	_, err = resolveIPv4(context.Background(), "::1")
	assert.Error(t, err)
}

func TestIPDetector_Detect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("198.51.100.7\n"))
	}))
	defer server.Close()

	addr, err := NewIPDetector(server.URL).Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.7", addr.String())
}

func TestIPDetector_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("198.51.100.7"))
	}))
	defer server.Close()

	addr, err := NewIPDetector(server.URL).WithRetry(3, time.Millisecond, 5*time.Millisecond).Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.7", addr.String())
	assert.Equal(t, int32(3), calls.Load())
}

func TestIPDetector_RejectsGarbage(t *testing.T) {
	tests := map[string]string{
		"html":  "<html>blocked</html>",
		"ipv6":  "2001:db8::1",
		"empty": "",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			}))
			defer server.Close()

			_, err := NewIPDetector(server.URL).Detect(context.Background())
			assert.Error(t, err)
		})
	}
}

func TestHasNetAdmin(t *testing.T) {
	tests := []struct {
		name   string
		capEff string
		want   bool
	}{
		{name: "root", capEff: "000001ffffffffff", want: true},
		{name: "only net admin", capEff: "0000000000001000", want: true},
		{name: "unprivileged", capEff: "0000000000000000", want: false},
		{name: "net raw only", capEff: "0000000000002000", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "status")
			content := "Name:\toutpost\nCapInh:\t0000000000000000\nCapEff:\t" + tt.capEff + "\n"
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

			got, err := HasNetAdmin(path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHasNetAdmin_MissingFile(t *testing.T) {
	_, err := HasNetAdmin(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestMissingModules(t *testing.T) {
	dir := t.TempDir()
	procModules := filepath.Join(dir, "modules")
	sysModule := filepath.Join(dir, "sys")
	content := "wireguard 98304 0 - Live 0x0000000000000000\n" +
		"sch_htb 36864 2 - Live 0x0000000000000000\n" +
		"ifb 16384 0 - Live 0x0000000000000000\n"
	require.NoError(t, os.WriteFile(procModules, []byte(content), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(sysModule, "act_mirred"), 0o755))

	missing, err := MissingModules(procModules, sysModule, "sch_htb", "ifb", "act_mirred")
	require.NoError(t, err)
	assert.Empty(t, missing)

	missing, err = MissingModules(procModules, sysModule, "sch_htb", "sch_ingress", "cls_u32")
	require.NoError(t, err)
	assert.Equal(t, []string{"sch_ingress", "cls_u32"}, missing)
}

func TestMissingModules_MissingFile(t *testing.T) {
	_, err := MissingModules(filepath.Join(t.TempDir(), "missing"), t.TempDir(), "sch_htb")
	assert.Error(t, err)
}
