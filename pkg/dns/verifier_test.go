package dns

import (
	"context"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startServer serves the given A records from 127.0.0.1 and answers NXDOMAIN
// for everything else
func startServer(t *testing.T, records map[string]string) (string, *atomic.Int32) {
	t.Helper()

	var queries atomic.Int32
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			queries.Add(1)
			msg := new(dns.Msg)
			msg.SetReply(r)
			msg.Authoritative = true

			q := r.Question[0]
			if ip, ok := records[q.Name]; ok && q.Qtype == dns.TypeA {
				msg.Answer = append(msg.Answer, &dns.A{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
					A:   net.ParseIP(ip),
				})
			} else {
				msg.Rcode = dns.RcodeNameError
			}
			_ = w.WriteMsg(msg)
		}),
	}

	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String(), &queries
}

func TestVerifier_LookupA(t *testing.T) {
	addr, _ := startServer(t, map[string]string{"a.example.": "203.0.113.10"})
	v := NewVerifier([]string{addr})

	got, err := v.LookupA(context.Background(), "a.example")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("203.0.113.10")}, got)

	got, err = v.LookupA(context.Background(), "missing.example")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestVerifier_Verify(t *testing.T) {
	addr, _ := startServer(t, map[string]string{"a.example.": "203.0.113.10"})
	v := NewVerifier([]string{addr})
	ctx := context.Background()

	ok, err := v.Verify(ctx, "a.example.", netip.MustParseAddr("203.0.113.10"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = v.Verify(ctx, "a.example", netip.MustParseAddr("203.0.113.99"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifier_FallsBackToNextServer(t *testing.T) {
	dead, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := dead.LocalAddr().String()
	require.NoError(t, dead.Close())

	addr, queries := startServer(t, map[string]string{"a.example.": "203.0.113.10"})
	v := NewVerifier([]string{deadAddr, addr})
	v.client.Timeout = 200 * time.Millisecond

	ok, err := v.Verify(context.Background(), "a.example", netip.MustParseAddr("203.0.113.10"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(1), queries.Load())
}

func TestVerifier_WaitForTimesOut(t *testing.T) {
	addr, queries := startServer(t, map[string]string{})
	v := NewVerifier([]string{addr})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := v.WaitFor(ctx, "a.example", netip.MustParseAddr("203.0.113.10"), 10*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, queries.Load(), int32(1))
}

func TestNewVerifier_DefaultPort(t *testing.T) {
	v := NewVerifier([]string{"ns-1.awsdns-00.org", "10.0.0.2:5353"})
	assert.Equal(t, []string{"ns-1.awsdns-00.org.:53", "10.0.0.2:5353"}, v.servers)

	assert.Equal(t, []string{"1.1.1.1:53", "8.8.8.8:53"}, NewVerifier(nil).servers)
}
