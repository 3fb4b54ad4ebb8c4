package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/cuemby/outpost/pkg/log"
	"github.com/miekg/dns"
)

// DefaultServers are used when no authoritative servers are known
var DefaultServers = []string{"1.1.1.1:53", "8.8.8.8:53"}

// ErrNoServers is returned when every server failed to answer
var ErrNoServers = errors.New("no DNS server answered")

// Verifier checks that a domain's A record points where a relay expects
type Verifier struct {
	servers []string
	client  *dns.Client
}

// NewVerifier queries servers in order. Servers without a port use 53.
// Pass the hosted zone's name servers to see changes before caches do.
func NewVerifier(servers []string) *Verifier {
	if len(servers) == 0 {
		servers = DefaultServers
	}
	normalized := make([]string, 0, len(servers))
	for _, s := range servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(dns.Fqdn(s), "53")
		}
		normalized = append(normalized, s)
	}
	return &Verifier{
		servers: normalized,
		client:  &dns.Client{Net: "udp", Timeout: 5 * time.Second},
	}
}

// LookupA returns the A records of name. A name that does not exist returns
// no addresses and no error.
func (v *Verifier) LookupA(ctx context.Context, name string) ([]netip.Addr, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeA)

	var lastErr error
	for _, server := range v.servers {
		resp, _, err := v.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			log.Logger.Debug().
				Err(err).
				Str("component", "dns").
				Str("server", server).
				Msg("DNS query failed")
			lastErr = err
			continue
		}

		switch resp.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			return nil, nil
		default:
			lastErr = fmt.Errorf("%s answered %s", server, dns.RcodeToString[resp.Rcode])
			continue
		}

		var addrs []netip.Addr
		for _, rr := range resp.Answer {
			if a, ok := rr.(*dns.A); ok {
				if addr, ok := netip.AddrFromSlice(a.A); ok {
					addrs = append(addrs, addr.Unmap())
				}
			}
		}
		return addrs, nil
	}

	if lastErr == nil {
		lastErr = ErrNoServers
	}
	return nil, fmt.Errorf("lookup %s: %w", name, lastErr)
}

// Verify reports whether name has an A record equal to want
func (v *Verifier) Verify(ctx context.Context, name string, want netip.Addr) (bool, error) {
	addrs, err := v.LookupA(ctx, name)
	if err != nil {
		return false, err
	}
	for _, a := range addrs {
		if a == want {
			return true, nil
		}
	}
	return false, nil
}

// WaitFor polls until name resolves to want or ctx is done
func (v *Verifier) WaitFor(ctx context.Context, name string, want netip.Addr, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := v.Verify(ctx, name, want)
		if ok {
			log.Logger.Info().
				Str("component", "dns").
				Str("domain", name).
				Str("address", want.String()).
				Msg("DNS record verified")
			return nil
		}
		if err != nil {
			log.Logger.Debug().Err(err).Str("component", "dns").Str("domain", name).Msg("DNS record not verified yet")
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s did not resolve to %s: %w", name, want, ctx.Err())
		case <-ticker.C:
		}
	}
}
