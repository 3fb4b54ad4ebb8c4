package network

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"

	"github.com/cuemby/outpost/pkg/log"
	"github.com/cuemby/outpost/pkg/types"
)

// ResolveFunc resolves an origin host name to an IPv4 address
type ResolveFunc func(ctx context.Context, host string) (netip.Addr, error)

// Forwarder installs the iptables rules that carry traffic arriving from the
// relay over the tunnel on to the origin service
type Forwarder struct {
	runner  Runner
	resolve ResolveFunc

	mu        sync.Mutex
	published map[string]*ruleSet // domain -> installed rules
}

type ruleSet struct {
	ports []types.PortMapping
	rules [][]string
}

// NewForwarder creates a forwarder that runs iptables through runner
func NewForwarder(runner Runner) *Forwarder {
	return &Forwarder{
		runner:    runner,
		resolve:   resolveIPv4,
		published: make(map[string]*ruleSet),
	}
}

// WithResolver replaces the origin host resolver
func (f *Forwarder) WithResolver(resolve ResolveFunc) *Forwarder {
	f.resolve = resolve
	return f
}

// Publish installs forwarding for one exposure, replacing any rules it
// installed before for the same domain. On failure the rules added so far are
// removed again.
func (f *Forwarder) Publish(ctx context.Context, exp *types.Exposure, iface string, relayIP netip.Addr) error {
	origin, err := f.resolve(ctx, exp.OriginHost())
	if err != nil {
		return fmt.Errorf("failed to resolve origin %s: %w", exp.OriginHost(), err)
	}

	if err := f.Unpublish(ctx, exp.Domain); err != nil {
		return err
	}

	if origin.IsLoopback() {
		// DNAT to 127.0.0.0/8 is dropped unless the interface allows it
		if _, err := f.runner.Run(ctx, "sysctl", "-w", fmt.Sprintf("net.ipv4.conf.%s.route_localnet=1", iface)); err != nil {
			return fmt.Errorf("failed to enable route_localnet on %s: %w", iface, err)
		}
	}

	rules := forwardingRules(iface, relayIP, origin, exp.PortMappings)
	for i, rule := range rules {
		if _, err := f.runner.Run(ctx, "iptables", rule...); err != nil {
			f.remove(ctx, rules[:i])
			return fmt.Errorf("failed to add forwarding rule: %w", err)
		}
	}

	f.mu.Lock()
	f.published[exp.Domain] = &ruleSet{ports: exp.PortMappings, rules: rules}
	f.mu.Unlock()

	logger := log.WithExposure("network", exp.Domain)
	logger.Info().
		Str("interface", iface).
		Str("origin", origin.String()).
		Int("ports", len(exp.PortMappings)).
		Msg("Origin forwarding installed")
	return nil
}

// Unpublish removes the rules installed for domain
func (f *Forwarder) Unpublish(ctx context.Context, domain string) error {
	f.mu.Lock()
	set, ok := f.published[domain]
	delete(f.published, domain)
	f.mu.Unlock()

	if !ok {
		return nil
	}
	f.remove(ctx, set.rules)
	return nil
}

// Published returns the port mappings currently forwarded for domain
func (f *Forwarder) Published(domain string) []types.PortMapping {
	f.mu.Lock()
	defer f.mu.Unlock()

	if set, ok := f.published[domain]; ok {
		return set.ports
	}
	return nil
}

// remove deletes rules in reverse order, ignoring errors
func (f *Forwarder) remove(ctx context.Context, rules [][]string) {
	for i := len(rules) - 1; i >= 0; i-- {
		_, _ = f.runner.Run(ctx, "iptables", deleteRule(rules[i])...)
	}
}

// forwardingRules builds the -A form of every rule for one exposure
func forwardingRules(iface string, relayIP, origin netip.Addr, ports []types.PortMapping) [][]string {
	relay := relayIP.String()
	rules := [][]string{
		{"-A", "INPUT", "-i", iface, "-s", relay, "-m", "conntrack", "--ctstate", "RELATED,ESTABLISHED", "-j", "ACCEPT"},
		{"-A", "FORWARD", "-o", iface, "-d", relay, "-j", "ACCEPT"},
	}

	for _, p := range ports {
		proto := string(p.Protocol)
		if proto == "" {
			proto = string(types.ProtocolTCP)
		}
		internal := strconv.Itoa(p.InternalPort)

		rules = append(rules,
			[]string{"-A", "INPUT", "-i", iface, "-s", relay, "-p", proto, "--dport", internal, "-j", "ACCEPT"},
			[]string{"-A", "FORWARD", "-i", iface, "-s", relay, "-p", proto, "--dport", internal, "-j", "ACCEPT"},
			[]string{"-t", "nat", "-A", "PREROUTING", "-i", iface, "-s", relay, "-p", proto, "--dport", internal,
				"-j", "DNAT", "--to-destination", net.JoinHostPort(origin.String(), internal)},
			[]string{"-t", "nat", "-A", "POSTROUTING", "-d", origin.String(), "-p", proto, "--dport", internal,
				"-j", "MASQUERADE"},
		)
	}
	return rules
}

// deleteRule turns an -A rule into its -D form
func deleteRule(rule []string) []string {
	out := make([]string, len(rule))
	copy(out, rule)
	for i, arg := range out {
		if arg == "-A" {
			out[i] = "-D"
			break
		}
	}
	return out
}

func resolveIPv4(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		if !addr.Is4() {
			return netip.Addr{}, fmt.Errorf("origin %s is not an IPv4 address", host)
		}
		return addr, nil
	}

	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return netip.Addr{}, err
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("no IPv4 address for %s", host)
	}
	return addrs[0].Unmap(), nil
}
