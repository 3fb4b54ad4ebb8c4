package tunnel

import (
	"errors"
	"net"
	"net/netip"
	"sync"
)

// ErrNoFreeSubnet is returned when every candidate overlaps a local network
var ErrNoFreeSubnet = errors.New("no free tunnel subnet")

// Subnet is the /24 used by one tunnel; the relay takes .1 and the origin .2
type Subnet struct {
	Prefix netip.Prefix
	Relay  netip.Addr
	Origin netip.Addr
}

// OriginPrefix is the origin address with the subnet's prefix length
func (s Subnet) OriginPrefix() netip.Prefix {
	return netip.PrefixFrom(s.Origin, s.Prefix.Bits())
}

var candidates = func() []netip.Prefix {
	var out []netip.Prefix
	for second := 17; second <= 31; second++ {
		out = append(out, netip.PrefixFrom(netip.AddrFrom4([4]byte{172, byte(second), 0, 0}), 24))
	}
	for _, p := range []string{"10.99.0.0/24", "10.98.0.0/24", "10.97.0.0/24", "192.168.99.0/24"} {
		out = append(out, netip.MustParsePrefix(p))
	}
	return out
}()

// FindSubnet picks the first candidate subnet whose first two octets are not
// used by any local interface, skipping subnets in reserved
func FindSubnet(reserved ...netip.Prefix) (Subnet, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return Subnet{}, err
	}

	var local []netip.Addr
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if addr, ok := netip.AddrFromSlice(ipnet.IP); ok {
			local = append(local, addr.Unmap())
		}
	}
	return pickSubnet(local, reserved)
}

func pickSubnet(local []netip.Addr, reserved []netip.Prefix) (Subnet, error) {
next:
	for _, p := range candidates {
		c := p.Addr().As4()
		for _, addr := range local {
			if !addr.Is4() {
				continue
			}
			l := addr.As4()
			if l[0] == c[0] && l[1] == c[1] {
				continue next
			}
		}
		for _, r := range reserved {
			if r.Overlaps(p) {
				continue next
			}
		}

		base := p.Addr()
		relay := base.Next()
		return Subnet{Prefix: p, Relay: relay, Origin: relay.Next()}, nil
	}
	return Subnet{}, ErrNoFreeSubnet
}

// Allocator hands out tunnel subnets to concurrent deployments so two
// exposures never pick the same one before either interface exists
type Allocator struct {
	mu    sync.Mutex
	inUse map[netip.Prefix]string
	find  func(reserved ...netip.Prefix) (Subnet, error)
}

// NewAllocator creates an allocator backed by FindSubnet
func NewAllocator() *Allocator {
	return &Allocator{
		inUse: make(map[netip.Prefix]string),
		find:  FindSubnet,
	}
}

// Allocate reserves a subnet for owner. An owner holding a subnet gets the
// same one back.
func (a *Allocator) Allocate(owner string) (Subnet, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var reserved []netip.Prefix
	for p, o := range a.inUse {
		if o == owner {
			relay := p.Addr().Next()
			return Subnet{Prefix: p, Relay: relay, Origin: relay.Next()}, nil
		}
		reserved = append(reserved, p)
	}

	s, err := a.find(reserved...)
	if err != nil {
		return Subnet{}, err
	}
	a.inUse[s.Prefix] = owner
	return s, nil
}

// Release frees the subnet held by owner
func (a *Allocator) Release(owner string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for p, o := range a.inUse {
		if o == owner {
			delete(a.inUse, p)
		}
	}
}
