// Package tunneltest provides an in-memory WireGuard host for tests
package tunneltest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Host fakes both the wgctrl client and the ip/iptables commands of one host
type Host struct {
	mu       sync.Mutex
	devices  map[string]*wgtypes.Device
	commands []string
	failAdd  int

	Configures int
}

// NewHost creates a host without any interfaces
func NewHost() *Host {
	return &Host{devices: make(map[string]*wgtypes.Device)}
}

// FailLinkAdd makes the next n `ip link add` commands fail
func (h *Host) FailLinkAdd(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failAdd = n
}

// Run implements network.Runner
func (h *Host) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.commands = append(h.commands, name+" "+strings.Join(args, " "))
	if name != "ip" || len(args) < 4 {
		return nil, nil
	}

	dev := args[len(args)-1]
	switch {
	case args[0] == "link" && args[1] == "add":
		dev = args[3]
		if h.failAdd > 0 {
			h.failAdd--
			return nil, errors.New("RTNETLINK answers: Operation not supported")
		}
		if _, ok := h.devices[dev]; ok {
			return nil, errors.New("RTNETLINK answers: File exists")
		}
		h.devices[dev] = &wgtypes.Device{Name: dev, Type: wgtypes.LinuxKernel}
	case args[0] == "link" && args[1] == "del":
		if _, ok := h.devices[dev]; !ok {
			return nil, fmt.Errorf("Cannot find device %q", dev)
		}
		delete(h.devices, dev)
	default:
		if _, ok := h.devices[dev]; !ok {
			return nil, fmt.Errorf("Cannot find device %q", dev)
		}
	}
	return nil, nil
}

// Device implements tunnel.Client
func (h *Host) Device(name string) (*wgtypes.Device, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	d, ok := h.devices[name]
	if !ok {
		return nil, os.ErrNotExist
	}
	cp := *d
	cp.Peers = append([]wgtypes.Peer(nil), d.Peers...)
	return &cp, nil
}

// ConfigureDevice implements tunnel.Client
func (h *Host) ConfigureDevice(name string, cfg wgtypes.Config) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	d, ok := h.devices[name]
	if !ok {
		return os.ErrNotExist
	}
	h.Configures++

	if cfg.PrivateKey != nil {
		d.PrivateKey = *cfg.PrivateKey
		d.PublicKey = cfg.PrivateKey.PublicKey()
	}
	if cfg.ListenPort != nil {
		d.ListenPort = *cfg.ListenPort
	}
	if cfg.ReplacePeers {
		d.Peers = nil
	}

	for _, pc := range cfg.Peers {
		idx := -1
		for i := range d.Peers {
			if d.Peers[i].PublicKey == pc.PublicKey {
				idx = i
			}
		}
		if idx < 0 {
			if pc.UpdateOnly {
				continue
			}
			d.Peers = append(d.Peers, wgtypes.Peer{PublicKey: pc.PublicKey})
			idx = len(d.Peers) - 1
		}

		p := &d.Peers[idx]
		if pc.Endpoint != nil {
			p.Endpoint = pc.Endpoint
		}
		if pc.PresharedKey != nil {
			p.PresharedKey = *pc.PresharedKey
		}
		if pc.PersistentKeepaliveInterval != nil {
			p.PersistentKeepaliveInterval = *pc.PersistentKeepaliveInterval
		}
		if pc.ReplaceAllowedIPs {
			p.AllowedIPs = nil
		}
		p.AllowedIPs = append(p.AllowedIPs, pc.AllowedIPs...)
	}
	return nil
}

// Close implements tunnel.Client
func (h *Host) Close() error { return nil }

// Handshake records a handshake at t on every peer of the device
func (h *Host) Handshake(name string, t time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if d, ok := h.devices[name]; ok {
		for i := range d.Peers {
			d.Peers[i].LastHandshakeTime = t
		}
	}
}

// Traffic sets the byte counters of every peer of the device
func (h *Host) Traffic(name string, rx, tx int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if d, ok := h.devices[name]; ok {
		for i := range d.Peers {
			d.Peers[i].ReceiveBytes = rx
			d.Peers[i].TransmitBytes = tx
		}
	}
}

// RemoveLink deletes a device behind the supervisor's back
func (h *Host) RemoveLink(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.devices, name)
}

// HasDevice reports whether the device exists
func (h *Host) HasDevice(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.devices[name]
	return ok
}

// Commands returns every command run so far
func (h *Host) Commands() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.commands...)
}
