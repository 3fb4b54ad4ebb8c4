package tunnel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cuemby/outpost/pkg/keys"
	"github.com/cuemby/outpost/pkg/log"
	"github.com/cuemby/outpost/pkg/network"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

const keepalive = 25 * time.Second

// Client is the part of *wgctrl.Client the supervisor uses
type Client interface {
	Device(name string) (*wgtypes.Device, error)
	ConfigureDevice(name string, cfg wgtypes.Config) error
	Close() error
}

// EstablishmentError is returned when the local tunnel interface could not be
// brought up within the allowed attempts
type EstablishmentError struct {
	Interface string
	Attempts  int
	Err       error
}

func (e *EstablishmentError) Error() string {
	return fmt.Sprintf("tunnel %s not established after %d attempts: %v", e.Interface, e.Attempts, e.Err)
}

func (e *EstablishmentError) Unwrap() error {
	return e.Err
}

// Config configures the supervisor
type Config struct {
	// InterfacePrefix starts every interface name; see InterfaceName
	InterfacePrefix string
	StaleAfter      time.Duration
	MaxAttempts     int
	RetryInterval   time.Duration

	// UploadLimitMbps and DownloadLimitMbps shape every tunnel with tc;
	// zero leaves the direction unlimited
	UploadLimitMbps   int
	DownloadLimitMbps int
}

// DefaultConfig returns the defaults
func DefaultConfig() Config {
	return Config{
		InterfacePrefix: "wg-outpost",
		StaleAfter:      3 * time.Minute,
		MaxAttempts:     3,
		RetryInterval:   2 * time.Second,
	}
}

// Spec describes the local end of one tunnel
type Spec struct {
	Interface string
	Address   netip.Prefix
	Peer      Peer
}

// Peer describes the relay end of the tunnel
type Peer struct {
	PublicKey    keys.Key
	PresharedKey keys.Key
	Endpoint     netip.AddrPort
	TunnelIP     netip.Addr
}

// Handle is a live local tunnel
type Handle struct {
	Interface string
	Address   netip.Prefix
	Peer      Peer

	mu         sync.Mutex
	privateKey keys.Key
}

// Endpoint returns the relay endpoint the peer currently points at
func (h *Handle) Endpoint() netip.AddrPort {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Peer.Endpoint
}

// Status is the liveness of one tunnel
type Status struct {
	Up               bool
	DeviceExists     bool
	LastHandshake    time.Time
	LastHandshakeAge time.Duration
	Endpoint         string
	ReceiveBytes     int64
	TransmitBytes    int64
}

// Supervisor owns the origin's WireGuard interfaces
type Supervisor struct {
	cfg    Config
	client Client
	runner network.Runner
	now    func() time.Time
}

// NewSupervisor creates a supervisor using client for device configuration
// and runner for link management
func NewSupervisor(cfg Config, client Client, runner network.Runner) *Supervisor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultConfig().StaleAfter
	}
	return &Supervisor{
		cfg:    cfg,
		client: client,
		runner: runner,
		now:    time.Now,
	}
}

// NewKernelSupervisor opens a wgctrl client against the kernel implementation
func NewKernelSupervisor(cfg Config) (*Supervisor, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("failed to open wireguard control client: %w", err)
	}
	return NewSupervisor(cfg, client, network.ExecRunner{}), nil
}

// Close releases the control client
func (s *Supervisor) Close() error {
	return s.client.Close()
}

// InterfaceName derives the interface name for domain. Names are stable per
// domain and fit the kernel's 15 byte limit.
func (s *Supervisor) InterfaceName(domain string) string {
	prefix := s.cfg.InterfacePrefix
	if len(prefix) > 6 {
		prefix = prefix[:6]
	}
	sum := sha256.Sum256([]byte(domain))
	return prefix + "-" + hex.EncodeToString(sum[:4])
}

// BringUp creates the interface, assigns the address and configures the single
// relay peer. The origin initiates the handshake, so no listen port is set.
// Failures are retried up to MaxAttempts and then returned as an
// *EstablishmentError.
func (s *Supervisor) BringUp(ctx context.Context, id *keys.Identity, spec Spec) (*Handle, error) {
	h := &Handle{
		Interface:  spec.Interface,
		Address:    spec.Address,
		Peer:       spec.Peer,
		privateKey: id.PrivateKey,
	}
	if err := s.establish(ctx, h); err != nil {
		h.wipe()
		return nil, err
	}
	return h, nil
}

// Restore re-creates the interface of an existing handle, e.g. after someone
// deleted the link
func (s *Supervisor) Restore(ctx context.Context, h *Handle) error {
	return s.establish(ctx, h)
}

func (s *Supervisor) establish(ctx context.Context, h *Handle) error {
	logger := log.WithComponent("tunnel").With().Str("interface", h.Interface).Logger()

	attempts := 0
	op := func() error {
		attempts++
		if err := s.createLink(ctx, h); err != nil {
			return err
		}
		if err := s.shape(ctx, h); err != nil {
			return err
		}
		return s.configure(h)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.MaxAttempts-1)), ctx)

	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		logger.Warn().Err(err).Int("attempt", attempts).Dur("retry_in", wait).Msg("Tunnel bring-up failed")
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		_ = s.deleteLink(context.WithoutCancel(ctx), h.Interface)
		if s.cfg.DownloadLimitMbps > 0 {
			_ = s.deleteLink(context.WithoutCancel(ctx), IFBName(h.Interface))
		}
		return &EstablishmentError{Interface: h.Interface, Attempts: attempts, Err: err}
	}

	logger.Info().
		Str("address", h.Address.String()).
		Str("endpoint", h.Peer.Endpoint.String()).
		Msg("Tunnel up")
	return nil
}

func (s *Supervisor) createLink(ctx context.Context, h *Handle) error {
	// start from a clean interface so stale peers and addresses never survive
	if err := s.deleteLink(ctx, h.Interface); err != nil {
		return err
	}
	if s.cfg.DownloadLimitMbps > 0 {
		if err := s.deleteLink(ctx, IFBName(h.Interface)); err != nil {
			return err
		}
	}
	steps := [][]string{
		{"link", "add", "dev", h.Interface, "type", "wireguard"},
		{"address", "add", h.Address.String(), "dev", h.Interface},
		{"link", "set", "up", "dev", h.Interface},
	}
	for _, args := range steps {
		if _, err := s.runner.Run(ctx, "ip", args...); err != nil {
			return err
		}
	}
	return nil
}

// IFBName derives the name of the ifb device that carries the download
// limit of iface
func IFBName(iface string) string {
	sum := sha256.Sum256([]byte(iface))
	return "ifb-" + hex.EncodeToString(sum[:4])
}

// shape applies the bandwidth limits. Upload is shaped with HTB on the tunnel
// itself. Download is redirected from the tunnel's ingress to an ifb device
// and shaped on its egress.
func (s *Supervisor) shape(ctx context.Context, h *Handle) error {
	if s.cfg.UploadLimitMbps > 0 {
		if err := s.htb(ctx, h.Interface, s.cfg.UploadLimitMbps); err != nil {
			return fmt.Errorf("failed to limit upload on %s: %w", h.Interface, err)
		}
	}
	if s.cfg.DownloadLimitMbps <= 0 {
		return nil
	}

	ifb := IFBName(h.Interface)
	steps := []struct {
		name string
		args []string
	}{
		{"ip", []string{"link", "add", "dev", ifb, "type", "ifb"}},
		{"ip", []string{"link", "set", "up", "dev", ifb}},
		{"tc", []string{"qdisc", "add", "dev", h.Interface, "handle", "ffff:", "ingress"}},
		{"tc", []string{"filter", "add", "dev", h.Interface, "parent", "ffff:", "protocol", "all",
			"u32", "match", "u32", "0", "0", "action", "mirred", "egress", "redirect", "dev", ifb}},
	}
	for _, st := range steps {
		if _, err := s.runner.Run(ctx, st.name, st.args...); err != nil {
			return fmt.Errorf("failed to redirect download of %s to %s: %w", h.Interface, ifb, err)
		}
	}
	if err := s.htb(ctx, ifb, s.cfg.DownloadLimitMbps); err != nil {
		return fmt.Errorf("failed to limit download on %s: %w", ifb, err)
	}
	return nil
}

// htb puts a single HTB class limited to mbps at the root of dev
func (s *Supervisor) htb(ctx context.Context, dev string, mbps int) error {
	rate := strconv.Itoa(mbps*1000) + "kbit"
	if _, err := s.runner.Run(ctx, "tc", "qdisc", "add", "dev", dev, "root", "handle", "1:", "htb", "default", "10"); err != nil {
		return err
	}
	_, err := s.runner.Run(ctx, "tc", "class", "add", "dev", dev, "parent", "1:", "classid", "1:10", "htb", "rate", rate, "ceil", rate)
	return err
}

func (s *Supervisor) configure(h *Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.privateKey.IsZero() {
		return backoff.Permanent(errors.New("tunnel key material has been wiped"))
	}

	private := h.privateKey.WG()
	psk := h.Peer.PresharedKey.WG()
	ka := keepalive

	cfg := wgtypes.Config{
		PrivateKey:   &private,
		ReplacePeers: true,
		Peers: []wgtypes.PeerConfig{{
			PublicKey:                   h.Peer.PublicKey.WG(),
			PresharedKey:                &psk,
			Endpoint:                    net.UDPAddrFromAddrPort(h.Peer.Endpoint),
			PersistentKeepaliveInterval: &ka,
			ReplaceAllowedIPs:           true,
			AllowedIPs:                  []net.IPNet{hostNet(h.Peer.TunnelIP)},
		}},
	}
	return s.client.ConfigureDevice(h.Interface, cfg)
}

// Rebind points the peer at a new endpoint without touching the interface,
// keys or any other peer setting
func (s *Supervisor) Rebind(ctx context.Context, h *Handle, endpoint netip.AddrPort) error {
	err := s.client.ConfigureDevice(h.Interface, wgtypes.Config{
		Peers: []wgtypes.PeerConfig{{
			PublicKey:  h.Peer.PublicKey.WG(),
			UpdateOnly: true,
			Endpoint:   net.UDPAddrFromAddrPort(endpoint),
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to rebind peer on %s: %w", h.Interface, err)
	}

	h.mu.Lock()
	old := h.Peer.Endpoint
	h.Peer.Endpoint = endpoint
	h.mu.Unlock()

	logger := log.WithComponent("tunnel")
	logger.Info().
		Str("interface", h.Interface).
		Str("old_endpoint", old.String()).
		Str("new_endpoint", endpoint.String()).
		Msg("Peer endpoint updated")
	return nil
}

// TearDown deletes the interface and wipes the handle's key material. It is
// safe to call more than once.
func (s *Supervisor) TearDown(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	h.wipe()
	if err := s.deleteLink(ctx, h.Interface); err != nil {
		return fmt.Errorf("failed to delete %s: %w", h.Interface, err)
	}
	if s.cfg.DownloadLimitMbps > 0 {
		if err := s.deleteLink(ctx, IFBName(h.Interface)); err != nil {
			return fmt.Errorf("failed to delete %s: %w", IFBName(h.Interface), err)
		}
	}
	logger := log.WithComponent("tunnel")
	logger.Info().Str("interface", h.Interface).Msg("Tunnel down")
	return nil
}

// Status reports whether the tunnel is up. Up requires the device, the relay
// peer and a handshake younger than StaleAfter.
func (s *Supervisor) Status(h *Handle) (Status, error) {
	dev, err := s.client.Device(h.Interface)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Status{}, nil
		}
		return Status{}, err
	}

	st := Status{DeviceExists: true}
	want := h.Peer.PublicKey.WG()
	for _, p := range dev.Peers {
		if p.PublicKey != want {
			continue
		}
		if p.Endpoint != nil {
			st.Endpoint = p.Endpoint.String()
		}
		st.ReceiveBytes = p.ReceiveBytes
		st.TransmitBytes = p.TransmitBytes
		if !p.LastHandshakeTime.IsZero() {
			st.LastHandshake = p.LastHandshakeTime
			st.LastHandshakeAge = s.now().Sub(p.LastHandshakeTime)
			st.Up = st.LastHandshakeAge < s.cfg.StaleAfter
		}
		break
	}
	return st, nil
}

func (s *Supervisor) deleteLink(ctx context.Context, name string) error {
	_, err := s.runner.Run(ctx, "ip", "link", "del", "dev", name)
	if err != nil && isMissingLink(err) {
		return nil
	}
	return err
}

func isMissingLink(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Cannot find device") || strings.Contains(msg, "does not exist")
}

func (h *Handle) wipe() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.privateKey.Zero()
	h.Peer.PresharedKey.Zero()
}

func hostNet(addr netip.Addr) net.IPNet {
	bits := addr.BitLen()
	return net.IPNet{IP: net.IP(addr.AsSlice()), Mask: net.CIDRMask(bits, bits)}
}
