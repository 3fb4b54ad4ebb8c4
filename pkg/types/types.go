package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"time"
)

// Provider selects the exposure strategy for a domain
type Provider string

const (
	ProviderCloudflare Provider = "cloudflare"
	ProviderAWS        Provider = "aws"
)

// Protocol is the transport protocol of a port mapping
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// PortMapping forwards a public port on the relay to a port on the origin
type PortMapping struct {
	ExternalPort int      // Port reachable from the Internet
	InternalPort int      // Port on the origin service
	Protocol     Protocol // "tcp" or "udp"
}

func (p PortMapping) String() string {
	return fmt.Sprintf("%d->%d/%s", p.ExternalPort, p.InternalPort, p.Protocol)
}

// Exposure maps a public domain to a private origin service.
// A value is never mutated once built; a config reload builds a new one.
type Exposure struct {
	Domain        string
	OriginAddress string // host or host:port of the origin service
	Provider      Provider
	PortMappings  []PortMapping

	// Cloudflare-only settings
	Cloudflare *CloudflareSettings
}

// CloudflareSettings carries the credentials cloudflared needs
type CloudflareSettings struct {
	Tunnel          string
	CredentialsFile string
	OriginCert      string

	// MetricsAddr enables cloudflared's metrics server, whose /ready endpoint
	// is used as the tunnel health check
	MetricsAddr string
}

// OriginHost returns the origin address without any port
func (e *Exposure) OriginHost() string {
	if host, _, err := net.SplitHostPort(e.OriginAddress); err == nil {
		return host
	}
	return strings.Trim(e.OriginAddress, "[]")
}

// Fingerprint identifies everything a deployment is built from besides its
// keys. Two exposures with the same fingerprint render the same rules.
func (e *Exposure) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|", e.OriginAddress, e.Provider)
	for _, p := range e.PortMappings {
		fmt.Fprintf(h, "%s;", p)
	}
	if cf := e.Cloudflare; cf != nil {
		fmt.Fprintf(h, "|%s|%s|%s|%s", cf.Tunnel, cf.CredentialsFile, cf.OriginCert, cf.MetricsAddr)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// StackName derives the deterministic stack name for a domain.
// Restarted processes use it to rediscover stacks instead of creating new ones.
func StackName(domain string) string {
	name := "outpost-" + strings.ReplaceAll(strings.TrimSuffix(strings.ToLower(domain), "."), ".", "-")
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	name = b.String()
	if len(name) > 128 {
		name = name[:128]
	}
	return name
}

// StackState is the lifecycle state of one relay stack
type StackState string

const (
	StackStatePending    StackState = "pending"
	StackStateCreating   StackState = "creating"
	StackStateReady      StackState = "ready"
	StackStateDegraded   StackState = "degraded"
	StackStateDestroying StackState = "destroying"
	StackStateDestroyed  StackState = "destroyed"
	StackStateFailed     StackState = "failed"
)

// Exists reports whether infrastructure may still exist in this state
func (s StackState) Exists() bool {
	switch s {
	case StackStateCreating, StackStateReady, StackStateDegraded, StackStateDestroying:
		return true
	}
	return false
}

// StackDescriptor describes one deployment of a relay stack.
// Once it reaches Destroyed it is never reused; a redeploy creates a new one
// with the same StackName.
type StackDescriptor struct {
	StackName        string
	StackID          string
	Region           string
	HostedZoneID     string
	RenderedTemplate []byte
	PublicEndpoint   string // empty until the provider assigns an address
	ReadyCondition   string // logical id of the wait condition the relay signalled
	Fingerprint      string
	CreatedAt        time.Time
}

// Wipe overwrites the rendered template, which embeds key material
func (d *StackDescriptor) Wipe() {
	for i := range d.RenderedTemplate {
		d.RenderedTemplate[i] = 0
	}
	d.RenderedTemplate = nil
}

// ExposureStatus is a read-only snapshot of one exposure
type ExposureStatus struct {
	Domain           string        `json:"domain"`
	Provider         Provider      `json:"provider"`
	State            StackState    `json:"state"`
	StackName        string        `json:"stack_name,omitempty"`
	PublicEndpoint   string        `json:"public_endpoint,omitempty"`
	TunnelUp         bool          `json:"tunnel_up"`
	LastHandshakeAge time.Duration `json:"last_handshake_age,omitempty"`
	ReceiveBytes     int64         `json:"rx_bytes"`
	TransmitBytes    int64         `json:"tx_bytes"`
	Deployments      int           `json:"deployments"`
	LastError        string        `json:"last_error,omitempty"`
	UpdatedAt        time.Time     `json:"updated_at"`
}
