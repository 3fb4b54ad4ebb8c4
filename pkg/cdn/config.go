package cdn

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/cuemby/outpost/pkg/types"
	"gopkg.in/yaml.v3"
)

// ErrNotConfigured is returned for an exposure without cloudflare settings
var ErrNotConfigured = errors.New("cloudflare tunnel settings are missing")

// tunnelConfig is cloudflared's config.yml
type tunnelConfig struct {
	Tunnel          string        `yaml:"tunnel"`
	CredentialsFile string        `yaml:"credentials-file"`
	OriginCert      string        `yaml:"origincert,omitempty"`
	Metrics         string        `yaml:"metrics,omitempty"`
	NoAutoupdate    bool          `yaml:"no-autoupdate"`
	Ingress         []ingressRule `yaml:"ingress"`
}

type ingressRule struct {
	Hostname string `yaml:"hostname,omitempty"`
	Service  string `yaml:"service"`
}

// RenderConfig builds the cloudflared configuration for exp. Every tcp
// mapping gets a rule for the domain; cloudflared requires a final catch-all
// rule, which answers 404.
func RenderConfig(exp *types.Exposure) ([]byte, error) {
	cf := exp.Cloudflare
	if cf == nil || cf.Tunnel == "" || cf.CredentialsFile == "" {
		return nil, fmt.Errorf("%s: %w", exp.Domain, ErrNotConfigured)
	}

	cfg := tunnelConfig{
		Tunnel:          cf.Tunnel,
		CredentialsFile: cf.CredentialsFile,
		OriginCert:      cf.OriginCert,
		Metrics:         cf.MetricsAddr,
		NoAutoupdate:    true,
	}

	host := exp.OriginHost()
	for _, m := range exp.PortMappings {
		if m.Protocol == types.ProtocolUDP {
			return nil, fmt.Errorf("%s: cloudflare tunnels do not carry udp (%s)", exp.Domain, m)
		}
		cfg.Ingress = append(cfg.Ingress, ingressRule{
			Hostname: exp.Domain,
			Service:  serviceURL(m.ExternalPort, net.JoinHostPort(host, strconv.Itoa(m.InternalPort))),
		})
	}
	if len(cfg.Ingress) == 0 {
		// no mappings: forward the domain to the origin address as given
		cfg.Ingress = append(cfg.Ingress, ingressRule{Hostname: exp.Domain, Service: "http://" + exp.OriginAddress})
	}
	cfg.Ingress = append(cfg.Ingress, ingressRule{Service: "http_status:404"})

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("failed to encode cloudflared config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func serviceURL(external int, addr string) string {
	switch external {
	case 443:
		return "https://" + addr
	case 80:
		return "http://" + addr
	}
	return "tcp://" + addr
}
