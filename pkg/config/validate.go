package config

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/outpost/pkg/types"
)

var (
	domainLabel = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)
	ownerID     = regexp.MustCompile(`^[A-Za-z0-9._:@/+=-]{1,128}$`)
	roleARN     = regexp.MustCompile(`^arn:aws[a-z-]*:iam::[0-9]{12}:role/.+$`)
)

// maxReadinessTimeout is the longest wait condition CloudFormation accepts
const maxReadinessTimeout = 12 * time.Hour

// Validate checks the whole configuration and reports every problem at once
func (c *Config) Validate() error {
	problems := &ConfigError{}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		problems.add("log.level: unknown level %q", c.Log.Level)
	}

	if !validPort(c.Tunnel.ListenPort) {
		problems.add("tunnel.listen_port: %d is not a valid port", c.Tunnel.ListenPort)
	}
	positive := map[string]int64{
		"tunnel.stale_after":         int64(c.Tunnel.StaleAfter),
		"tunnel.max_attempts":        int64(c.Tunnel.MaxAttempts),
		"reconcile.interval":         int64(c.Reconcile.Interval),
		"reconcile.shutdown_timeout": int64(c.Reconcile.ShutdownTimeout),
		"deploy.max_attempts":        int64(c.Deploy.MaxAttempts),
		"deploy.initial_interval":    int64(c.Deploy.InitialInterval),
		"deploy.max_interval":        int64(c.Deploy.MaxInterval),
		"deploy.poll_interval":       int64(c.Deploy.PollInterval),
		"watchdog.interval":          int64(c.Watchdog.Interval),
		"watchdog.threshold":         int64(c.Watchdog.Threshold),
		"relay.watchdog_interval":    int64(c.Relay.WatchdogInterval),
		"relay.watchdog_threshold":   int64(c.Relay.WatchdogThreshold),
		"readiness.timeout":          int64(c.Readiness.Timeout),
	}
	for _, key := range sortedKeys(positive) {
		if positive[key] <= 0 {
			problems.add("%s: must be positive", key)
		}
	}
	if c.Reconcile.DegradedRedeployAfter < 0 {
		problems.add("reconcile.degraded_redeploy_after: must not be negative")
	}

	if c.Readiness.Timeout > maxReadinessTimeout {
		problems.add("readiness.timeout: must not exceed %s", maxReadinessTimeout)
	}
	if c.Readiness.RequestsPerSecond <= 0 || c.Readiness.Burst <= 0 {
		problems.add("readiness.requests_per_second and readiness.burst: must be positive")
	}
	if c.Tunnel.UploadLimitMbps < 0 {
		problems.add("tunnel.upload_limit_mbps: must not be negative")
	}
	if c.Tunnel.DownloadLimitMbps < 0 {
		problems.add("tunnel.download_limit_mbps: must not be negative")
	}
	if c.Origin.ID != "" && !ownerID.MatchString(c.Origin.ID) {
		problems.add("origin.id: %q must be 1-128 letters, digits or ._:@/+=-", c.Origin.ID)
	}
	if c.AWS.ServiceRoleARN != "" && !roleARN.MatchString(c.AWS.ServiceRoleARN) {
		problems.add("aws.service_role_arn: %q is not an IAM role ARN", c.AWS.ServiceRoleARN)
	}
	if c.Origin.PublicIP != "" {
		if addr, err := netip.ParseAddr(c.Origin.PublicIP); err != nil || !addr.Is4() {
			problems.add("origin.public_ip: %q is not an IPv4 address", c.Origin.PublicIP)
		}
	}

	if c.HasProvider(types.ProviderAWS) {
		if c.AWS.Region == "" {
			problems.add("aws.region: required for aws exposures")
		}
		if c.AWS.HostedZoneID == "" {
			problems.add("aws.hosted_zone_id: required for aws exposures")
		}
		if c.AWS.InstanceType == "" {
			problems.add("aws.instance_type: required for aws exposures")
		}
		if c.Relay.AgentURL == "" {
			problems.add("relay.agent_url: required for aws exposures")
		}
		if sum := c.Relay.AgentSHA256; sum != "" {
			if b, err := hex.DecodeString(sum); err != nil || len(b) != 32 {
				problems.add("relay.agent_sha256: not a hex sha256 digest")
			}
		}
	}

	stacks := make(map[string]string)
	for _, domain := range sortedKeys(c.Exposures) {
		exp, errs := c.Exposures[domain].build(domain)
		for _, e := range errs {
			problems.add("exposures.%s: %s", domain, e)
		}
		if exp == nil {
			continue
		}
		if exp.Provider == types.ProviderAWS {
			name := types.StackName(exp.Domain)
			if other, ok := stacks[name]; ok {
				problems.add("exposures.%s: stack name %s collides with %s", domain, name, other)
			} else {
				stacks[name] = domain
			}
		}
		for _, m := range exp.PortMappings {
			if exp.Provider == types.ProviderAWS && m.Protocol == types.ProtocolUDP && m.ExternalPort == c.Tunnel.ListenPort {
				problems.add("exposures.%s: udp port %d is the tunnel listen port", domain, m.ExternalPort)
			}
		}
	}

	if len(problems.Problems) > 0 {
		return problems
	}
	return nil
}

// build turns one entry into an Exposure, returning every problem found
func (e ExposureConfig) build(domain string) (*types.Exposure, []string) {
	var problems []string
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	domain = strings.TrimSuffix(strings.ToLower(domain), ".")
	if !validDomain(domain) {
		fail("%q is not a valid domain name", domain)
	}

	provider := types.Provider(strings.ToLower(e.Provider))
	switch provider {
	case types.ProviderAWS, types.ProviderCloudflare:
	case "":
		fail("provider: required")
	default:
		fail("provider: unknown provider %q", e.Provider)
	}

	scheme, origin, port, err := parseService(e.Service)
	if err != nil {
		fail("service: %v", err)
	}

	var mappings []types.PortMapping
	seen := make(map[string]bool)
	for i, p := range e.Ports {
		proto := types.Protocol(strings.ToLower(p.Protocol))
		if proto == "" {
			proto = types.ProtocolTCP
		}
		if proto != types.ProtocolTCP && proto != types.ProtocolUDP {
			fail("ports[%d]: unknown protocol %q", i, p.Protocol)
			continue
		}
		if !validPort(p.External) || !validPort(p.Internal) {
			fail("ports[%d]: ports must be between 1 and 65535", i)
			continue
		}
		key := fmt.Sprintf("%s/%d", proto, p.External)
		if seen[key] {
			fail("ports[%d]: external port %d/%s is mapped twice", i, p.External, proto)
			continue
		}
		seen[key] = true
		mappings = append(mappings, types.PortMapping{ExternalPort: p.External, InternalPort: p.Internal, Protocol: proto})
	}
	if len(e.Ports) == 0 && provider == types.ProviderAWS && port > 0 {
		proto := types.ProtocolTCP
		if scheme == "udp" {
			proto = types.ProtocolUDP
		}
		mappings = []types.PortMapping{{ExternalPort: port, InternalPort: port, Protocol: proto}}
	}

	exp := &types.Exposure{
		Domain:        domain,
		OriginAddress: origin,
		Provider:      provider,
		PortMappings:  mappings,
	}

	switch provider {
	case types.ProviderCloudflare:
		cf := e.Cloudflare
		if cf == nil || cf.Tunnel == "" || cf.CredentialsFile == "" {
			fail("cloudflare: tunnel and credentials_file are required")
			break
		}
		for _, m := range mappings {
			if m.Protocol == types.ProtocolUDP {
				fail("cloudflare exposures cannot map udp port %d", m.ExternalPort)
			}
		}
		exp.Cloudflare = &types.CloudflareSettings{
			Tunnel:          cf.Tunnel,
			CredentialsFile: cf.CredentialsFile,
			OriginCert:      cf.OriginCert,
			MetricsAddr:     cf.MetricsAddr,
		}
	case types.ProviderAWS:
		if e.Cloudflare != nil {
			fail("cloudflare: only valid with provider cloudflare")
		}
	}

	if len(problems) > 0 {
		return nil, problems
	}
	return exp, nil
}

// parseService splits a service reference such as tcp://web:8080. http and
// https default to their well-known ports.
func parseService(s string) (scheme, addr string, port int, err error) {
	if s == "" {
		return "", "", 0, fmt.Errorf("required")
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", "", 0, fmt.Errorf("cannot parse %q: %w", s, err)
	}

	scheme = strings.ToLower(u.Scheme)
	host, portStr := u.Hostname(), u.Port()
	if host == "" {
		return "", "", 0, fmt.Errorf("%q has no host", s)
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", 0, fmt.Errorf("%q must not have a path", s)
	}

	switch scheme {
	case "tcp", "udp", "tls":
		if portStr == "" {
			return "", "", 0, fmt.Errorf("%q has no port", s)
		}
	case "http":
		if portStr == "" {
			portStr = "80"
		}
	case "https":
		if portStr == "" {
			portStr = "443"
		}
	default:
		return "", "", 0, fmt.Errorf("%q: unsupported scheme %q", s, u.Scheme)
	}

	port, err = strconv.Atoi(portStr)
	if err != nil || !validPort(port) {
		return "", "", 0, fmt.Errorf("%q: invalid port", s)
	}
	return scheme, u.Host, port, nil
}

func validDomain(d string) bool {
	labels := strings.Split(d, ".")
	if len(d) > 253 || len(labels) < 2 {
		return false
	}
	for _, l := range labels {
		if !domainLabel.MatchString(l) {
			return false
		}
	}
	return true
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}
