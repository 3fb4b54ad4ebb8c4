package template

import (
	"fmt"
	"strings"
	gotemplate "text/template"

	"github.com/cuemby/outpost/pkg/keys"
	"github.com/cuemby/outpost/pkg/types"
)

// AgentPath is where the boot script installs the relay watchdog agent
const AgentPath = "/usr/local/bin/outpost"

// StateDir holds the relay's boot markers
const StateDir = "/var/lib/outpost"

// bootScript runs on every boot of the relay (cloud-boothook), so every step
// must be safe to repeat. The readiness signal is guarded by a marker named
// after the key generation and therefore runs once per wait condition.
//
// The script is passed through Fn::Sub, which fills in ${ReadinessURL} with
// the presigned URL of the wait condition handle. It must not contain any
// other ${ sequence.
var bootScript = gotemplate.Must(gotemplate.New("boot").Parse(`#cloud-boothook
#!/bin/bash
set -euo pipefail

STATE_DIR={{.StateDir}}
READY_MARKER="$STATE_DIR/ready-{{.Marker}}"
mkdir -p "$STATE_DIR"
chmod 0700 "$STATE_DIR"

signal() {
  [ -f "$READY_MARKER" ] && return 0
  local token instance_id public_ip
  token=$(curl -fsS -X PUT http://169.254.169.254/latest/api/token -H 'X-aws-ec2-metadata-token-ttl-seconds: 60' || true)
  instance_id=$(curl -fsS -H "X-aws-ec2-metadata-token: $token" http://169.254.169.254/latest/meta-data/instance-id || echo unknown)
  public_ip=$(curl -fsS -H "X-aws-ec2-metadata-token: $token" http://169.254.169.254/latest/meta-data/public-ipv4 || true)
  curl -fsS --retry 10 --retry-delay 3 --retry-all-errors -X PUT \
    -H 'Content-Type:' \
    --data-binary "{\"Status\":\"$1\",\"Reason\":\"$2\",\"UniqueId\":\"$instance_id\",\"Data\":\"$public_ip\"}" \
    '${ReadinessURL}' && touch "$READY_MARKER"
}
trap 'signal FAILURE "boot script failed at line $LINENO"' ERR

if ! command -v wg-quick >/dev/null 2>&1 || ! command -v iptables >/dev/null 2>&1; then
  dnf install -y wireguard-tools iptables-nft
fi

sysctl -q -w net.ipv4.ip_forward=1

umask 077
mkdir -p /etc/wireguard
cat > /etc/wireguard/wg0.conf <<'WGEOF'
[Interface]
Address = {{.RelayIP}}/24
ListenPort = {{.ListenPort}}
PrivateKey = {{.RelayPrivateKey}}
{{- range .Rules}}
PostUp = iptables -t nat -A PREROUTING -p {{.Protocol}} --dport {{.External}} -j DNAT --to-destination {{$.OriginIP}}:{{.Internal}}
PostUp = iptables -t nat -A POSTROUTING -o %i -p {{.Protocol}} -d {{$.OriginIP}} --dport {{.Internal}} -j MASQUERADE
PreDown = iptables -t nat -D PREROUTING -p {{.Protocol}} --dport {{.External}} -j DNAT --to-destination {{$.OriginIP}}:{{.Internal}} || true
PreDown = iptables -t nat -D POSTROUTING -o %i -p {{.Protocol}} -d {{$.OriginIP}} --dport {{.Internal}} -j MASQUERADE || true
{{- end}}

[Peer]
PublicKey = {{.OriginPublicKey}}
PresharedKey = {{.PresharedKey}}
AllowedIPs = {{.OriginIP}}/32
PersistentKeepalive = {{.Keepalive}}
WGEOF

systemctl enable wg-quick@wg0
systemctl restart wg-quick@wg0

if [ ! -x {{.AgentPath}} ]; then
  curl -fsSL --retry 5 -o {{.AgentPath}}.tmp '{{.AgentURL}}'
{{- if .AgentSHA256}}
  echo '{{.AgentSHA256}}  {{.AgentPath}}.tmp' | sha256sum -c -
{{- end}}
  chmod 0755 {{.AgentPath}}.tmp
  mv {{.AgentPath}}.tmp {{.AgentPath}}
fi

umask 022
cat > /etc/systemd/system/outpost-watchdog.service <<'UNITEOF'
[Unit]
Description=outpost relay watchdog for {{.Domain}}
After=network-online.target wg-quick@wg0.service
Wants=network-online.target

[Service]
ExecStart={{.AgentPath}} relay watchdog --stack-name {{.StackName}} --region {{.Region}} --target {{.OriginIP}} --interval {{.Interval}} --threshold {{.Threshold}} --state-file {{.StateDir}}/self-destructed
Restart=on-failure
RestartSec=5

[Install]
WantedBy=multi-user.target
UNITEOF

systemctl daemon-reload
systemctl enable outpost-watchdog.service
systemctl restart outpost-watchdog.service

if wg show wg0 >/dev/null 2>&1; then
  signal SUCCESS "relay configured"
else
  signal FAILURE "wireguard interface is down"
fi
`))

type natRule struct {
	Protocol string
	External int
	Internal int
}

type bootData struct {
	Domain          string
	StackName       string
	Region          string
	StateDir        string
	Marker          string
	RelayIP         string
	OriginIP        string
	ListenPort      int
	RelayPrivateKey string
	PresharedKey    string
	OriginPublicKey string
	Keepalive       int
	Rules           []natRule
	AgentPath       string
	AgentURL        string
	AgentSHA256     string
	Interval        string
	Threshold       int
}

// renderBootScript produces the relay user data. One DNAT and MASQUERADE pair
// is emitted per port mapping, keyed by protocol and external port.
func renderBootScript(exp *types.Exposure, pair *keys.Pair, p Params, gen string) (string, error) {
	for _, s := range []string{p.AgentURL, p.AgentSHA256} {
		if strings.ContainsAny(s, "'\n\\") || strings.Contains(s, "${") {
			return "", fmt.Errorf("%w: %q contains characters not allowed in the boot script", ErrInvalidParams, s)
		}
	}

	data := bootData{
		Domain:          exp.Domain,
		StackName:       p.StackName,
		Region:          p.Region,
		StateDir:        StateDir,
		Marker:          gen,
		RelayIP:         p.RelayTunnelIP.String(),
		OriginIP:        p.OriginTunnelIP.String(),
		ListenPort:      p.ListenPort,
		RelayPrivateKey: pair.Relay.PrivateKey.Base64(),
		PresharedKey:    pair.Relay.PresharedKey.Base64(),
		OriginPublicKey: pair.Origin.PublicKey.Base64(),
		Keepalive:       KeepaliveSeconds,
		AgentPath:       AgentPath,
		AgentURL:        p.AgentURL,
		AgentSHA256:     p.AgentSHA256,
		Interval:        p.WatchdogInterval.String(),
		Threshold:       p.WatchdogThreshold,
	}

	seen := make(map[string]bool)
	for _, m := range exp.PortMappings {
		key := fmt.Sprintf("%s/%d", m.Protocol, m.ExternalPort)
		if seen[key] {
			continue
		}
		seen[key] = true
		data.Rules = append(data.Rules, natRule{
			Protocol: string(m.Protocol),
			External: m.ExternalPort,
			Internal: m.InternalPort,
		})
	}

	var sb strings.Builder
	if err := bootScript.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("failed to render boot script: %w", err)
	}
	return sb.String(), nil
}
