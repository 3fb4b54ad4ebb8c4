package template

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/cuemby/outpost/pkg/keys"
	"github.com/cuemby/outpost/pkg/types"
)

const (
	// DefaultListenPort is the WireGuard port opened on the relay
	DefaultListenPort = 51820

	// KeepaliveSeconds is the PersistentKeepalive of both peers
	KeepaliveSeconds = 25

	// RecordTTL is the TTL of the published A record
	RecordTTL = 60

	// Stack output keys
	OutputPublicIP   = "ProxyPublicIP"
	OutputDNSName    = "DNSName"
	OutputInstanceID = "InstanceId"
	OutputReadyData  = "ReadyData"

	// Stack tags
	TagManaged = "outpost:managed"
	TagDomain  = "outpost:domain"
	TagOwner   = "outpost:owner"

	// DefaultReadinessTimeout bounds the relay's boot when Params leaves it zero
	DefaultReadinessTimeout = 10 * time.Minute

	// MaxReadinessTimeout is the longest timeout a WaitCondition accepts
	MaxReadinessTimeout = 12 * time.Hour

	// ParamHostedZoneID is the only parameter the caller must supply
	ParamHostedZoneID = "HostedZoneId"

	redactedKey = "<redacted>"
)

var (
	// ErrInvalidParams is returned when a render input is missing or malformed
	ErrInvalidParams = errors.New("invalid template parameters")
)

// Params carries everything a render needs besides the exposure and keys
type Params struct {
	StackName      string
	Region         string
	HostedZoneID   string
	InstanceType   string
	OriginPublicIP string

	ListenPort     int
	RelayTunnelIP  netip.Addr
	OriginTunnelIP netip.Addr

	// Owner is tagged on the stack so only this host sweeps it
	Owner string

	// ReadinessTimeout is how long the stack waits for the relay's signal
	ReadinessTimeout time.Duration

	AgentURL          string
	AgentSHA256       string
	WatchdogInterval  time.Duration
	WatchdogThreshold int
}

// Template is a rendered stack
type Template struct {
	Body       []byte
	Parameters map[string]string
	Tags       map[string]string

	// ReadyCondition is the logical id of the WaitCondition the relay signals
	ReadyCondition string

	secrets []string
}

// Redacted returns the body with every key replaced
func (t *Template) Redacted() []byte {
	out := bytes.Clone(t.Body)
	for _, s := range t.secrets {
		out = bytes.ReplaceAll(out, []byte(s), []byte(redactedKey))
	}
	return out
}

// Wipe zeroes the rendered body and forgets the secrets it embeds
func (t *Template) Wipe() {
	for i := range t.Body {
		t.Body[i] = 0
	}
	t.Body = nil
	t.secrets = nil
}

// Builder renders relay stacks
type Builder struct{}

// NewBuilder creates a template builder
func NewBuilder() *Builder {
	return &Builder{}
}

// Render produces the stack template for exp. The output is a pure function of
// its inputs; only the key material differs between two deployments of the same
// exposure.
func (b *Builder) Render(exp *types.Exposure, pair *keys.Pair, p Params) (*Template, error) {
	if err := validate(exp, pair, p); err != nil {
		return nil, err
	}
	if p.ListenPort == 0 {
		p.ListenPort = DefaultListenPort
	}
	if p.ReadinessTimeout == 0 {
		p.ReadinessTimeout = DefaultReadinessTimeout
	}

	gen := Generation(pair)
	script, err := renderBootScript(exp, pair, p, gen)
	if err != nil {
		return nil, err
	}

	doc := map[string]any{
		"AWSTemplateFormatVersion": "2010-09-09",
		"Description":              fmt.Sprintf("outpost relay for %s", exp.Domain),
		"Parameters": map[string]any{
			ParamHostedZoneID: map[string]any{
				"Type":        "String",
				"Description": "Route53 hosted zone for the relay record",
			},
			"ImageId": map[string]any{
				"Type":    "AWS::SSM::Parameter::Value<AWS::EC2::Image::Id>",
				"Default": ImageParameter(Architecture(p.InstanceType)),
			},
		},
		"Resources": resources(exp, p, script, gen),
		"Outputs": map[string]any{
			OutputPublicIP: map[string]any{
				"Description": "Elastic IP of the relay",
				"Value":       ref("RelayAddress"),
			},
			OutputDNSName: map[string]any{
				"Description": "Published domain",
				"Value":       exp.Domain,
			},
			OutputInstanceID: map[string]any{
				"Description": "Relay instance",
				"Value":       ref("RelayInstance"),
			},
			OutputReadyData: map[string]any{
				"Description": "Signal data of the relay, keyed by instance id",
				"Value":       map[string]any{"Fn::GetAtt": []any{readyCondition(gen), "Data"}},
			},
		},
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode template: %w", err)
	}

	return &Template{
		Body: buf.Bytes(),
		Parameters: map[string]string{
			ParamHostedZoneID: p.HostedZoneID,
		},
		Tags: map[string]string{
			TagManaged: "true",
			TagDomain:  exp.Domain,
			TagOwner:   p.Owner,
		},
		ReadyCondition: readyCondition(gen),
		secrets: []string{
			pair.Relay.PrivateKey.Base64(),
			pair.Relay.PresharedKey.Base64(),
			pair.Origin.PublicKey.Base64(),
		},
	}, nil
}

// Generation names the readiness resources after the relay key. A rekey gets
// a fresh handle and condition, since CloudFormation cannot update either;
// an update that keeps the keys keeps both.
func Generation(pair *keys.Pair) string {
	sum := sha256.Sum256([]byte(pair.Relay.PublicKey.Base64()))
	return hex.EncodeToString(sum[:4])
}

func readyHandle(gen string) string    { return "ReadyHandle" + gen }
func readyCondition(gen string) string { return "ReadyCondition" + gen }

func resources(exp *types.Exposure, p Params, script, gen string) map[string]any {
	name := func(suffix string) []any {
		return []any{map[string]any{"Key": "Name", "Value": p.StackName + suffix}}
	}

	return map[string]any{
		"VPC": map[string]any{
			"Type": "AWS::EC2::VPC",
			"Properties": map[string]any{
				"CidrBlock":          "10.0.0.0/16",
				"EnableDnsHostnames": true,
				"EnableDnsSupport":   true,
				"Tags":               name(""),
			},
		},
		"InternetGateway": map[string]any{
			"Type":       "AWS::EC2::InternetGateway",
			"Properties": map[string]any{"Tags": name("-igw")},
		},
		"AttachGateway": map[string]any{
			"Type": "AWS::EC2::VPCGatewayAttachment",
			"Properties": map[string]any{
				"VpcId":             ref("VPC"),
				"InternetGatewayId": ref("InternetGateway"),
			},
		},
		"PublicSubnet": map[string]any{
			"Type": "AWS::EC2::Subnet",
			"Properties": map[string]any{
				"VpcId":               ref("VPC"),
				"CidrBlock":           "10.0.1.0/24",
				"MapPublicIpOnLaunch": true,
				"Tags":                name("-public"),
			},
		},
		"PublicRouteTable": map[string]any{
			"Type": "AWS::EC2::RouteTable",
			"Properties": map[string]any{
				"VpcId": ref("VPC"),
				"Tags":  name("-public-rt"),
			},
		},
		"PublicRoute": map[string]any{
			"Type":      "AWS::EC2::Route",
			"DependsOn": "AttachGateway",
			"Properties": map[string]any{
				"RouteTableId":         ref("PublicRouteTable"),
				"DestinationCidrBlock": "0.0.0.0/0",
				"GatewayId":            ref("InternetGateway"),
			},
		},
		"SubnetRouteTableAssociation": map[string]any{
			"Type": "AWS::EC2::SubnetRouteTableAssociation",
			"Properties": map[string]any{
				"SubnetId":     ref("PublicSubnet"),
				"RouteTableId": ref("PublicRouteTable"),
			},
		},
		"SecurityGroup": map[string]any{
			"Type": "AWS::EC2::SecurityGroup",
			"Properties": map[string]any{
				"GroupDescription":     "outpost relay: WireGuard from origin, published ports from anywhere",
				"VpcId":                ref("VPC"),
				"SecurityGroupIngress": ingressRules(exp, p),
				"SecurityGroupEgress": []any{map[string]any{
					"IpProtocol":  "-1",
					"CidrIp":      "0.0.0.0/0",
					"Description": "All outbound",
				}},
				"Tags": name("-sg"),
			},
		},
		"RelayRole": map[string]any{
			"Type": "AWS::IAM::Role",
			"Properties": map[string]any{
				"AssumeRolePolicyDocument": map[string]any{
					"Version": "2012-10-17",
					"Statement": []any{map[string]any{
						"Effect":    "Allow",
						"Principal": map[string]any{"Service": "ec2.amazonaws.com"},
						"Action":    "sts:AssumeRole",
					}},
				},
				// the delete itself runs as the stack's service role
				"Policies": []any{map[string]any{
					"PolicyName": "SelfDestruct",
					"PolicyDocument": map[string]any{
						"Version": "2012-10-17",
						"Statement": []any{map[string]any{
							"Effect": "Allow",
							"Action": []any{
								"cloudformation:DeleteStack",
								"cloudformation:DescribeStacks",
								"cloudformation:DescribeStackResource",
							},
							"Resource": map[string]any{
								"Fn::Sub": "arn:aws:cloudformation:${AWS::Region}:${AWS::AccountId}:stack/${AWS::StackName}/*",
							},
						}},
					},
				}},
			},
		},
		"InstanceProfile": map[string]any{
			"Type":       "AWS::IAM::InstanceProfile",
			"Properties": map[string]any{"Roles": []any{ref("RelayRole")}},
		},
		"RelayInstance": map[string]any{
			"Type":      "AWS::EC2::Instance",
			"DependsOn": "AttachGateway",
			"Properties": map[string]any{
				"InstanceType":       p.InstanceType,
				"ImageId":            ref("ImageId"),
				"SubnetId":           ref("PublicSubnet"),
				"SecurityGroupIds":   []any{ref("SecurityGroup")},
				"IamInstanceProfile": ref("InstanceProfile"),
				"UserData": map[string]any{"Fn::Base64": map[string]any{
					"Fn::Sub": []any{script, map[string]any{"ReadinessURL": ref(readyHandle(gen))}},
				}},
				"Tags": name("-relay"),
			},
		},
		readyHandle(gen): map[string]any{
			"Type": "AWS::CloudFormation::WaitConditionHandle",
		},
		readyCondition(gen): map[string]any{
			"Type":      "AWS::CloudFormation::WaitCondition",
			"DependsOn": "RelayInstance",
			"Properties": map[string]any{
				"Handle":  ref(readyHandle(gen)),
				"Count":   1,
				"Timeout": fmt.Sprintf("%d", int(p.ReadinessTimeout/time.Second)),
			},
		},
		"RelayAddress": map[string]any{
			"Type":      "AWS::EC2::EIP",
			"DependsOn": "AttachGateway",
			"Properties": map[string]any{
				"Domain":     "vpc",
				"InstanceId": ref("RelayInstance"),
				"Tags":       name("-eip"),
			},
		},
		"DNSRecord": map[string]any{
			"Type":      "AWS::Route53::RecordSet",
			"DependsOn": readyCondition(gen),
			"Properties": map[string]any{
				"HostedZoneId":    ref(ParamHostedZoneID),
				"Name":            strings.TrimSuffix(exp.Domain, ".") + ".",
				"Type":            "A",
				"TTL":             fmt.Sprintf("%d", RecordTTL),
				"ResourceRecords": []any{ref("RelayAddress")},
			},
		},
	}
}

// ingressRules opens the WireGuard port to the origin only, then each distinct
// (protocol, external port) to everyone
func ingressRules(exp *types.Exposure, p Params) []any {
	rules := []any{map[string]any{
		"IpProtocol":  "udp",
		"FromPort":    p.ListenPort,
		"ToPort":      p.ListenPort,
		"CidrIp":      p.OriginPublicIP + "/32",
		"Description": "WireGuard from origin",
	}}

	seen := make(map[string]bool)
	for _, m := range exp.PortMappings {
		key := fmt.Sprintf("%s/%d", m.Protocol, m.ExternalPort)
		if seen[key] {
			continue
		}
		seen[key] = true
		rules = append(rules, map[string]any{
			"IpProtocol":  string(m.Protocol),
			"FromPort":    m.ExternalPort,
			"ToPort":      m.ExternalPort,
			"CidrIp":      "0.0.0.0/0",
			"Description": "Published " + key,
		})
	}
	return rules
}

func ref(name string) map[string]any {
	return map[string]any{"Ref": name}
}

var graviton = []string{"t4g.", "a1.", "m6g.", "m7g.", "c6g.", "c7g.", "r6g.", "r7g.", "g5g."}

// Architecture returns the image architecture for an instance type
func Architecture(instanceType string) string {
	for _, prefix := range graviton {
		if strings.HasPrefix(instanceType, prefix) {
			return "arm64"
		}
	}
	return "x86_64"
}

// ImageParameter returns the public SSM parameter resolving to the latest
// Amazon Linux image for arch
func ImageParameter(arch string) string {
	return "/aws/service/ami-amazon-linux-latest/al2023-ami-kernel-default-" + arch
}

func validate(exp *types.Exposure, pair *keys.Pair, p Params) error {
	if exp == nil || exp.Domain == "" {
		return fmt.Errorf("%w: exposure domain is required", ErrInvalidParams)
	}
	if pair == nil || pair.Origin == nil || pair.Relay == nil {
		return fmt.Errorf("%w: tunnel identities are required", ErrInvalidParams)
	}
	if pair.Relay.PrivateKey.IsZero() || pair.Origin.PublicKey.IsZero() {
		return fmt.Errorf("%w: tunnel identities have been wiped", ErrInvalidParams)
	}
	if p.StackName == "" || p.Region == "" || p.InstanceType == "" {
		return fmt.Errorf("%w: stack name, region and instance type are required", ErrInvalidParams)
	}
	if p.HostedZoneID == "" {
		return fmt.Errorf("%w: hosted zone id is required", ErrInvalidParams)
	}
	if addr, err := netip.ParseAddr(p.OriginPublicIP); err != nil || !addr.Is4() {
		return fmt.Errorf("%w: origin public ip %q is not an IPv4 address", ErrInvalidParams, p.OriginPublicIP)
	}
	if !p.RelayTunnelIP.Is4() || !p.OriginTunnelIP.Is4() {
		return fmt.Errorf("%w: tunnel addresses are required", ErrInvalidParams)
	}
	if p.Owner == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalidParams)
	}
	if p.ReadinessTimeout < 0 || (p.ReadinessTimeout > 0 && p.ReadinessTimeout < time.Second) || p.ReadinessTimeout > MaxReadinessTimeout {
		return fmt.Errorf("%w: readiness timeout %s is outside 1s to %s", ErrInvalidParams, p.ReadinessTimeout, MaxReadinessTimeout)
	}
	if p.AgentURL == "" {
		return fmt.Errorf("%w: relay agent url is required", ErrInvalidParams)
	}
	if p.WatchdogInterval <= 0 || p.WatchdogThreshold <= 0 {
		return fmt.Errorf("%w: watchdog interval and threshold must be positive", ErrInvalidParams)
	}
	for _, m := range exp.PortMappings {
		if m.Protocol != types.ProtocolTCP && m.Protocol != types.ProtocolUDP {
			return fmt.Errorf("%w: unsupported protocol %q", ErrInvalidParams, m.Protocol)
		}
		if m.ExternalPort < 1 || m.ExternalPort > 65535 || m.InternalPort < 1 || m.InternalPort > 65535 {
			return fmt.Errorf("%w: port out of range in %s", ErrInvalidParams, m)
		}
	}
	return nil
}
