package template

import (
	"bytes"
	"encoding/json"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/outpost/pkg/keys"
	"github.com/cuemby/outpost/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParams() Params {
	return Params{
		StackName:         types.StackName("a.example"),
		Region:            "us-east-2",
		HostedZoneID:      "Z123",
		InstanceType:      "t4g.nano",
		OriginPublicIP:    "198.51.100.7",
		RelayTunnelIP:     netip.MustParseAddr("172.17.0.1"),
		OriginTunnelIP:    netip.MustParseAddr("172.17.0.2"),
		Owner:             "198.51.100.7",
		ReadinessTimeout:  10 * time.Minute,
		AgentURL:          "https://downloads.example/outpost-linux-arm64",
		WatchdogInterval:  5 * time.Second,
		WatchdogThreshold: 60,
	}
}

func testExposure(mappings ...types.PortMapping) *types.Exposure {
	return &types.Exposure{
		Domain:        "a.example",
		OriginAddress: "web:8080",
		Provider:      types.ProviderAWS,
		PortMappings:  mappings,
	}
}

func testPair(t *testing.T) *keys.Pair {
	t.Helper()
	pair, err := keys.NewManager().GeneratePair()
	require.NoError(t, err)
	return pair
}

func decode(t *testing.T, tpl *Template) map[string]any {
	t.Helper()
	var doc map[string]any
	require.NoError(t, json.Unmarshal(tpl.Body, &doc))
	return doc
}

func resource(t *testing.T, doc map[string]any, name string) map[string]any {
	t.Helper()
	res, ok := doc["Resources"].(map[string]any)[name].(map[string]any)
	require.True(t, ok, "resource %s missing", name)
	props, _ := res["Properties"].(map[string]any)
	return props
}

// subArgs returns the string and variables of the UserData Fn::Sub
func subArgs(t *testing.T, doc map[string]any) (string, map[string]any) {
	t.Helper()
	props := resource(t, doc, "RelayInstance")
	sub := props["UserData"].(map[string]any)["Fn::Base64"].(map[string]any)["Fn::Sub"].([]any)
	require.Len(t, sub, 2)
	return sub[0].(string), sub[1].(map[string]any)
}

func userData(t *testing.T, doc map[string]any) string {
	t.Helper()
	script, _ := subArgs(t, doc)
	return script
}

func TestRender_SingleTCPMapping(t *testing.T) {
	b := NewBuilder()
	exp := testExposure(types.PortMapping{ExternalPort: 80, InternalPort: 8080, Protocol: types.ProtocolTCP})

	tpl, err := b.Render(exp, testPair(t), testParams())
	require.NoError(t, err)

	doc := decode(t, tpl)
	script := userData(t, doc)

	assert.Equal(t, 1, strings.Count(script, "-A PREROUTING"))
	assert.Contains(t, script, "-A PREROUTING -p tcp --dport 80 -j DNAT --to-destination 172.17.0.2:8080")
	assert.Contains(t, script, "-A POSTROUTING -o %i -p tcp -d 172.17.0.2 --dport 8080 -j MASQUERADE")
	assert.True(t, strings.HasPrefix(script, "#cloud-boothook\n"))

	dns := resource(t, doc, "DNSRecord")
	assert.Equal(t, "a.example.", dns["Name"])
	assert.Equal(t, "A", dns["Type"])
	assert.Equal(t, "60", dns["TTL"])

	assert.Equal(t, "Z123", tpl.Parameters[ParamHostedZoneID])
	assert.Equal(t, "true", tpl.Tags[TagManaged])
	assert.Equal(t, "a.example", tpl.Tags[TagDomain])
	assert.Equal(t, "198.51.100.7", tpl.Tags[TagOwner])

	outputs := doc["Outputs"].(map[string]any)
	assert.Contains(t, outputs, OutputPublicIP)
	assert.Contains(t, outputs, OutputDNSName)
	assert.Contains(t, outputs, OutputInstanceID)
	assert.Contains(t, outputs, OutputReadyData)
}

func TestRender_WaitCondition(t *testing.T) {
	pair := testPair(t)
	tpl, err := NewBuilder().Render(testExposure(), pair, testParams())
	require.NoError(t, err)

	gen := Generation(pair)
	assert.Equal(t, "ReadyCondition"+gen, tpl.ReadyCondition)

	doc := decode(t, tpl)
	resources := doc["Resources"].(map[string]any)

	handle := resources["ReadyHandle"+gen].(map[string]any)
	assert.Equal(t, "AWS::CloudFormation::WaitConditionHandle", handle["Type"])

	cond := resources[tpl.ReadyCondition].(map[string]any)
	assert.Equal(t, "AWS::CloudFormation::WaitCondition", cond["Type"])
	assert.Equal(t, "RelayInstance", cond["DependsOn"])
	props := cond["Properties"].(map[string]any)
	assert.Equal(t, map[string]any{"Ref": "ReadyHandle" + gen}, props["Handle"])
	assert.Equal(t, float64(1), props["Count"])
	assert.Equal(t, "600", props["Timeout"])

	// the record is published only once the relay has signalled
	assert.Equal(t, tpl.ReadyCondition, resources["DNSRecord"].(map[string]any)["DependsOn"])

	script, vars := subArgs(t, doc)
	assert.Equal(t, map[string]any{"Ref": "ReadyHandle" + gen}, vars["ReadinessURL"])
	assert.Contains(t, script, "'${ReadinessURL}'")
	assert.Contains(t, script, "-H 'Content-Type:'")
	assert.Equal(t, 1, strings.Count(script, "${"), "Fn::Sub would expand any other ${")

	data := doc["Outputs"].(map[string]any)[OutputReadyData].(map[string]any)
	assert.Equal(t, map[string]any{"Fn::GetAtt": []any{tpl.ReadyCondition, "Data"}}, data["Value"])
}

func TestRender_WaitConditionStableAcrossReconfigure(t *testing.T) {
	b := NewBuilder()
	pair := testPair(t)

	first, err := b.Render(testExposure(), pair, testParams())
	require.NoError(t, err)
	second, err := b.Render(testExposure(types.PortMapping{ExternalPort: 443, InternalPort: 8443, Protocol: types.ProtocolTCP}), pair, testParams())
	require.NoError(t, err)
	assert.Equal(t, first.ReadyCondition, second.ReadyCondition)

	rekeyed, err := b.Render(testExposure(), testPair(t), testParams())
	require.NoError(t, err)
	assert.NotEqual(t, first.ReadyCondition, rekeyed.ReadyCondition)
}

func TestServiceRole(t *testing.T) {
	tpl, err := ServiceRole()
	require.NoError(t, err)

	assert.Equal(t, "true", tpl.Tags[TagServiceRole])
	assert.NotContains(t, tpl.Tags, TagManaged, "the orphan sweep must never see the service role")

	doc := decode(t, tpl)
	role := resource(t, doc, "ServiceRole")
	trust := role["AssumeRolePolicyDocument"].(map[string]any)["Statement"].([]any)[0].(map[string]any)
	assert.Equal(t, map[string]any{"Service": "cloudformation.amazonaws.com"}, trust["Principal"])

	body := string(tpl.Body)
	for _, action := range []string{"ec2:RunInstances", "ec2:TerminateInstances", "ec2:ReleaseAddress", "iam:DeleteRole", "iam:PassRole", "route53:ChangeResourceRecordSets", "ssm:GetParameters"} {
		assert.Contains(t, body, action)
	}
	assert.Contains(t, doc["Outputs"].(map[string]any), OutputRoleARN)
}

func TestRender_SecurityGroup(t *testing.T) {
	b := NewBuilder()
	exp := testExposure(
		types.PortMapping{ExternalPort: 53, InternalPort: 5353, Protocol: types.ProtocolUDP},
		types.PortMapping{ExternalPort: 53, InternalPort: 5353, Protocol: types.ProtocolTCP},
	)

	tpl, err := b.Render(exp, testPair(t), testParams())
	require.NoError(t, err)

	doc := decode(t, tpl)
	rules := resource(t, doc, "SecurityGroup")["SecurityGroupIngress"].([]any)
	require.Len(t, rules, 3)

	wg := rules[0].(map[string]any)
	assert.Equal(t, "udp", wg["IpProtocol"])
	assert.Equal(t, float64(DefaultListenPort), wg["FromPort"])
	assert.Equal(t, "198.51.100.7/32", wg["CidrIp"])

	assert.Equal(t, "udp", rules[1].(map[string]any)["IpProtocol"])
	assert.Equal(t, "tcp", rules[2].(map[string]any)["IpProtocol"])
	assert.Equal(t, "0.0.0.0/0", rules[2].(map[string]any)["CidrIp"])

	// same external port on two protocols yields two independent rule pairs
	script := userData(t, doc)
	assert.Equal(t, 2, strings.Count(script, "-A PREROUTING"))
	assert.Contains(t, script, "-p udp --dport 53 -j DNAT")
	assert.Contains(t, script, "-p tcp --dport 53 -j DNAT")
}

func TestRender_EmptyMappingsIsTunnelOnly(t *testing.T) {
	tpl, err := NewBuilder().Render(testExposure(), testPair(t), testParams())
	require.NoError(t, err)

	doc := decode(t, tpl)
	rules := resource(t, doc, "SecurityGroup")["SecurityGroupIngress"].([]any)
	assert.Len(t, rules, 1)

	script := userData(t, doc)
	assert.NotContains(t, script, "PREROUTING")
	assert.Contains(t, script, "[Peer]")
}

func TestRender_Deterministic(t *testing.T) {
	b := NewBuilder()
	exp := testExposure(types.PortMapping{ExternalPort: 443, InternalPort: 8443, Protocol: types.ProtocolTCP})
	pair := testPair(t)

	first, err := b.Render(exp, pair, testParams())
	require.NoError(t, err)
	second, err := b.Render(exp, pair, testParams())
	require.NoError(t, err)

	assert.True(t, bytes.Equal(first.Body, second.Body))
}

func TestRender_DiffersOnlyInKeys(t *testing.T) {
	b := NewBuilder()
	exp := testExposure(types.PortMapping{ExternalPort: 443, InternalPort: 8443, Protocol: types.ProtocolTCP})
	pairA, pairB := testPair(t), testPair(t)

	a, err := b.Render(exp, pairA, testParams())
	require.NoError(t, err)
	bb, err := b.Render(exp, pairB, testParams())
	require.NoError(t, err)

	assert.False(t, bytes.Equal(a.Body, bb.Body))

	// the wait condition is named after the relay key as well
	genA, genB := Generation(pairA), Generation(pairB)
	assert.Equal(t,
		strings.ReplaceAll(string(a.Redacted()), genA, "GEN"),
		strings.ReplaceAll(string(bb.Redacted()), genB, "GEN"))
}

func TestRender_RedactedHidesKeys(t *testing.T) {
	pair := testPair(t)
	tpl, err := NewBuilder().Render(testExposure(), pair, testParams())
	require.NoError(t, err)

	assert.Contains(t, string(tpl.Body), pair.Relay.PrivateKey.Base64())

	redacted := string(tpl.Redacted())
	assert.NotContains(t, redacted, pair.Relay.PrivateKey.Base64())
	assert.NotContains(t, redacted, pair.Relay.PresharedKey.Base64())
	assert.Contains(t, redacted, redactedKey)
	assert.NotContains(t, redacted, pair.Origin.PrivateKey.Base64())
}

func TestRender_Wipe(t *testing.T) {
	tpl, err := NewBuilder().Render(testExposure(), testPair(t), testParams())
	require.NoError(t, err)

	body := tpl.Body
	tpl.Wipe()

	assert.Nil(t, tpl.Body)
	assert.Equal(t, make([]byte, len(body)), body)
}

func TestRender_InvalidParams(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Params)
		exp    *types.Exposure
	}{
		{name: "missing owner", mutate: func(p *Params) { p.Owner = "" }},
		{name: "readiness timeout above maximum", mutate: func(p *Params) { p.ReadinessTimeout = 13 * time.Hour }},
		{name: "sub expression in agent url", mutate: func(p *Params) { p.AgentURL = "https://x/${AWS::AccountId}" }},
		{name: "ipv6 origin", mutate: func(p *Params) { p.OriginPublicIP = "2001:db8::1" }},
		{name: "missing zone", mutate: func(p *Params) { p.HostedZoneID = "" }},
		{name: "quote in agent url", mutate: func(p *Params) { p.AgentURL = "https://x/'; rm -rf /" }},
		{name: "zero threshold", mutate: func(p *Params) { p.WatchdogThreshold = 0 }},
		{
			name:   "bad protocol",
			mutate: func(p *Params) {},
			exp:    testExposure(types.PortMapping{ExternalPort: 80, InternalPort: 80, Protocol: "sctp"}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testParams()
			tt.mutate(&p)
			exp := tt.exp
			if exp == nil {
				exp = testExposure()
			}
			_, err := NewBuilder().Render(exp, testPair(t), p)
			assert.ErrorIs(t, err, ErrInvalidParams)
		})
	}
}

func TestRender_WipedKeysRejected(t *testing.T) {
	pair := testPair(t)
	pair.Zero()

	_, err := NewBuilder().Render(testExposure(), pair, testParams())
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestArchitecture(t *testing.T) {
	tests := []struct {
		instanceType string
		want         string
	}{
		{"t4g.nano", "arm64"},
		{"c7g.large", "arm64"},
		{"a1.medium", "arm64"},
		{"t3.micro", "x86_64"},
		{"m5.large", "x86_64"},
	}

	for _, tt := range tests {
		t.Run(tt.instanceType, func(t *testing.T) {
			assert.Equal(t, tt.want, Architecture(tt.instanceType))
		})
	}
}

func TestRender_ReadinessMarkerPerGeneration(t *testing.T) {
	b := NewBuilder()
	pair := testPair(t)

	first, err := b.Render(testExposure(), pair, testParams())
	require.NoError(t, err)
	second, err := b.Render(testExposure(), testPair(t), testParams())
	require.NoError(t, err)

	markerLine := func(tpl *Template) string {
		for _, line := range strings.Split(userData(t, decode(t, tpl)), "\n") {
			if strings.HasPrefix(line, "READY_MARKER=") {
				return line
			}
		}
		return ""
	}
	assert.Contains(t, markerLine(first), Generation(pair))
	assert.NotEqual(t, markerLine(first), markerLine(second))
}
