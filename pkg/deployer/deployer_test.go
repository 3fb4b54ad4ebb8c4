package deployer

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/smithy-go"
	"github.com/cuemby/outpost/pkg/deployer/deployertest"
	"github.com/cuemby/outpost/pkg/keys"
	"github.com/cuemby/outpost/pkg/template"
	"github.com/cuemby/outpost/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDeployer(cfn CloudFormationAPI, r53 Route53API) *Deployer {
	return New(cfn, r53, Config{
		Region:          "us-east-2",
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		PollInterval:    time.Millisecond,
	})
}

func testTemplate(t *testing.T, mappings ...types.PortMapping) *template.Template {
	t.Helper()
	pair, err := keys.NewManager().GeneratePair()
	require.NoError(t, err)

	exp := &types.Exposure{Domain: "a.example", OriginAddress: "web:8080", Provider: types.ProviderAWS, PortMappings: mappings}
	tpl, err := template.NewBuilder().Render(exp, pair, template.Params{
		StackName:         types.StackName("a.example"),
		Region:            "us-east-2",
		HostedZoneID:      "Z123",
		InstanceType:      "t4g.nano",
		OriginPublicIP:    "198.51.100.7",
		RelayTunnelIP:     netip.MustParseAddr("172.17.0.1"),
		OriginTunnelIP:    netip.MustParseAddr("172.17.0.2"),
		Owner:             "198.51.100.7",
		AgentURL:          "https://downloads.example/outpost",
		WatchdogInterval:  5 * time.Second,
		WatchdogThreshold: 60,
	})
	require.NoError(t, err)
	return tpl
}

func TestCreate_SubmitsStack(t *testing.T) {
	cfn := deployertest.NewCloudFormation()
	d := testDeployer(cfn, nil)

	h, err := d.Create(context.Background(), "outpost-a-example", testTemplate(t))
	require.NoError(t, err)

	assert.Equal(t, "outpost-a-example", h.StackName)
	assert.NotEmpty(t, h.StackID)
	assert.Equal(t, 1, cfn.Creates)

	st, err := d.Poll(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, types.StackStateCreating, st.State)
	assert.True(t, st.InProgress)
	assert.Equal(t, "true", st.Tags[template.TagManaged])
}

func TestCreate_AlreadyExists(t *testing.T) {
	cfn := deployertest.NewCloudFormation()
	d := testDeployer(cfn, nil)
	ctx := context.Background()

	_, err := d.Create(ctx, "outpost-a-example", testTemplate(t))
	require.NoError(t, err)

	_, err = d.Create(ctx, "outpost-a-example", testTemplate(t))
	assert.ErrorIs(t, err, ErrAlreadyExists)
	assert.Equal(t, 1, cfn.LiveStacks())
}

func TestCreate_RetriesTransient(t *testing.T) {
	cfn := deployertest.NewCloudFormation()
	cfn.FailNext("CreateStack", deployertest.APIError("Throttling", "Rate exceeded"))
	cfn.FailNext("CreateStack", deployertest.APIError("RequestLimitExceeded", "slow down"))
	d := testDeployer(cfn, nil)

	_, err := d.Create(context.Background(), "outpost-a-example", testTemplate(t))
	require.NoError(t, err)
	assert.Equal(t, 1, cfn.Creates)
}

func TestCreate_PermanentNotRetried(t *testing.T) {
	cfn := deployertest.NewCloudFormation()
	cfn.FailNext("CreateStack", deployertest.APIError("InsufficientCapabilitiesException", "Requires capabilities"))
	d := testDeployer(cfn, nil)

	_, err := d.Create(context.Background(), "outpost-a-example", testTemplate(t))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 0, cfn.Creates)
}

func TestCreate_TransientExhausted(t *testing.T) {
	cfn := deployertest.NewCloudFormation()
	for i := 0; i < 3; i++ {
		cfn.FailNext("CreateStack", deployertest.APIError("Throttling", "Rate exceeded"))
	}
	d := testDeployer(cfn, nil)

	_, err := d.Create(context.Background(), "outpost-a-example", testTemplate(t))
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
	assert.Equal(t, 0, cfn.Creates)
}

func TestPoll_Statuses(t *testing.T) {
	tests := []struct {
		status     cfntypes.StackStatus
		wantState  types.StackState
		inProgress bool
	}{
		{cfntypes.StackStatusCreateInProgress, types.StackStateCreating, true},
		{cfntypes.StackStatusCreateComplete, types.StackStateReady, false},
		{cfntypes.StackStatusUpdateInProgress, types.StackStateReady, true},
		{cfntypes.StackStatusUpdateComplete, types.StackStateReady, false},
		{cfntypes.StackStatusCreateFailed, types.StackStateFailed, false},
		{cfntypes.StackStatusRollbackComplete, types.StackStateFailed, false},
		{cfntypes.StackStatusDeleteInProgress, types.StackStateDestroying, true},
		{cfntypes.StackStatusDeleteFailed, types.StackStateFailed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			cfn := deployertest.NewCloudFormation()
			d := testDeployer(cfn, nil)

			h, err := d.Create(context.Background(), "outpost-a-example", testTemplate(t))
			require.NoError(t, err)
			cfn.SetStatus("outpost-a-example", tt.status)

			st, err := d.Poll(context.Background(), h)
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, st.State)
			assert.Equal(t, tt.inProgress, st.InProgress)
		})
	}
}

func TestPoll_TransientErrorIsNotDestroyed(t *testing.T) {
	cfn := deployertest.NewCloudFormation()
	d := testDeployer(cfn, nil)

	h, err := d.Create(context.Background(), "outpost-a-example", testTemplate(t))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		cfn.FailNext("DescribeStacks", deployertest.APIError("Throttling", "Rate exceeded"))
	}

	st, err := d.Poll(context.Background(), h)
	assert.Nil(t, st)
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestPoll_UnknownStackIsDestroyed(t *testing.T) {
	d := testDeployer(deployertest.NewCloudFormation(), nil)

	st, err := d.Poll(context.Background(), &Handle{StackName: "outpost-nothing"})
	require.NoError(t, err)
	assert.Equal(t, types.StackStateDestroyed, st.State)
}

func TestPoll_Outputs(t *testing.T) {
	cfn := deployertest.NewCloudFormation()
	d := testDeployer(cfn, nil)

	h, err := d.Create(context.Background(), "outpost-a-example", testTemplate(t))
	require.NoError(t, err)
	cfn.Complete("outpost-a-example")

	st, err := d.Poll(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.10", st.PublicEndpoint())
}

func TestDelete_Idempotent(t *testing.T) {
	cfn := deployertest.NewCloudFormation()
	d := testDeployer(cfn, nil)
	ctx := context.Background()

	h, err := d.Create(ctx, "outpost-a-example", testTemplate(t))
	require.NoError(t, err)
	cfn.Complete("outpost-a-example")

	require.NoError(t, d.Delete(ctx, h))
	require.NoError(t, d.Delete(ctx, h))

	cfn.Complete("outpost-a-example")
	require.NoError(t, d.WaitDeleted(ctx, h))

	st, err := d.Poll(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, types.StackStateDestroyed, st.State)

	// and once more after it is gone
	require.NoError(t, d.Delete(ctx, h))
	assert.Equal(t, 0, cfn.LiveStacks())
}

func TestDelete_UnknownStack(t *testing.T) {
	cfn := deployertest.NewCloudFormation()
	cfn.FailNext("DeleteStack", deployertest.APIError("ValidationError", "Stack with id outpost-x does not exist"))
	d := testDeployer(cfn, nil)

	assert.NoError(t, d.Delete(context.Background(), &Handle{StackName: "outpost-x"}))
}

func TestUpdate_NoChangesIsSuccess(t *testing.T) {
	cfn := deployertest.NewCloudFormation()
	d := testDeployer(cfn, nil)
	ctx := context.Background()

	tpl := testTemplate(t)
	h, err := d.Create(ctx, "outpost-a-example", tpl)
	require.NoError(t, err)
	cfn.Complete("outpost-a-example")

	require.NoError(t, d.Update(ctx, h, tpl))
	assert.Equal(t, 0, cfn.Updates)
}

func TestUpdate_WaitUpdated(t *testing.T) {
	cfn := deployertest.NewCloudFormation()
	d := testDeployer(cfn, nil)
	ctx := context.Background()

	h, err := d.Create(ctx, "outpost-a-example", testTemplate(t))
	require.NoError(t, err)
	cfn.Complete("outpost-a-example")

	next := testTemplate(t, types.PortMapping{ExternalPort: 443, InternalPort: 8443, Protocol: types.ProtocolTCP})
	require.NoError(t, d.Update(ctx, h, next))
	assert.Equal(t, 1, cfn.Updates)

	// the new keys come with a new wait condition
	assert.Equal(t, 1, cfn.Signal("outpost-a-example", true, "relay configured", "i-1", "203.0.113.10"))
	cfn.AutoComplete = true
	st, err := d.WaitUpdated(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, types.StackStateReady, st.State)
	assert.Equal(t, 1, cfn.Creates)
	assert.Equal(t, 0, cfn.Deletes)
}

func TestWaitUpdated_RolledBack(t *testing.T) {
	cfn := deployertest.NewCloudFormation()
	d := testDeployer(cfn, nil)
	ctx := context.Background()

	h, err := d.Create(ctx, "outpost-a-example", testTemplate(t))
	require.NoError(t, err)
	cfn.SetStatus("outpost-a-example", cfntypes.StackStatusUpdateRollbackComplete)

	_, err = d.WaitUpdated(ctx, h)
	assert.ErrorIs(t, err, ErrStackFailed)
	assert.True(t, IsPermanent(err))
}

func TestWaitReady(t *testing.T) {
	cfn := deployertest.NewCloudFormation()
	cfn.AutoComplete = true
	d := testDeployer(cfn, nil)
	ctx := context.Background()

	h, err := d.Create(ctx, "outpost-a-example", testTemplate(t))
	require.NoError(t, err)
	cfn.Signal("outpost-a-example", true, "relay configured", "i-0123456789abcdef0", "203.0.113.10")

	st, err := d.WaitReady(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, types.StackStateReady, st.State)
	assert.JSONEq(t, `{"i-0123456789abcdef0":"203.0.113.10"}`, st.Outputs[template.OutputReadyData])
}

func TestWaitReady_CreateFailedAndRolledBack(t *testing.T) {
	cfn := deployertest.NewCloudFormation()
	d := testDeployer(cfn, nil)
	ctx := context.Background()

	h, err := d.Create(ctx, "outpost-a-example", testTemplate(t))
	require.NoError(t, err)

	// OnFailure=DELETE removes a failed stack
	cfn.SetStatus("outpost-a-example", cfntypes.StackStatusDeleteInProgress)

	_, err = d.WaitReady(ctx, h)
	assert.ErrorIs(t, err, ErrStackFailed)
}

func TestWaitReady_ContextCancelled(t *testing.T) {
	cfn := deployertest.NewCloudFormation()
	d := testDeployer(cfn, nil)

	h, err := d.Create(context.Background(), "outpost-a-example", testTemplate(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = d.WaitReady(ctx, h)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFind(t *testing.T) {
	cfn := deployertest.NewCloudFormation()
	d := testDeployer(cfn, nil)
	ctx := context.Background()

	_, _, err := d.Find(ctx, "outpost-a-example")
	assert.ErrorIs(t, err, ErrNotFound)

	created, err := d.Create(ctx, "outpost-a-example", testTemplate(t))
	require.NoError(t, err)

	h, st, err := d.Find(ctx, "outpost-a-example")
	require.NoError(t, err)
	assert.Equal(t, created.StackID, h.StackID)
	assert.Equal(t, types.StackStateCreating, st.State)

	cfn.Vanish("outpost-a-example")
	_, _, err = d.Find(ctx, "outpost-a-example")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListManaged(t *testing.T) {
	cfn := deployertest.NewCloudFormation()
	d := testDeployer(cfn, nil)
	ctx := context.Background()

	_, err := d.Create(ctx, "outpost-a-example", testTemplate(t))
	require.NoError(t, err)
	_, err = d.Create(ctx, "outpost-b-example", testTemplate(t))
	require.NoError(t, err)
	cfn.Vanish("outpost-b-example")

	stacks, err := d.ListManaged(ctx)
	require.NoError(t, err)
	require.Len(t, stacks, 1)
	assert.Equal(t, "outpost-a-example", stacks[0].StackName)
	assert.Equal(t, "a.example", stacks[0].Domain)
	assert.Equal(t, "198.51.100.7", stacks[0].Owner)
}

func TestCreate_PassesServiceRole(t *testing.T) {
	cfn := deployertest.NewCloudFormation()
	d := testDeployer(cfn, nil)
	d.SetServiceRole("arn:aws:iam::123456789012:role/outpost-service-role-ServiceRole-1")
	ctx := context.Background()

	h, err := d.Create(ctx, "outpost-a-example", testTemplate(t))
	require.NoError(t, err)
	st, ok := cfn.Stack("outpost-a-example")
	require.True(t, ok)
	assert.Equal(t, d.ServiceRole(), st.RoleARN)

	cfn.Complete("outpost-a-example")
	require.NoError(t, d.Update(ctx, h, testTemplate(t)))
	st, _ = cfn.Stack("outpost-a-example")
	assert.Equal(t, d.ServiceRole(), st.RoleARN)
}

func TestEnsureServiceRole(t *testing.T) {
	cfn := deployertest.NewCloudFormation()
	cfn.AutoComplete = true
	d := testDeployer(cfn, nil)
	d.SetServiceRole("arn:aws:iam::123456789012:role/stale")
	ctx := context.Background()

	// the bootstrap stack cannot be created as the role it defines
	_, err := d.EnsureServiceRole(ctx)
	require.Error(t, err, "the fake publishes no RoleArn output")

	st, ok := cfn.Stack(template.ServiceRoleStackName)
	require.True(t, ok)
	assert.Empty(t, st.RoleARN)
	assert.Contains(t, st.Template, "cloudformation.amazonaws.com")

	// a second call updates the same stack in place
	cfn.SetOutput(template.ServiceRoleStackName, template.OutputRoleARN, "arn:aws:iam::123456789012:role/outpost-service-role-ServiceRole-1")
	arn, err := d.EnsureServiceRole(ctx)
	require.NoError(t, err)
	assert.Equal(t, "arn:aws:iam::123456789012:role/outpost-service-role-ServiceRole-1", arn)
	assert.Equal(t, 1, cfn.Creates)

	// never swept as a relay stack
	stacks, err := d.ListManaged(ctx)
	require.NoError(t, err)
	assert.Empty(t, stacks)
}

func TestResource(t *testing.T) {
	cfn := deployertest.NewCloudFormation()
	d := testDeployer(cfn, nil)
	ctx := context.Background()

	tpl := testTemplate(t)
	h, err := d.Create(ctx, "outpost-a-example", tpl)
	require.NoError(t, err)

	rs, err := d.Resource(ctx, h, tpl.ReadyCondition)
	require.NoError(t, err)
	assert.Equal(t, string(cfntypes.ResourceStatusCreateInProgress), rs.Status)

	cfn.Signal("outpost-a-example", false, "wireguard interface is down", "i-1", "")
	rs, err = d.Resource(ctx, h, tpl.ReadyCondition)
	require.NoError(t, err)
	assert.Equal(t, string(cfntypes.ResourceStatusCreateFailed), rs.Status)
	assert.Contains(t, rs.Reason, "wireguard interface is down")

	_, err = d.Resource(ctx, h, "ReadyConditionffffffff")
	assert.ErrorIs(t, err, ErrNotFound)

	cfn.Vanish("outpost-a-example")
	_, err = d.Resource(ctx, &Handle{StackName: "outpost-a-example"}, tpl.ReadyCondition)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResource_TransientRetried(t *testing.T) {
	cfn := deployertest.NewCloudFormation()
	d := testDeployer(cfn, nil)
	ctx := context.Background()

	tpl := testTemplate(t)
	h, err := d.Create(ctx, "outpost-a-example", tpl)
	require.NoError(t, err)

	cfn.FailNext("DescribeStackResource", deployertest.APIError("Throttling", "Rate exceeded"))
	rs, err := d.Resource(ctx, h, tpl.ReadyCondition)
	require.NoError(t, err)
	assert.Equal(t, tpl.ReadyCondition, rs.LogicalID)
}

func TestValidateZone(t *testing.T) {
	r53 := &deployertest.Route53{ZoneID: "Z123", Name: "example.com.", NameServers: []string{"ns-1.awsdns-00.org"}}
	d := testDeployer(deployertest.NewCloudFormation(), r53)
	ctx := context.Background()

	tests := []struct {
		name    string
		zone    string
		domain  string
		wantErr bool
	}{
		{name: "apex", zone: "Z123", domain: "example.com"},
		{name: "subdomain", zone: "Z123", domain: "app.example.com"},
		{name: "prefixed zone id", zone: "/hostedzone/Z123", domain: "app.example.com."},
		{name: "other domain", zone: "Z123", domain: "app.example.org", wantErr: true},
		{name: "suffix but not subdomain", zone: "Z123", domain: "badexample.com", wantErr: true},
		{name: "unknown zone", zone: "Z999", domain: "app.example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			zone, err := d.ValidateZone(ctx, tt.zone, tt.domain)
			if tt.wantErr {
				assert.Error(t, err)
				assert.True(t, IsPermanent(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "example.com", zone.Name)
			assert.Equal(t, []string{"ns-1.awsdns-00.org"}, zone.NameServers)
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "throttling", err: deployertest.APIError("Throttling", "Rate exceeded"), want: Transient},
		{name: "server fault", err: &smithy.GenericAPIError{Code: "Whatever", Fault: smithy.FaultServer}, want: Transient},
		{name: "validation", err: deployertest.APIError("ValidationError", "Template format error"), want: Permanent},
		{name: "limit", err: deployertest.APIError("LimitExceededException", "too many stacks"), want: Permanent},
		{name: "access denied", err: deployertest.APIError("AccessDenied", "not authorized"), want: Permanent},
		{name: "network", err: timeoutErr{}, want: Transient},
		{name: "connection reset", err: errors.New("read tcp: connection reset by peer"), want: Transient},
		{name: "unknown", err: errors.New("boom"), want: Permanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			perr := Classify("Op", tt.err)
			require.NotNil(t, perr)
			assert.Equal(t, tt.want, perr.Kind)
			assert.ErrorIs(t, perr, tt.err)
		})
	}

	assert.Nil(t, Classify("Op", nil))
}
