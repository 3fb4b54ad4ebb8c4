package deployer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/cenkalti/backoff/v4"
	"github.com/cuemby/outpost/pkg/log"
	"github.com/cuemby/outpost/pkg/metrics"
	"github.com/cuemby/outpost/pkg/template"
	"github.com/cuemby/outpost/pkg/types"
	"github.com/rs/zerolog"
)

// CloudFormationAPI is the subset of the CloudFormation client the deployer uses
type CloudFormationAPI interface {
	CreateStack(ctx context.Context, in *cloudformation.CreateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error)
	UpdateStack(ctx context.Context, in *cloudformation.UpdateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.UpdateStackOutput, error)
	DeleteStack(ctx context.Context, in *cloudformation.DeleteStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error)
	DescribeStacks(ctx context.Context, in *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
	DescribeStackEvents(ctx context.Context, in *cloudformation.DescribeStackEventsInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStackEventsOutput, error)
	DescribeStackResource(ctx context.Context, in *cloudformation.DescribeStackResourceInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStackResourceOutput, error)
}

// Route53API is the subset of the Route53 client the deployer uses
type Route53API interface {
	GetHostedZone(ctx context.Context, in *route53.GetHostedZoneInput, optFns ...func(*route53.Options)) (*route53.GetHostedZoneOutput, error)
}

// Config tunes retries and polling
type Config struct {
	Region          string
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	PollInterval    time.Duration

	// ServiceRoleARN is passed on every create and update so CloudFormation,
	// not the caller, holds the permissions the stack needs
	ServiceRoleARN string
}

// DefaultConfig returns the defaults used when the config file is silent
func DefaultConfig() Config {
	return Config{
		Region:          "us-east-2",
		MaxAttempts:     5,
		InitialInterval: 2 * time.Second,
		MaxInterval:     30 * time.Second,
		PollInterval:    5 * time.Second,
	}
}

// Handle identifies one submitted stack
type Handle struct {
	StackName string
	StackID   string
	Region    string
}

// ref prefers the stack ID so a handle never addresses a newer stack that
// reuses the name
func (h *Handle) ref() string {
	if h.StackID != "" {
		return h.StackID
	}
	return h.StackName
}

// ManagedStack is a stack found by ListManaged
type ManagedStack struct {
	Handle
	Domain string
	Owner  string
	Status *Status
}

// Deployer drives CloudFormation stacks
type Deployer struct {
	cfn    CloudFormationAPI
	r53    Route53API
	cfg    Config
	logger zerolog.Logger
}

// New creates a deployer over the given clients. r53 may be nil when zone
// validation is not needed.
func New(cfn CloudFormationAPI, r53 Route53API, cfg Config) *Deployer {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}

	return &Deployer{
		cfn:    cfn,
		r53:    r53,
		cfg:    cfg,
		logger: log.WithComponent("deployer"),
	}
}

// NewFromAWS loads the default AWS credential chain for cfg.Region
func NewFromAWS(ctx context.Context, cfg Config) (*Deployer, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return New(cloudformation.NewFromConfig(awsCfg), route53.NewFromConfig(awsCfg), cfg), nil
}

// Region returns the region stacks are created in
func (d *Deployer) Region() string {
	return d.cfg.Region
}

// PollInterval returns the configured polling interval
func (d *Deployer) PollInterval() time.Duration {
	return d.cfg.PollInterval
}

// Zone is a Route53 hosted zone
type Zone struct {
	ID          string
	Name        string
	NameServers []string
}

// ValidateZone checks that domain equals, or is a subdomain of, the hosted
// zone and returns the zone
func (d *Deployer) ValidateZone(ctx context.Context, zoneID, domain string) (*Zone, error) {
	if d.r53 == nil {
		return nil, errors.New("route53 client not configured")
	}

	id := strings.TrimPrefix(zoneID, "/hostedzone/")
	var out *route53.GetHostedZoneOutput
	err := d.retry(ctx, "GetHostedZone", func(ctx context.Context) error {
		var err error
		out, err = d.r53.GetHostedZone(ctx, &route53.GetHostedZoneInput{Id: aws.String(id)})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get hosted zone %s: %w", id, err)
	}
	if out.HostedZone == nil || out.HostedZone.Name == nil {
		return nil, &ProviderError{Op: "GetHostedZone", Kind: Permanent, Err: fmt.Errorf("hosted zone %s has no name", id)}
	}

	zone := strings.TrimSuffix(strings.ToLower(*out.HostedZone.Name), ".")
	host := strings.TrimSuffix(strings.ToLower(domain), ".")
	if host != zone && !strings.HasSuffix(host, "."+zone) {
		return nil, &ProviderError{
			Op:   "GetHostedZone",
			Kind: Permanent,
			Err:  fmt.Errorf("domain %s is not within hosted zone %s", host, zone),
		}
	}

	z := &Zone{ID: id, Name: zone}
	if out.DelegationSet != nil {
		z.NameServers = out.DelegationSet.NameServers
	}
	return z, nil
}

// ServiceRole returns the role ARN passed with creates and updates
func (d *Deployer) ServiceRole() string {
	return d.cfg.ServiceRoleARN
}

// SetServiceRole sets the role passed with later creates and updates. It must
// be called before the deployer is shared.
func (d *Deployer) SetServiceRole(arn string) {
	d.cfg.ServiceRoleARN = arn
}

// Create submits a new stack and returns without waiting for it
func (d *Deployer) Create(ctx context.Context, name string, tpl *template.Template) (*Handle, error) {
	return d.create(ctx, name, tpl, d.cfg.ServiceRoleARN)
}

func (d *Deployer) create(ctx context.Context, name string, tpl *template.Template, role string) (*Handle, error) {
	in := &cloudformation.CreateStackInput{
		StackName:    aws.String(name),
		TemplateBody: aws.String(string(tpl.Body)),
		Parameters:   parameters(tpl.Parameters),
		Capabilities: []cfntypes.Capability{cfntypes.CapabilityCapabilityIam},
		OnFailure:    cfntypes.OnFailureDelete,
		Tags:         tags(tpl.Tags),
	}
	if role != "" {
		in.RoleARN = aws.String(role)
	}

	var out *cloudformation.CreateStackOutput
	err := d.retry(ctx, "CreateStack", func(ctx context.Context) error {
		var err error
		out, err = d.cfn.CreateStack(ctx, in)
		if err != nil && isAlreadyExists(err) {
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrAlreadyExists, name))
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	h := &Handle{StackName: name, Region: d.cfg.Region}
	if out != nil && out.StackId != nil {
		h.StackID = *out.StackId
	}

	logger := log.WithStack(name, d.cfg.Region)
	logger.Info().Str("stack_id", h.StackID).Msg("Stack creation submitted")
	return h, nil
}

// Update replaces the stack template in place. An unchanged template is a
// successful no-op.
func (d *Deployer) Update(ctx context.Context, h *Handle, tpl *template.Template) error {
	return d.update(ctx, h, tpl, d.cfg.ServiceRoleARN)
}

func (d *Deployer) update(ctx context.Context, h *Handle, tpl *template.Template, role string) error {
	in := &cloudformation.UpdateStackInput{
		StackName:    aws.String(h.ref()),
		TemplateBody: aws.String(string(tpl.Body)),
		Parameters:   parameters(tpl.Parameters),
		Capabilities: []cfntypes.Capability{cfntypes.CapabilityCapabilityIam},
		Tags:         tags(tpl.Tags),
	}
	if role != "" {
		in.RoleARN = aws.String(role)
	}

	noop := false
	err := d.retry(ctx, "UpdateStack", func(ctx context.Context) error {
		_, err := d.cfn.UpdateStack(ctx, in)
		if err != nil && isNoUpdates(err) {
			noop = true
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}

	logger := log.WithStack(h.StackName, d.cfg.Region)
	if noop {
		logger.Debug().Msg("Stack already up to date")
	} else {
		logger.Info().Msg("Stack update submitted")
	}
	return nil
}

// Delete requests deletion. A stack that is absent or already deleting counts
// as success, so calling Delete twice is safe.
func (d *Deployer) Delete(ctx context.Context, h *Handle) error {
	err := d.retry(ctx, "DeleteStack", func(ctx context.Context) error {
		_, err := d.cfn.DeleteStack(ctx, &cloudformation.DeleteStackInput{StackName: aws.String(h.ref())})
		if err != nil && isNotExist(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}

	logger := log.WithStack(h.StackName, d.cfg.Region)
	logger.Info().Msg("Stack deletion requested")
	return nil
}

// Poll describes the stack once. A stack the provider no longer knows is
// reported as Destroyed; lookup failures are returned as errors and never
// mistaken for a deleted stack.
func (d *Deployer) Poll(ctx context.Context, h *Handle) (*Status, error) {
	var (
		out  *cloudformation.DescribeStacksOutput
		gone bool
	)
	err := d.retry(ctx, "DescribeStacks", func(ctx context.Context) error {
		var err error
		out, err = d.cfn.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{StackName: aws.String(h.ref())})
		if err != nil && isNotExist(err) {
			gone = true
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	if gone || out == nil || len(out.Stacks) == 0 {
		return destroyedStatus(), nil
	}

	st := newStatus(out.Stacks[0])
	if h.StackID == "" {
		h.StackID = st.StackID
	}
	return st, nil
}

// Find rediscovers a live stack by its deterministic name
func (d *Deployer) Find(ctx context.Context, name string) (*Handle, *Status, error) {
	h := &Handle{StackName: name, Region: d.cfg.Region}
	st, err := d.Poll(ctx, h)
	if err != nil {
		return nil, nil, err
	}
	if st.State == types.StackStateDestroyed {
		return nil, nil, ErrNotFound
	}
	return h, st, nil
}

// ListManaged returns every live stack tagged as managed by outpost
func (d *Deployer) ListManaged(ctx context.Context) ([]ManagedStack, error) {
	var stacks []ManagedStack

	p := cloudformation.NewDescribeStacksPaginator(d.cfn, &cloudformation.DescribeStacksInput{})
	for p.HasMorePages() {
		var page *cloudformation.DescribeStacksOutput
		err := d.retry(ctx, "DescribeStacks", func(ctx context.Context) error {
			var err error
			page, err = p.NextPage(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}

		for _, s := range page.Stacks {
			st := newStatus(s)
			if st.Tags[template.TagManaged] != "true" || s.StackStatus == cfntypes.StackStatusDeleteComplete {
				continue
			}
			stacks = append(stacks, ManagedStack{
				Handle: Handle{StackName: aws.ToString(s.StackName), StackID: st.StackID, Region: d.cfg.Region},
				Domain: st.Tags[template.TagDomain],
				Owner:  st.Tags[template.TagOwner],
				Status: st,
			})
		}
	}
	return stacks, nil
}

// ResourceStatus is one observation of a stack resource
type ResourceStatus struct {
	LogicalID string
	Status    string
	Reason    string
}

// Resource describes one resource of the stack. ErrNotFound means the
// resource, or the whole stack, does not exist.
func (d *Deployer) Resource(ctx context.Context, h *Handle, logicalID string) (*ResourceStatus, error) {
	var out *cloudformation.DescribeStackResourceOutput
	err := d.retry(ctx, "DescribeStackResource", func(ctx context.Context) error {
		var err error
		out, err = d.cfn.DescribeStackResource(ctx, &cloudformation.DescribeStackResourceInput{
			StackName:         aws.String(h.ref()),
			LogicalResourceId: aws.String(logicalID),
		})
		if err != nil && isNotExist(err) {
			return backoff.Permanent(fmt.Errorf("%w: %s in %s", ErrNotFound, logicalID, h.StackName))
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil || out.StackResourceDetail == nil {
		return nil, fmt.Errorf("%w: %s in %s", ErrNotFound, logicalID, h.StackName)
	}

	return &ResourceStatus{
		LogicalID: logicalID,
		Status:    string(out.StackResourceDetail.ResourceStatus),
		Reason:    aws.ToString(out.StackResourceDetail.ResourceStatusReason),
	}, nil
}

// EnsureServiceRole creates or updates the service role stack and returns the
// role's ARN. The stack itself is submitted with the caller's credentials.
func (d *Deployer) EnsureServiceRole(ctx context.Context) (string, error) {
	tpl, err := template.ServiceRole()
	if err != nil {
		return "", err
	}

	h, st, err := d.Find(ctx, template.ServiceRoleStackName)
	if err == nil && st.State == types.StackStateFailed && !st.InProgress {
		d.logger.Warn().Str("status", st.StackStatus).Msg("Replacing failed service role stack")
		if err = d.Delete(ctx, h); err == nil {
			err = d.WaitDeleted(ctx, h)
		}
		if err != nil {
			return "", err
		}
		err = ErrNotFound
	}

	switch {
	case errors.Is(err, ErrNotFound):
		if h, err = d.create(ctx, template.ServiceRoleStackName, tpl, ""); err != nil {
			return "", err
		}
		st, err = d.WaitReady(ctx, h)
	case err != nil:
		return "", err
	default:
		if st.InProgress {
			if st, err = d.WaitReady(ctx, h); err != nil {
				return "", err
			}
		}
		if err = d.update(ctx, h, tpl, ""); err != nil {
			return "", err
		}
		st, err = d.WaitUpdated(ctx, h)
	}
	if err != nil {
		return "", fmt.Errorf("service role stack: %w", err)
	}

	arn := st.Outputs[template.OutputRoleARN]
	if arn == "" {
		return "", fmt.Errorf("service role stack %s has no %s output", template.ServiceRoleStackName, template.OutputRoleARN)
	}
	d.logger.Info().Str("role_arn", arn).Msg("Using CloudFormation service role")
	return arn, nil
}

// WaitReady polls until the stack is Ready with nothing in progress. A stack
// that fails or disappears first yields ErrStackFailed.
func (d *Deployer) WaitReady(ctx context.Context, h *Handle) (*Status, error) {
	return d.waitFor(ctx, h, readyOrFailed)
}

// WaitUpdated is WaitReady that also treats a rolled back update as failure
func (d *Deployer) WaitUpdated(ctx context.Context, h *Handle) (*Status, error) {
	return d.waitFor(ctx, h, func(st *Status) (bool, error) {
		done, err := readyOrFailed(st)
		if done && st.StackStatus == string(cfntypes.StackStatusUpdateRollbackComplete) {
			return true, fmt.Errorf("%w: update rolled back: %s", ErrStackFailed, st.Reason)
		}
		return done, err
	})
}

// WaitDeleted polls until the stack is Destroyed
func (d *Deployer) WaitDeleted(ctx context.Context, h *Handle) error {
	_, err := d.waitFor(ctx, h, func(st *Status) (bool, error) {
		if st.StackStatus == string(cfntypes.StackStatusDeleteFailed) {
			return true, fmt.Errorf("%w: %s %s", ErrStackFailed, st.StackStatus, st.Reason)
		}
		return st.State == types.StackStateDestroyed, nil
	})
	return err
}

// LatestEvent returns the newest stack event as a one-line summary. It is used
// for progress logging only and never retried.
func (d *Deployer) LatestEvent(ctx context.Context, h *Handle) string {
	out, err := d.cfn.DescribeStackEvents(ctx, &cloudformation.DescribeStackEventsInput{StackName: aws.String(h.ref())})
	if err != nil || out == nil || len(out.StackEvents) == 0 {
		return ""
	}
	ev := out.StackEvents[0]
	msg := fmt.Sprintf("%s: %s", aws.ToString(ev.LogicalResourceId), ev.ResourceStatus)
	if reason := aws.ToString(ev.ResourceStatusReason); reason != "" {
		msg += " - " + reason
	}
	return msg
}

func (d *Deployer) waitFor(ctx context.Context, h *Handle, done func(*Status) (bool, error)) (*Status, error) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	logger := log.WithStack(h.StackName, d.cfg.Region)
	for {
		st, err := d.Poll(ctx, h)
		switch {
		case err != nil && (IsPermanent(err) || ctx.Err() != nil):
			return nil, err
		case err != nil:
			logger.Warn().Err(err).Msg("Stack lookup failed, will retry")
		default:
			ok, derr := done(st)
			if derr != nil {
				return st, derr
			}
			if ok {
				return st, nil
			}
			if ev := d.LatestEvent(ctx, h); ev != "" {
				logger.Debug().Str("status", st.StackStatus).Str("event", ev).Msg("Waiting for stack")
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Deployer) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.InitialInterval
	b.MaxInterval = d.cfg.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(d.cfg.MaxAttempts-1))
}

// retry runs fn with bounded exponential backoff. Transient failures are
// retried; permanent ones return at once.
func (d *Deployer) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StackOperationDuration, op)

	err := backoff.RetryNotify(func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return err
		}
		perr := Classify(op, err)
		if perr.Kind == Permanent {
			return backoff.Permanent(perr)
		}
		return perr
	}, backoff.WithContext(d.newBackOff(), ctx), func(err error, wait time.Duration) {
		d.logger.Warn().Err(err).Str("operation", op).Dur("retry_in", wait).Msg("Transient provider error")
	})

	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.StackOperationsTotal.WithLabelValues(op, result).Inc()
	return err
}

func parameters(in map[string]string) []cfntypes.Parameter {
	out := make([]cfntypes.Parameter, 0, len(in))
	for _, k := range sortedKeys(in) {
		out = append(out, cfntypes.Parameter{ParameterKey: aws.String(k), ParameterValue: aws.String(in[k])})
	}
	return out
}

func tags(in map[string]string) []cfntypes.Tag {
	out := make([]cfntypes.Tag, 0, len(in))
	for _, k := range sortedKeys(in) {
		out = append(out, cfntypes.Tag{Key: aws.String(k), Value: aws.String(in[k])})
	}
	return out
}
