// Package deployertest provides in-memory CloudFormation and Route53 fakes.
package deployertest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/aws/smithy-go"
)

// Stack is the fake's record of one stack
type Stack struct {
	ID       string
	Name     string
	Status   cfntypes.StackStatus
	Reason   string
	Template string
	RoleARN  string
	Tags     []cfntypes.Tag
	Outputs  map[string]string

	// Conditions holds the wait conditions of the current template
	Conditions map[string]*Condition
}

// Condition is a wait condition and the signal it received
type Condition struct {
	Status   cfntypes.ResourceStatus
	Reason   string
	UniqueID string
	Data     string
}

// waiting reports whether a wait condition still holds a create or update back
func (s *Stack) waiting() bool {
	if s.Status == cfntypes.StackStatusDeleteInProgress {
		return false
	}
	for _, c := range s.Conditions {
		if c.Status == cfntypes.ResourceStatusCreateInProgress {
			return true
		}
	}
	return false
}

// CloudFormation is a goroutine-safe in-memory CloudFormation. Stacks start in
// CREATE_IN_PROGRESS and only move on when the test says so, unless AutoComplete
// is set.
type CloudFormation struct {
	mu     sync.Mutex
	stacks []*Stack
	seq    int
	errs   map[string][]error

	// AutoComplete finishes creates and updates on the next describe
	AutoComplete bool
	// PublicIP is published as the ProxyPublicIP output on completion
	PublicIP string

	Creates int
	Updates int
	Deletes int
}

// NewCloudFormation creates an empty fake
func NewCloudFormation() *CloudFormation {
	return &CloudFormation{
		errs:     make(map[string][]error),
		PublicIP: "203.0.113.10",
	}
}

// APIError builds an error shaped like the SDK's
func APIError(code, message string) error {
	return &smithy.GenericAPIError{Code: code, Message: message, Fault: smithy.FaultClient}
}

// FailNext queues err as the result of the next call to op
func (f *CloudFormation) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op] = append(f.errs[op], err)
}

func (f *CloudFormation) popErr(op string) error {
	q := f.errs[op]
	if len(q) == 0 {
		return nil
	}
	f.errs[op] = q[1:]
	return q[0]
}

// live returns the current non-deleted stack with the given name or id
func (f *CloudFormation) live(ref string) *Stack {
	for i := len(f.stacks) - 1; i >= 0; i-- {
		s := f.stacks[i]
		if s.ID == ref {
			return s
		}
		if s.Name == ref && s.Status != cfntypes.StackStatusDeleteComplete {
			return s
		}
	}
	return nil
}

// Stack returns a copy of the live stack named name
func (f *CloudFormation) Stack(name string) (Stack, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.live(name)
	if s == nil {
		return Stack{}, false
	}
	return *s, true
}

// LiveStacks counts stacks that are not DELETE_COMPLETE
func (f *CloudFormation) LiveStacks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.stacks {
		if s.Status != cfntypes.StackStatusDeleteComplete {
			n++
		}
	}
	return n
}

// SetStatus forces the status of the live stack named name
func (f *CloudFormation) SetStatus(name string, status cfntypes.StackStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s := f.live(name); s != nil {
		s.Status = status
		f.fillOutputs(s)
	}
}

// Complete moves an in-progress create or update to its complete status
func (f *CloudFormation) Complete(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s := f.live(name); s != nil {
		f.complete(s)
	}
}

// SetOutput publishes an extra output on the live stack named name
func (f *CloudFormation) SetOutput(name, key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s := f.live(name); s != nil {
		if s.Outputs == nil {
			s.Outputs = map[string]string{}
		}
		s.Outputs[key] = value
	}
}

// Vanish deletes a stack out of band, as the relay's self-destruct does
func (f *CloudFormation) Vanish(name string) {
	f.SetStatus(name, cfntypes.StackStatusDeleteComplete)
}

func (f *CloudFormation) complete(s *Stack) {
	switch s.Status {
	case cfntypes.StackStatusCreateInProgress:
		s.Status = cfntypes.StackStatusCreateComplete
	case cfntypes.StackStatusUpdateInProgress:
		s.Status = cfntypes.StackStatusUpdateComplete
	case cfntypes.StackStatusDeleteInProgress:
		s.Status = cfntypes.StackStatusDeleteComplete
	}
	f.fillOutputs(s)
}

func (f *CloudFormation) fillOutputs(s *Stack) {
	if s.Outputs == nil {
		s.Outputs = map[string]string{}
	}
	if s.Status == cfntypes.StackStatusCreateComplete || s.Status == cfntypes.StackStatusUpdateComplete {
		s.Outputs["ProxyPublicIP"] = f.PublicIP
		s.Outputs["DNSName"] = s.Name
		s.Outputs["InstanceId"] = "i-0123456789abcdef0"
		for _, c := range s.Conditions {
			if c.UniqueID != "" {
				data, _ := json.Marshal(map[string]string{c.UniqueID: c.Data})
				s.Outputs["ReadyData"] = string(data)
			}
		}
	}
}

// conditions reads the wait conditions declared in body. Conditions the stack
// already has keep their state, as CloudFormation never recreates them.
func conditions(body string, prev map[string]*Condition) map[string]*Condition {
	var doc struct {
		Resources map[string]struct {
			Type string `json:"Type"`
		} `json:"Resources"`
	}
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil
	}

	out := map[string]*Condition{}
	for id, r := range doc.Resources {
		if r.Type != "AWS::CloudFormation::WaitCondition" {
			continue
		}
		if c, ok := prev[id]; ok {
			out[id] = c
			continue
		}
		out[id] = &Condition{Status: cfntypes.ResourceStatusCreateInProgress}
	}
	return out
}

// Signal answers every pending wait condition of the live stack named name,
// the way the relay's curl to the handle URL does. It returns the number of
// conditions signalled.
func (f *CloudFormation) Signal(name string, success bool, reason, uniqueID, data string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := f.live(name)
	if s == nil {
		return 0
	}
	n := 0
	for _, id := range sortedIDs(s.Conditions) {
		c := s.Conditions[id]
		if c.Status != cfntypes.ResourceStatusCreateInProgress {
			continue
		}
		n++
		if !success {
			c.Status = cfntypes.ResourceStatusCreateFailed
			c.Reason = fmt.Sprintf("WaitCondition received failed message: '%s' for uniqueId: %s", reason, uniqueID)
			s.Status = cfntypes.StackStatusRollbackInProgress
			continue
		}
		c.Status = cfntypes.ResourceStatusCreateComplete
		c.UniqueID = uniqueID
		c.Data = data
	}
	return n
}

// TimeOutConditions fails every pending wait condition of the stack the way
// CloudFormation does once the condition's Timeout passes
func (f *CloudFormation) TimeOutConditions(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if s := f.live(name); s != nil {
		for _, c := range s.Conditions {
			if c.Status == cfntypes.ResourceStatusCreateInProgress {
				c.Status = cfntypes.ResourceStatusCreateFailed
				c.Reason = "WaitCondition timed out. Received 0 conditions when expecting 1"
				s.Status = cfntypes.StackStatusRollbackInProgress
			}
		}
	}
}

func sortedIDs(m map[string]*Condition) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (f *CloudFormation) CreateStack(ctx context.Context, in *cloudformation.CreateStackInput, _ ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.popErr("CreateStack"); err != nil {
		return nil, err
	}

	name := aws.ToString(in.StackName)
	if f.live(name) != nil {
		return nil, APIError("AlreadyExistsException", fmt.Sprintf("Stack [%s] already exists", name))
	}

	f.seq++
	f.Creates++
	s := &Stack{
		ID:       fmt.Sprintf("arn:aws:cloudformation:us-east-2:123456789012:stack/%s/%d", name, f.seq),
		Name:     name,
		Status:   cfntypes.StackStatusCreateInProgress,
		Template: aws.ToString(in.TemplateBody),
		RoleARN:  aws.ToString(in.RoleARN),
		Tags:     in.Tags,
	}
	s.Conditions = conditions(s.Template, nil)
	f.stacks = append(f.stacks, s)
	return &cloudformation.CreateStackOutput{StackId: aws.String(s.ID)}, nil
}

func (f *CloudFormation) UpdateStack(ctx context.Context, in *cloudformation.UpdateStackInput, _ ...func(*cloudformation.Options)) (*cloudformation.UpdateStackOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.popErr("UpdateStack"); err != nil {
		return nil, err
	}

	ref := aws.ToString(in.StackName)
	s := f.live(ref)
	if s == nil || s.Status == cfntypes.StackStatusDeleteComplete {
		return nil, APIError("ValidationError", fmt.Sprintf("Stack with id %s does not exist", ref))
	}
	if s.Template == aws.ToString(in.TemplateBody) {
		return nil, APIError("ValidationError", "No updates are to be performed.")
	}

	f.Updates++
	s.Template = aws.ToString(in.TemplateBody)
	s.RoleARN = aws.ToString(in.RoleARN)
	s.Conditions = conditions(s.Template, s.Conditions)
	if len(in.Tags) > 0 {
		s.Tags = in.Tags
	}
	s.Status = cfntypes.StackStatusUpdateInProgress
	return &cloudformation.UpdateStackOutput{StackId: aws.String(s.ID)}, nil
}

func (f *CloudFormation) DeleteStack(ctx context.Context, in *cloudformation.DeleteStackInput, _ ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.popErr("DeleteStack"); err != nil {
		return nil, err
	}

	f.Deletes++
	if s := f.live(aws.ToString(in.StackName)); s != nil && s.Status != cfntypes.StackStatusDeleteComplete {
		s.Status = cfntypes.StackStatusDeleteInProgress
	}
	return &cloudformation.DeleteStackOutput{}, nil
}

func (f *CloudFormation) DescribeStacks(ctx context.Context, in *cloudformation.DescribeStacksInput, _ ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.popErr("DescribeStacks"); err != nil {
		return nil, err
	}

	var selected []*Stack
	if in.StackName == nil {
		for _, s := range f.stacks {
			if s.Status != cfntypes.StackStatusDeleteComplete {
				selected = append(selected, s)
			}
		}
	} else {
		ref := aws.ToString(in.StackName)
		s := f.live(ref)
		if s == nil || (s.ID != ref && s.Status == cfntypes.StackStatusDeleteComplete) {
			return nil, APIError("ValidationError", fmt.Sprintf("Stack with id %s does not exist", ref))
		}
		selected = []*Stack{s}
	}

	out := &cloudformation.DescribeStacksOutput{}
	for _, s := range selected {
		if f.AutoComplete && !s.waiting() {
			f.complete(s)
		}
		stack := cfntypes.Stack{
			StackId:      aws.String(s.ID),
			StackName:    aws.String(s.Name),
			StackStatus:  s.Status,
			Tags:         s.Tags,
			CreationTime: aws.Time(time.Unix(1700000000, 0)),
		}
		if s.Reason != "" {
			stack.StackStatusReason = aws.String(s.Reason)
		}
		for k, v := range s.Outputs {
			stack.Outputs = append(stack.Outputs, cfntypes.Output{OutputKey: aws.String(k), OutputValue: aws.String(v)})
		}
		out.Stacks = append(out.Stacks, stack)
	}
	return out, nil
}

func (f *CloudFormation) DescribeStackResource(ctx context.Context, in *cloudformation.DescribeStackResourceInput, _ ...func(*cloudformation.Options)) (*cloudformation.DescribeStackResourceOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.popErr("DescribeStackResource"); err != nil {
		return nil, err
	}

	ref := aws.ToString(in.StackName)
	s := f.live(ref)
	if s == nil || s.Status == cfntypes.StackStatusDeleteComplete {
		return nil, APIError("ValidationError", fmt.Sprintf("Stack with id %s does not exist", ref))
	}

	id := aws.ToString(in.LogicalResourceId)
	c, ok := s.Conditions[id]
	if !ok {
		return nil, APIError("ValidationError", fmt.Sprintf("Resource %s does not exist for stack %s", id, s.Name))
	}
	detail := &cfntypes.StackResourceDetail{
		LogicalResourceId: aws.String(id),
		ResourceType:      aws.String("AWS::CloudFormation::WaitCondition"),
		ResourceStatus:    c.Status,
		StackName:         aws.String(s.Name),
	}
	if c.Reason != "" {
		detail.ResourceStatusReason = aws.String(c.Reason)
	}
	return &cloudformation.DescribeStackResourceOutput{StackResourceDetail: detail}, nil
}

// ConditionIDs returns the wait condition logical ids of the live stack
func (f *CloudFormation) ConditionIDs(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := f.live(name)
	if s == nil {
		return nil
	}
	return sortedIDs(s.Conditions)
}

func (f *CloudFormation) DescribeStackEvents(ctx context.Context, in *cloudformation.DescribeStackEventsInput, _ ...func(*cloudformation.Options)) (*cloudformation.DescribeStackEventsOutput, error) {
	return &cloudformation.DescribeStackEventsOutput{}, nil
}

// Route53 serves a single hosted zone
type Route53 struct {
	ZoneID      string
	Name        string
	NameServers []string
}

func (r *Route53) GetHostedZone(ctx context.Context, in *route53.GetHostedZoneInput, _ ...func(*route53.Options)) (*route53.GetHostedZoneOutput, error) {
	if aws.ToString(in.Id) != r.ZoneID {
		return nil, APIError("NoSuchHostedZone", "No hosted zone found with ID: "+aws.ToString(in.Id))
	}
	return &route53.GetHostedZoneOutput{
		HostedZone:    &r53types.HostedZone{Id: aws.String(r.ZoneID), Name: aws.String(r.Name)},
		DelegationSet: &r53types.DelegationSet{NameServers: r.NameServers},
	}, nil
}
