package template

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	// ServiceRoleStackName is the bootstrap stack holding the service role
	ServiceRoleStackName = "outpost-service-role"

	// TagServiceRole marks the bootstrap stack. It is not tagged managed, so
	// orphan sweeps never touch it.
	TagServiceRole = "outpost:service-role"

	// OutputRoleARN is the role's ARN in the bootstrap stack outputs
	OutputRoleARN = "RoleArn"
)

// ServiceRole renders the stack of the role CloudFormation assumes for relay
// stacks. Relay stacks remember it, so the relay's own DeleteStack call is
// carried out with these permissions rather than the instance's.
func ServiceRole() (*Template, error) {
	// generated names of relay stack roles and profiles start with the stack name
	relayIAM := []any{
		map[string]any{"Fn::Sub": "arn:${AWS::Partition}:iam::${AWS::AccountId}:role/outpost-*"},
		map[string]any{"Fn::Sub": "arn:${AWS::Partition}:iam::${AWS::AccountId}:instance-profile/outpost-*"},
	}

	doc := map[string]any{
		"AWSTemplateFormatVersion": "2010-09-09",
		"Description":              "outpost CloudFormation service role for relay stacks",
		"Resources": map[string]any{
			"ServiceRole": map[string]any{
				"Type": "AWS::IAM::Role",
				"Properties": map[string]any{
					"AssumeRolePolicyDocument": map[string]any{
						"Version": "2012-10-17",
						"Statement": []any{map[string]any{
							"Effect":    "Allow",
							"Principal": map[string]any{"Service": "cloudformation.amazonaws.com"},
							"Action":    "sts:AssumeRole",
						}},
					},
					"Policies": []any{map[string]any{
						"PolicyName": "RelayStacks",
						"PolicyDocument": map[string]any{
							"Version": "2012-10-17",
							"Statement": []any{
								map[string]any{
									"Effect":   "Allow",
									"Action":   ec2Actions,
									"Resource": "*",
								},
								map[string]any{
									"Effect":   "Allow",
									"Action":   iamActions,
									"Resource": relayIAM,
								},
								map[string]any{
									"Effect": "Allow",
									"Action": []any{
										"route53:ChangeResourceRecordSets",
										"route53:GetChange",
										"route53:GetHostedZone",
										"route53:ListResourceRecordSets",
									},
									"Resource": "*",
								},
								map[string]any{
									"Effect": "Allow",
									"Action": "ssm:GetParameters",
									"Resource": map[string]any{
										"Fn::Sub": "arn:${AWS::Partition}:ssm:*::parameter/aws/service/ami-amazon-linux-latest/*",
									},
								},
							},
						},
					}},
				},
			},
		},
		"Outputs": map[string]any{
			OutputRoleARN: map[string]any{
				"Description": "Role CloudFormation assumes for relay stacks",
				"Value":       map[string]any{"Fn::GetAtt": []any{"ServiceRole", "Arn"}},
			},
		},
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode service role template: %w", err)
	}

	return &Template{
		Body: buf.Bytes(),
		Tags: map[string]string{TagServiceRole: "true"},
	}, nil
}

var ec2Actions = []any{
	"ec2:Describe*",
	"ec2:CreateVpc",
	"ec2:DeleteVpc",
	"ec2:ModifyVpcAttribute",
	"ec2:CreateInternetGateway",
	"ec2:DeleteInternetGateway",
	"ec2:AttachInternetGateway",
	"ec2:DetachInternetGateway",
	"ec2:CreateSubnet",
	"ec2:DeleteSubnet",
	"ec2:ModifySubnetAttribute",
	"ec2:CreateRouteTable",
	"ec2:DeleteRouteTable",
	"ec2:CreateRoute",
	"ec2:DeleteRoute",
	"ec2:AssociateRouteTable",
	"ec2:DisassociateRouteTable",
	"ec2:CreateSecurityGroup",
	"ec2:DeleteSecurityGroup",
	"ec2:AuthorizeSecurityGroupIngress",
	"ec2:RevokeSecurityGroupIngress",
	"ec2:AuthorizeSecurityGroupEgress",
	"ec2:RevokeSecurityGroupEgress",
	"ec2:AllocateAddress",
	"ec2:ReleaseAddress",
	"ec2:AssociateAddress",
	"ec2:DisassociateAddress",
	"ec2:RunInstances",
	"ec2:TerminateInstances",
	"ec2:StartInstances",
	"ec2:StopInstances",
	"ec2:ModifyInstanceAttribute",
	"ec2:CreateTags",
	"ec2:DeleteTags",
}

var iamActions = []any{
	"iam:CreateRole",
	"iam:DeleteRole",
	"iam:GetRole",
	"iam:TagRole",
	"iam:UntagRole",
	"iam:PutRolePolicy",
	"iam:GetRolePolicy",
	"iam:DeleteRolePolicy",
	"iam:PassRole",
	"iam:CreateInstanceProfile",
	"iam:DeleteInstanceProfile",
	"iam:GetInstanceProfile",
	"iam:AddRoleToInstanceProfile",
	"iam:RemoveRoleFromInstanceProfile",
}
