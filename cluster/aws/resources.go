package aws

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/arn"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/cloudformation"
	"github.com/aws/aws-sdk-go/service/cloudformation/cloudformationiface"
	"github.com/aws/aws-sdk-go/service/ssm"
	"github.com/aws/aws-sdk-go/service/ssm/ssmiface"
)

const (
	securityGroupOutput = "SecurityGroupID"
	iamRoleOutput       = "IAMRoleARN"
)

// Resources contains the deployment-specific values the cluster is created with.
type Resources struct {
	MasterPassword  string
	SecurityGroupID string
	IAMRoleARN      string
}

// ResourcesResolver fills in Resources that were not configured explicitly.
// The security group and IAM role are read from the outputs of a CloudFormation stack,
// and the master password from an SSM parameter.
type ResourcesResolver struct {
	CFNClient         cloudformationiface.CloudFormationAPI
	SSMClient         ssmiface.SSMAPI
	StackName         string
	PasswordParameter string
	Defaults          Resources
}

func (r *ResourcesResolver) Resolve(ctx context.Context) (*Resources, error) {
	resources := r.Defaults

	if r.StackName != "" && (resources.SecurityGroupID == "" || resources.IAMRoleARN == "") {
		outputsMap, err := r.fetchStackOutputs(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetching stack outputs: %w", err)
		}
		outputs, err := parseStackOutputs(outputsMap)
		if err != nil {
			return nil, fmt.Errorf("parsing stack outputs: %w", err)
		}
		if resources.SecurityGroupID == "" {
			resources.SecurityGroupID = outputs.securityGroupID
		}
		if resources.IAMRoleARN == "" {
			resources.IAMRoleARN = outputs.iamRoleARN
		}
	}

	if resources.MasterPassword == "" && r.PasswordParameter != "" {
		password, err := r.fetchPassword(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetching master password: %w", err)
		}
		resources.MasterPassword = password
	}
	if resources.MasterPassword == "" {
		return nil, errors.New("no master password configured")
	}

	return &resources, nil
}

type stackOutputs struct {
	securityGroupID string
	iamRoleARN      string
}

func parseStackOutputs(outputs map[string]string) (stackOutputs, error) {
	var stackOutputs stackOutputs
	stackOutputs.securityGroupID = outputs[securityGroupOutput]

	roleARN := outputs[iamRoleOutput]
	if roleARN != "" {
		if _, err := arn.Parse(roleARN); err != nil {
			return stackOutputs, fmt.Errorf("parsing IAM role ARN %q: %w", roleARN, err)
		}
		stackOutputs.iamRoleARN = roleARN
	}

	if stackOutputs.securityGroupID == "" && stackOutputs.iamRoleARN == "" {
		return stackOutputs, fmt.Errorf("stack has neither a %s nor a %s output", securityGroupOutput, iamRoleOutput)
	}
	return stackOutputs, nil
}

func collectPagesWithContext[IN any, OUT any](ctx context.Context, input IN, fn func(context.Context, IN, func(OUT, bool) bool, ...request.Option) error, opts ...request.Option) ([]OUT, error) {
	var out []OUT
	err := fn(ctx, input, func(output OUT, more bool) bool {
		out = append(out, output)
		return true
	}, opts...)
	return out, err
}

func (r *ResourcesResolver) fetchStackOutputs(ctx context.Context) (map[string]string, error) {
	describeStacksPages, err := collectPagesWithContext(
		ctx,
		&cloudformation.DescribeStacksInput{StackName: &r.StackName},
		r.CFNClient.DescribeStacksPagesWithContext,
	)
	if err != nil {
		return nil, fmt.Errorf("describing stack %q: %w", r.StackName, err)
	}
	if len(describeStacksPages) != 1 {
		return nil, fmt.Errorf("expected DescribeStacks to have 1 page, but had %d", len(describeStacksPages))
	}
	if len(describeStacksPages[0].Stacks) != 1 {
		return nil, fmt.Errorf("expected DescribeStacks page to have 1 stack, but had %d", len(describeStacksPages[0].Stacks))
	}
	stack := describeStacksPages[0].Stacks[0]

	outputs := map[string]string{}
	for _, output := range stack.Outputs {
		outputs[aws.StringValue(output.OutputKey)] = aws.StringValue(output.OutputValue)
	}

	return outputs, nil
}

func (r *ResourcesResolver) fetchPassword(ctx context.Context) (string, error) {
	res, err := r.SSMClient.GetParameterWithContext(ctx, &ssm.GetParameterInput{
		Name:           &r.PasswordParameter,
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("getting SSM parameter %q: %w", r.PasswordParameter, err)
	}
	if res.Parameter == nil || aws.StringValue(res.Parameter.Value) == "" {
		return "", fmt.Errorf("SSM parameter %q is empty", r.PasswordParameter)
	}
	return *res.Parameter.Value, nil
}
