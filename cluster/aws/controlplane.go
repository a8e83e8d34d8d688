package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/redshift"
	"github.com/aws/aws-sdk-go/service/redshift/redshiftiface"
	"github.com/guseggert/testcluster/cluster"
	"github.com/guseggert/testcluster/internal/metrics"
	"go.uber.org/zap"
)

// ControlPlane implements cluster.ControlPlane on top of the Redshift API.
// Clusters are always created as single-node clusters.
type ControlPlane struct {
	Client redshiftiface.RedshiftAPI
	Log    *zap.SugaredLogger
}

func NewControlPlane(client redshiftiface.RedshiftAPI) *ControlPlane {
	return &ControlPlane{
		Client: client,
		Log:    zap.NewNop().Sugar(),
	}
}

func (c *ControlPlane) WithLogger(l *zap.SugaredLogger) *ControlPlane {
	c.Log = l.Named("redshift")
	return c
}

func (c *ControlPlane) Create(ctx context.Context, spec cluster.Spec) (*cluster.Descriptor, error) {
	input := &redshift.CreateClusterInput{
		ClusterIdentifier:  &spec.ClusterID,
		ClusterType:        aws.String("single-node"),
		NodeType:           &spec.NodeType,
		MasterUsername:     &spec.MasterUsername,
		MasterUserPassword: &spec.MasterPassword,
		PubliclyAccessible: aws.Bool(spec.PubliclyAccessible),
	}
	if spec.DBName != "" {
		input.DBName = &spec.DBName
	}
	if len(spec.SecurityGroupIDs) > 0 {
		input.VpcSecurityGroupIds = aws.StringSlice(spec.SecurityGroupIDs)
	}
	if len(spec.IAMRoleARNs) > 0 {
		input.IamRoles = aws.StringSlice(spec.IAMRoleARNs)
	}

	out, err := c.Client.CreateClusterWithContext(ctx, input)
	err = c.observe("create", translateError(err))
	if err != nil {
		return nil, err
	}
	if out.Cluster == nil {
		return nil, fmt.Errorf("create cluster response for %q contained no cluster", spec.ClusterID)
	}
	return toDescriptor(out.Cluster), nil
}

func (c *ControlPlane) Describe(ctx context.Context, id string) (*cluster.Descriptor, error) {
	out, err := c.Client.DescribeClustersWithContext(ctx, &redshift.DescribeClustersInput{
		ClusterIdentifier: &id,
	})
	err = c.observe("describe", translateError(err))
	if err != nil {
		return nil, err
	}
	switch len(out.Clusters) {
	case 0:
		return nil, fmt.Errorf("%w: describe returned no clusters for %q", cluster.ErrNotFound, id)
	case 1:
		return toDescriptor(out.Clusters[0]), nil
	default:
		return nil, fmt.Errorf("expected 1 cluster named %q but got %d", id, len(out.Clusters))
	}
}

func (c *ControlPlane) Delete(ctx context.Context, id string) error {
	_, err := c.Client.DeleteClusterWithContext(ctx, &redshift.DeleteClusterInput{
		ClusterIdentifier:        &id,
		SkipFinalClusterSnapshot: aws.Bool(true),
	})
	return c.observe("delete", translateError(err))
}

func (c *ControlPlane) observe(op string, err error) error {
	result := "ok"
	if err != nil {
		result = cluster.KindOf(err).String()
		c.Log.Debugw("control plane error", "op", op, "kind", result, "error", err)
	}
	metrics.ControlPlaneCalls.WithLabelValues(op, result).Inc()
	return err
}

// translateError maps Redshift fault codes onto the cluster package's sentinel errors, keeping the AWS error in the chain.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	awsErr, ok := err.(awserr.Error)
	if !ok {
		return err
	}
	switch awsErr.Code() {
	case redshift.ErrCodeClusterNotFoundFault:
		return fmt.Errorf("%w: %w", cluster.ErrNotFound, err)
	case redshift.ErrCodeClusterAlreadyExistsFault:
		return fmt.Errorf("%w: %w", cluster.ErrAlreadyExists, err)
	case redshift.ErrCodeInvalidClusterStateFault:
		return fmt.Errorf("%w: %w", cluster.ErrInvalidState, err)
	default:
		return err
	}
}

func toStatus(s string) cluster.Status {
	switch s {
	case "available":
		return cluster.StatusAvailable
	case "creating":
		return cluster.StatusCreating
	case "deleting", "final-snapshot":
		return cluster.StatusDeleting
	default:
		return cluster.StatusUnknown
	}
}

func toDescriptor(c *redshift.Cluster) *cluster.Descriptor {
	d := &cluster.Descriptor{
		ID:     aws.StringValue(c.ClusterIdentifier),
		Status: toStatus(aws.StringValue(c.ClusterStatus)),
	}
	if c.Endpoint != nil && aws.StringValue(c.Endpoint.Address) != "" {
		d.Endpoint = &cluster.Endpoint{
			Address: aws.StringValue(c.Endpoint.Address),
			Port:    int(aws.Int64Value(c.Endpoint.Port)),
		}
	}
	return d
}
