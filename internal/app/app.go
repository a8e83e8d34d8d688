// Package app builds the lifecycle service from its configuration.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudformation"
	"github.com/aws/aws-sdk-go/service/redshift"
	"github.com/aws/aws-sdk-go/service/ssm"
	"github.com/guseggert/testcluster/cluster"
	"github.com/guseggert/testcluster/cluster/aws"
	"github.com/guseggert/testcluster/internal/config"
	"github.com/guseggert/testcluster/ledger"
	"github.com/guseggert/testcluster/lifecycle"
	"go.uber.org/zap"
)

const connectTimeout = 30 * time.Second

// New connects to AWS, resolves the cluster resources and returns the lifecycle service.
func New(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) (*lifecycle.Service, error) {
	sess, err := session.NewSessionWithOptions(session.Options{SharedConfigState: session.SharedConfigEnable})
	if err != nil {
		return nil, fmt.Errorf("creating AWS Go SDK session: %w", err)
	}

	resolver := &aws.ResourcesResolver{
		CFNClient:         cloudformation.New(sess),
		SSMClient:         ssm.New(sess),
		StackName:         cfg.ResourcesStack,
		PasswordParameter: cfg.PasswordParameter,
		Defaults: aws.Resources{
			MasterPassword:  cfg.Password,
			SecurityGroupID: cfg.SecurityGroupID,
			IAMRoleARN:      cfg.IAMRoleARN,
		},
	}
	resources, err := resolver.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving cluster resources: %w", err)
	}
	log.Debugw("resolved cluster resources", "securityGroupID", resources.SecurityGroupID, "iamRoleARN", resources.IAMRoleARN)

	cp := aws.NewControlPlane(redshift.New(sess)).WithLogger(log)
	return NewService(cp, cfg, *resources, log), nil
}

// NewService wires the service on top of a control plane.
func NewService(cp cluster.ControlPlane, cfg config.Config, resources aws.Resources, log *zap.SugaredLogger) *lifecycle.Service {
	spec := cfg.ClusterSpec(resources.MasterPassword, resources.SecurityGroupID, resources.IAMRoleARN)
	controller := cluster.NewController(cp, spec,
		cluster.WithLogger(log),
		cluster.WithPollInterval(cfg.PollInterval),
		cluster.WithDeletingBackoff(cfg.DeletingBackoff),
		cluster.WithTimeout(cfg.ProvisionTimeout),
		cluster.WithNotFoundRetries(cfg.NotFoundRetries),
	)
	return lifecycle.New(controller, LedgerOpener(cfg, resources.MasterPassword, log),
		lifecycle.WithLogger(log),
		lifecycle.WithReapPolicy(cfg.ReapPolicy),
	)
}

// LedgerOpener returns a function connecting to the ledger in the cluster's database as the master user.
func LedgerOpener(cfg config.Config, password string, log *zap.SugaredLogger) lifecycle.OpenLedgerFunc {
	return func(ctx context.Context, endpoint cluster.Endpoint) (lifecycle.Ledger, error) {
		return ledger.Open(ctx, ConnConfig(cfg, password, endpoint),
			ledger.WithRetention(cfg.SessionRetention),
			ledger.WithLogger(log),
		)
	}
}

func ConnConfig(cfg config.Config, password string, endpoint cluster.Endpoint) ledger.ConnConfig {
	return ledger.ConnConfig{
		Host:           endpoint.Address,
		Port:           endpoint.Port,
		User:           cfg.User,
		Password:       password,
		DBName:         cfg.DBName,
		SSLMode:        cfg.SSLMode,
		ConnectTimeout: connectTimeout,
	}
}
