// Package config loads the service configuration from flags and environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws/arn"
	"github.com/guseggert/testcluster/cluster"
	"github.com/guseggert/testcluster/lifecycle"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	flagClusterID          = "cluster-id"
	flagNodeType           = "node-type"
	flagDBName             = "db-name"
	flagUser               = "db-user"
	flagPassword           = "db-password"
	flagPasswordParameter  = "db-password-ssm-parameter"
	flagSSLMode            = "db-sslmode"
	flagPubliclyAccessible = "publicly-accessible"
	flagSecurityGroupID    = "vpc-security-group-id"
	flagIAMRoleARN         = "iam-role-arn"
	flagResourcesStack     = "resources-stack"
	flagPollInterval       = "poll-interval"
	flagDeletingBackoff    = "deleting-backoff"
	flagProvisionTimeout   = "provision-timeout"
	flagNotFoundRetries    = "not-found-retries"
	flagSessionRetention   = "session-retention"
	flagReapPolicy         = "reap-policy"
	flagLogLevel           = "log-level"
	flagPort               = "port"
)

// Config is the immutable configuration shared by the server and the reaper.
type Config struct {
	ClusterID          string
	NodeType           string
	DBName             string
	User               string
	Password           string
	PasswordParameter  string
	SSLMode            string
	PubliclyAccessible bool
	SecurityGroupID    string
	IAMRoleARN         string
	ResourcesStack     string

	PollInterval     time.Duration
	DeletingBackoff  time.Duration
	ProvisionTimeout time.Duration
	NotFoundRetries  int
	SessionRetention time.Duration
	ReapPolicy       lifecycle.ReapPolicy

	LogLevel string
	Port     int
}

// Flags returns the flags common to every command.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    flagClusterID,
			Usage:   "The identifier of the Redshift cluster to manage.",
			Value:   "redshift-sqlalchemy-test",
			EnvVars: []string{"CLUSTER_ID"},
		},
		&cli.StringFlag{
			Name:    flagNodeType,
			Usage:   "The node type of the single-node cluster.",
			Value:   "dc2.large",
			EnvVars: []string{"NODE_TYPE"},
		},
		&cli.StringFlag{
			Name:    flagDBName,
			Usage:   "The database created in the cluster, which also holds the session ledger.",
			Value:   "dev",
			EnvVars: []string{"PGDATABASE"},
		},
		&cli.StringFlag{
			Name:    flagUser,
			Usage:   "The master username of the cluster.",
			Value:   "travis",
			EnvVars: []string{"PGUSER"},
		},
		&cli.StringFlag{
			Name:    flagPassword,
			Usage:   "The master password of the cluster.",
			EnvVars: []string{"PGPASSWORD"},
		},
		&cli.StringFlag{
			Name:    flagPasswordParameter,
			Usage:   "The SSM parameter holding the master password, used when no password is given.",
			EnvVars: []string{"PGPASSWORD_SSM_PARAMETER"},
		},
		&cli.StringFlag{
			Name:    flagSSLMode,
			Usage:   "The sslmode used to connect to the cluster's database.",
			Value:   "require",
			EnvVars: []string{"PGSSLMODE"},
		},
		&cli.BoolFlag{
			Name:    flagPubliclyAccessible,
			Usage:   "Whether the cluster gets a public endpoint.",
			Value:   true,
			EnvVars: []string{"PUBLICLY_ACCESSIBLE"},
		},
		&cli.StringFlag{
			Name:    flagSecurityGroupID,
			Usage:   "The VPC security group attached to the cluster.",
			EnvVars: []string{"VPC_SECURITY_GROUP_ID"},
		},
		&cli.StringFlag{
			Name:    flagIAMRoleARN,
			Usage:   "The IAM role attached to the cluster.",
			EnvVars: []string{"IAM_ROLE_ARN"},
		},
		&cli.StringFlag{
			Name:    flagResourcesStack,
			Usage:   "A CloudFormation stack whose outputs provide the security group and IAM role when they are not set.",
			EnvVars: []string{"RESOURCES_STACK"},
		},
		&cli.DurationFlag{
			Name:    flagPollInterval,
			Usage:   "How long to wait between polls of a cluster that is not available yet.",
			Value:   15 * time.Second,
			EnvVars: []string{"POLL_INTERVAL"},
		},
		&cli.DurationFlag{
			Name:    flagDeletingBackoff,
			Usage:   "How long to wait before requesting a cluster that is still being deleted.",
			Value:   30 * time.Second,
			EnvVars: []string{"DELETING_BACKOFF"},
		},
		&cli.DurationFlag{
			Name:    flagProvisionTimeout,
			Usage:   "How long to wait for the cluster to become available.",
			Value:   45 * time.Minute,
			EnvVars: []string{"PROVISION_TIMEOUT"},
		},
		&cli.IntFlag{
			Name:    flagNotFoundRetries,
			Usage:   "How many times to request the cluster again when it is not found right after being requested.",
			Value:   3,
			EnvVars: []string{"NOT_FOUND_RETRIES"},
		},
		&cli.DurationFlag{
			Name:    flagSessionRetention,
			Usage:   "The age after which a session is considered stale.",
			Value:   time.Hour,
			EnvVars: []string{"SESSION_RETENTION"},
		},
		&cli.StringFlag{
			Name:    flagReapPolicy,
			Usage:   "Which sessions keep the cluster alive when reaping. One of [no-stale,no-active].",
			Value:   lifecycle.ReapWhenNoStale.String(),
			EnvVars: []string{"REAP_POLICY"},
		},
		&cli.StringFlag{
			Name:    flagLogLevel,
			Usage:   "The log level. One of [debug,info,warn,error].",
			Value:   "info",
			EnvVars: []string{"LOG_LEVEL"},
		},
	}
}

// ServerFlags returns the flags of the HTTP server command.
func ServerFlags() []cli.Flag {
	return append(Flags(), &cli.IntFlag{
		Name:    flagPort,
		Usage:   "The port for the HTTP server to listen on.",
		Value:   8080,
		EnvVars: []string{"PORT"},
	})
}

// FromCLI reads and validates the configuration from the parsed flags.
func FromCLI(ctx *cli.Context) (Config, error) {
	reapPolicy, err := lifecycle.ParseReapPolicy(ctx.String(flagReapPolicy))
	if err != nil {
		return Config{}, err
	}
	c := Config{
		ClusterID:          ctx.String(flagClusterID),
		NodeType:           ctx.String(flagNodeType),
		DBName:             ctx.String(flagDBName),
		User:               ctx.String(flagUser),
		Password:           ctx.String(flagPassword),
		PasswordParameter:  ctx.String(flagPasswordParameter),
		SSLMode:            ctx.String(flagSSLMode),
		PubliclyAccessible: ctx.Bool(flagPubliclyAccessible),
		SecurityGroupID:    ctx.String(flagSecurityGroupID),
		IAMRoleARN:         ctx.String(flagIAMRoleARN),
		ResourcesStack:     ctx.String(flagResourcesStack),
		PollInterval:       ctx.Duration(flagPollInterval),
		DeletingBackoff:    ctx.Duration(flagDeletingBackoff),
		ProvisionTimeout:   ctx.Duration(flagProvisionTimeout),
		NotFoundRetries:    ctx.Int(flagNotFoundRetries),
		SessionRetention:   ctx.Duration(flagSessionRetention),
		ReapPolicy:         reapPolicy,
		LogLevel:           ctx.String(flagLogLevel),
		Port:               ctx.Int(flagPort),
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.ClusterID == "" {
		errs = append(errs, errors.New("cluster id is required"))
	}
	if c.NodeType == "" {
		errs = append(errs, errors.New("node type is required"))
	}
	if c.DBName == "" || c.User == "" {
		errs = append(errs, errors.New("database name and user are required"))
	}
	if c.IAMRoleARN != "" {
		if _, err := arn.Parse(c.IAMRoleARN); err != nil {
			errs = append(errs, fmt.Errorf("parsing IAM role ARN %q: %w", c.IAMRoleARN, err))
		}
	}
	durations := map[string]time.Duration{
		flagPollInterval:     c.PollInterval,
		flagDeletingBackoff:  c.DeletingBackoff,
		flagProvisionTimeout: c.ProvisionTimeout,
		flagSessionRetention: c.SessionRetention,
	}
	for name, d := range durations {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.NotFoundRetries < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", flagNotFoundRetries))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	return errors.Join(errs...)
}

// ListenAddr is the address the HTTP server listens on.
func (c Config) ListenAddr() string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(c.Port))
}

// ClusterSpec returns the spec every cluster is created with, filling in the resolved password and resources.
func (c Config) ClusterSpec(password, securityGroupID, iamRoleARN string) cluster.Spec {
	spec := cluster.Spec{
		ClusterID:          c.ClusterID,
		NodeType:           c.NodeType,
		DBName:             c.DBName,
		MasterUsername:     c.User,
		MasterPassword:     password,
		PubliclyAccessible: c.PubliclyAccessible,
	}
	if securityGroupID != "" {
		spec.SecurityGroupIDs = []string{securityGroupID}
	}
	if iamRoleARN != "" {
		spec.IAMRoleARNs = []string{iamRoleARN}
	}
	return spec
}

// NewLogger builds the production logger at the configured level.
func (c Config) NewLogger() (*zap.SugaredLogger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return l.Sugar(), nil
}
