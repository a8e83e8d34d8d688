package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/guseggert/testcluster/internal/metrics"
	"go.uber.org/zap"
)

const loggerName = "controller"

type state int

const (
	stateRequesting state = iota
	stateDescribing
)

// Controller drives the cluster towards a reachable state, and tears it down.
// It keeps no state between calls; every call re-derives the cluster state from the control plane.
// Controller is safe for concurrent use.
type Controller struct {
	cp   ControlPlane
	spec Spec
	log  *zap.SugaredLogger

	pollInterval    time.Duration
	deletingBackoff time.Duration
	timeout         time.Duration
	maxAttempts     int
	notFoundRetries int

	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(c *Controller)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Controller) {
		c.log = l.Named(loggerName)
	}
}

// WithPollInterval sets the delay between describe calls while the cluster is not yet available.
func WithPollInterval(d time.Duration) Option {
	return func(c *Controller) {
		c.pollInterval = d
	}
}

// WithDeletingBackoff sets the delay before re-issuing a create when the cluster is still being deleted.
func WithDeletingBackoff(d time.Duration) Option {
	return func(c *Controller) {
		c.deletingBackoff = d
	}
}

// WithTimeout bounds a single GetOrCreate or Get call.
func WithTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.timeout = d
	}
}

// WithMaxAttempts bounds the number of control plane requests made by a single GetOrCreate or Get call.
func WithMaxAttempts(n int) Option {
	return func(c *Controller) {
		c.maxAttempts = n
	}
}

// WithNotFoundRetries sets how many times a "not found" seen after this call issued a create is retried.
func WithNotFoundRetries(n int) Option {
	return func(c *Controller) {
		c.notFoundRetries = n
	}
}

func WithSleep(f func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) {
		c.sleep = f
	}
}

func NewController(cp ControlPlane, spec Spec, opts ...Option) *Controller {
	c := &Controller{
		cp:              cp,
		spec:            spec,
		log:             zap.NewNop().Sugar(),
		pollInterval:    15 * time.Second,
		deletingBackoff: 30 * time.Second,
		timeout:         45 * time.Minute,
		maxAttempts:     500,
		notFoundRetries: 3,
		sleep:           sleepContext,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// GetOrCreate creates the cluster, or adopts it if it already exists, and waits for it to be reachable.
func (c *Controller) GetOrCreate(ctx context.Context) (Endpoint, error) {
	return c.run(ctx, stateRequesting)
}

// Get waits for an existing cluster to be reachable.
// If the cluster does not exist, this returns an error wrapping ErrNotFound.
func (c *Controller) Get(ctx context.Context) (Endpoint, error) {
	return c.run(ctx, stateDescribing)
}

func (c *Controller) run(parent context.Context, st state) (Endpoint, error) {
	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()

	start := time.Now()
	wrap := func(what string, err error) error {
		return c.wrap(parent, ctx, start, what, err)
	}
	log := c.log.With("cluster", c.spec.ClusterID)
	canCreate := st == stateRequesting
	notFound := 0

	for attempt := 0; ; attempt++ {
		if attempt >= c.maxAttempts {
			return Endpoint{}, fmt.Errorf("%w %q after %d requests", ErrProvisioningTimeout, c.spec.ClusterID, attempt)
		}

		var (
			desc *Descriptor
			err  error
		)
		switch st {
		case stateRequesting:
			desc, err = c.cp.Create(ctx, c.spec)
			if errors.Is(err, ErrAlreadyExists) {
				log.Debug("cluster already exists, adopting it")
				st = stateDescribing
				continue
			}
			if err != nil {
				return Endpoint{}, wrap("creating cluster", err)
			}
			log.Infow("requested cluster creation", "status", desc.Status)
		case stateDescribing:
			desc, err = c.cp.Describe(ctx, c.spec.ClusterID)
			if errors.Is(err, ErrNotFound) {
				// this can happen due to eventual consistency right after a create, go back to creating
				if canCreate && notFound < c.notFoundRetries {
					notFound++
					log.Debugw("cluster not found, requesting it again", "retry", notFound)
					st = stateRequesting
					if err := c.sleep(ctx, c.pollInterval); err != nil {
						return Endpoint{}, wrap("waiting to recreate cluster", err)
					}
					continue
				}
				return Endpoint{}, fmt.Errorf("describing cluster %q: %w", c.spec.ClusterID, err)
			}
			if err != nil {
				return Endpoint{}, wrap("describing cluster", err)
			}
		}

		switch {
		case desc.Ready():
			metrics.ProvisionDuration.Observe(time.Since(start).Seconds())
			log.Debugw("cluster is available", "endpoint", desc.Endpoint.String())
			return *desc.Endpoint, nil
		case desc.Status == StatusDeleting:
			log.Infow("cluster is being deleted, waiting", "backoff", c.deletingBackoff)
			if canCreate {
				st = stateRequesting
			}
			if err := c.sleep(ctx, c.deletingBackoff); err != nil {
				return Endpoint{}, wrap("waiting for cluster deletion", err)
			}
		default:
			log.Debugw("cluster not ready yet", "status", desc.Status, "hasEndpoint", desc.Endpoint != nil)
			st = stateDescribing
			if err := c.sleep(ctx, c.pollInterval); err != nil {
				return Endpoint{}, wrap("waiting for cluster", err)
			}
		}
	}
}

// wrap turns errors caused by the call's own deadline into ErrProvisioningTimeout.
// When the caller's context is done, its error is returned as is.
func (c *Controller) wrap(parent, ctx context.Context, start time.Time, what string, err error) error {
	if parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		elapsed := time.Since(start).Round(time.Millisecond)
		return fmt.Errorf("%w %q after %s: %s: %w", ErrProvisioningTimeout, c.spec.ClusterID, elapsed, what, err)
	}
	return fmt.Errorf("%s %q: %w", what, c.spec.ClusterID, err)
}

// Observe describes the cluster once, without waiting for it to converge.
func (c *Controller) Observe(ctx context.Context) (*Descriptor, error) {
	desc, err := c.cp.Describe(ctx, c.spec.ClusterID)
	if err != nil {
		return nil, fmt.Errorf("describing cluster %q: %w", c.spec.ClusterID, err)
	}
	return desc, nil
}

// Destroy deletes the cluster.
// A cluster that is already being deleted, or is already gone, is not an error.
func (c *Controller) Destroy(ctx context.Context) error {
	err := c.cp.Delete(ctx, c.spec.ClusterID)
	switch {
	case err == nil:
		c.log.Infow("requested cluster deletion", "cluster", c.spec.ClusterID)
		return nil
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrNotFound):
		c.log.Infow("cluster already deleting or gone", "cluster", c.spec.ClusterID, "reason", err)
		return nil
	default:
		return fmt.Errorf("deleting cluster %q: %w", c.spec.ClusterID, err)
	}
}
