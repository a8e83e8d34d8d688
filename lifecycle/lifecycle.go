// Package lifecycle ties the cluster controller and the session ledger together
// into the operations exposed to test harnesses: creating and deleting sessions, and reaping the cluster.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/guseggert/testcluster/cluster"
	"github.com/guseggert/testcluster/internal/metrics"
	"go.uber.org/zap"
)

// Controller converges the cluster state. *cluster.Controller implements it.
type Controller interface {
	GetOrCreate(ctx context.Context) (cluster.Endpoint, error)
	Get(ctx context.Context) (cluster.Endpoint, error)
	Observe(ctx context.Context) (*cluster.Descriptor, error)
	Destroy(ctx context.Context) error
}

// Ledger is a session ledger bound to one connection. *ledger.Ledger implements it.
type Ledger interface {
	Register(ctx context.Context, sessionID string) error
	Unregister(ctx context.Context, sessionID string) error
	CountStale(ctx context.Context) (int, error)
	CountActive(ctx context.Context) (int, error)
	Close() error
}

// OpenLedgerFunc connects to the ledger stored in the cluster at the endpoint.
type OpenLedgerFunc func(ctx context.Context, endpoint cluster.Endpoint) (Ledger, error)

// Session is a registered test session and the cluster it runs against.
type Session struct {
	ID      string
	Cluster cluster.Endpoint
}

type ReapResult int

const (
	// ReapAbsent means there was no cluster to reap, or it was already being deleted.
	ReapAbsent ReapResult = iota
	// ReapKept means stale sessions were found and the cluster was left running.
	ReapKept
	// ReapDestroyed means the cluster deletion was requested.
	ReapDestroyed
)

// ReapPolicy decides which sessions keep the cluster alive.
type ReapPolicy int

const (
	// ReapWhenNoStale destroys the cluster when no session is older than the retention window.
	// Fresh sessions do not keep the cluster alive under this policy.
	ReapWhenNoStale ReapPolicy = iota
	// ReapWhenNoActive destroys the cluster when no session is younger than the retention window.
	ReapWhenNoActive
)

func (p ReapPolicy) String() string {
	if p == ReapWhenNoActive {
		return "no-active"
	}
	return "no-stale"
}

func ParseReapPolicy(s string) (ReapPolicy, error) {
	switch s {
	case "no-stale":
		return ReapWhenNoStale, nil
	case "no-active":
		return ReapWhenNoActive, nil
	default:
		return 0, fmt.Errorf("unknown reap policy %q, expected one of [no-stale,no-active]", s)
	}
}

func (r ReapResult) String() string {
	switch r {
	case ReapAbsent:
		return "absent"
	case ReapKept:
		return "kept"
	case ReapDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Service is stateless; all state lives in the control plane and in the ledger.
type Service struct {
	controller Controller
	openLedger OpenLedgerFunc
	newID      func() string
	reapPolicy ReapPolicy
	log        *zap.SugaredLogger
}

type Option func(s *Service)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Service) {
		s.log = l.Named("lifecycle")
	}
}

func WithReapPolicy(p ReapPolicy) Option {
	return func(s *Service) {
		s.reapPolicy = p
	}
}

// WithIDGenerator overrides how session ids are generated.
func WithIDGenerator(f func() string) Option {
	return func(s *Service) {
		s.newID = f
	}
}

func New(controller Controller, openLedger OpenLedgerFunc, opts ...Option) *Service {
	s := &Service{
		controller: controller,
		openLedger: openLedger,
		newID:      func() string { return uuid.New().String() },
		log:        zap.NewNop().Sugar(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// withLedger opens the ledger at the endpoint, runs fn, and always closes the ledger.
func (s *Service) withLedger(ctx context.Context, endpoint cluster.Endpoint, fn func(Ledger) error) error {
	l, err := s.openLedger(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("opening ledger at %s: %w", endpoint, err)
	}
	defer func() {
		if closeErr := l.Close(); closeErr != nil {
			s.log.Warnw("closing ledger", "endpoint", endpoint.String(), "error", closeErr)
		}
	}()
	return fn(l)
}

// CreateSession creates or adopts the cluster and registers a new session on it.
func (s *Service) CreateSession(ctx context.Context) (*Session, error) {
	session := &Session{ID: s.newID()}
	log := s.log.With("session", session.ID)

	endpoint, err := s.controller.GetOrCreate(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting cluster: %w", err)
	}
	session.Cluster = endpoint

	err = s.withLedger(ctx, endpoint, func(l Ledger) error {
		return l.Register(ctx, session.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("registering session %q: %w", session.ID, err)
	}

	metrics.Sessions.WithLabelValues("created").Inc()
	log.Infow("created session", "endpoint", endpoint.String())
	return session, nil
}

// DeleteSession unregisters the session. The cluster must exist.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("empty session id")
	}

	endpoint, err := s.controller.Get(ctx)
	if err != nil {
		return fmt.Errorf("getting cluster: %w", err)
	}

	err = s.withLedger(ctx, endpoint, func(l Ledger) error {
		return l.Unregister(ctx, sessionID)
	})
	if err != nil {
		return fmt.Errorf("unregistering session %q: %w", sessionID, err)
	}

	metrics.Sessions.WithLabelValues("deleted").Inc()
	s.log.Infow("deleted session", "session", sessionID)
	return nil
}

// Reap destroys the cluster when the ledger has no sessions that keep it alive, as decided by the reap policy.
//
// With the default ReapWhenNoStale policy, sessions count towards keeping the cluster only once they are
// older than the ledger's retention window, so a cluster that only has fresh sessions is destroyed.
func (s *Service) Reap(ctx context.Context) (ReapResult, error) {
	res, err := s.reap(ctx)
	outcome := res.String()
	if err != nil {
		outcome = "error"
	}
	metrics.Reaps.WithLabelValues(outcome).Inc()
	return res, err
}

func (s *Service) reap(ctx context.Context) (ReapResult, error) {
	desc, err := s.controller.Observe(ctx)
	if cluster.KindOf(err) == cluster.KindAbsent {
		s.log.Info("no cluster to reap")
		return ReapAbsent, nil
	}
	if err != nil {
		return ReapKept, fmt.Errorf("observing cluster: %w", err)
	}
	if desc.Status == cluster.StatusDeleting {
		s.log.Info("cluster is already being deleted")
		return ReapAbsent, nil
	}

	endpoint, err := s.controller.Get(ctx)
	if cluster.KindOf(err) == cluster.KindAbsent {
		s.log.Info("no cluster to reap")
		return ReapAbsent, nil
	}
	if err != nil {
		return ReapKept, fmt.Errorf("getting cluster: %w", err)
	}

	var sessions int
	err = s.withLedger(ctx, endpoint, func(l Ledger) error {
		var err error
		if s.reapPolicy == ReapWhenNoActive {
			sessions, err = l.CountActive(ctx)
		} else {
			sessions, err = l.CountStale(ctx)
		}
		return err
	})
	if err != nil {
		return ReapKept, fmt.Errorf("counting sessions: %w", err)
	}

	if sessions > 0 {
		s.log.Infow("keeping cluster", "sessions", sessions, "policy", s.reapPolicy)
		return ReapKept, nil
	}

	if err := s.controller.Destroy(ctx); err != nil {
		return ReapKept, fmt.Errorf("destroying cluster: %w", err)
	}
	s.log.Info("destroyed idle cluster")
	return ReapDestroyed, nil
}
