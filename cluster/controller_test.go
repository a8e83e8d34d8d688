package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

var testEndpoint = &Endpoint{Address: "test.abc123.us-east-1.redshift.amazonaws.com", Port: 5439}

// fakeControlPlane answers each call with a scripted function of the call number.
type fakeControlPlane struct {
	mut       sync.Mutex
	creates   int
	describes int
	deletes   int

	create   func(n int) (*Descriptor, error)
	describe func(n int) (*Descriptor, error)
	delete   func(n int) error
}

func (f *fakeControlPlane) Create(ctx context.Context, spec Spec) (*Descriptor, error) {
	f.mut.Lock()
	n := f.creates
	f.creates++
	f.mut.Unlock()
	return f.create(n)
}

func (f *fakeControlPlane) Describe(ctx context.Context, id string) (*Descriptor, error) {
	f.mut.Lock()
	n := f.describes
	f.describes++
	f.mut.Unlock()
	return f.describe(n)
}

func (f *fakeControlPlane) Delete(ctx context.Context, id string) error {
	f.mut.Lock()
	n := f.deletes
	f.deletes++
	f.mut.Unlock()
	return f.delete(n)
}

// simControlPlane simulates a single cluster that becomes available after a number of describes.
type simControlPlane struct {
	mut            sync.Mutex
	exists         bool
	created        int
	pendingPolls   int
	pollsUntilUp   int
	deleteRequests int
}

func (s *simControlPlane) Create(ctx context.Context, spec Spec) (*Descriptor, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.exists {
		return nil, fmt.Errorf("%w: cluster %s", ErrAlreadyExists, spec.ClusterID)
	}
	s.exists = true
	s.created++
	s.pendingPolls = s.pollsUntilUp
	return &Descriptor{ID: spec.ClusterID, Status: StatusCreating}, nil
}

func (s *simControlPlane) Describe(ctx context.Context, id string) (*Descriptor, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if !s.exists {
		return nil, ErrNotFound
	}
	if s.pendingPolls > 0 {
		s.pendingPolls--
		return &Descriptor{ID: id, Status: StatusCreating}, nil
	}
	return &Descriptor{ID: id, Status: StatusAvailable, Endpoint: testEndpoint}, nil
}

func (s *simControlPlane) Delete(ctx context.Context, id string) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.deleteRequests++
	if !s.exists {
		return ErrNotFound
	}
	s.exists = false
	return nil
}

type sleepRecorder struct {
	mut    sync.Mutex
	sleeps []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mut.Lock()
	r.sleeps = append(r.sleeps, d)
	r.mut.Unlock()
	return ctx.Err()
}

func newTestController(t *testing.T, cp ControlPlane, opts ...Option) (*Controller, *sleepRecorder) {
	rec := &sleepRecorder{}
	opts = append([]Option{
		WithLogger(zaptest.NewLogger(t).Sugar()),
		WithPollInterval(time.Second),
		WithDeletingBackoff(time.Minute),
		WithSleep(rec.sleep),
	}, opts...)
	return NewController(cp, Spec{ClusterID: "test-cluster"}, opts...), rec
}

func available() (*Descriptor, error) {
	return &Descriptor{ID: "test-cluster", Status: StatusAvailable, Endpoint: testEndpoint}, nil
}

func TestGetOrCreateAvailableOnCreate(t *testing.T) {
	cp := &fakeControlPlane{create: func(int) (*Descriptor, error) { return available() }}
	c, rec := newTestController(t, cp)

	ep, err := c.GetOrCreate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, *testEndpoint, ep)
	assert.Equal(t, 1, cp.creates)
	assert.Equal(t, 0, cp.describes)
	assert.Empty(t, rec.sleeps)
}

func TestGetOrCreatePollsUntilReachable(t *testing.T) {
	cp := &fakeControlPlane{
		create: func(int) (*Descriptor, error) {
			return &Descriptor{ID: "test-cluster", Status: StatusCreating}, nil
		},
		describe: func(n int) (*Descriptor, error) {
			switch n {
			case 0:
				return &Descriptor{ID: "test-cluster", Status: StatusCreating}, nil
			case 1:
				// available but the endpoint has not been assigned yet
				return &Descriptor{ID: "test-cluster", Status: StatusAvailable}, nil
			case 2:
				return &Descriptor{ID: "test-cluster", Status: StatusUnknown}, nil
			default:
				return available()
			}
		},
	}
	c, rec := newTestController(t, cp)

	ep, err := c.GetOrCreate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, *testEndpoint, ep)
	assert.Equal(t, 1, cp.creates)
	assert.Equal(t, 4, cp.describes)
	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second, time.Second}, rec.sleeps)
}

func TestGetOrCreateAdoptsExistingCluster(t *testing.T) {
	cp := &fakeControlPlane{
		create:   func(int) (*Descriptor, error) { return nil, fmt.Errorf("creating: %w", ErrAlreadyExists) },
		describe: func(int) (*Descriptor, error) { return available() },
	}
	c, rec := newTestController(t, cp)

	ep, err := c.GetOrCreate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, *testEndpoint, ep)
	assert.Equal(t, 1, cp.creates)
	assert.Equal(t, 1, cp.describes)
	assert.Empty(t, rec.sleeps)
}

func TestGetOrCreateRetriesWhileDeleting(t *testing.T) {
	cp := &fakeControlPlane{
		create: func(n int) (*Descriptor, error) {
			if n == 0 {
				return &Descriptor{ID: "test-cluster", Status: StatusDeleting}, nil
			}
			return &Descriptor{ID: "test-cluster", Status: StatusCreating}, nil
		},
		describe: func(int) (*Descriptor, error) { return available() },
	}
	c, rec := newTestController(t, cp)

	ep, err := c.GetOrCreate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, *testEndpoint, ep)
	assert.Equal(t, 2, cp.creates)
	assert.Equal(t, 1, cp.describes)
	assert.Equal(t, []time.Duration{time.Minute, time.Second}, rec.sleeps)
}

func TestGetOrCreateRecreatesClusterThatFinishedDeleting(t *testing.T) {
	// the cluster exists while being deleted, then disappears
	cp := &fakeControlPlane{
		create: func(n int) (*Descriptor, error) {
			if n < 2 {
				return nil, ErrAlreadyExists
			}
			return available()
		},
		describe: func(n int) (*Descriptor, error) {
			if n == 0 {
				return &Descriptor{ID: "test-cluster", Status: StatusDeleting}, nil
			}
			return nil, ErrNotFound
		},
	}
	c, _ := newTestController(t, cp)

	ep, err := c.GetOrCreate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, *testEndpoint, ep)
	assert.Equal(t, 3, cp.creates)
	assert.Equal(t, 2, cp.describes)
}

func TestGetOrCreateNotFoundRetriesExhausted(t *testing.T) {
	cp := &fakeControlPlane{
		create: func(int) (*Descriptor, error) {
			return &Descriptor{ID: "test-cluster", Status: StatusCreating}, nil
		},
		describe: func(int) (*Descriptor, error) { return nil, ErrNotFound },
	}
	c, _ := newTestController(t, cp, WithNotFoundRetries(2))

	_, err := c.GetOrCreate(context.Background())
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, KindAbsent, KindOf(err))
	assert.Equal(t, 3, cp.creates)
	assert.Equal(t, 3, cp.describes)
}

func TestGetNotFoundFailsImmediately(t *testing.T) {
	cp := &fakeControlPlane{describe: func(int) (*Descriptor, error) { return nil, ErrNotFound }}
	c, rec := newTestController(t, cp)

	_, err := c.Get(context.Background())
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, cp.creates)
	assert.Equal(t, 1, cp.describes)
	assert.Empty(t, rec.sleeps)
}

func TestGetWaitsOutDeletionThenReportsNotFound(t *testing.T) {
	cp := &fakeControlPlane{describe: func(n int) (*Descriptor, error) {
		if n < 2 {
			return &Descriptor{ID: "test-cluster", Status: StatusDeleting}, nil
		}
		return nil, ErrNotFound
	}}
	c, rec := newTestController(t, cp)

	_, err := c.Get(context.Background())
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, cp.creates)
	assert.Equal(t, []time.Duration{time.Minute, time.Minute}, rec.sleeps)
}

func TestTerminalErrorsPropagate(t *testing.T) {
	boom := errors.New("access denied")
	cp := &fakeControlPlane{
		create:   func(int) (*Descriptor, error) { return nil, boom },
		describe: func(int) (*Descriptor, error) { return nil, boom },
	}
	c, _ := newTestController(t, cp)

	_, err := c.GetOrCreate(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, KindTerminal, KindOf(err))

	_, err = c.Get(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, cp.creates)
	assert.Equal(t, 1, cp.describes)
}

func TestMaxAttempts(t *testing.T) {
	cp := &fakeControlPlane{describe: func(int) (*Descriptor, error) {
		return &Descriptor{ID: "test-cluster", Status: StatusCreating}, nil
	}}
	c, _ := newTestController(t, cp, WithMaxAttempts(5))

	_, err := c.Get(context.Background())
	require.ErrorIs(t, err, ErrProvisioningTimeout)
	assert.Equal(t, 5, cp.describes)
}

func TestTimeout(t *testing.T) {
	cp := &fakeControlPlane{describe: func(int) (*Descriptor, error) {
		return &Descriptor{ID: "test-cluster", Status: StatusCreating}, nil
	}}
	c := NewController(cp, Spec{ClusterID: "test-cluster"},
		WithLogger(zaptest.NewLogger(t).Sugar()),
		WithPollInterval(time.Hour),
		WithTimeout(20*time.Millisecond),
	)

	_, err := c.Get(context.Background())
	require.ErrorIs(t, err, ErrProvisioningTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCallerDeadlineIsNotProvisioningTimeout(t *testing.T) {
	cp := &fakeControlPlane{describe: func(int) (*Descriptor, error) {
		return &Descriptor{ID: "test-cluster", Status: StatusCreating}, nil
	}}
	c := NewController(cp, Spec{ClusterID: "test-cluster"}, WithPollInterval(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Get(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrProvisioningTimeout)
}

func TestObserveDescribesOnce(t *testing.T) {
	cp := &fakeControlPlane{describe: func(int) (*Descriptor, error) {
		return &Descriptor{ID: "test-cluster", Status: StatusDeleting}, nil
	}}
	c, rec := newTestController(t, cp)

	desc, err := c.Observe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusDeleting, desc.Status)
	assert.Equal(t, 1, cp.describes)
	assert.Empty(t, rec.sleeps)

	cp = &fakeControlPlane{describe: func(int) (*Descriptor, error) { return nil, ErrNotFound }}
	c, _ = newTestController(t, cp)
	_, err = c.Observe(context.Background())
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, cp.describes)
}

func TestCallerCancellationStopsPolling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cp := &fakeControlPlane{describe: func(n int) (*Descriptor, error) {
		cancel()
		return &Descriptor{ID: "test-cluster", Status: StatusCreating}, nil
	}}
	c := NewController(cp, Spec{ClusterID: "test-cluster"}, WithPollInterval(time.Hour))

	_, err := c.Get(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrProvisioningTimeout)
	assert.Equal(t, 1, cp.describes)
}

func TestDestroy(t *testing.T) {
	boom := errors.New("throttled")
	cases := []struct {
		name    string
		err     error
		wantErr error
	}{
		{name: "deleted", err: nil},
		{name: "already deleting", err: fmt.Errorf("%w: cluster is deleting", ErrInvalidState)},
		{name: "already gone", err: ErrNotFound},
		{name: "other error", err: boom, wantErr: boom},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			cp := &fakeControlPlane{delete: func(int) error { return tc.err }}
			c, _ := newTestController(t, cp)

			err := c.Destroy(context.Background())
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, 1, cp.deletes)
		})
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	sim := &simControlPlane{exists: true}
	c, _ := newTestController(t, sim)

	require.NoError(t, c.Destroy(context.Background()))
	require.NoError(t, c.Destroy(context.Background()))
	assert.Equal(t, 2, sim.deleteRequests)
}

func TestConcurrentGetOrCreateConverges(t *testing.T) {
	sim := &simControlPlane{pollsUntilUp: 3}
	c, _ := newTestController(t, sim)

	endpoints := make([]Endpoint, 4)
	group, groupCtx := errgroup.WithContext(context.Background())
	for i := range endpoints {
		i := i
		group.Go(func() error {
			ep, err := c.GetOrCreate(groupCtx)
			endpoints[i] = ep
			return err
		})
	}
	require.NoError(t, group.Wait())

	for _, ep := range endpoints {
		assert.Equal(t, *testEndpoint, ep)
	}
	assert.Equal(t, 1, sim.created)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindConflict, KindOf(fmt.Errorf("x: %w", ErrAlreadyExists)))
	assert.Equal(t, KindAbsent, KindOf(fmt.Errorf("x: %w", ErrNotFound)))
	assert.Equal(t, KindAbsent, KindOf(fmt.Errorf("x: %w", ErrInvalidState)))
	assert.Equal(t, KindTransient, KindOf(fmt.Errorf("x: %w", ErrProvisioningTimeout)))
	assert.Equal(t, KindTerminal, KindOf(errors.New("x")))
	assert.Equal(t, "conflict", KindConflict.String())
}
