package cluster

import "errors"

var (
	ErrNotFound            = errors.New("cluster not found")
	ErrAlreadyExists       = errors.New("cluster already exists")
	ErrInvalidState        = errors.New("invalid cluster state")
	ErrProvisioningTimeout = errors.New("timed out waiting for cluster")
)

// Kind is the closed set of failure classes the lifecycle code branches on.
type Kind int

const (
	// KindTerminal errors are propagated unchanged.
	KindTerminal Kind = iota
	// KindTransient errors may go away when the call is repeated later.
	KindTransient
	// KindConflict errors are recovered by falling back to the read path or retrying.
	KindConflict
	// KindAbsent errors mean the cluster is gone or already being deleted, which teardown paths treat as success.
	KindAbsent
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindConflict:
		return "conflict"
	case KindAbsent:
		return "absent"
	default:
		return "terminal"
	}
}

// KindOf classifies err. Unrecognized errors are terminal.
// ErrInvalidState is absent: the control plane reports it when deleting a cluster that is already being deleted.
// ErrProvisioningTimeout is transient: the cluster keeps converging after the call gave up waiting.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrAlreadyExists):
		return KindConflict
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidState):
		return KindAbsent
	case errors.Is(err, ErrProvisioningTimeout):
		return KindTransient
	default:
		return KindTerminal
	}
}
