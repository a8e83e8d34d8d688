package cluster

import (
	"context"
	"fmt"
)

// ControlPlane is the remote provisioning API for the test cluster.
// Calls do not take effect synchronously, so a successful Create is no guarantee that a following Describe sees the cluster.
// Implementations report well-known failures by wrapping ErrNotFound, ErrAlreadyExists and ErrInvalidState.
type ControlPlane interface {
	Create(ctx context.Context, spec Spec) (*Descriptor, error)
	Describe(ctx context.Context, id string) (*Descriptor, error)
	Delete(ctx context.Context, id string) error
}

// Spec is the fixed configuration the cluster is created with.
type Spec struct {
	ClusterID          string
	NodeType           string
	DBName             string
	MasterUsername     string
	MasterPassword     string
	SecurityGroupIDs   []string
	IAMRoleARNs        []string
	PubliclyAccessible bool
}

type Status string

const (
	StatusCreating  Status = "creating"
	StatusAvailable Status = "available"
	StatusDeleting  Status = "deleting"
	StatusUnknown   Status = "unknown"
)

// Endpoint is the network address of the cluster's database.
type Endpoint struct {
	Address string `json:"Address"`
	Port    int    `json:"Port"`
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Address, e.Port)
}

// Descriptor is the control plane's view of the cluster.
// Endpoint may be nil even when Status is StatusAvailable.
type Descriptor struct {
	ID       string
	Status   Status
	Endpoint *Endpoint
}

// Ready reports whether the cluster can be connected to.
func (d *Descriptor) Ready() bool {
	return d.Status == StatusAvailable && d.Endpoint != nil && d.Endpoint.Address != ""
}
