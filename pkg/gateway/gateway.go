// Package gateway defines the narrow contract the rest of the daemon uses
// to talk to the container engine, and a concrete implementation against
// the Docker Engine API.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/autoswarm/autoswarmd/pkg/types"
)

// Sentinel errors the reconciler and daemon match on with errors.Is,
// rather than string-matching engine errors.
var (
	ErrNotInCluster    = errors.New("gateway: local node is not part of a cluster")
	ErrNotFound        = errors.New("gateway: resource not found")
	ErrAlreadyExists   = errors.New("gateway: resource already exists")
	ErrVersionMismatch = errors.New("gateway: service version mismatch")
)

// Gateway is a thin contract over the container engine: list/inspect
// containers, create/update/remove services, list networks, stream
// events. Implementations own all engine-specific error translation.
type Gateway interface {
	// LocalNodeID returns this node's cluster id. Called once at
	// startup; ErrNotInCluster is fatal.
	LocalNodeID(ctx context.Context) (string, error)

	// ResolveNetwork returns the network id for name, or ok == false if
	// no such network exists. Never returns an error for "not found".
	ResolveNetwork(ctx context.Context, name string) (id string, ok bool, err error)
	ListNetworks(ctx context.Context) ([]types.Network, error)

	ListContainers(ctx context.Context) ([]types.Container, error)
	GetContainer(ctx context.Context, id string) (types.Container, error)

	ListServices(ctx context.Context) ([]types.Service, error)
	GetService(ctx context.Context, name string) (types.Service, error)
	CreateService(ctx context.Context, spec types.ServiceSpec) error
	UpdateService(ctx context.Context, id string, version uint64, spec types.ServiceSpec) error

	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string) error

	// EventStream returns a hot channel of engine events plus an error
	// channel; either channel closing signals the stream ended. Callers
	// reconnect on error with their own backoff.
	EventStream(ctx context.Context) (<-chan types.Event, <-chan error)
}
