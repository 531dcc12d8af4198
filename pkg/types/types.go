// Package types holds the data model shared by the gateway, translator,
// control-plane client and reconciler: plain records decoupled from the
// Docker API wire shapes so the conversion and diff logic stays testable
// without a live engine.
package types

import (
	"strings"
	"time"
)

// Well-known labels.
const (
	ManagedLabel = "autoswarm.managed"
	SourceLabel  = "autoswarm.source"
	IgnoreLabel  = "autoswarm.ignore"
)

// clusterReservedLabels mark a container as already under cluster
// management; such containers are never converted.
var clusterReservedLabels = []string{
	"com.docker.swarm.service.name",
	"com.docker.swarm.task",
	"com.docker.compose.project",
	ManagedLabel,
}

// IsClusterOwned reports whether labels carry any cluster-reserved key.
func IsClusterOwned(labels map[string]string) bool {
	for _, key := range clusterReservedLabels {
		if _, ok := labels[key]; ok {
			return true
		}
	}
	return false
}

// IsIgnored reports whether the container opted out via IgnoreLabel.
func IsIgnored(labels map[string]string) bool {
	return strings.EqualFold(labels[IgnoreLabel], "true")
}

// Mount types recognised on a container.
const (
	MountTypeBind   = "bind"
	MountTypeVolume = "volume"
	MountTypeTmpfs  = "tmpfs"
)

// DockerVolumeRoot is the engine's default path for named volumes; mounts
// whose source lives outside it are treated as node-local data.
const DockerVolumeRoot = "/var/lib/docker/volumes/"

// RestartPolicy mirrors the container's host-config restart policy.
type RestartPolicy struct {
	Name              string
	MaximumRetryCount int
}

// PortBinding is one published host binding for a container port.
type PortBinding struct {
	HostIP   string
	HostPort string
}

// NetworkAttachment is a container's attachment to a named network.
type NetworkAttachment struct {
	NetworkID string
}

// Mount is one bind/volume/tmpfs mount on a container.
type Mount struct {
	Destination string
	Source      string
	Type        string
	RW          bool
	Propagation string
}

// Container is a read-only snapshot of an inspected container, the input
// to the translator.
type Container struct {
	ID    string
	Name  string
	Image string

	Env        []string
	WorkingDir string
	User       string
	Entrypoint []string
	Cmd        []string
	TTY        bool
	Labels     map[string]string

	RestartPolicy RestartPolicy
	PortBindings  map[string][]PortBinding // "<port>/<proto>" -> bindings

	Networks map[string]NetworkAttachment // name -> attachment

	Mounts []Mount
}

// Network is an orchestrator-visible network.
type Network struct {
	ID     string
	Name   string
	Driver string
}

// MountSpec is one mount entry in a translated container spec.
type MountSpec struct {
	Target      string
	Source      string
	Type        string
	ReadOnly    bool
	Propagation string // empty unless Type == MountTypeBind
}

// Publish modes for a translated port.
const (
	PublishModeIngress = "ingress"
	PublishModeHost    = "host"
)

// PortConfig is one published port entry in an endpoint spec.
type PortConfig struct {
	Protocol      string
	TargetPort    uint32
	PublishedPort uint32
	PublishMode   string
}

// RestartPolicySpec is the translated task-template restart policy.
type RestartPolicySpec struct {
	Condition   string
	MaxAttempts *uint64
}

// Restart conditions after name remapping.
const (
	RestartConditionAny  = "any"
	RestartConditionNone = "none"
)

// Placement carries optional node-affinity constraints.
type Placement struct {
	Constraints []string
}

// ContainerSpec is the projected, minimal container spec of a service's
// task template. Empty fields are dropped by the builder, not by callers
// checking for emptiness at each use site.
type ContainerSpec struct {
	Image   string
	Env     []string
	User    string
	Dir     string
	Command []string
	Args    []string
	Mounts  []MountSpec
	TTY     bool
	Labels  map[string]string
}

// TaskTemplate is the per-task portion of a service spec.
type TaskTemplate struct {
	ContainerSpec ContainerSpec
	RestartPolicy RestartPolicySpec
	Placement     *Placement
}

// ReplicatedService pins the service to a fixed replica count; this
// system only ever creates services with Replicas == 1.
type ReplicatedService struct {
	Replicas uint64
}

// ServiceMode wraps the replicated-mode payload.
type ServiceMode struct {
	Replicated *ReplicatedService
}

// NetworkAttachmentSpec attaches a service to a network by id.
type NetworkAttachmentSpec struct {
	Target  string
	Aliases []string `json:",omitempty"` // nil when the source had none; never serialised as null
}

// EndpointSpec is the published-port portion of a service spec.
type EndpointSpec struct {
	Ports []PortConfig
}

// ServiceSpec is the declarative spec the translator produces and the
// reconciler patches.
type ServiceSpec struct {
	Name         string
	Labels       map[string]string
	TaskTemplate TaskTemplate
	Mode         ServiceMode
	Networks     []NetworkAttachmentSpec
	EndpointSpec *EndpointSpec
}

// Version is the optimistic-concurrency guard on a live service. Index
// is nil when the engine did not report version metadata for a service,
// which the reconciler treats as "never update this cycle".
type Version struct {
	Index *uint64
}

// Service is a live orchestrator service.
type Service struct {
	ID      string
	Name    string
	Version Version
	Spec    ServiceSpec
}

// Domain is one control-plane-declared hostname for an application.
type Domain struct {
	DomainID        string
	Host            string
	DomainType      string
	CreatedAt       string
	UniqueConfigKey string
}

// Application is the control plane's declarative record of a workload.
type Application struct {
	ApplicationID string
	AppName       string
	LabelsSwarm   map[string]string
	NetworkSwarm  []NetworkAttachmentSpec
	Domains       []Domain
}

// Event is one entry from the orchestrator's event stream.
type Event struct {
	Type   string
	Action string
	ID     string
	Time   time.Time
}

// Event types and actions the supervisor acts on.
const (
	EventTypeContainer = "container"
	EventActionCreate  = "create"
	EventActionStart   = "start"
)
