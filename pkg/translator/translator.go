// Package translator converts an inspected container's attributes into
// the equivalent cluster service spec: mounts, ports, networks, restart
// policy and placement. It is a pure function of its inputs — network
// resolution is passed in as already-fetched data rather than performed
// here, so the conversion stays testable without a live engine.
package translator

import (
	"strconv"
	"strings"

	"github.com/autoswarm/autoswarmd/pkg/types"
	"github.com/docker/go-connections/nat"
)

// reservedNetworks are never carried forward as service attachments.
var reservedNetworks = map[string]struct{}{
	"bridge": {},
	"host":   {},
	"none":   {},
}

// Options carries the pieces of cluster state the translator needs but
// does not fetch itself.
type Options struct {
	// LocalNodeID is this node's cluster id, used for bind-mount
	// placement constraints.
	LocalNodeID string
	// AvailableNetworks is the full set of networks the orchestrator
	// currently knows about, used to resolve attachment names to ids.
	AvailableNetworks []types.Network
	// IngressNetworkID is the resolved id of the ingress overlay
	// ("traefik network"); empty if it could not be resolved.
	IngressNetworkID string
}

// Translate converts an inspected container into the service spec that
// should replace it.
func Translate(c types.Container, opts Options) types.ServiceSpec {
	mounts := collectMounts(c)
	networks := collectNetworks(c, opts)
	ports := collectPorts(c)

	spec := types.ServiceSpec{
		Name: deriveServiceName(c),
		Labels: map[string]string{
			types.ManagedLabel: "true",
			types.SourceLabel:  strings.TrimPrefix(c.Name, "/"),
		},
		TaskTemplate: types.TaskTemplate{
			ContainerSpec: buildContainerSpec(c, mounts),
			RestartPolicy: buildRestartPolicy(c.RestartPolicy),
		},
		Mode: types.ServiceMode{Replicated: &types.ReplicatedService{Replicas: 1}},
	}

	if requiresLocalConstraint(mounts) {
		spec.TaskTemplate.Placement = &types.Placement{
			Constraints: []string{"node.id==" + opts.LocalNodeID},
		}
	}
	if len(networks) > 0 {
		spec.Networks = networks
	}
	if len(ports) > 0 {
		spec.EndpointSpec = &types.EndpointSpec{Ports: ports}
	}
	return spec
}

// deriveServiceName derives a valid, sanitised service name from the
// container's attributes. Starts from the container name with any
// leading separator stripped, falling back to the first 12 id
// characters. Lowercases alphanumerics, keeps '-'/'_', replaces anything
// else with '-', and trims leading/trailing '-'.
func deriveServiceName(c types.Container) string {
	raw := strings.TrimPrefix(c.Name, "/")
	if raw == "" {
		raw = firstN(c.ID, 12)
	}
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r - 'A' + 'a')
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	name := strings.Trim(b.String(), "-")
	if name == "" {
		name = "autoswarm-" + firstN(c.ID, 8)
	}
	return name
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// collectMounts translates each mount with a non-empty destination and
// source into a MountSpec; bind mounts carry propagation (default
// "rprivate").
func collectMounts(c types.Container) []types.MountSpec {
	var out []types.MountSpec
	for _, m := range c.Mounts {
		if m.Destination == "" || m.Source == "" {
			continue
		}
		ms := types.MountSpec{
			Target:   m.Destination,
			Source:   m.Source,
			Type:     m.Type,
			ReadOnly: !m.RW,
		}
		if m.Type == types.MountTypeBind {
			propagation := m.Propagation
			if propagation == "" {
				propagation = "rprivate"
			}
			ms.Propagation = propagation
		}
		out = append(out, ms)
	}
	return out
}

// collectNetworks carries forward overlay attachments (skipping
// bridge/host/none) and always unions the ingress overlay, even if the
// container was never attached to it.
func collectNetworks(c types.Container, opts Options) []types.NetworkAttachmentSpec {
	wanted := map[string]struct{}{}
	for name := range c.Networks {
		if _, reserved := reservedNetworks[name]; reserved {
			continue
		}
		wanted[name] = struct{}{}
	}

	byName := make(map[string]types.Network, len(opts.AvailableNetworks))
	for _, n := range opts.AvailableNetworks {
		byName[n.Name] = n
	}

	var out []types.NetworkAttachmentSpec
	seen := map[string]struct{}{}
	addByName := func(name string) {
		n, ok := byName[name]
		if !ok {
			return
		}
		if n.Driver != "overlay" {
			return
		}
		if _, dup := seen[n.ID]; dup {
			return
		}
		seen[n.ID] = struct{}{}
		out = append(out, types.NetworkAttachmentSpec{Target: n.ID})
	}
	for name := range wanted {
		addByName(name)
	}
	if opts.IngressNetworkID != "" {
		if _, dup := seen[opts.IngressNetworkID]; !dup {
			out = append(out, types.NetworkAttachmentSpec{Target: opts.IngressNetworkID})
		}
	}
	return out
}

// collectPorts emits one PortConfig per host binding on each published
// container port.
func collectPorts(c types.Container) []types.PortConfig {
	var out []types.PortConfig
	for portProto, bindings := range c.PortBindings {
		if len(bindings) == 0 {
			continue
		}
		port, proto := splitPortProto(portProto)
		targetPort, err := strconv.Atoi(port)
		if err != nil {
			continue
		}
		for _, b := range bindings {
			if b.HostPort == "" {
				continue
			}
			published, err := strconv.Atoi(b.HostPort)
			if err != nil {
				continue
			}
			mode := types.PublishModeIngress
			if b.HostIP != "" && b.HostIP != "0.0.0.0" {
				mode = types.PublishModeHost
			}
			out = append(out, types.PortConfig{
				Protocol:      proto,
				TargetPort:    uint32(targetPort),
				PublishedPort: uint32(published),
				PublishMode:   mode,
			})
		}
	}
	return out
}

func splitPortProto(portProto string) (port, proto string) {
	p := nat.Port(portProto)
	return p.Port(), p.Proto()
}

// requiresLocalConstraint reports whether any mount ties the service to
// this node: any bind mount, or any named volume whose source does not
// live under the engine's default volume root.
func requiresLocalConstraint(mounts []types.MountSpec) bool {
	for _, m := range mounts {
		if m.Type == types.MountTypeBind {
			return true
		}
		if m.Type == types.MountTypeVolume && !strings.HasPrefix(m.Source, types.DockerVolumeRoot) {
			return true
		}
	}
	return false
}

// buildContainerSpec projects the container's config onto the minimal
// set of fields the service's container spec carries, dropping anything
// empty.
func buildContainerSpec(c types.Container, mounts []types.MountSpec) types.ContainerSpec {
	spec := types.ContainerSpec{
		Image: c.Image,
		User:  c.User,
		Dir:   c.WorkingDir,
		TTY:   c.TTY,
	}
	if len(c.Env) > 0 {
		spec.Env = c.Env
	}
	if len(c.Entrypoint) > 0 {
		spec.Command = c.Entrypoint
	}
	if len(c.Cmd) > 0 {
		spec.Args = c.Cmd
	}
	if len(mounts) > 0 {
		spec.Mounts = mounts
	}
	return spec
}

// buildRestartPolicy remaps "no" to "none" and defaults to "any" when
// unset, including MaxAttempts only when the source specified a
// nonzero retry count.
func buildRestartPolicy(rp types.RestartPolicy) types.RestartPolicySpec {
	condition := rp.Name
	if condition == "" {
		condition = types.RestartConditionAny
	} else if condition == "no" {
		condition = types.RestartConditionNone
	}
	out := types.RestartPolicySpec{Condition: condition}
	if rp.MaximumRetryCount > 0 {
		v := uint64(rp.MaximumRetryCount)
		out.MaxAttempts = &v
	}
	return out
}
