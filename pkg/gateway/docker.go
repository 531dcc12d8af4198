package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/autoswarm/autoswarmd/pkg/log"
	"github.com/autoswarm/autoswarmd/pkg/types"
	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/rs/zerolog"
)

// DockerGateway implements Gateway against a live Docker Engine in swarm
// mode, reachable over DOCKER_HOST.
type DockerGateway struct {
	cli    *client.Client
	logger zerolog.Logger
}

// NewDockerGateway dials host (empty uses the engine's own DOCKER_HOST
// resolution) and negotiates the API version.
func NewDockerGateway(host string) (*DockerGateway, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("gateway: connect to engine: %w", err)
	}
	return &DockerGateway{cli: cli, logger: log.WithComponent("gateway")}, nil
}

func (g *DockerGateway) LocalNodeID(ctx context.Context) (string, error) {
	info, err := g.cli.Info(ctx)
	if err != nil {
		return "", fmt.Errorf("gateway: inspect engine info: %w", err)
	}
	if info.Swarm.NodeID == "" {
		return "", ErrNotInCluster
	}
	return info.Swarm.NodeID, nil
}

func (g *DockerGateway) ResolveNetwork(ctx context.Context, name string) (string, bool, error) {
	nets, err := g.cli.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return "", false, fmt.Errorf("gateway: list networks: %w", err)
	}
	for _, n := range nets {
		if n.Name == name {
			return n.ID, true, nil
		}
	}
	return "", false, nil
}

func (g *DockerGateway) ListNetworks(ctx context.Context) ([]types.Network, error) {
	nets, err := g.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("gateway: list networks: %w", err)
	}
	out := make([]types.Network, 0, len(nets))
	for _, n := range nets {
		out = append(out, types.Network{ID: n.ID, Name: n.Name, Driver: n.Driver})
	}
	return out, nil
}

func (g *DockerGateway) ListContainers(ctx context.Context) ([]types.Container, error) {
	summaries, err := g.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("gateway: list containers: %w", err)
	}
	out := make([]types.Container, 0, len(summaries))
	for _, s := range summaries {
		c, err := g.GetContainer(ctx, s.ID)
		if err != nil {
			g.logger.Warn().Err(err).Str("container_id", s.ID).Msg("failed to inspect listed container")
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (g *DockerGateway) GetContainer(ctx context.Context, id string) (types.Container, error) {
	inspect, err := g.cli.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return types.Container{}, ErrNotFound
		}
		return types.Container{}, fmt.Errorf("gateway: inspect container %s: %w", id, err)
	}
	return containerFromInspect(inspect), nil
}

func containerFromInspect(inspect dockertypes.ContainerJSON) types.Container {
	c := types.Container{
		ID:     inspect.ID,
		Name:   strings.TrimPrefix(inspect.Name, "/"),
		Labels: map[string]string{},
	}
	if inspect.Config != nil {
		c.Image = inspect.Config.Image
		c.Env = inspect.Config.Env
		c.WorkingDir = inspect.Config.WorkingDir
		c.User = inspect.Config.User
		c.Entrypoint = []string(inspect.Config.Entrypoint)
		c.Cmd = []string(inspect.Config.Cmd)
		c.TTY = inspect.Config.Tty
		if inspect.Config.Labels != nil {
			c.Labels = inspect.Config.Labels
		}
	}
	if inspect.HostConfig != nil {
		c.RestartPolicy = types.RestartPolicy{
			Name:              string(inspect.HostConfig.RestartPolicy.Name),
			MaximumRetryCount: inspect.HostConfig.RestartPolicy.MaximumRetryCount,
		}
		c.PortBindings = map[string][]types.PortBinding{}
		for port, bindings := range inspect.HostConfig.PortBindings {
			list := make([]types.PortBinding, 0, len(bindings))
			for _, b := range bindings {
				list = append(list, types.PortBinding{HostIP: b.HostIP, HostPort: b.HostPort})
			}
			c.PortBindings[string(port)] = list
		}
	}
	if inspect.NetworkSettings != nil {
		c.Networks = map[string]types.NetworkAttachment{}
		for name, ep := range inspect.NetworkSettings.Networks {
			if ep == nil {
				continue
			}
			c.Networks[name] = types.NetworkAttachment{NetworkID: ep.NetworkID}
		}
	}
	for _, m := range inspect.Mounts {
		c.Mounts = append(c.Mounts, types.Mount{
			Destination: string(m.Destination),
			Source:      m.Source,
			Type:        string(m.Type),
			RW:          m.RW,
			Propagation: string(m.Propagation),
		})
	}
	return c
}

func (g *DockerGateway) ListServices(ctx context.Context) ([]types.Service, error) {
	services, err := g.cli.ServiceList(ctx, dockertypes.ServiceListOptions{})
	if err != nil {
		return nil, fmt.Errorf("gateway: list services: %w", err)
	}
	out := make([]types.Service, 0, len(services))
	for _, s := range services {
		out = append(out, serviceFromSwarm(s))
	}
	return out, nil
}

func (g *DockerGateway) GetService(ctx context.Context, name string) (types.Service, error) {
	svc, _, err := g.cli.ServiceInspectWithRaw(ctx, name, dockertypes.ServiceInspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return types.Service{}, ErrNotFound
		}
		return types.Service{}, fmt.Errorf("gateway: inspect service %s: %w", name, err)
	}
	return serviceFromSwarm(svc), nil
}

func serviceFromSwarm(s swarm.Service) types.Service {
	spec := s.Spec
	version := s.Version.Index
	out := types.Service{
		ID:      s.ID,
		Name:    spec.Name,
		Version: types.Version{Index: &version},
		Spec: types.ServiceSpec{
			Name:   spec.Name,
			Labels: spec.Labels,
			TaskTemplate: types.TaskTemplate{
				ContainerSpec: containerSpecFromSwarm(*spec.TaskTemplate.ContainerSpec),
				RestartPolicy: restartPolicyFromSwarm(spec.TaskTemplate.RestartPolicy),
			},
		},
	}
	if spec.TaskTemplate.Placement != nil {
		out.Spec.TaskTemplate.Placement = &types.Placement{Constraints: spec.TaskTemplate.Placement.Constraints}
	}
	for _, n := range spec.TaskTemplate.Networks {
		out.Spec.Networks = append(out.Spec.Networks, types.NetworkAttachmentSpec{
			Target:  n.Target,
			Aliases: n.Aliases,
		})
	}
	if spec.EndpointSpec != nil && len(spec.EndpointSpec.Ports) > 0 {
		ports := make([]types.PortConfig, 0, len(spec.EndpointSpec.Ports))
		for _, p := range spec.EndpointSpec.Ports {
			ports = append(ports, types.PortConfig{
				Protocol:      string(p.Protocol),
				TargetPort:    p.TargetPort,
				PublishedPort: p.PublishedPort,
				PublishMode:   string(p.PublishMode),
			})
		}
		out.Spec.EndpointSpec = &types.EndpointSpec{Ports: ports}
	}
	return out
}

func containerSpecFromSwarm(cs swarm.ContainerSpec) types.ContainerSpec {
	out := types.ContainerSpec{
		Image:   cs.Image,
		Env:     cs.Env,
		User:    cs.User,
		Dir:     cs.Dir,
		Command: cs.Command,
		Args:    cs.Args,
		TTY:     cs.TTY,
		Labels:  cs.Labels,
	}
	for _, m := range cs.Mounts {
		ms := types.MountSpec{
			Target:   m.Target,
			Source:   m.Source,
			Type:     string(m.Type),
			ReadOnly: m.ReadOnly,
		}
		if m.BindOptions != nil {
			ms.Propagation = string(m.BindOptions.Propagation)
		}
		out.Mounts = append(out.Mounts, ms)
	}
	return out
}

func restartPolicyFromSwarm(rp *swarm.RestartPolicy) types.RestartPolicySpec {
	if rp == nil {
		return types.RestartPolicySpec{Condition: types.RestartConditionAny}
	}
	out := types.RestartPolicySpec{Condition: string(rp.Condition)}
	if rp.MaxAttempts != nil {
		v := *rp.MaxAttempts
		out.MaxAttempts = &v
	}
	return out
}

func specToSwarm(spec types.ServiceSpec) swarm.ServiceSpec {
	out := swarm.ServiceSpec{
		Annotations: swarm.Annotations{Name: spec.Name, Labels: spec.Labels},
		TaskTemplate: swarm.TaskSpec{
			ContainerSpec: &swarm.ContainerSpec{
				Image:   spec.TaskTemplate.ContainerSpec.Image,
				Env:     spec.TaskTemplate.ContainerSpec.Env,
				User:    spec.TaskTemplate.ContainerSpec.User,
				Dir:     spec.TaskTemplate.ContainerSpec.Dir,
				Command: spec.TaskTemplate.ContainerSpec.Command,
				Args:    spec.TaskTemplate.ContainerSpec.Args,
				TTY:     spec.TaskTemplate.ContainerSpec.TTY,
				Labels:  spec.TaskTemplate.ContainerSpec.Labels,
			},
			RestartPolicy: &swarm.RestartPolicy{Condition: swarm.RestartPolicyCondition(spec.TaskTemplate.RestartPolicy.Condition)},
		},
		Mode: swarm.ServiceMode{Replicated: &swarm.ReplicatedService{Replicas: &spec.Mode.Replicated.Replicas}},
	}
	if spec.TaskTemplate.RestartPolicy.MaxAttempts != nil {
		out.TaskTemplate.RestartPolicy.MaxAttempts = spec.TaskTemplate.RestartPolicy.MaxAttempts
	}
	for _, m := range spec.TaskTemplate.ContainerSpec.Mounts {
		swm := mountTypeSwarm(m)
		out.TaskTemplate.ContainerSpec.Mounts = append(out.TaskTemplate.ContainerSpec.Mounts, swm)
	}
	if spec.TaskTemplate.Placement != nil {
		out.TaskTemplate.Placement = &swarm.Placement{Constraints: spec.TaskTemplate.Placement.Constraints}
	}
	for _, n := range spec.Networks {
		out.TaskTemplate.Networks = append(out.TaskTemplate.Networks, swarm.NetworkAttachmentConfig{
			Target:  n.Target,
			Aliases: n.Aliases,
		})
	}
	if spec.EndpointSpec != nil {
		ports := make([]swarm.PortConfig, 0, len(spec.EndpointSpec.Ports))
		for _, p := range spec.EndpointSpec.Ports {
			ports = append(ports, swarm.PortConfig{
				Protocol:      swarm.PortConfigProtocol(p.Protocol),
				TargetPort:    p.TargetPort,
				PublishedPort: p.PublishedPort,
				PublishMode:   swarm.PortConfigPublishMode(p.PublishMode),
			})
		}
		out.EndpointSpec = &swarm.EndpointSpec{Ports: ports}
	}
	return out
}

func mountTypeSwarm(m types.MountSpec) mount.Mount {
	sm := mount.Mount{
		Target:   m.Target,
		Source:   m.Source,
		Type:     swarmMountType(m.Type),
		ReadOnly: m.ReadOnly,
	}
	if sm.Type == swarmMountType(types.MountTypeBind) {
		sm.BindOptions = &mount.BindOptions{Propagation: mount.Propagation(m.Propagation)}
	}
	return sm
}

func swarmMountType(t string) mount.Type {
	return mount.Type(t)
}

func (g *DockerGateway) CreateService(ctx context.Context, spec types.ServiceSpec) error {
	_, err := g.cli.ServiceCreate(ctx, specToSwarm(spec), dockertypes.ServiceCreateOptions{})
	if err != nil {
		if errdefs.IsConflict(err) {
			return fmt.Errorf("%s: %w", spec.Name, ErrAlreadyExists)
		}
		return fmt.Errorf("gateway: create service %s: %w", spec.Name, err)
	}
	return nil
}

func (g *DockerGateway) UpdateService(ctx context.Context, id string, version uint64, spec types.ServiceSpec) error {
	_, err := g.cli.ServiceUpdate(ctx, id, swarm.Version{Index: version}, specToSwarm(spec), dockertypes.ServiceUpdateOptions{})
	if err != nil {
		if errdefs.IsConflict(err) {
			return fmt.Errorf("%s: %w", id, ErrVersionMismatch)
		}
		return fmt.Errorf("gateway: update service %s: %w", id, err)
	}
	return nil
}

func (g *DockerGateway) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := g.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("gateway: stop container %s: %w", id, err)
	}
	return nil
}

func (g *DockerGateway) RemoveContainer(ctx context.Context, id string) error {
	if err := g.cli.ContainerRemove(ctx, id, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("gateway: remove container %s: %w", id, err)
	}
	return nil
}

func (g *DockerGateway) EventStream(ctx context.Context) (<-chan types.Event, <-chan error) {
	args := filters.NewArgs(filters.Arg("type", "container"))
	msgs, errs := g.cli.Events(ctx, events.ListOptions{Filters: args})

	out := make(chan types.Event)
	outErr := make(chan error, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				evt := types.Event{
					Type:   string(msg.Type),
					Action: string(msg.Action),
					ID:     msg.Actor.ID,
					Time:   time.Unix(msg.Time, 0),
				}
				select {
				case <-ctx.Done():
					return
				case out <- evt:
				}
			case err, ok := <-errs:
				if !ok {
					return
				}
				if err != nil {
					outErr <- err
					return
				}
			}
		}
	}()
	return out, outErr
}
