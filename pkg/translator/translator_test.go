package translator

import (
	"testing"

	"github.com/autoswarm/autoswarmd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func webContainer() types.Container {
	return types.Container{
		ID:    "abcdef012345",
		Name:  "/web",
		Image: "nginx:1.25",
		Mounts: []types.Mount{
			{Destination: "/data", Source: "/srv/web", Type: types.MountTypeBind, RW: true},
		},
		PortBindings: map[string][]types.PortBinding{
			"80/tcp": {{HostIP: "", HostPort: "8080"}},
		},
		Networks: map[string]types.NetworkAttachment{
			"bridge": {NetworkID: "bridge-id"},
		},
	}
}

func TestTranslate_UnmanagedContainerWithBindMount(t *testing.T) {
	opts := Options{
		LocalNodeID:      "node-1",
		IngressNetworkID: "traefik-net-id",
	}
	spec := Translate(webContainer(), opts)

	assert.Equal(t, "web", spec.Name)
	require.NotNil(t, spec.Mode.Replicated)
	assert.EqualValues(t, 1, spec.Mode.Replicated.Replicas)
	assert.Equal(t, "nginx:1.25", spec.TaskTemplate.ContainerSpec.Image)
	require.NotNil(t, spec.TaskTemplate.Placement)
	assert.Equal(t, []string{"node.id==node-1"}, spec.TaskTemplate.Placement.Constraints)

	require.NotNil(t, spec.EndpointSpec)
	require.Len(t, spec.EndpointSpec.Ports, 1)
	port := spec.EndpointSpec.Ports[0]
	assert.Equal(t, "tcp", port.Protocol)
	assert.EqualValues(t, 80, port.TargetPort)
	assert.EqualValues(t, 8080, port.PublishedPort)
	assert.Equal(t, types.PublishModeIngress, port.PublishMode)

	require.Len(t, spec.Networks, 1)
	assert.Equal(t, "traefik-net-id", spec.Networks[0].Target)
}

func TestTranslate_ManagedLabelAndReplicaInvariant(t *testing.T) {
	for _, c := range []types.Container{webContainer(), {ID: "000000000000111111111111", Name: ""}} {
		spec := Translate(c, Options{})
		assert.Equal(t, "true", spec.Labels[types.ManagedLabel])
		require.NotNil(t, spec.Mode.Replicated)
		assert.EqualValues(t, 1, spec.Mode.Replicated.Replicas)
	}
}

func TestDeriveServiceName_CharacterSetAndTrim(t *testing.T) {
	cases := []struct {
		name string
		c    types.Container
		want string
	}{
		{"leading slash stripped", types.Container{Name: "/Web_App.01"}, "web_app-01"},
		{"falls back to id", types.Container{Name: "", ID: "abcdef012345678"}, "abcdef012345"},
		{"falls back to autoswarm prefix", types.Container{Name: "***", ID: "abcdef01"}, "autoswarm-abcdef01"},
		{"trims leading/trailing dashes", types.Container{Name: "--hello--"}, "hello"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := deriveServiceName(tc.c)
			assert.Equal(t, tc.want, got)
			for _, r := range got {
				assert.True(t, r == '-' || r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
			}
			if got != "" {
				assert.NotEqual(t, byte('-'), got[0])
				assert.NotEqual(t, byte('-'), got[len(got)-1])
			}
		})
	}
}

func TestRequiresLocalConstraint(t *testing.T) {
	assert.True(t, requiresLocalConstraint([]types.MountSpec{{Type: types.MountTypeBind}}))
	assert.True(t, requiresLocalConstraint([]types.MountSpec{{Type: types.MountTypeVolume, Source: "/opt/data"}}))
	assert.False(t, requiresLocalConstraint([]types.MountSpec{{Type: types.MountTypeVolume, Source: types.DockerVolumeRoot + "myvol/_data"}}))
	assert.False(t, requiresLocalConstraint(nil))
}

func TestBuildRestartPolicy(t *testing.T) {
	none := buildRestartPolicy(types.RestartPolicy{Name: "no"})
	assert.Equal(t, types.RestartConditionNone, none.Condition)
	assert.Nil(t, none.MaxAttempts)

	any := buildRestartPolicy(types.RestartPolicy{})
	assert.Equal(t, types.RestartConditionAny, any.Condition)

	withRetries := buildRestartPolicy(types.RestartPolicy{Name: "on-failure", MaximumRetryCount: 3})
	require.NotNil(t, withRetries.MaxAttempts)
	assert.EqualValues(t, 3, *withRetries.MaxAttempts)
}

func TestCollectNetworks_SkipsReservedAndNonOverlay(t *testing.T) {
	c := types.Container{
		Networks: map[string]types.NetworkAttachment{
			"bridge": {NetworkID: "bridge-id"},
			"host":   {NetworkID: "host-id"},
			"appnet": {NetworkID: "unused"},
		},
	}
	opts := Options{
		AvailableNetworks: []types.Network{
			{ID: "appnet-id", Name: "appnet", Driver: "bridge"}, // wrong driver, skipped
		},
	}
	nets := collectNetworks(c, opts)
	assert.Empty(t, nets)
}

func TestCollectPorts_HostModeWhenHostIPSet(t *testing.T) {
	c := types.Container{
		PortBindings: map[string][]types.PortBinding{
			"443/tcp": {{HostIP: "10.0.0.5", HostPort: "443"}},
		},
	}
	ports := collectPorts(c)
	require.Len(t, ports, 1)
	assert.Equal(t, types.PublishModeHost, ports[0].PublishMode)
}
