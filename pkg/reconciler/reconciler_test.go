package reconciler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/autoswarm/autoswarmd/pkg/controlplane"
	"github.com/autoswarm/autoswarmd/pkg/gateway"
	"github.com/autoswarm/autoswarmd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRouterRule(t *testing.T) {
	value, changed := normalizeRouterRule("Host(`a`)", "a")
	assert.Equal(t, "Host(`a`)", value)
	assert.False(t, changed)

	value, changed = normalizeRouterRule("Host(`a`) && PathPrefix(`/x`)", "b")
	assert.Equal(t, "Host(`b`)", value)
	assert.True(t, changed)
}

func TestFindPrimaryDomain_TieBreakOnCreatedAt(t *testing.T) {
	domains := []types.Domain{
		{Host: "a.example.com", DomainType: "application", CreatedAt: "1"},
		{Host: "b.example.com", DomainType: "application", CreatedAt: "2"},
	}
	primary := findPrimaryDomain(domains, "")
	require.NotNil(t, primary)
	assert.Equal(t, "b.example.com", primary.Host)
}

func TestFindPrimaryDomain_PrefersExactHostMatch(t *testing.T) {
	domains := []types.Domain{
		{Host: "old.example.com", DomainType: "application", CreatedAt: "9"},
		{Host: "current.example.com", DomainType: "application", CreatedAt: "1"},
	}
	primary := findPrimaryDomain(domains, "current.example.com")
	require.NotNil(t, primary)
	assert.Equal(t, "current.example.com", primary.Host)
}

func TestBuildDesiredLabels_RewritesDriftedHost(t *testing.T) {
	app := types.Application{
		AppName: "blog",
		LabelsSwarm: map[string]string{
			"traefik.http.routers.blog.rule": "Host(`old.example.com`)",
		},
		Domains: []types.Domain{
			{Host: "new.example.com", DomainType: "application", CreatedAt: "2"},
		},
	}
	labels, changed := buildDesiredLabels(app)
	assert.True(t, changed)
	assert.Equal(t, "Host(`new.example.com`)", labels["traefik.http.routers.blog.rule"])
}

func TestLabelsAreSuperset(t *testing.T) {
	assert.True(t, labelsAreSuperset(map[string]string{"a": "1", "b": "2"}, map[string]string{"a": "1"}))
	assert.False(t, labelsAreSuperset(map[string]string{"a": "1"}, map[string]string{"a": "2"}))
	assert.True(t, labelsAreSuperset(map[string]string{}, map[string]string{}))
}

func TestNetworksMatch(t *testing.T) {
	a := []types.NetworkAttachmentSpec{{Target: "x"}, {Target: "y"}}
	b := []types.NetworkAttachmentSpec{{Target: "y"}, {Target: "x"}}
	assert.True(t, networksMatch(a, b))
	assert.False(t, networksMatch(a, []types.NetworkAttachmentSpec{{Target: "x"}}))
}

type fakeGateway struct {
	services     map[string]types.Service
	updateErr    error
	updatedSpec  types.ServiceSpec
	updateCalled int
}

func (f *fakeGateway) LocalNodeID(ctx context.Context) (string, error) { return "node-1", nil }
func (f *fakeGateway) ResolveNetwork(ctx context.Context, name string) (string, bool, error) {
	return "", false, nil
}
func (f *fakeGateway) ListNetworks(ctx context.Context) ([]types.Network, error) { return nil, nil }
func (f *fakeGateway) ListContainers(ctx context.Context) ([]types.Container, error) {
	return nil, nil
}
func (f *fakeGateway) GetContainer(ctx context.Context, id string) (types.Container, error) {
	return types.Container{}, nil
}
func (f *fakeGateway) ListServices(ctx context.Context) ([]types.Service, error) {
	out := make([]types.Service, 0, len(f.services))
	for _, s := range f.services {
		out = append(out, s)
	}
	return out, nil
}
func (f *fakeGateway) GetService(ctx context.Context, name string) (types.Service, error) {
	s, ok := f.services[name]
	if !ok {
		return types.Service{}, gateway.ErrNotFound
	}
	return s, nil
}
func (f *fakeGateway) CreateService(ctx context.Context, spec types.ServiceSpec) error { return nil }
func (f *fakeGateway) UpdateService(ctx context.Context, id string, version uint64, spec types.ServiceSpec) error {
	f.updateCalled++
	f.updatedSpec = spec
	return f.updateErr
}
func (f *fakeGateway) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	return nil
}
func (f *fakeGateway) RemoveContainer(ctx context.Context, id string) error { return nil }
func (f *fakeGateway) EventStream(ctx context.Context) (<-chan types.Event, <-chan error) {
	return nil, nil
}

func versionOf(i uint64) types.Version { return types.Version{Index: &i} }

func TestReconcileApplication_IdempotentAfterUpdate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"data":{"json":{}}}}`))
	}))
	defer srv.Close()
	cp := controlplane.New(srv.URL, "secret", 0)

	gw := &fakeGateway{services: map[string]types.Service{}}
	r := New(gw, cp, "")

	app := types.Application{
		ApplicationID: "app-1",
		AppName:       "blog",
		LabelsSwarm:   map[string]string{"x": "1"},
	}
	svc := types.Service{
		ID:      "svc-1",
		Name:    "blog",
		Version: versionOf(7),
		Spec:    types.ServiceSpec{Labels: map[string]string{}},
	}

	err := r.ReconcileApplication(context.Background(), app, svc)
	require.NoError(t, err)
	assert.Equal(t, 1, gw.updateCalled)

	// Idempotence: reconciling the post-update spec again makes no
	// further changes.
	svc.Spec = gw.updatedSpec
	gw.updateCalled = 0
	err = r.ReconcileApplication(context.Background(), app, svc)
	require.NoError(t, err)
	assert.Equal(t, 0, gw.updateCalled)
}

func TestReconcileApplication_DriftedHostWritesBackToControlPlane(t *testing.T) {
	var postedPaths []string
	var postedBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			postedPaths = append(postedPaths, r.URL.Path)
			json.NewDecoder(r.Body).Decode(&postedBody)
		}
		w.Write([]byte(`{"result":{"data":{"json":{}}}}`))
	}))
	defer srv.Close()
	cp := controlplane.New(srv.URL, "secret", time.Hour)

	gw := &fakeGateway{}
	r := New(gw, cp, "")

	app := types.Application{
		ApplicationID: "app-1",
		AppName:       "blog",
		LabelsSwarm: map[string]string{
			"traefik.http.routers.blog.rule": "Host(`old.example.com`)",
		},
		Domains: []types.Domain{
			{Host: "new.example.com", DomainType: "application", CreatedAt: "2"},
		},
	}
	svc := types.Service{
		ID:      "svc-1",
		Name:    "blog",
		Version: versionOf(1),
		Spec: types.ServiceSpec{
			Labels: map[string]string{
				"traefik.http.routers.blog.rule": "Host(`old.example.com`)",
			},
		},
	}

	err := r.ReconcileApplication(context.Background(), app, svc)
	require.NoError(t, err)

	assert.Equal(t, "Host(`new.example.com`)", gw.updatedSpec.Labels["traefik.http.routers.blog.rule"])
	require.Contains(t, postedPaths, "/api/trpc/application.update")
	entry := postedBody["0"].(map[string]any)
	payload := entry["json"].(map[string]any)
	labels := payload["labelsSwarm"].(map[string]any)
	assert.Equal(t, "Host(`new.example.com`)", labels["traefik.http.routers.blog.rule"])
}

func TestReconcileApplication_VersionMismatchDefersToNextCycle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"data":{"json":{}}}}`))
	}))
	defer srv.Close()
	cp := controlplane.New(srv.URL, "secret", 0)

	gw := &fakeGateway{updateErr: gateway.ErrVersionMismatch}
	r := New(gw, cp, "")

	app := types.Application{ApplicationID: "app-1", AppName: "blog", LabelsSwarm: map[string]string{"x": "1"}}
	svc := types.Service{ID: "svc-1", Name: "blog", Version: versionOf(7)}

	err := r.ReconcileApplication(context.Background(), app, svc)
	require.NoError(t, err, "a version mismatch is logged, not surfaced")
	assert.Equal(t, 1, gw.updateCalled)

	// The racing writer bumped the version; the next cycle re-reads and
	// succeeds against the fresh guard.
	gw.updateErr = nil
	svc.Version = versionOf(8)
	err = r.ReconcileApplication(context.Background(), app, svc)
	require.NoError(t, err)
	assert.Equal(t, 2, gw.updateCalled)
}

func TestReconcileApplication_MissingVersionSkipsUpdate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	cp := controlplane.New(srv.URL, "", 0)
	gw := &fakeGateway{}
	r := New(gw, cp, "")

	app := types.Application{AppName: "blog", LabelsSwarm: map[string]string{"x": "1"}}
	svc := types.Service{Name: "blog"}

	err := r.ReconcileApplication(context.Background(), app, svc)
	require.NoError(t, err)
	assert.Equal(t, 0, gw.updateCalled)
}
