// Package controlplane is the cached client for the external application
// control plane (a tRPC-style JSON-RPC-over-HTTP API). It materialises a
// flattened application catalog with a TTL, serves lookups from the
// cached snapshot, and issues updates with write-through invalidation.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/autoswarm/autoswarmd/pkg/log"
	"github.com/autoswarm/autoswarmd/pkg/metrics"
	"github.com/autoswarm/autoswarmd/pkg/types"
	units "github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Client is the cached Dokploy-style control-plane client. The zero
// value is not usable; construct with New.
type Client struct {
	baseURL string
	apiKey  string
	ttl     time.Duration
	http    *http.Client
	logger  zerolog.Logger

	mu        sync.Mutex
	snapshot  []types.Application
	fetchedAt time.Time
}

// New builds a client for baseURL (trailing slash stripped). An empty
// apiKey disables the client: Enabled() returns false, reads return
// empty, writes are no-ops.
func New(baseURL, apiKey string, ttl time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		ttl:     ttl,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  log.WithComponent("controlplane"),
	}
}

// Enabled reports whether the client has credentials to talk to the
// control plane.
func (c *Client) Enabled() bool {
	return c.apiKey != ""
}

// ListApplications returns a deep copy of the cached application
// catalog, refreshing first if the cache is stale.
func (c *Client) ListApplications(ctx context.Context) []types.Application {
	c.refresh(ctx, false)
	c.mu.Lock()
	defer c.mu.Unlock()
	return deepCopyApplications(c.snapshot)
}

// FindByAppName returns the cached application whose AppName matches
// name, or ok == false. Disabled clients always report not found.
func (c *Client) FindByAppName(ctx context.Context, name string) (types.Application, bool) {
	if !c.Enabled() {
		return types.Application{}, false
	}
	c.refresh(ctx, false)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, app := range c.snapshot {
		if app.AppName == name {
			return deepCopyApplication(app), true
		}
	}
	return types.Application{}, false
}

// UpdateApplication posts labels/networks for applicationID. nil
// arguments omit the corresponding field from the request so the
// control plane leaves it untouched. On success, forces a cache refresh.
func (c *Client) UpdateApplication(ctx context.Context, applicationID string, labels map[string]string, networks []types.NetworkAttachmentSpec) {
	if !c.Enabled() {
		return
	}
	body := map[string]any{"applicationId": applicationID}
	if labels != nil {
		body["labelsSwarm"] = labels
	}
	if networks != nil {
		body["networkSwarm"] = networks
	}
	if err := c.post(ctx, "application.update", body); err != nil {
		c.logger.Error().Err(err).Str("application_id", applicationID).Msg("failed to update application")
		return
	}
	c.logger.Debug().Str("application_id", applicationID).Msg("application updated")
	c.refresh(ctx, true)
}

// UpdateDomain posts fields for domainID. Kept for parity with the
// control plane's reachable API surface even though the reconciler never
// calls it directly.
func (c *Client) UpdateDomain(ctx context.Context, domainID string, fields map[string]any) {
	if !c.Enabled() {
		return
	}
	body := map[string]any{"domainId": domainID}
	for k, v := range fields {
		body[k] = v
	}
	if err := c.post(ctx, "domain.update", body); err != nil {
		c.logger.Error().Err(err).Str("domain_id", domainID).Msg("failed to update domain")
		return
	}
	c.logger.Debug().Str("domain_id", domainID).Msg("domain updated")
	c.refresh(ctx, true)
}

func (c *Client) refresh(ctx context.Context, force bool) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	age := time.Since(c.fetchedAt)
	stale := force || age >= c.ttl
	fetched := !c.fetchedAt.IsZero()
	c.mu.Unlock()
	if fetched {
		metrics.ControlPlaneCacheAgeSeconds.Set(age.Seconds())
	}
	if !stale {
		return
	}

	payload, err := c.get(ctx, "project.all", `{}`)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to refresh application cache")
		return
	}

	var projects []project
	if err := json.Unmarshal(payload, &projects); err != nil {
		c.logger.Error().Err(err).Msg("failed to decode project.all response")
		return
	}

	var applications []types.Application
	for _, p := range projects {
		for _, env := range p.Environments {
			for _, app := range env.Applications {
				applications = append(applications, app.toDomain())
			}
		}
	}

	c.mu.Lock()
	c.snapshot = applications
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	metrics.ControlPlaneCacheAgeSeconds.Set(0)
	c.logger.Debug().
		Int("applications", len(applications)).
		Str("ttl", units.HumanDuration(c.ttl)).
		Msg("application cache refreshed")
}

// project/environment/application/domain are the wire shapes of the
// project.all response, decoupled from the domain model in pkg/types.
type project struct {
	Environments []struct {
		Applications []wireApplication `json:"applications"`
	} `json:"environments"`
}

type wireApplication struct {
	ApplicationID string            `json:"applicationId"`
	AppName       string            `json:"appName"`
	LabelsSwarm   map[string]string `json:"labelsSwarm"`
	NetworkSwarm  []wireNetwork     `json:"networkSwarm"`
	Domains       []wireDomain      `json:"domains"`
}

type wireNetwork struct {
	Target  string   `json:"Target"`
	Aliases []string `json:"Aliases,omitempty"`
}

type wireDomain struct {
	DomainID        string `json:"domainId"`
	Host            string `json:"host"`
	DomainType      string `json:"domainType"`
	CreatedAt       string `json:"createdAt"`
	UniqueConfigKey string `json:"uniqueConfigKey"`
}

func (a wireApplication) toDomain() types.Application {
	out := types.Application{
		ApplicationID: a.ApplicationID,
		AppName:       a.AppName,
		LabelsSwarm:   a.LabelsSwarm,
	}
	for _, n := range a.NetworkSwarm {
		out.NetworkSwarm = append(out.NetworkSwarm, types.NetworkAttachmentSpec{Target: n.Target, Aliases: n.Aliases})
	}
	for _, d := range a.Domains {
		out.Domains = append(out.Domains, types.Domain{
			DomainID:        d.DomainID,
			Host:            d.Host,
			DomainType:      d.DomainType,
			CreatedAt:       d.CreatedAt,
			UniqueConfigKey: d.UniqueConfigKey,
		})
	}
	return out
}

// envelope is the tRPC response shape: {"result":{"data":{"json": ...}}}
// or {"error": ...} on failure.
type envelope struct {
	Result *struct {
		Data struct {
			JSON json.RawMessage `json:"json"`
		} `json:"data"`
	} `json:"result"`
	Error json.RawMessage `json:"error"`
}

func (c *Client) get(ctx context.Context, endpoint, inputJSON string) (json.RawMessage, error) {
	reqURL := fmt.Sprintf("%s/api/trpc/%s?input=%s", c.baseURL, endpoint, url.QueryEscape(inputJSON))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("controlplane: build request: %w", err)
	}
	c.setHeaders(req)
	return c.do(req, endpoint)
}

func (c *Client) post(ctx context.Context, endpoint string, fields map[string]any) error {
	body := map[string]any{"0": map[string]any{"json": fields}}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("controlplane: encode request: %w", err)
	}
	reqURL := fmt.Sprintf("%s/api/trpc/%s?batch=1", c.baseURL, endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("controlplane: build request: %w", err)
	}
	c.setHeaders(req)
	_, err = c.do(req, endpoint)
	return err
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("content-type", "application/json")
	req.Header.Set("x-request-id", uuid.NewString())
}

func (c *Client) do(req *http.Request, endpoint string) (json.RawMessage, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ControlPlaneRequestsTotal.WithLabelValues(endpoint, "transport_error").Inc()
		return nil, fmt.Errorf("controlplane: %s request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		metrics.ControlPlaneRequestsTotal.WithLabelValues(endpoint, "decode_error").Inc()
		return nil, fmt.Errorf("controlplane: %s decode failed: %w", endpoint, err)
	}
	if len(env.Error) > 0 {
		metrics.ControlPlaneRequestsTotal.WithLabelValues(endpoint, "control_plane_error").Inc()
		return nil, fmt.Errorf("controlplane: %s returned error: %s", endpoint, string(env.Error))
	}
	if resp.StatusCode >= 400 {
		metrics.ControlPlaneRequestsTotal.WithLabelValues(endpoint, "http_error").Inc()
		return nil, fmt.Errorf("controlplane: %s returned status %d", endpoint, resp.StatusCode)
	}
	metrics.ControlPlaneRequestsTotal.WithLabelValues(endpoint, "success").Inc()
	if env.Result == nil {
		return json.RawMessage("null"), nil
	}
	return env.Result.Data.JSON, nil
}

func deepCopyApplications(apps []types.Application) []types.Application {
	out := make([]types.Application, len(apps))
	for i, a := range apps {
		out[i] = deepCopyApplication(a)
	}
	return out
}

func deepCopyApplication(a types.Application) types.Application {
	out := a
	out.LabelsSwarm = cloneStringMap(a.LabelsSwarm)
	out.NetworkSwarm = make([]types.NetworkAttachmentSpec, len(a.NetworkSwarm))
	for i, n := range a.NetworkSwarm {
		out.NetworkSwarm[i] = types.NetworkAttachmentSpec{
			Target:  n.Target,
			Aliases: append([]string(nil), n.Aliases...),
		}
	}
	out.Domains = append([]types.Domain(nil), a.Domains...)
	return out
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
