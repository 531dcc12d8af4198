// Package reconciler computes the minimal label/network patch between a
// control-plane application record and a live service, normalises
// router rules against the declared primary host, applies the patch
// with a version-guarded update, and back-propagates corrected labels
// to the control plane.
package reconciler

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strings"

	"github.com/autoswarm/autoswarmd/pkg/controlplane"
	"github.com/autoswarm/autoswarmd/pkg/gateway"
	"github.com/autoswarm/autoswarmd/pkg/log"
	"github.com/autoswarm/autoswarmd/pkg/metrics"
	"github.com/autoswarm/autoswarmd/pkg/types"
	"github.com/rs/zerolog"
)

// hostRuleRe extracts the host argument of a Traefik Host(`...`) router
// rule clause. The only regex in this package; compiled once.
var hostRuleRe = regexp.MustCompile("Host\\(`([^`]+)`\\)")

// Reconciler ties the control-plane cache and the orchestrator gateway
// together to keep managed services aligned with their application
// records.
type Reconciler struct {
	gateway gateway.Gateway
	cp      *controlplane.Client
	logger  zerolog.Logger

	// ingressNetworkID is the resolved id of the ingress overlay,
	// attached automatically unless a desired network already covers
	// it. Empty means it could not be resolved at startup.
	ingressNetworkID string
}

// New builds a Reconciler. ingressNetworkID may be empty if the ingress
// overlay could not be resolved; auto-attach is then skipped with a log.
func New(gw gateway.Gateway, cp *controlplane.Client, ingressNetworkID string) *Reconciler {
	return &Reconciler{
		gateway:          gw,
		cp:               cp,
		logger:           log.WithComponent("reconciler"),
		ingressNetworkID: ingressNetworkID,
	}
}

// ReconcileAll lists every control-plane application and every live
// service, reconciling each (app, service) pair whose names match. A
// failure reconciling one pair never aborts the cycle for the others.
func (r *Reconciler) ReconcileAll(ctx context.Context) {
	if !r.cp.Enabled() {
		r.logger.Debug().Msg("control plane disabled; skipping reconciliation cycle")
		return
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)
	defer metrics.MarkReconcile()
	metrics.ReconciliationCyclesTotal.Inc()

	applications := r.cp.ListApplications(ctx)
	services, err := r.gateway.ListServices(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to list services for reconciliation")
		return
	}
	byName := make(map[string]types.Service, len(services))
	for _, s := range services {
		byName[s.Name] = s
	}

	for _, app := range applications {
		if app.AppName == "" {
			continue
		}
		svc, ok := byName[app.AppName]
		if !ok {
			r.logger.Debug().Str("app_name", app.AppName).Msg("no matching service for application")
			continue
		}
		if err := r.ReconcileApplication(ctx, app, svc); err != nil {
			r.logger.Error().Err(err).Str("app_name", app.AppName).Msg("failed to reconcile application")
		}
	}
}

// ReconcileByName looks up a single application/service pair by name and
// reconciles it, used by the event-driven reconciliation path. It is a
// no-op when the control plane is disabled or has no matching record.
func (r *Reconciler) ReconcileByName(ctx context.Context, serviceName string) error {
	if !r.cp.Enabled() {
		return nil
	}
	app, ok := r.cp.FindByAppName(ctx, serviceName)
	if !ok {
		r.logger.Debug().Str("service_name", serviceName).Msg("no application mapping for service")
		return nil
	}
	svc, err := r.gateway.GetService(ctx, serviceName)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			r.logger.Debug().Str("service_name", serviceName).Msg("service not found during reconciliation")
			return nil
		}
		return err
	}
	return r.ReconcileApplication(ctx, app, svc)
}

// ReconcileApplication computes and, if needed, applies the label and
// network patch for one (application, service) pair.
func (r *Reconciler) ReconcileApplication(ctx context.Context, app types.Application, svc types.Service) error {
	if len(app.LabelsSwarm) == 0 {
		r.logger.Debug().Str("app_name", app.AppName).Msg("application has no labelsSwarm defined")
		return nil
	}

	desiredLabels, labelsChanged := buildDesiredLabels(app)
	desiredNetworks := r.buildDesiredNetworks(app)

	currentLabels := svc.Spec.Labels
	currentContainerLabels := svc.Spec.TaskTemplate.ContainerSpec.Labels
	currentNetworks := svc.Spec.Networks

	needsLabelUpdate := !labelsAreSuperset(currentLabels, desiredLabels)
	needsContainerUpdate := !labelsAreSuperset(currentContainerLabels, desiredLabels)
	needsNetworkUpdate := !networksMatch(currentNetworks, desiredNetworks)

	if !needsLabelUpdate && !needsContainerUpdate && !needsNetworkUpdate {
		r.logger.Debug().Str("service", svc.Name).Msg("service already aligned with control plane")
		return nil
	}

	mergedServiceLabels := mergeLabels(currentLabels, desiredLabels)
	mergedContainerLabels := mergeLabels(currentContainerLabels, desiredLabels)

	newSpec := svc.Spec
	newSpec.Labels = mergedServiceLabels
	newSpec.TaskTemplate.ContainerSpec.Labels = mergedContainerLabels
	if len(desiredNetworks) > 0 {
		newSpec.Networks = desiredNetworks
	}

	if svc.Version.Index == nil {
		r.logger.Error().Str("service", svc.Name).Msg("service missing version metadata; skipping update")
		return nil
	}

	if err := r.gateway.UpdateService(ctx, svc.ID, *svc.Version.Index, newSpec); err != nil {
		if errors.Is(err, gateway.ErrVersionMismatch) {
			metrics.VersionConflictsTotal.Inc()
			r.logger.Info().Str("service", svc.Name).Msg("service version mismatch; next periodic cycle will retry")
			return nil
		}
		return err
	}
	metrics.ServicesUpdatedTotal.Inc()

	r.logger.Info().
		Str("service", svc.Name).
		Bool("labels_changed", needsLabelUpdate || needsContainerUpdate).
		Bool("networks_changed", needsNetworkUpdate).
		Msg("updated service to match control plane")

	if labelsChanged {
		r.cp.UpdateApplication(ctx, app.ApplicationID, desiredLabels, app.NetworkSwarm)
	}
	return nil
}

// normalizeRouterRule returns value unchanged when its Host(`...`) clause
// already names host; any other value, including one with no Host(`...`)
// clause at all, is replaced by Host(`host`). buildDesiredLabels only
// calls it for .rule labels that contain "Host(".
//
// TODO: this replaces the entire rule value, discarding any PathPrefix/
// && clauses that coexisted with the Host(...) clause — preserved from
// the source behaviour rather than fixed, since it matches a pinned
// testable property.
func normalizeRouterRule(value, host string) (string, bool) {
	match := hostRuleRe.FindStringSubmatch(value)
	if match != nil && match[1] == host {
		return value, false
	}
	return "Host(`" + host + "`)", true
}

// buildDesiredLabels builds the desired label set from an application
// record, normalising any .rule label against the primary domain.
func buildDesiredLabels(app types.Application) (map[string]string, bool) {
	labels := cloneLabels(app.LabelsSwarm)

	var currentHost string
	for key, value := range labels {
		if strings.HasSuffix(key, ".rule") && strings.Contains(value, "Host(") {
			if m := hostRuleRe.FindStringSubmatch(value); m != nil {
				currentHost = m[1]
				break
			}
		}
	}

	primary := findPrimaryDomain(app.Domains, currentHost)
	changed := false
	if primary != nil && primary.Host != "" {
		for key, value := range labels {
			if strings.HasSuffix(key, ".rule") && strings.Contains(value, "Host(") {
				newValue, modified := normalizeRouterRule(value, primary.Host)
				if modified {
					labels[key] = newValue
					changed = true
				}
			}
		}
	}
	return labels, changed
}

// findPrimaryDomain finds the domain whose host matches currentHost; if
// none does, falls back to the "application" domain with the largest
// (CreatedAt, else UniqueConfigKey) tie-break key.
func findPrimaryDomain(domains []types.Domain, currentHost string) *types.Domain {
	if currentHost != "" {
		for i := range domains {
			if domains[i].Host == currentHost {
				return &domains[i]
			}
		}
	}
	var candidates []types.Domain
	for _, d := range domains {
		if d.DomainType == "application" {
			candidates = append(candidates, d)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return tieBreakKey(candidates[i]) < tieBreakKey(candidates[j])
	})
	best := candidates[len(candidates)-1]
	return &best
}

func tieBreakKey(d types.Domain) string {
	if d.CreatedAt != "" {
		return d.CreatedAt
	}
	return d.UniqueConfigKey
}

// buildDesiredNetworks builds the desired network attachment list,
// ensuring the ingress overlay is present.
func (r *Reconciler) buildDesiredNetworks(app types.Application) []types.NetworkAttachmentSpec {
	var out []types.NetworkAttachmentSpec
	seen := map[string]struct{}{}
	for _, n := range app.NetworkSwarm {
		if n.Target == "" {
			continue
		}
		entry := types.NetworkAttachmentSpec{Target: n.Target}
		if len(n.Aliases) > 0 {
			entry.Aliases = n.Aliases
		}
		out = append(out, entry)
		seen[n.Target] = struct{}{}
	}

	if r.ingressNetworkID != "" {
		if _, ok := seen[r.ingressNetworkID]; !ok {
			out = append(out, types.NetworkAttachmentSpec{Target: r.ingressNetworkID})
		}
	} else {
		r.logger.Warn().Msg("ingress overlay unresolved; skipping auto-attach")
	}
	return out
}

func labelsAreSuperset(current, desired map[string]string) bool {
	for k, v := range desired {
		if current[k] != v {
			return false
		}
	}
	return true
}

func networksMatch(current, desired []types.NetworkAttachmentSpec) bool {
	return targetSet(current).equal(targetSet(desired))
}

type stringSet map[string]struct{}

func targetSet(nets []types.NetworkAttachmentSpec) stringSet {
	s := make(stringSet, len(nets))
	for _, n := range nets {
		if n.Target != "" {
			s[n.Target] = struct{}{}
		}
	}
	return s
}

func (s stringSet) equal(other stringSet) bool {
	if len(s) != len(other) {
		return false
	}
	for k := range s {
		if _, ok := other[k]; !ok {
			return false
		}
	}
	return true
}

func mergeLabels(current, desired map[string]string) map[string]string {
	merged := cloneLabels(current)
	if merged == nil {
		merged = map[string]string{}
	}
	for k, v := range desired {
		merged[k] = v
	}
	return merged
}

func cloneLabels(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
