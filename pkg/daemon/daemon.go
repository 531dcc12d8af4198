// Package daemon wires the gateway, control-plane client, translator,
// reconciler and supervisor into a single runnable aggregate, and
// implements the container→service conversion pipeline the supervisor
// dispatches.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/autoswarm/autoswarmd/pkg/controlplane"
	"github.com/autoswarm/autoswarmd/pkg/gateway"
	"github.com/autoswarm/autoswarmd/pkg/log"
	"github.com/autoswarm/autoswarmd/pkg/metrics"
	"github.com/autoswarm/autoswarmd/pkg/reconciler"
	"github.com/autoswarm/autoswarmd/pkg/supervisor"
	"github.com/autoswarm/autoswarmd/pkg/translator"
	"github.com/autoswarm/autoswarmd/pkg/types"
	units "github.com/docker/go-units"
	"github.com/rs/zerolog"
)

// stopTimeout is the timeout passed to StopContainer for the source
// container during conversion. Removal is attempted only after a
// successful stop.
const stopTimeout = 10 * time.Second

// Config carries the resolved startup configuration.
type Config struct {
	TraefikNetwork    string
	ReconcileInterval time.Duration
	DokployURL        string
	DokployAPIKey     string
	DokployCacheTTL   time.Duration
}

// Daemon is the aggregate constructed once in main. It owns every
// long-lived component and is passed by reference to the supervisor as
// its Converter.
type Daemon struct {
	gateway    gateway.Gateway
	cp         *controlplane.Client
	reconciler *reconciler.Reconciler
	supervisor *supervisor.Supervisor
	logger     zerolog.Logger

	localNodeID      string
	ingressNetworkID string
}

// New resolves the local node id (fatal if this node is not part of a
// cluster) and the ingress overlay id (non-fatal, logged), then builds
// the reconciler and supervisor.
func New(ctx context.Context, gw gateway.Gateway, cfg Config) (*Daemon, error) {
	logger := log.WithComponent("daemon")

	nodeID, err := gw.LocalNodeID(ctx)
	if err != nil {
		return nil, fmt.Errorf("daemon: resolve local node: %w", err)
	}

	ingressID, ok, err := gw.ResolveNetwork(ctx, cfg.TraefikNetwork)
	if err != nil {
		logger.Warn().Err(err).Str("network", cfg.TraefikNetwork).Msg("failed to resolve ingress overlay")
	} else if !ok {
		logger.Warn().Str("network", cfg.TraefikNetwork).Msg("ingress overlay not found; auto-attach disabled")
	}

	cp := controlplane.New(cfg.DokployURL, cfg.DokployAPIKey, cfg.DokployCacheTTL)
	rec := reconciler.New(gw, cp, ingressID)

	d := &Daemon{
		gateway:          gw,
		cp:               cp,
		reconciler:       rec,
		logger:           logger,
		localNodeID:      nodeID,
		ingressNetworkID: ingressID,
	}
	d.supervisor = supervisor.New(gw, d, rec, cfg.ReconcileInterval)
	return d, nil
}

// Run starts the supervisor and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) {
	d.logger.Info().
		Str("local_node_id", d.localNodeID).
		Str("ingress_network_id", d.ingressNetworkID).
		Bool("control_plane_enabled", d.cp.Enabled()).
		Str("conversion_stop_timeout", units.HumanDuration(stopTimeout)).
		Msg("starting daemon")
	d.supervisor.Run(ctx)
	d.logger.Info().Msg("daemon stopped")
}

// ConvertContainer runs the single-shot conversion pipeline for one
// container id: inspect, translate, create the equivalent service, then
// stop and remove the source container. Failure to stop/remove is
// logged and does not roll back the created service.
func (d *Daemon) ConvertContainer(ctx context.Context, containerID string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ConversionDuration)

	c, err := d.gateway.GetContainer(ctx, containerID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			d.logger.Debug().Str("container_id", containerID).Msg("container vanished before conversion")
			return nil
		}
		return err
	}

	if types.IsClusterOwned(c.Labels) || types.IsIgnored(c.Labels) {
		return nil
	}

	networks, err := d.gateway.ListNetworks(ctx)
	if err != nil {
		return err
	}

	spec := translator.Translate(c, translator.Options{
		LocalNodeID:       d.localNodeID,
		AvailableNetworks: networks,
		IngressNetworkID:  d.ingressNetworkID,
	})

	if err := d.gateway.CreateService(ctx, spec); err != nil {
		if errors.Is(err, gateway.ErrAlreadyExists) {
			metrics.ContainersConvertedTotal.WithLabelValues("name_collision").Inc()
			d.logger.Warn().Str("service", spec.Name).Msg("service name collision; leaving container intact")
			return nil
		}
		metrics.ContainersConvertedTotal.WithLabelValues("create_failed").Inc()
		return err
	}
	d.logger.Info().Str("container_id", containerID).Str("service", spec.Name).Msg("converted container to service")

	// Align the fresh service with any control-plane record right away
	// rather than waiting for the next periodic cycle.
	if err := d.reconciler.ReconcileByName(ctx, spec.Name); err != nil {
		d.logger.Warn().Err(err).Str("service", spec.Name).Msg("post-conversion reconciliation failed")
	}

	if err := d.gateway.StopContainer(ctx, containerID, stopTimeout); err != nil {
		metrics.ContainersConvertedTotal.WithLabelValues("partial_stop_failed").Inc()
		d.logger.Warn().Err(err).Str("container_id", containerID).Msg("failed to stop converted container")
		return nil
	}
	if err := d.gateway.RemoveContainer(ctx, containerID); err != nil {
		metrics.ContainersConvertedTotal.WithLabelValues("partial_remove_failed").Inc()
		d.logger.Warn().Err(err).Str("container_id", containerID).Msg("failed to remove converted container")
		return nil
	}
	metrics.ContainersConvertedTotal.WithLabelValues("success").Inc()
	return nil
}
