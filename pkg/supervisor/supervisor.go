// Package supervisor runs the two cooperating loops that keep the
// daemon's view of the cluster current: an event loop that converts
// newly created/started containers, and a periodic loop that runs full
// reconciliation on a fixed interval. Both terminate on a shared
// cancellation signal; an initial sweep runs once before either starts.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/autoswarm/autoswarmd/pkg/gateway"
	"github.com/autoswarm/autoswarmd/pkg/log"
	"github.com/autoswarm/autoswarmd/pkg/metrics"
	"github.com/autoswarm/autoswarmd/pkg/types"
	"github.com/rs/zerolog"
)

// eventStreamRetryDelay is how long the event loop waits before
// reconnecting after a stream error.
const eventStreamRetryDelay = 3 * time.Second

// shutdownGrace bounds how long Run waits for the periodic loop to
// drain after cancellation.
const shutdownGrace = 5 * time.Second

// Converter performs the single-shot, destructive conversion of one
// unmanaged container into a cluster service.
type Converter interface {
	ConvertContainer(ctx context.Context, containerID string) error
}

// Reconciler performs a full reconciliation cycle.
type Reconciler interface {
	ReconcileAll(ctx context.Context)
}

// Supervisor owns the event loop, the periodic reconciliation loop, and
// the initial sweep.
type Supervisor struct {
	gateway           gateway.Gateway
	converter         Converter
	reconciler        Reconciler
	reconcileInterval time.Duration
	logger            zerolog.Logger

	mu      sync.Mutex
	handled map[string]struct{}
}

// New builds a Supervisor. reconcileInterval is the periodic loop's
// period.
func New(gw gateway.Gateway, converter Converter, rec Reconciler, reconcileInterval time.Duration) *Supervisor {
	return &Supervisor{
		gateway:           gw,
		converter:         converter,
		reconciler:        rec,
		reconcileInterval: reconcileInterval,
		logger:            log.WithComponent("supervisor"),
		handled:           make(map[string]struct{}),
	}
}

// Run performs the initial sweep, then runs the event loop and the
// periodic loop until ctx is cancelled. It blocks until the event loop
// exits and the periodic loop has drained (bounded by shutdownGrace).
func (s *Supervisor) Run(ctx context.Context) {
	s.initialSweep(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.periodicLoop(ctx)
	}()

	s.eventLoop(ctx)

	select {
	case <-done:
	case <-time.After(shutdownGrace):
		s.logger.Warn().Msg("periodic loop did not drain within grace period")
	}
}

// initialSweep walks every container (including stopped ones) and
// converts anything unmanaged and not opted out, using the same path
// the event loop uses.
func (s *Supervisor) initialSweep(ctx context.Context) {
	s.logger.Info().Msg("performing initial sweep of standalone containers")
	containers, err := s.gateway.ListContainers(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("initial sweep: failed to list containers")
		return
	}
	for _, c := range containers {
		if types.IsClusterOwned(c.Labels) || types.IsIgnored(c.Labels) {
			continue
		}
		s.markHandled(c.ID)
		if err := s.converter.ConvertContainer(ctx, c.ID); err != nil {
			s.logger.Warn().Err(err).Str("container_id", c.ID).Msg("initial sweep: conversion failed")
		}
	}
}

// eventLoop subscribes to the event stream and fans out conversion for
// every distinct create/start container event, de-duplicated for the
// lifetime of the process.
func (s *Supervisor) eventLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		events, errs := s.gateway.EventStream(ctx)
		s.consumeEvents(ctx, events, errs)
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(eventStreamRetryDelay):
		}
	}
}

func (s *Supervisor) consumeEvents(ctx context.Context, events <-chan types.Event, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if ok && err != nil {
				s.logger.Error().Err(err).Msg("event stream error")
			}
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			s.handleEvent(ctx, evt)
		}
	}
}

func (s *Supervisor) handleEvent(ctx context.Context, evt types.Event) {
	if evt.Type != types.EventTypeContainer {
		return
	}
	if evt.Action != types.EventActionCreate && evt.Action != types.EventActionStart {
		return
	}
	if evt.ID == "" || s.alreadyHandled(evt.ID) {
		return
	}
	s.markHandled(evt.ID)
	go func() {
		if err := s.converter.ConvertContainer(ctx, evt.ID); err != nil {
			s.logger.Warn().Err(err).Str("container_id", evt.ID).Msg("event-driven conversion failed")
		}
	}()
}

func (s *Supervisor) alreadyHandled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handled[id]
	return ok
}

func (s *Supervisor) markHandled(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handled[id] = struct{}{}
}

// periodicLoop runs ReconcileAll every reconcileInterval until ctx is
// cancelled; the wait is interrupted promptly by cancellation rather
// than waiting out the full interval.
func (s *Supervisor) periodicLoop(ctx context.Context) {
	ticker := time.NewTicker(s.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runReconcileCycle(ctx)
		}
	}
}

// runReconcileCycle never lets a panic or error unwind the loop; this is
// the one intentional catch-all boundary in the periodic path.
func (s *Supervisor) runReconcileCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("recovered from panic during reconciliation cycle")
		}
	}()
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SupervisorCycleDuration)
	s.reconciler.ReconcileAll(ctx)
}
