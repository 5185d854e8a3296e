// Package orchestrator implements the lifecycle manager of spec §4.13:
// ordered startup of every core component, aggregated health derived from
// breaker and system state, and a bounded-drain shutdown. Grounded on
// original_source/orchestrator.rs's start/health_check/shutdown shape, with
// shutdown draining built on golang.org/x/sync/errgroup the way kubernaut's
// cmd/dynamic-context-orchestrator wires its background loops through an
// errgroup.Group for coordinated cancellation.
package orchestrator

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jordigilh/guardian/internal/audit"
	"github.com/jordigilh/guardian/internal/breaker"
	"github.com/jordigilh/guardian/internal/detector"
	"github.com/jordigilh/guardian/internal/eventbus"
	"github.com/jordigilh/guardian/internal/inference"
	"github.com/jordigilh/guardian/internal/metrics"
	"github.com/jordigilh/guardian/internal/response"
	"github.com/jordigilh/guardian/internal/state"
	"github.com/jordigilh/guardian/pkg/types"
)

// DrainTimeout bounds graceful shutdown before components are force
// terminated (§4.13).
const DrainTimeout = 30 * time.Second

// Status is the orchestrator's own view of aggregate health, returned by
// HealthCheck.
type Status struct {
	Health      types.Health
	AnyBreakerOpen bool
	SystemState types.SystemState
}

// Orchestrator owns the startup order and shared lifecycle of every core
// component (§4.13: metrics -> bus -> state -> model store/registry ->
// feature extractor -> inference engine -> threat detector -> response
// engine -> audit).
type Orchestrator struct {
	Metrics   *metrics.Sink
	Bus       *eventbus.Bus
	State     *state.Store
	Breakers  *breaker.Manager
	Detector  *detector.Detector
	Response  *response.Engine
	Audit     *audit.Recorder
	Inference *inference.Engine

	log     *logrus.Entry
	group   *errgroup.Group
	groupCtx context.Context
	cancel  context.CancelFunc
	started bool
}

// New wires an orchestrator from already-constructed components; Start
// governs the order in which their background loops are launched, not
// their construction order (construction happens in cmd/guardian so
// configuration errors surface before any goroutine runs).
func New(m *metrics.Sink, bus *eventbus.Bus, st *state.Store, breakers *breaker.Manager, det *detector.Detector, resp *response.Engine, aud *audit.Recorder, inf *inference.Engine, log *logrus.Entry) *Orchestrator {
	return &Orchestrator{
		Metrics:   m,
		Bus:       bus,
		State:     st,
		Breakers:  breakers,
		Detector:  det,
		Response:  resp,
		Audit:     aud,
		Inference: inf,
		log:       log.WithField("component", "orchestrator"),
	}
}

// Start launches every background loop in the spec-mandated order. Calling
// it again on an already-started orchestrator does nothing.
func (o *Orchestrator) Start(ctx context.Context) {
	if o.started {
		return
	}
	o.started = true

	groupCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(groupCtx)
	o.group = group
	o.groupCtx = groupCtx
	o.cancel = cancel

	group.Go(func() error {
		o.Metrics.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		o.Bus.RunCleanup(groupCtx)
		return nil
	})

	o.Detector.Start(groupCtx)

	o.log.Info("orchestrator started")
}

// HealthCheck aggregates breaker and system state into one Status value
// (§4.13: "health_check aggregates breaker state and system state").
func (o *Orchestrator) HealthCheck() Status {
	return Status{
		Health:         o.State.Current().Health,
		AnyBreakerOpen: o.Breakers.AnyOpen(),
		SystemState:    o.State.Current(),
	}
}

// Shutdown stops the detector, cancels every background loop, and waits up
// to DrainTimeout for them to exit before returning regardless (§4.13: "30s
// drain timeout then force termination"). The bus is closed last so any
// in-flight publish from a draining component still has somewhere to go.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if !o.started {
		return nil
	}

	o.Detector.Stop()

	drainCtx, drainCancel := context.WithTimeout(ctx, DrainTimeout)
	defer drainCancel()

	o.cancel()

	done := make(chan error, 1)
	go func() { done <- o.group.Wait() }()

	select {
	case err := <-done:
		o.Bus.Shutdown()
		o.log.Info("orchestrator drained cleanly")
		return err
	case <-drainCtx.Done():
		o.Bus.Shutdown()
		o.log.Warn("orchestrator drain timeout exceeded, force terminating")
		return drainCtx.Err()
	}
}
