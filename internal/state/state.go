// Package state implements the system state store of spec §4.6: a single
// logical value behind a reader/writer lock, validated mutation, a bounded
// history ring, and a background health monitor that republishes health
// transitions onto the event bus. Per §9's design note, the store is given
// an injected publish handle rather than importing internal/eventbus
// directly, breaking the state-store/bus cycle.
package state

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jordigilh/guardian/internal/guardianerr"
	"github.com/jordigilh/guardian/pkg/types"
)

// HistoryCapacity bounds the ring buffer of prior snapshots (§3).
const HistoryCapacity = 1000

// Publisher is the minimal handle the store needs to announce health
// transitions; internal/eventbus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, event types.Event) error
}

// Store holds the current system state and a ring of prior snapshots.
type Store struct {
	mu        sync.RWMutex
	current   types.SystemState
	history   []types.SystemState
	publisher Publisher
	log       *logrus.Entry
}

// New constructs a store seeded with a healthy, zeroed state.
func New(publisher Publisher, log *logrus.Entry) *Store {
	return &Store{
		current: types.SystemState{
			Health:     types.HealthHealthy,
			LastUpdate: time.Now(),
		},
		history:   make([]types.SystemState, 0, HistoryCapacity),
		publisher: publisher,
		log:       log.WithField("component", "system_state"),
	}
}

func validate(s types.SystemState) error {
	if s.CPUUsage < 0 || s.CPUUsage > 100 {
		return guardianerr.Validation("cpu_usage out of [0,100]", nil)
	}
	if s.MemoryUsage < 0 || s.MemoryUsage > 100 {
		return guardianerr.Validation("memory_usage out of [0,100]", nil)
	}
	if s.ActiveThreats < 0 || s.ActiveThreats >= 1000 {
		return guardianerr.Validation("active_threats out of range", nil)
	}
	return nil
}

func computeHealth(cpu, mem float64) types.Health {
	switch {
	case cpu >= 80 || mem >= 85:
		return types.HealthCritical
	case cpu >= 64 || mem >= 68:
		return types.HealthDegraded
	default:
		return types.HealthHealthy
	}
}

// Current returns a copy of the current snapshot (copy-on-write read per
// §5's resource discipline table).
func (s *Store) Current() types.SystemState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// History returns a copy of the prior-snapshot ring, oldest first.
func (s *Store) History() []types.SystemState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.SystemState, len(s.history))
	copy(out, s.history)
	return out
}

// Update validates and commits a new CPU/memory/threat reading, recomputes
// health, appends the prior value to history, and publishes a transition
// event if health changed. Validation runs in well under the 50ms budget
// §5 requires while holding the writer lock (no suspension points inside).
func (s *Store) Update(ctx context.Context, cpu, mem float64, activeThreats int) error {
	next := types.SystemState{
		CPUUsage:      cpu,
		MemoryUsage:   mem,
		ActiveThreats: activeThreats,
		LastUpdate:    time.Now(),
	}
	if err := validate(next); err != nil {
		return err
	}
	next.Health = computeHealth(cpu, mem)

	s.mu.Lock()
	prior := s.current
	s.history = append(s.history, prior)
	if len(s.history) > HistoryCapacity {
		s.history = s.history[len(s.history)-HistoryCapacity:]
	}
	s.current = next
	healthChanged := prior.Health != next.Health
	s.mu.Unlock()

	if healthChanged && s.publisher != nil {
		priority := types.PriorityHigh
		if next.Health == types.HealthCritical {
			priority = types.PriorityCritical
		}
		evt := types.NewEvent("system_state_changed", nil, priority, map[string]string{
			"from": prior.Health.String(),
			"to":   next.Health.String(),
		})
		if err := s.publisher.Publish(ctx, evt); err != nil {
			s.log.WithError(err).Warn("failed to publish state transition")
		}
	}
	return nil
}

// MonitorFunc samples current host CPU/memory/threat counts for the
// background health monitor; production wiring reads /proc or a platform
// collector, tests inject a fake.
type MonitorFunc func(ctx context.Context) (cpu, mem float64, activeThreats int, err error)

// RunMonitor samples via sample on interval and commits the reading until
// ctx is cancelled (§4.6 background health monitor).
func (s *Store) RunMonitor(ctx context.Context, interval time.Duration, sample MonitorFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cpu, mem, threats, err := sample(ctx)
			if err != nil {
				s.log.WithError(err).Warn("state monitor sample failed")
				continue
			}
			if err := s.Update(ctx, cpu, mem, threats); err != nil {
				s.log.WithError(err).Warn("state monitor update rejected")
			}
		}
	}
}
