// Package breaker provides the reusable circuit breaker primitive of spec
// §4.3 as a thin manager over github.com/sony/gobreaker, the way kubernaut's
// pkg/shared/circuitbreaker wraps gobreaker.Settings behind a
// circuitbreaker.Manager keyed by component name (observed wired into
// notification delivery via circuitBreakerManager.Get(name) in kubernaut's
// integration suite).
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Config tunes one named breaker. Defaults match spec §4.3: trip after 5
// consecutive failures, half-open after a 5 minute cooldown.
type Config struct {
	FailureThreshold uint32
	Cooldown         time.Duration
	HalfOpenMaxCalls uint32
}

// DefaultConfig returns the spec's default thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         5 * time.Minute,
		HalfOpenMaxCalls: 1,
	}
}

// Manager owns one gobreaker.CircuitBreaker per named component, created
// lazily on first use and reused thereafter.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
	log      *logrus.Entry
}

// NewManager constructs an empty breaker manager.
func NewManager(log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		log:      log.WithField("component", "breaker"),
	}
}

// Get returns the named breaker, creating it with cfg on first access.
func (m *Manager) Get(name string, cfg Config) *gobreaker.CircuitBreaker {
	m.mu.RLock()
	if b, ok := m.breakers[name]; ok {
		m.mu.RUnlock()
		return b
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenMaxCalls,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state transition")
		},
	}
	b := gobreaker.NewCircuitBreaker(settings)
	m.breakers[name] = b
	return b
}

// State returns the current state of a named breaker, or gobreaker.StateClosed
// if it has never been created (an unused breaker is vacuously closed).
func (m *Manager) State(name string) gobreaker.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.breakers[name]; ok {
		return b.State()
	}
	return gobreaker.StateClosed
}

// AnyOpen reports whether any managed breaker is currently open, used by
// the orchestrator's health check aggregation (§4.13).
func (m *Manager) AnyOpen() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.breakers {
		if b.State() == gobreaker.StateOpen {
			return true
		}
	}
	return false
}

// Execute runs fn through the named breaker, translating gobreaker's
// ErrOpenState into a caller-recognizable sentinel via the returned bool.
func Execute[T any](m *Manager, name string, cfg Config, fn func() (T, error)) (T, bool, error) {
	b := m.Get(name, cfg)
	result, err := b.Execute(func() (interface{}, error) {
		return fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		var zero T
		return zero, true, err
	}
	if err != nil {
		var zero T
		return zero, false, err
	}
	return result.(T), false, nil
}

// ExecuteCtx is like Execute but accepts a context purely for call-site
// symmetry with other suspension points enumerated in §5; gobreaker itself
// is not context-aware.
func ExecuteCtx[T any](ctx context.Context, m *Manager, name string, cfg Config, fn func(context.Context) (T, error)) (T, bool, error) {
	return Execute(m, name, cfg, func() (T, error) {
		return fn(ctx)
	})
}
