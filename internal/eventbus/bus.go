// Package eventbus implements the typed publish/subscribe primitive of
// spec §4.5: per-subscriber bounded mailboxes, per-priority delivery
// timeouts, no head-of-line blocking across subscribers, periodic
// reclamation of disconnected subscribers, and a circuit breaker
// protecting producers from sustained delivery failure. It is a leaf
// component per §9's design note breaking the state-store/bus cycle: the
// bus never imports internal/state.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jordigilh/guardian/internal/breaker"
	"github.com/jordigilh/guardian/internal/guardianerr"
	"github.com/jordigilh/guardian/internal/metrics"
	"github.com/jordigilh/guardian/pkg/types"
)

// MaxSubscribers caps total live subscriptions across all types (§4.5 a).
const MaxSubscribers = 1000

// ReclaimInterval is the background cleanup cadence for disconnected
// subscribers (§4.5 b).
const ReclaimInterval = 60 * time.Second

const breakerName = "event_bus"

// criticalTypes names event types whose subscribers get the larger 2048
// mailbox (§4.5: "Critical types get 2048; others 1024"). It starts with the
// Critical-priority event types this repository publishes; further types
// are added through RegisterCriticalType.
var criticalTypes = map[string]bool{
	"threat_detected":      true,
	"response_executed":    true,
	"breaker_open":         true,
	"system_state_changed": true,
}

// RegisterCriticalType marks evtType as Critical for mailbox sizing
// purposes, for components introducing new event types at startup.
func RegisterCriticalType(evtType string) {
	criticalTypes[evtType] = true
}

func mailboxCapacity(evtType string) int {
	if criticalTypes[evtType] {
		return 2048
	}
	return 1024
}

func deliveryTimeout(p types.Priority) time.Duration {
	switch p {
	case types.PriorityCritical:
		return 200 * time.Millisecond
	case types.PriorityHigh:
		return 100 * time.Millisecond
	default:
		return 50 * time.Millisecond
	}
}

// Subscription is the handle returned by Subscribe. Events arrive in FIFO
// order for (type, subscriber) pairs (§5 Ordering guarantees).
type Subscription struct {
	ID      uuid.UUID
	evtType string
	mailbox chan types.Event
	closed  atomic.Bool
	bus     *Bus
}

// C returns the channel events are delivered on. It is closed by the bus on
// Shutdown or when the subscriber is reclaimed.
func (s *Subscription) C() <-chan types.Event {
	return s.mailbox
}

// Unsubscribe marks the subscription disconnected; Publish skips it from
// then on, and it is reclaimed (removed, mailbox closed) by the next
// RunCleanup sweep. Publish and Subscribe do not trigger reclamation.
func (s *Subscription) Unsubscribe() {
	if s.closed.CompareAndSwap(false, true) {
		s.bus.markDisconnected(s)
	}
}

// Drain collects up to max currently-available events without blocking past
// what is immediately queued, the non-blocking batch read the threat
// detector's tick loop uses to pull from its mailbox (§4.10).
func (s *Subscription) Drain(ctx context.Context, max int) []types.Event {
	out := make([]types.Event, 0, max)
	for len(out) < max {
		select {
		case evt, ok := <-s.mailbox:
			if !ok {
				return out
			}
			out = append(out, evt)
		case <-ctx.Done():
			return out
		default:
			return out
		}
	}
	return out
}

type subscriberSet struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]*Subscription
}

// Bus is the event bus. It owns its interior subscriber map and hands out
// read-only delivery channels.
type Bus struct {
	mu          sync.RWMutex
	byType      map[string]*subscriberSet
	totalSubs   atomic.Int64
	disconnect  sync.Map // uuid.UUID -> struct{}
	breakers    *breaker.Manager
	sink        *metrics.Sink
	log         *logrus.Entry
	shutdown    atomic.Bool
	shutdownCh  chan struct{}
	wg          sync.WaitGroup
}

// New constructs an empty bus.
func New(breakers *breaker.Manager, sink *metrics.Sink, log *logrus.Entry) *Bus {
	return &Bus{
		byType:     make(map[string]*subscriberSet),
		breakers:   breakers,
		sink:       sink,
		log:        log.WithField("component", "event_bus"),
		shutdownCh: make(chan struct{}),
	}
}

func (b *Bus) setFor(evtType string) *subscriberSet {
	b.mu.RLock()
	s, ok := b.byType[evtType]
	b.mu.RUnlock()
	if ok {
		return s
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.byType[evtType]; ok {
		return s
	}
	s := &subscriberSet{subs: make(map[uuid.UUID]*Subscription)}
	b.byType[evtType] = s
	return s
}

// Subscribe registers a new mailbox for evtType. The 1001st live
// subscriber fails with a System error (§4.5 a).
func (b *Bus) Subscribe(evtType string) (*Subscription, error) {
	if b.shutdown.Load() {
		return nil, guardianerr.System("event bus is shut down", nil)
	}
	if b.totalSubs.Load() >= MaxSubscribers {
		return nil, guardianerr.System("subscriber limit reached", nil)
	}

	sub := &Subscription{
		ID:      uuid.New(),
		evtType: evtType,
		mailbox: make(chan types.Event, mailboxCapacity(evtType)),
		bus:     b,
	}

	set := b.setFor(evtType)
	set.mu.Lock()
	set.subs[sub.ID] = sub
	set.mu.Unlock()

	b.totalSubs.Add(1)
	return sub, nil
}

func (b *Bus) markDisconnected(s *Subscription) {
	b.disconnect.Store(s.ID, struct{}{})
}

// reclaim removes all subscriptions marked disconnected.
func (b *Bus) reclaim() {
	b.disconnect.Range(func(key, _ interface{}) bool {
		id := key.(uuid.UUID)
		b.mu.RLock()
		for _, set := range b.byType {
			set.mu.Lock()
			if sub, ok := set.subs[id]; ok {
				close(sub.mailbox)
				delete(set.subs, id)
				b.totalSubs.Add(-1)
			}
			set.mu.Unlock()
		}
		b.mu.RUnlock()
		b.disconnect.Delete(id)
		return true
	})
}

// RunCleanup reclaims disconnected subscribers on ReclaimInterval until ctx
// is cancelled (§4.5 b).
func (b *Bus) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.reclaim()
		}
	}
}

func (b *Bus) recordDeliveryFailure(evtType string) {
	if b.sink != nil {
		b.sink.Record("event_bus.delivery_failures_total", 1, metrics.KindCounter, types.PriorityLow,
			map[string]string{"type": evtType})
	}
}

// Publish delivers event to every current subscriber of event.Type. A
// failed or timed-out delivery to one subscriber never blocks delivery to
// the next (§4.5 no head-of-line blocking). A publish with zero
// subscribers is a success (§4.5 d).
func (b *Bus) Publish(ctx context.Context, event types.Event) error {
	if len(event.Type) == 0 {
		return guardianerr.Validation("event type must not be empty", nil)
	}
	if len(event.Payload) > types.MaxEventPayloadBytes {
		return guardianerr.Validation("event payload exceeds 4KiB", nil)
	}
	if len(event.Metadata) > types.MaxEventMetadataEntries {
		return guardianerr.Validation("event metadata exceeds 32 entries", nil)
	}
	if b.shutdown.Load() {
		return guardianerr.System("event bus is shut down", nil)
	}

	b.wg.Add(1)
	defer b.wg.Done()

	set := b.setFor(event.Type)
	set.mu.RLock()
	targets := make([]*Subscription, 0, len(set.subs))
	for _, sub := range set.subs {
		if !sub.closed.Load() {
			targets = append(targets, sub)
		}
	}
	set.mu.RUnlock()

	if len(targets) == 0 {
		return nil
	}

	timeout := deliveryTimeout(event.Priority)
	cfg := breaker.DefaultConfig()

	for _, sub := range targets {
		_, _, err := breaker.ExecuteCtx(ctx, b.breakers, breakerName, cfg, func(ctx context.Context) (struct{}, error) {
			select {
			case sub.mailbox <- event:
				return struct{}{}, nil
			case <-time.After(timeout):
				return struct{}{}, guardianerr.System("delivery timeout", nil)
			case <-ctx.Done():
				return struct{}{}, ctx.Err()
			}
		})
		if err != nil {
			b.recordDeliveryFailure(event.Type)
		}
	}
	return nil
}

// Shutdown broadcasts a terminal signal: in-flight publishes complete, no
// new subscriptions are accepted, and every mailbox is closed.
func (b *Bus) Shutdown() {
	if !b.shutdown.CompareAndSwap(false, true) {
		return
	}
	close(b.shutdownCh)
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, set := range b.byType {
		set.mu.Lock()
		for id, sub := range set.subs {
			close(sub.mailbox)
			delete(set.subs, id)
		}
		set.mu.Unlock()
	}
	b.totalSubs.Store(0)
}
