// Package metrics implements the priority-queued, sampled, batched
// forwarder of spec §4.2, expressed over github.com/prometheus/client_golang
// the way kubernaut's pkg/infrastructure/metrics registers package-level
// collectors and exposes small RecordX(...) helpers. The spec calls for
// forwarding to "a StatsD-style endpoint"; this sink treats Prometheus's
// pull registry as that forwarding target in steady state and additionally
// accepts a pluggable Forwarder for a push-style StatsD/DogStatsD backend,
// so the breaker-on-forwarding-failure behavior in §4.2 has something that
// can actually fail.
package metrics

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/jordigilh/guardian/internal/breaker"
	"github.com/jordigilh/guardian/pkg/types"
)

// Kind discriminates how a recorded value is aggregated.
type Kind int

const (
	KindCounter Kind = iota
	KindGauge
	KindHistogram
)

// Record is one sampled-in measurement queued for forwarding.
type Record struct {
	Name      string
	Value     float64
	Kind      Kind
	Priority  types.Priority
	Tags      map[string]string
	Timestamp time.Time
}

// Forwarder pushes a batch of records to an external StatsD-style endpoint.
// Forwarding failures trip the sink's circuit breaker (§4.2).
type Forwarder interface {
	Forward(ctx context.Context, records []Record) error
}

// PrometheusForwarder registers collectors lazily by name+tag-set and
// "forwards" by updating them in-process; the real network exposure is the
// pull-based /metrics HTTP handler wired in internal/rpc.
type PrometheusForwarder struct {
	mu         sync.Mutex
	registry   *prometheus.Registry
	counters   map[string]prometheus.Counter
	gauges     map[string]prometheus.Gauge
	histograms map[string]prometheus.Histogram
}

// NewPrometheusForwarder constructs a forwarder backed by its own registry
// so tests never collide with the default global one.
func NewPrometheusForwarder(registry *prometheus.Registry) *PrometheusForwarder {
	return &PrometheusForwarder{
		registry:   registry,
		counters:   make(map[string]prometheus.Counter),
		gauges:     make(map[string]prometheus.Gauge),
		histograms: make(map[string]prometheus.Histogram),
	}
}

func collectorKey(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		fmt.Fprintf(&b, ",%s=%s", k, tags[k])
	}
	return b.String()
}

// Forward never fails for the Prometheus path; it exists to satisfy the
// Forwarder interface used by every other transport.
func (p *PrometheusForwarder) Forward(_ context.Context, records []Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, r := range records {
		key := collectorKey(r.Name, r.Tags)
		labels := prometheus.Labels(r.Tags)
		switch r.Kind {
		case KindCounter:
			c, ok := p.counters[key]
			if !ok {
				c = prometheus.NewCounter(prometheus.CounterOpts{Name: sanitize(r.Name), Help: r.Name, ConstLabels: labels})
				p.registry.MustRegister(c)
				p.counters[key] = c
			}
			c.Add(r.Value)
		case KindGauge:
			g, ok := p.gauges[key]
			if !ok {
				g = prometheus.NewGauge(prometheus.GaugeOpts{Name: sanitize(r.Name), Help: r.Name, ConstLabels: labels})
				p.registry.MustRegister(g)
				p.gauges[key] = g
			}
			g.Set(r.Value)
		case KindHistogram:
			h, ok := p.histograms[key]
			if !ok {
				h = prometheus.NewHistogram(prometheus.HistogramOpts{Name: sanitize(r.Name), Help: r.Name, ConstLabels: labels})
				p.registry.MustRegister(h)
				p.histograms[key] = h
			}
			h.Observe(r.Value)
		}
	}
	return nil
}

func sanitize(name string) string {
	return strings.ReplaceAll(strings.ReplaceAll(name, ".", "_"), "-", "_")
}

// queueCapacity returns the per-priority mailbox size (Critical gets the
// largest headroom, mirroring the event bus's subscriber mailbox split).
func queueCapacity(p types.Priority) int {
	switch p {
	case types.PriorityCritical:
		return 4096
	case types.PriorityHigh:
		return 2048
	default:
		return 1024
	}
}

// SamplingRates holds the independent [0,1] sampling rate per priority
// queue (§4.2).
type SamplingRates struct {
	Critical float64
	High     float64
	Medium   float64
	Low      float64
}

// DefaultSamplingRates samples everything; callers dial it down under load.
func DefaultSamplingRates() SamplingRates {
	return SamplingRates{Critical: 1.0, High: 1.0, Medium: 1.0, Low: 1.0}
}

func (s SamplingRates) rateFor(p types.Priority) float64 {
	switch p {
	case types.PriorityCritical:
		return s.Critical
	case types.PriorityHigh:
		return s.High
	case types.PriorityMedium:
		return s.Medium
	default:
		return s.Low
	}
}

const breakerName = "metrics_sink"

// Sink is the priority-queued, sampled, batched forwarder of §4.2.
type Sink struct {
	queues        [4]chan Record
	sampling      atomic.Pointer[SamplingRates]
	forwarder     Forwarder
	breakers      *breaker.Manager
	flushInterval time.Duration
	log           *logrus.Entry
	rng           *rand.Rand
	rngMu         sync.Mutex
	dropped       atomic.Int64
}

// NewSink constructs a sink with the default 60s flush interval (§4.2).
func NewSink(forwarder Forwarder, breakers *breaker.Manager, log *logrus.Entry) *Sink {
	s := &Sink{
		forwarder:     forwarder,
		breakers:      breakers,
		flushInterval: 60 * time.Second,
		log:           log.WithField("component", "metrics_sink"),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	rates := DefaultSamplingRates()
	s.sampling.Store(&rates)
	for i, p := range []types.Priority{types.PriorityLow, types.PriorityMedium, types.PriorityHigh, types.PriorityCritical} {
		s.queues[i] = make(chan Record, queueCapacity(p))
	}
	return s
}

// SetSamplingRates atomically replaces the active sampling configuration.
func (s *Sink) SetSamplingRates(r SamplingRates) {
	s.sampling.Store(&r)
}

func (s *Sink) queueFor(p types.Priority) chan Record {
	return s.queues[int(p)]
}

func (s *Sink) sampledIn(p types.Priority) bool {
	rate := s.sampling.Load().rateFor(p)
	if rate >= 1.0 {
		return true
	}
	if rate <= 0.0 {
		return false
	}
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64() < rate
}

// Record makes the sampling decision immediately (record-time, never
// flush-time, per the §4.2 invariant) and, if admitted, enqueues the
// measurement. When the forwarding breaker is open, sampled-in records are
// still counted as sampled but discarded, preserving the producer's latency
// budget instead of blocking on a doomed flush.
func (s *Sink) Record(name string, value float64, kind Kind, priority types.Priority, tags map[string]string) {
	if !s.sampledIn(priority) {
		return
	}
	rec := Record{Name: name, Value: value, Kind: kind, Priority: priority, Tags: tags, Timestamp: time.Now()}

	if s.breakers.State(breakerName).String() == "open" {
		s.dropped.Add(1)
		return
	}

	select {
	case s.queueFor(priority) <- rec:
	default:
		// Queue at capacity: pressure flush is triggered by Run's select
		// loop noticing any full queue; here we just drop and
		// count it rather than block the producer.
		s.dropped.Add(1)
	}
}

// Dropped returns the count of records discarded since construction, for
// diagnostics and tests.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Sink) drainAll() []Record {
	var batch []Record
	for _, q := range s.queues {
		for {
			select {
			case r := <-q:
				batch = append(batch, r)
			default:
				goto next
			}
		}
	next:
	}
	return batch
}

func (s *Sink) anyQueueUnderPressure() bool {
	for i, q := range s.queues {
		if len(q) >= cap(q) {
			_ = i
			return true
		}
	}
	return false
}

// Flush drains every queue and forwards the batch. While the sink's
// breaker is open it short-circuits immediately with an error, per §4.2.
func (s *Sink) Flush(ctx context.Context) error {
	cfg := breaker.DefaultConfig()
	if s.breakers.State(breakerName).String() == "open" {
		s.log.Warn("metrics flush short-circuited: breaker open")
		return fmt.Errorf("metrics flush short-circuited: breaker %s open", breakerName)
	}
	batch := s.drainAll()
	if len(batch) == 0 {
		return nil
	}
	_, open, err := breaker.ExecuteCtx(ctx, s.breakers, breakerName, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.forwarder.Forward(ctx, batch)
	})
	if open {
		s.log.Warn("metrics flush short-circuited: breaker open")
	} else if err != nil {
		s.log.WithError(err).Warn("metrics flush failed")
	}
	return err
}

// Run drains and forwards on the configured interval and whenever any
// queue reaches its capacity, until ctx is cancelled.
func (s *Sink) Run(ctx context.Context) {
	ticker := time.NewTicker(s.flushInterval)
	pressureCheck := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	defer pressureCheck.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = s.Flush(context.Background())
			return
		case <-ticker.C:
			_ = s.Flush(ctx)
		case <-pressureCheck.C:
			if s.anyQueueUnderPressure() {
				_ = s.Flush(ctx)
			}
		}
	}
}
