// Package detector implements the threat detection loop of spec §4.10: a
// 50ms ticker that drains an adaptive batch from telemetry, classifies
// predictions above the confidence threshold, and publishes
// threat_detected events at classification-derived priority, tripping its
// own circuit breaker after five consecutive tick failures.
package detector

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jordigilh/guardian/internal/breaker"
	"github.com/jordigilh/guardian/internal/guardianerr"
	"github.com/jordigilh/guardian/internal/metrics"
	"github.com/jordigilh/guardian/pkg/types"
)

// TickInterval drives the detection loop (§4.10).
const TickInterval = 50 * time.Millisecond

// MinBatchSize and MaxBatchSize bound the adaptive batch drained per tick
// (§4.10).
const (
	MinBatchSize = 16
	MaxBatchSize = 128
)

// DefaultConfidenceThreshold is the per-decision classification gate
// (§4.10, SPEC_FULL.md resolution of Open Question 1), overridable at
// runtime via SetConfidenceThreshold for config hot-reload.
const DefaultConfidenceThreshold = 0.95

const breakerName = "threat_detector"

// ConsecutiveFailureLimit opens the breaker after this many failed ticks in
// a row (§4.10).
const ConsecutiveFailureLimit = 5

func classify(confidence float64) types.Severity {
	switch {
	case confidence >= 0.95:
		return types.SeverityCritical
	case confidence >= 0.85:
		return types.SeverityHigh
	case confidence >= 0.70:
		return types.SeverityMedium
	default:
		return types.SeverityLow
	}
}

func priorityFor(sev types.Severity) types.Priority {
	switch sev {
	case types.SeverityCritical:
		return types.PriorityCritical
	case types.SeverityHigh:
		return types.PriorityHigh
	default:
		return types.PriorityMedium
	}
}

// Source drains up to n pending telemetry events without blocking past
// what is immediately available, the detector's view of the event bus
// subscription it drains from.
type Source interface {
	Drain(ctx context.Context, max int) []types.Event
}

// Predictor is the subset of *inference.Engine the detector depends on.
type Predictor interface {
	BatchPredict(ctx context.Context, events []types.Event) ([]types.Prediction, error)
}

// Publisher publishes detector output events, satisfied by
// *eventbus.Bus.
type Publisher interface {
	Publish(ctx context.Context, event types.Event) error
}

// LoadReporter supplies system load for adaptive batch sizing.
type LoadReporter interface {
	Load() float64
}

// Detector runs the periodic detection loop.
type Detector struct {
	source    Source
	predictor Predictor
	publisher Publisher
	breakers  *breaker.Manager
	sink      *metrics.Sink
	load      LoadReporter
	log       *logrus.Entry

	running   atomic.Bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	threshold atomic.Uint64 // math.Float64bits(confidence threshold), for lock-free hot-reload
}

// New constructs a stopped detector.
func New(source Source, predictor Predictor, publisher Publisher, breakers *breaker.Manager, sink *metrics.Sink, load LoadReporter, log *logrus.Entry) *Detector {
	d := &Detector{
		source:    source,
		predictor: predictor,
		publisher: publisher,
		breakers:  breakers,
		sink:      sink,
		load:      load,
		log:       log.WithField("component", "threat_detector"),
	}
	d.SetConfidenceThreshold(DefaultConfidenceThreshold)
	return d
}

// SetConfidenceThreshold overrides the per-decision classification gate,
// for config hot-reload (§4.13).
func (d *Detector) SetConfidenceThreshold(threshold float64) {
	d.threshold.Store(math.Float64bits(threshold))
}

func (d *Detector) confidenceThreshold() float64 {
	return math.Float64frombits(d.threshold.Load())
}

func adaptiveBatchSize(load float64) int {
	size := int(float64(MaxBatchSize) * (1 - load))
	if size < MinBatchSize {
		size = MinBatchSize
	}
	if size > MaxBatchSize {
		size = MaxBatchSize
	}
	return size
}

// Start begins the detection loop; it is idempotent (a second Start on an
// already-running detector is a no-op).
func (d *Detector) Start(ctx context.Context) {
	if !d.running.CompareAndSwap(false, true) {
		return
	}
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})

	go d.loop(ctx)
}

// Stop lets the current tick finish and then returns; idempotent.
func (d *Detector) Stop() {
	if !d.running.CompareAndSwap(true, false) {
		return
	}
	close(d.stopCh)
	<-d.doneCh
}

func (d *Detector) loop(ctx context.Context) {
	defer close(d.doneCh)
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Detector) tick(ctx context.Context) {
	cfg := breaker.Config{FailureThreshold: ConsecutiveFailureLimit, Cooldown: 5 * time.Minute, HalfOpenMaxCalls: 1}

	if d.breakers.State(breakerName).String() == "open" {
		d.recordMetric("skipped_breaker_open", 1)
		return
	}

	start := time.Now()
	err := d.runTick(ctx)
	d.recordMetric("tick_latency_ms", float64(time.Since(start).Microseconds())/1000.0)

	_, _, cbErr := breaker.ExecuteCtx(ctx, d.breakers, breakerName, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, err
	})
	if cbErr != nil && d.breakers.State(breakerName).String() == "open" {
		d.log.Error("threat detector circuit breaker opened after consecutive failures")
		_ = d.publisher.Publish(ctx, types.NewEvent("breaker_open", nil, types.PriorityCritical,
			map[string]string{"component": "threat_detector"}))
	}
}

func (d *Detector) runTick(ctx context.Context) error {
	load := d.load.Load()
	batchSize := adaptiveBatchSize(load)

	events := d.source.Drain(ctx, batchSize)
	if len(events) == 0 {
		return nil
	}

	predictions, err := d.predictor.BatchPredict(ctx, events)
	if err != nil {
		return guardianerr.ML("batch prediction failed", err)
	}

	var detectionCount int
	classCounts := map[types.Severity]int{}

	threshold := d.confidenceThreshold()
	for _, pred := range predictions {
		if pred.Confidence < threshold {
			continue
		}
		sev := classify(pred.Confidence)
		detectionCount++
		classCounts[sev]++

		evt := types.NewEvent("threat_detected", nil, priorityFor(sev), map[string]string{
			"severity":   sev.String(),
			"label":      pred.Label,
			"confidence": fmt.Sprintf("%.4f", pred.Confidence),
		})
		if err := d.publisher.Publish(ctx, evt); err != nil {
			d.log.WithError(err).Warn("failed to publish threat_detected")
		}
	}

	d.recordMetric("detection_count", float64(detectionCount))
	for sev, count := range classCounts {
		d.recordClassMetric(sev, count)
	}
	return nil
}

func (d *Detector) recordMetric(name string, value float64) {
	if d.sink == nil {
		return
	}
	d.sink.Record("detector."+name, value, metrics.KindGauge, types.PriorityLow, nil)
}

func (d *Detector) recordClassMetric(sev types.Severity, count int) {
	if d.sink == nil {
		return
	}
	d.sink.Record("detector.class_count", float64(count), metrics.KindCounter, types.PriorityLow,
		map[string]string{"severity": sev.String()})
}
