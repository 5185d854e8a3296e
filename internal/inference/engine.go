// Package inference implements the inference engine of spec §4.9: warm-up,
// single and batched prediction with a 100ms deadline, a TTL result cache,
// adaptive batch sizing, and immutable device selection at construction.
// The evaluator itself is pluggable (an Evaluator interface) since model
// *training* and the concrete tensor runtime are out of scope per §1; this
// repository ships a lightweight deterministic evaluator so the pipeline
// is exercisable end-to-end without a GPU/accelerator dependency, the way
// kubernaut's pkg/ai/llm package sits behind an interface with multiple
// swappable backends.
package inference

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jordigilh/guardian/internal/breaker"
	"github.com/jordigilh/guardian/internal/cache"
	"github.com/jordigilh/guardian/internal/feature"
	"github.com/jordigilh/guardian/internal/guardianerr"
	"github.com/jordigilh/guardian/internal/metrics"
	"github.com/jordigilh/guardian/pkg/types"
)

// Deadline is the end-to-end single-event prediction budget (§4.9).
const Deadline = 100 * time.Millisecond

// ResultCacheCapacity bounds the prediction cache (§4.9).
const ResultCacheCapacity = 1024

// ResultTTL is the absolute expiry for cached predictions (§4.9).
const ResultTTL = 300 * time.Second

// ConfidenceWarnThreshold is the low-confidence warn-log gate (§4.9).
const ConfidenceWarnThreshold = 0.95

// MaxBatchSize bounds adaptive batch sizing (§4.9).
const MaxBatchSize = 128

const breakerName = "inference_engine"

// Device names the compute backend selected at construction.
type Device int

const (
	DeviceAccelerated Device = iota
	DeviceCPU
)

func (d Device) String() string {
	if d == DeviceAccelerated {
		return "accelerated"
	}
	return "cpu"
}

// Evaluator runs model bytes against one or more feature vectors. A real
// deployment backs this with whatever tensor runtime loads the registry's
// signed blobs; model training that produces those blobs is out of scope.
type Evaluator interface {
	// Open prepares modelBytes for evaluation on the given device, failing
	// over from accelerated to CPU is the caller's responsibility.
	Open(modelBytes []byte, device Device) error
	// Evaluate returns one (label, confidence) pair per input vector,
	// preserving input order.
	Evaluate(batch []types.Features) ([]Result, error)
}

// Result is a raw (label, confidence) pair from the evaluator, before it is
// wrapped into a full types.Prediction with metrics and metadata.
type Result struct {
	Label      string
	Confidence float64
}

// FeatureExtractor is the subset of *feature.Extractor the engine needs.
type FeatureExtractor interface {
	Extract(ctx context.Context, evt types.Event) (types.Features, error)
	BatchExtract(ctx context.Context, events []types.Event) ([]types.Features, error)
}

// LoadReporter supplies current system load for adaptive batch sizing.
type LoadReporter = feature.LoadReporter

// ModelSource resolves the active model's bytes, e.g. *model.Registry.
type ModelSource interface {
	LoadActive(ctx context.Context, name string) (version string, data []byte, err error)
}

// Engine is the inference engine.
type Engine struct {
	modelName string
	evaluator Evaluator
	device    Device
	extractor FeatureExtractor
	source    ModelSource
	breakers  *breaker.Manager
	sink      *metrics.Sink
	load      LoadReporter
	log       *logrus.Entry

	resultCache *cache.TTLLRU[string, types.Prediction]
	evalMu      sync.Mutex // serializes evaluation per model (§4.9 concurrency)

	activeVersion string
}

// New constructs an engine, attempting the accelerated device and falling
// back to CPU on error (§4.9 Device selection — immutable thereafter).
// The active model is warmed up with a zero vector before returning.
func New(ctx context.Context, modelName string, evaluator Evaluator, source ModelSource, breakers *breaker.Manager, sink *metrics.Sink, extractor FeatureExtractor, load LoadReporter, log *logrus.Entry) (*Engine, error) {
	e := &Engine{
		modelName:   modelName,
		evaluator:   evaluator,
		extractor:   extractor,
		source:      source,
		breakers:    breakers,
		sink:        sink,
		load:        load,
		log:         log.WithField("component", "inference_engine"),
		resultCache: cache.NewTTL[string, types.Prediction](ResultCacheCapacity),
	}

	version, data, err := source.LoadActive(ctx, modelName)
	if err != nil {
		return nil, guardianerr.ML("failed to load active model", err)
	}

	if err := evaluator.Open(data, DeviceAccelerated); err != nil {
		e.log.WithError(err).Warn("accelerated device unavailable, falling back to CPU")
		if err := evaluator.Open(data, DeviceCPU); err != nil {
			return nil, guardianerr.ML("failed to open model on CPU fallback", err)
		}
		e.device = DeviceCPU
	} else {
		e.device = DeviceAccelerated
	}
	e.activeVersion = version

	if _, err := evaluator.Evaluate([]types.Features{{}}); err != nil {
		return nil, guardianerr.ML("model warm-up failed", err)
	}

	return e, nil
}

// Device returns the immutable device chosen at construction.
func (e *Engine) Device() Device {
	return e.device
}

func fingerprintFor(evt types.Event) string {
	return evt.Type + ":" + evt.ID.String()
}

// Predict classifies one event end-to-end within Deadline (§4.9).
func (e *Engine) Predict(ctx context.Context, evt types.Event) (types.Prediction, error) {
	ctx, cancel := context.WithTimeout(ctx, Deadline)
	defer cancel()

	type outcome struct {
		pred types.Prediction
		err  error
	}
	resultCh := make(chan outcome, 1)

	go func() {
		pred, err := e.predictInner(ctx, evt)
		resultCh <- outcome{pred, err}
	}()

	select {
	case o := <-resultCh:
		return o.pred, o.err
	case <-ctx.Done():
		return types.Prediction{}, guardianerr.Timeout("predict")
	}
}

func (e *Engine) predictInner(ctx context.Context, evt types.Event) (types.Prediction, error) {
	key := fingerprintFor(evt)
	if cached, ok := e.resultCache.Get(key); ok {
		return cached, nil
	}

	featStart := time.Now()
	features, err := e.extractor.Extract(ctx, evt)
	featureMS := float64(time.Since(featStart).Microseconds()) / 1000.0
	if err != nil {
		return types.Prediction{}, guardianerr.ML("feature extraction failed", err)
	}

	version, _, err := e.source.LoadActive(ctx, e.modelName)
	if err != nil {
		return types.Prediction{}, guardianerr.ML("failed to resolve active model for signature check", err)
	}

	cfg := breaker.DefaultConfig()
	evalStart := time.Now()
	results, open, err := breaker.ExecuteCtx(ctx, e.breakers, breakerName, cfg, func(ctx context.Context) ([]Result, error) {
		e.evalMu.Lock()
		defer e.evalMu.Unlock()
		return e.evaluator.Evaluate([]types.Features{features})
	})
	inferenceMS := float64(time.Since(evalStart).Microseconds()) / 1000.0

	if open {
		return types.Prediction{}, guardianerr.BreakerOpen("inference_engine")
	}
	if err != nil {
		return types.Prediction{}, guardianerr.ML("model evaluation crashed", err)
	}
	if len(results) == 0 {
		return types.Prediction{}, guardianerr.ML("model returned no result", nil)
	}

	pred := types.Prediction{
		Label:       results[0].Label,
		Confidence:  results[0].Confidence,
		Timestamp:   time.Now(),
		Metadata:    mergeMetadata(features.Metadata, map[string]string{"model_version": version}),
		InferenceMS: inferenceMS,
		FeatureMS:   featureMS,
	}

	if pred.Confidence < ConfidenceWarnThreshold {
		e.log.WithFields(logrus.Fields{
			"confidence": pred.Confidence,
			"label":      pred.Label,
		}).Warn("low-confidence prediction")
	}

	e.resultCache.Put(key, pred, ResultTTL)
	e.recordMetrics(pred)
	return pred, nil
}

func mergeMetadata(a, b map[string]string) map[string]string {
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func (e *Engine) recordMetrics(pred types.Prediction) {
	if e.sink == nil {
		return
	}
	e.sink.Record("inference.duration_ms", pred.InferenceMS, metrics.KindHistogram, types.PriorityLow, nil)
	e.sink.Record("inference.confidence", pred.Confidence, metrics.KindHistogram, types.PriorityLow, map[string]string{"label": pred.Label})
}

// effectiveBatchSize computes min(request_size, max_batch*(1-load)) clamped
// to [1,128] (§4.9).
func effectiveBatchSize(requestSize int, load float64) int {
	scaled := int(math.Floor(float64(MaxBatchSize) * (1 - load)))
	if scaled < 1 {
		scaled = 1
	}
	if scaled > MaxBatchSize {
		scaled = MaxBatchSize
	}
	size := requestSize
	if size > scaled {
		size = scaled
	}
	if size < 1 {
		size = 1
	}
	return size
}

// BatchPredict classifies a slice of events, preserving input order in the
// returned slice (§4.9).
func (e *Engine) BatchPredict(ctx context.Context, events []types.Event) ([]types.Prediction, error) {
	if len(events) == 0 {
		return nil, nil
	}

	load := e.load.Load()
	effective := effectiveBatchSize(len(events), load)

	predictions := make([]types.Prediction, len(events))
	for start := 0; start < len(events); start += effective {
		end := start + effective
		if end > len(events) {
			end = len(events)
		}
		chunk := events[start:end]

		features, err := e.extractor.BatchExtract(ctx, chunk)
		if err != nil {
			return nil, guardianerr.ML("batch feature extraction failed", err)
		}

		cfg := breaker.DefaultConfig()
		results, open, err := breaker.ExecuteCtx(ctx, e.breakers, breakerName, cfg, func(ctx context.Context) ([]Result, error) {
			e.evalMu.Lock()
			defer e.evalMu.Unlock()
			return e.evaluator.Evaluate(features)
		})
		if open {
			return nil, guardianerr.BreakerOpen("inference_engine")
		}
		if err != nil {
			return nil, guardianerr.ML("batch model evaluation crashed", err)
		}
		if len(results) != len(chunk) {
			return nil, guardianerr.ML(fmt.Sprintf("evaluator returned %d results for %d inputs", len(results), len(chunk)), nil)
		}

		for i, r := range results {
			predictions[start+i] = types.Prediction{
				Label:      r.Label,
				Confidence: r.Confidence,
				Timestamp:  time.Now(),
				Metadata:   features[i].Metadata,
			}
		}
	}

	return predictions, nil
}
