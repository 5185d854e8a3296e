package inference

import (
	"math"
	"sync"

	"github.com/jordigilh/guardian/internal/guardianerr"
	"github.com/jordigilh/guardian/pkg/types"
)

// LinearEvaluator is a minimal deterministic scoring model: it sums a
// weight vector (decoded from the registered model blob) against each
// feature vector and squashes the result through a logistic function to
// produce a confidence in [0,1]. It stands in for the tensor runtime a
// production deployment would plug in behind the Evaluator interface,
// matching spec §1's framing that model training and the concrete runtime
// are out of scope — only the contract in §4.9 is.
type LinearEvaluator struct {
	mu      sync.RWMutex
	weights [types.FeatureDimension]float32
	bias    float32
	device  Device
}

// NewLinearEvaluator constructs an evaluator with no model loaded.
func NewLinearEvaluator() *LinearEvaluator {
	return &LinearEvaluator{}
}

// Open decodes modelBytes into a weight vector + bias. The expected layout
// is Dimension float32 weights followed by one float32 bias, little-endian
// — the same flat layout the model registry's Store/Load round-trips
// unchanged, so training tooling outside this repo only needs to produce
// that many bytes.
func (l *LinearEvaluator) Open(modelBytes []byte, device Device) error {
	const wantLen = (types.FeatureDimension + 1) * 4
	if len(modelBytes) != wantLen {
		return guardianerr.ML("model blob has unexpected length", nil)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < types.FeatureDimension; i++ {
		l.weights[i] = decodeFloat32(modelBytes[i*4 : i*4+4])
	}
	l.bias = decodeFloat32(modelBytes[types.FeatureDimension*4:])
	l.device = device
	return nil
}

func decodeFloat32(b []byte) float32 {
	bits := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return math.Float32frombits(bits)
}

func encodeFloat32(f float32, out []byte) {
	bits := math.Float32bits(f)
	out[0] = byte(bits)
	out[1] = byte(bits >> 8)
	out[2] = byte(bits >> 16)
	out[3] = byte(bits >> 24)
}

// EncodeModel serializes a weight vector + bias into the flat layout Open
// expects, for tests and for tooling that produces model blobs.
func EncodeModel(weights [types.FeatureDimension]float32, bias float32) []byte {
	out := make([]byte, (types.FeatureDimension+1)*4)
	for i, w := range weights {
		encodeFloat32(w, out[i*4:i*4+4])
	}
	encodeFloat32(bias, out[types.FeatureDimension*4:])
	return out
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// Evaluate scores each feature vector and labels it "malicious" above 0.5
// confidence, "benign" otherwise, preserving input order.
func (l *LinearEvaluator) Evaluate(batch []types.Features) ([]Result, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Result, len(batch))
	for i, f := range batch {
		var sum float64
		for j, v := range f.Data {
			sum += float64(v) * float64(l.weights[j])
		}
		sum += float64(l.bias)
		confidence := sigmoid(sum)
		label := "benign"
		if confidence >= 0.5 {
			label = "malicious"
		} else {
			confidence = 1 - confidence
		}
		out[i] = Result{Label: label, Confidence: confidence}
	}
	return out, nil
}
