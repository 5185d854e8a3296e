// Package types holds the value objects shared across the guardian agent's
// detect-decide-respond pipeline: telemetry events, extracted features,
// model predictions, model version metadata, system state snapshots, threat
// classifications, and response actions.
package types

import (
	"time"

	"github.com/google/uuid"
)

// Priority orders delivery and response urgency across the event bus and
// response engine.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// MaxEventPayloadBytes is the serialized payload size ceiling (§3).
const MaxEventPayloadBytes = 4 * 1024

// MaxEventMetadataEntries is the metadata mapping size ceiling (§3).
const MaxEventMetadataEntries = 32

// Event is an immutable unit of telemetry published on the event bus.
type Event struct {
	ID            uuid.UUID
	Type          string
	Payload       []byte
	Timestamp     time.Time
	Monotonic     int64
	Priority      Priority
	CorrelationID uuid.UUID
	Metadata      map[string]string
}

// NewEvent builds an Event with generated identifiers and captured
// timestamps. Validation of size limits happens at the bus boundary so
// producers get a uniform error channel.
func NewEvent(eventType string, payload []byte, priority Priority, metadata map[string]string) Event {
	if metadata == nil {
		metadata = map[string]string{}
	}
	return Event{
		ID:            uuid.New(),
		Type:          eventType,
		Payload:       payload,
		Timestamp:     time.Now(),
		Monotonic:     time.Now().UnixNano(),
		Priority:      priority,
		CorrelationID: uuid.New(),
		Metadata:      metadata,
	}
}

// FeatureDimension is the fixed width of every feature vector (§4.8,
// Open Question 2 resolved in SPEC_FULL.md).
const FeatureDimension = 256

// Features is a fixed-width normalized feature vector plus metadata carried
// through from the originating event. Equality is bitwise on Data.
type Features struct {
	Data     [FeatureDimension]float32
	Metadata map[string]string
}

// Equal performs the bitwise comparison the spec requires for feature
// vector equality.
func (f Features) Equal(other Features) bool {
	return f.Data == other.Data
}

// Prediction is the output of the inference engine for a single event.
type Prediction struct {
	Label       string
	Confidence  float64
	Timestamp   time.Time
	Metadata    map[string]string
	InferenceMS float64
	FeatureMS   float64
	MemoryBytes int64
}

// ModelStatus is the lifecycle state of a registered model version.
type ModelStatus int

const (
	ModelInactive ModelStatus = iota
	ModelValidating
	ModelActive
	ModelFailed
	ModelDeprecated
)

func (s ModelStatus) String() string {
	switch s {
	case ModelValidating:
		return "validating"
	case ModelActive:
		return "active"
	case ModelFailed:
		return "failed"
	case ModelDeprecated:
		return "deprecated"
	default:
		return "inactive"
	}
}

// ValidationStatus tracks signature/format verification of a model blob.
type ValidationStatus int

const (
	ValidationPending ValidationStatus = iota
	ValidationPassed
	ValidationFailed
)

// ModelVersion is the metadata record for one registered model blob.
type ModelVersion struct {
	Name             string
	Version          string
	CreatedAt        time.Time
	Hash             string
	SizeBytes        int64
	Status           ModelStatus
	ValidationStatus ValidationStatus
	PerformanceMetrics map[string]float64
}

// Health is the coarse operating state derived from resource usage (§4.6).
type Health int

const (
	HealthHealthy Health = iota
	HealthDegraded
	HealthCritical
)

func (h Health) String() string {
	switch h {
	case HealthDegraded:
		return "degraded"
	case HealthCritical:
		return "critical"
	default:
		return "healthy"
	}
}

// SystemState is a rolling snapshot of host resource pressure.
type SystemState struct {
	Health        Health
	CPUUsage      float64
	MemoryUsage   float64
	ActiveThreats int
	LastUpdate    time.Time
}

// Severity mirrors error/threat severity across the taxonomy and
// classification model.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityHigh:
		return "high"
	case SeverityMedium:
		return "medium"
	default:
		return "low"
	}
}

// ThreatClassification is derived from a Prediction by the monotone mapping
// in §4.10.
type ThreatClassification struct {
	Severity   Severity
	Confidence float64
	Context    map[string]string
	PID        *uint32
	Address    string
}

// ResponseActionKind discriminates the ResponseAction tagged union.
type ResponseActionKind int

const (
	ActionIsolateProcess ResponseActionKind = iota
	ActionTerminateProcess
	ActionBlockNetwork
	ActionEmergencyShutdown
)

// ResponseAction is the tagged union of remediation actions (§3). Only the
// fields relevant to Kind are populated.
type ResponseAction struct {
	Kind     ResponseActionKind
	PID      uint32
	Reason   string
	Force    bool
	Address  string
	Duration time.Duration
}

// ResponseStatus is the outcome of dispatching a ResponseAction through the
// workflow engine.
type ResponseStatus struct {
	Action        ResponseAction
	Success       bool
	ExecutionTime time.Duration
	ErrorContext  string
	CorrelationID uuid.UUID
}
