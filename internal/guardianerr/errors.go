// Package guardianerr implements the tagged error taxonomy of spec §4.1:
// one sum type over System, Security, ML, Storage and Validation categories,
// each carrying context, an optional chained cause, severity, a timestamp,
// a correlation id and a capped retry counter.
//
// The shape follows kubernaut's pkg/shared/errors.OperationError: a single
// struct implementing error and Unwrap, built through small constructor
// functions rather than one large struct literal at every call site.
package guardianerr

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Category classifies an error for retry policy and metrics routing (§7).
type Category int

const (
	CategorySystem Category = iota
	CategorySecurity
	CategoryML
	CategoryStorage
	CategoryValidation
)

func (c Category) String() string {
	switch c {
	case CategorySecurity:
		return "security"
	case CategoryML:
		return "ml"
	case CategoryStorage:
		return "storage"
	case CategoryValidation:
		return "validation"
	default:
		return "system"
	}
}

// Severity mirrors the shared severity scale used by metrics and audit.
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

// MaxContextLength bounds the context string (§4.1).
const MaxContextLength = 1024

// MaxRetries is the retry ceiling invariant tested in §8 (Retry ceiling).
const MaxRetries = 3

// Error is the single tagged error type for every public entry point in the
// core. Context never drops the wrapped cause: Unwrap always returns it.
type Error struct {
	Category      Category
	Severity      Severity
	Context       string
	Cause         error
	Timestamp     time.Time
	CorrelationID uuid.UUID
	RetryCount    int
}

func (e *Error) Error() string {
	ctx := e.Context
	if len(ctx) > MaxContextLength {
		ctx = ctx[:MaxContextLength]
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s error: %s: %v", e.Category, ctx, e.Cause)
	}
	return fmt.Sprintf("%s error: %s", e.Category, ctx)
}

// Unwrap exposes the chained cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error with a fresh correlation id and a captured timestamp.
func New(category Category, severity Severity, context string, cause error) *Error {
	return &Error{
		Category:      category,
		Severity:      severity,
		Context:       context,
		Cause:         cause,
		Timestamp:     time.Now(),
		CorrelationID: uuid.New(),
	}
}

// WithCorrelationID returns a copy of e carrying the supplied correlation
// id, preserving everything else including the cause chain.
func (e *Error) WithCorrelationID(id uuid.UUID) *Error {
	clone := *e
	clone.CorrelationID = id
	return &clone
}

// WithContext returns a copy of e with additional context appended; the
// cause is never dropped.
func (e *Error) WithContext(extra string) *Error {
	clone := *e
	clone.Context = clone.Context + ": " + extra
	return &clone
}

// IncrementRetry returns a copy of e with RetryCount+1, or nil once the
// retry ceiling (MaxRetries) has already been reached (§4.1, §8 Retry
// ceiling).
func (e *Error) IncrementRetry() *Error {
	if e.RetryCount >= MaxRetries {
		return nil
	}
	clone := *e
	clone.RetryCount++
	return &clone
}

// Retryable reports whether the category is retried at the component level
// per §7: ML and Storage are retried, Validation and Security never are,
// System errors surface immediately after ticking the breaker.
func (e *Error) Retryable() bool {
	switch e.Category {
	case CategoryML, CategoryStorage:
		return e.RetryCount < MaxRetries
	default:
		return false
	}
}

// System constructs a System-category error.
func System(context string, cause error) *Error {
	return New(CategorySystem, SeverityHigh, context, cause)
}

// Security constructs a Security-category error, always High severity per
// §7 (Security errors are always audited at High severity).
func Security(context string, cause error) *Error {
	return New(CategorySecurity, SeverityHigh, context, cause)
}

// ML constructs an ML-category error.
func ML(context string, cause error) *Error {
	return New(CategoryML, SeverityMedium, context, cause)
}

// Storage constructs a Storage-category error.
func Storage(context string, cause error) *Error {
	return New(CategoryStorage, SeverityMedium, context, cause)
}

// Validation constructs a Validation-category error, never retried.
func Validation(context string, cause error) *Error {
	return New(CategoryValidation, SeverityLow, context, cause)
}

// Timeout tags an ML error as a deadline violation (§8 Deadline obedience);
// the tag lives in the context string since the category already routes
// retry/metrics behavior.
func Timeout(context string) *Error {
	return ML(context+": timeout", nil)
}

// BreakerOpen tags a System-category fail-fast error produced when a
// circuit breaker refuses a call.
func BreakerOpen(component string) *Error {
	return New(CategorySystem, SeverityHigh, component+": breaker_open", nil)
}
