package guardianerr

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestErrorUnwrapExposesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Storage("writing snapshot", cause)

	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find the wrapped cause")
	}
	if got := err.Unwrap(); got != cause {
		t.Fatalf("Unwrap() = %v, want %v", got, cause)
	}
}

func TestErrorMessageIncludesCategoryAndCause(t *testing.T) {
	err := ML("inference timeout", errors.New("deadline exceeded"))
	msg := err.Error()
	if !strings.Contains(msg, "ml error") {
		t.Errorf("message %q missing category", msg)
	}
	if !strings.Contains(msg, "deadline exceeded") {
		t.Errorf("message %q missing cause", msg)
	}
}

func TestWithCorrelationIDPreservesCause(t *testing.T) {
	cause := errors.New("boom")
	err := System("dispatch", cause)
	id := uuid.New()

	withID := err.WithCorrelationID(id)
	if withID.CorrelationID != id {
		t.Fatalf("CorrelationID = %v, want %v", withID.CorrelationID, id)
	}
	if !errors.Is(withID, cause) {
		t.Fatalf("cause dropped by WithCorrelationID")
	}
	if err.CorrelationID == id {
		t.Fatalf("original error mutated by WithCorrelationID")
	}
}

func TestWithContextAppendsWithoutDroppingCause(t *testing.T) {
	cause := errors.New("root")
	err := Validation("bad field", cause)
	extended := err.WithContext("request rejected")

	if !strings.HasSuffix(extended.Context, "request rejected") {
		t.Fatalf("Context = %q, want suffix %q", extended.Context, "request rejected")
	}
	if !strings.HasPrefix(extended.Context, "bad field") {
		t.Fatalf("Context = %q, want prefix %q", extended.Context, "bad field")
	}
	if !errors.Is(extended, cause) {
		t.Fatalf("cause dropped by WithContext")
	}
}

// TestIncrementRetryCeiling covers the §8 Retry ceiling invariant: RetryCount
// never exceeds MaxRetries, and IncrementRetry signals exhaustion with nil.
func TestIncrementRetryCeiling(t *testing.T) {
	err := Storage("flush", nil)
	for i := 0; i < MaxRetries; i++ {
		next := err.IncrementRetry()
		if next == nil {
			t.Fatalf("attempt %d: unexpected nil before ceiling reached", i)
		}
		err = next
	}
	if err.RetryCount != MaxRetries {
		t.Fatalf("RetryCount = %d, want %d", err.RetryCount, MaxRetries)
	}
	if got := err.IncrementRetry(); got != nil {
		t.Fatalf("IncrementRetry() past ceiling = %v, want nil", got)
	}
}

func TestRetryableByCategory(t *testing.T) {
	cases := []struct {
		name string
		err  *Error
		want bool
	}{
		{"ml retryable", ML("x", nil), true},
		{"storage retryable", Storage("x", nil), true},
		{"validation never retried", Validation("x", nil), false},
		{"security never retried", Security("x", nil), false},
		{"system never retried", System("x", nil), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.err.Retryable(); got != tc.want {
				t.Errorf("Retryable() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSecurityAlwaysHighSeverity(t *testing.T) {
	if got := Security("unauthorized", nil).Severity; got != SeverityHigh {
		t.Fatalf("Security severity = %v, want %v", got, SeverityHigh)
	}
}

func TestBreakerOpenTagsContext(t *testing.T) {
	err := BreakerOpen("response_engine")
	if !strings.HasSuffix(err.Context, "breaker_open") {
		t.Fatalf("Context = %q, want suffix breaker_open", err.Context)
	}
}

func TestTimeoutTagsMLContext(t *testing.T) {
	err := Timeout("inference")
	if err.Category != CategoryML {
		t.Fatalf("Category = %v, want %v", err.Category, CategoryML)
	}
	if !strings.HasSuffix(err.Context, "timeout") {
		t.Fatalf("Context = %q, want suffix timeout", err.Context)
	}
}
