package audit_test

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jordigilh/guardian/internal/audit"
	"github.com/jordigilh/guardian/internal/hsm"
	"github.com/jordigilh/guardian/internal/objectstore"
	"github.com/jordigilh/guardian/pkg/types"
)

func newTestRecorder(t *testing.T, onAlert audit.AlertFunc) *audit.Recorder {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	store := objectstore.New()
	oracle := hsm.NewSoftwareHSM()
	rec, err := audit.New(context.Background(), store, oracle, onAlert, logrus.NewEntry(log))
	if err != nil {
		t.Fatalf("unexpected error constructing recorder: %v", err)
	}
	return rec
}

func TestRecordThenVerifySucceeds(t *testing.T) {
	rec := newTestRecorder(t, nil)
	entry, err := rec.Record(context.Background(), types.SeverityHigh, "network", "blocked 10.0.0.1", uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ok, err := rec.Verify(context.Background(), entry.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected a freshly recorded entry to verify")
	}
}

func TestRecordRejectsOversizedMessage(t *testing.T) {
	rec := newTestRecorder(t, nil)
	huge := strings.Repeat("x", audit.MaxEntryBytes+1)
	_, err := rec.Record(context.Background(), types.SeverityLow, "noise", huge, uuid.New())
	if err == nil {
		t.Fatal("expected error for an entry exceeding the size bound")
	}
}

func TestListReturnsRecordedEntriesOldestFirst(t *testing.T) {
	rec := newTestRecorder(t, nil)
	ctx := context.Background()
	first, err := rec.Record(ctx, types.SeverityLow, "a", "first", uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := rec.Record(ctx, types.SeverityLow, "b", "second", uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entries, err := rec.List(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].ID != first.ID || entries[1].ID != second.ID {
		t.Fatal("expected entries in append order")
	}
}

// TestCriticalAlertFiresAtThreshold covers §4.12's alert-hook contract: the
// hook fires once CriticalAlertThreshold Critical entries land within
// CriticalAlertWindow.
func TestCriticalAlertFiresAtThreshold(t *testing.T) {
	var fired int
	var lastCount int
	rec := newTestRecorder(t, func(count int, window time.Duration) {
		fired++
		lastCount = count
	})

	ctx := context.Background()
	for i := 0; i < audit.CriticalAlertThreshold; i++ {
		if _, err := rec.Record(ctx, types.SeverityCritical, "intrusion", "critical event", uuid.New()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if fired == 0 {
		t.Fatal("expected the alert hook to fire once the Critical threshold was crossed")
	}
	if lastCount < audit.CriticalAlertThreshold {
		t.Fatalf("lastCount = %d, want >= %d", lastCount, audit.CriticalAlertThreshold)
	}
}

func TestNonCriticalEntriesNeverTriggerAlert(t *testing.T) {
	var fired int
	rec := newTestRecorder(t, func(count int, window time.Duration) {
		fired++
	})

	ctx := context.Background()
	for i := 0; i < audit.CriticalAlertThreshold+5; i++ {
		if _, err := rec.Record(ctx, types.SeverityMedium, "noise", "not critical", uuid.New()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if fired != 0 {
		t.Fatalf("fired = %d, want 0 for non-Critical entries", fired)
	}
}

func TestVerifyFailsForUnknownEntry(t *testing.T) {
	rec := newTestRecorder(t, nil)
	_, err := rec.Verify(context.Background(), uuid.New())
	if err == nil {
		t.Fatal("expected error verifying an entry that was never recorded")
	}
}
