package response_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jordigilh/guardian/internal/audit"
	"github.com/jordigilh/guardian/internal/breaker"
	"github.com/jordigilh/guardian/internal/metrics"
	"github.com/jordigilh/guardian/internal/response"
	"github.com/jordigilh/guardian/internal/workflowclient"
	"github.com/jordigilh/guardian/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

type fakeWorkflowClient struct {
	startErr  error
	awaitErr  error
	awaitOut  any
	startedAt []string
}

func (f *fakeWorkflowClient) Start(ctx context.Context, workflowType string, input any, opts workflowclient.StartOptions, correlationID uuid.UUID) (workflowclient.Handle, error) {
	f.startedAt = append(f.startedAt, workflowType)
	if f.startErr != nil {
		return workflowclient.Handle{}, f.startErr
	}
	return workflowclient.Handle{ID: uuid.New(), CorrelationID: correlationID}, nil
}

func (f *fakeWorkflowClient) Await(ctx context.Context, handle workflowclient.Handle, deadline time.Duration) (any, error) {
	if f.awaitErr != nil {
		return nil, f.awaitErr
	}
	return f.awaitOut, nil
}

type capturingPublisher struct {
	events []types.Event
}

func (c *capturingPublisher) Publish(ctx context.Context, event types.Event) error {
	c.events = append(c.events, event)
	return nil
}

type capturingAuditRecorder struct {
	entries []audit.Entry
}

func (c *capturingAuditRecorder) Record(ctx context.Context, severity types.Severity, category, message string, correlationID uuid.UUID) (audit.Entry, error) {
	entry := audit.Entry{Severity: severity, Category: category, Message: message, CorrelationID: correlationID}
	c.entries = append(c.entries, entry)
	return entry, nil
}

func newTestEngine(wf *fakeWorkflowClient, pub *capturingPublisher) *response.Engine {
	return newTestEngineWithRecorder(wf, pub, &capturingAuditRecorder{})
}

func newTestEngineWithRecorder(wf *fakeWorkflowClient, pub *capturingPublisher, rec *capturingAuditRecorder) *response.Engine {
	log := logrus.New()
	log.SetOutput(io.Discard)
	entry := logrus.NewEntry(log)
	breakers := breaker.NewManager(entry)
	sink := metrics.NewSink(metrics.NewPrometheusForwarder(prometheus.NewRegistry()), breakers, entry)
	return response.New(wf, pub, rec, breakers, sink, entry)
}

func TestExecuteResponseSucceedsForCriticalThreat(t *testing.T) {
	wf := &fakeWorkflowClient{awaitOut: true}
	pub := &capturingPublisher{}
	e := newTestEngine(wf, pub)

	status, err := e.ExecuteResponse(context.Background(), types.ThreatClassification{
		Severity: types.SeverityCritical,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !status.Success {
		t.Fatal("expected success")
	}
	if status.Action.Kind != types.ActionEmergencyShutdown {
		t.Fatalf("Action.Kind = %v, want ActionEmergencyShutdown", status.Action.Kind)
	}
	if len(pub.events) != 1 || pub.events[0].Type != "response_executed" {
		t.Fatalf("expected a single response_executed event, got %v", pub.events)
	}
}

func TestExecuteResponseTerminatesProcessOnHighSeverityWithPID(t *testing.T) {
	wf := &fakeWorkflowClient{awaitOut: true}
	pub := &capturingPublisher{}
	e := newTestEngine(wf, pub)

	pid := uint32(4242)
	status, err := e.ExecuteResponse(context.Background(), types.ThreatClassification{
		Severity: types.SeverityHigh,
		PID:      &pid,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Action.Kind != types.ActionTerminateProcess {
		t.Fatalf("Action.Kind = %v, want ActionTerminateProcess", status.Action.Kind)
	}
	if status.Action.PID != pid {
		t.Fatalf("Action.PID = %d, want %d", status.Action.PID, pid)
	}
}

func TestExecuteResponseBlocksNetworkOnHighSeverityWithoutPID(t *testing.T) {
	wf := &fakeWorkflowClient{awaitOut: true}
	pub := &capturingPublisher{}
	e := newTestEngine(wf, pub)

	status, err := e.ExecuteResponse(context.Background(), types.ThreatClassification{
		Severity: types.SeverityHigh,
		Address:  "10.0.0.5",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Action.Kind != types.ActionBlockNetwork {
		t.Fatalf("Action.Kind = %v, want ActionBlockNetwork", status.Action.Kind)
	}
}

// TestExecuteResponseRejectsForbiddenPID covers §3's forbidden-target rule:
// pid 1 is never a valid isolate/terminate target.
func TestExecuteResponseRejectsForbiddenPID(t *testing.T) {
	wf := &fakeWorkflowClient{awaitOut: true}
	pub := &capturingPublisher{}
	rec := &capturingAuditRecorder{}
	e := newTestEngineWithRecorder(wf, pub, rec)

	pid := uint32(1)
	_, err := e.ExecuteResponse(context.Background(), types.ThreatClassification{
		Severity: types.SeverityHigh,
		PID:      &pid,
	})
	if err == nil {
		t.Fatal("expected error for pid 1 target")
	}
	if len(wf.startedAt) != 0 {
		t.Fatal("expected validation failure to short-circuit before dispatch")
	}
	if len(rec.entries) != 1 {
		t.Fatalf("expected exactly one audit entry, got %d", len(rec.entries))
	}
	if rec.entries[0].Severity != types.SeverityHigh {
		t.Fatalf("audit entry severity = %v, want SeverityHigh", rec.entries[0].Severity)
	}
	if rec.entries[0].Category != "response_validation" {
		t.Fatalf("audit entry category = %q, want %q", rec.entries[0].Category, "response_validation")
	}
}

// TestExecuteResponseRejectsLoopbackAddress covers §3's forbidden-target
// rule for BlockNetwork.
func TestExecuteResponseRejectsLoopbackAddress(t *testing.T) {
	wf := &fakeWorkflowClient{awaitOut: true}
	pub := &capturingPublisher{}
	e := newTestEngine(wf, pub)

	_, err := e.ExecuteResponse(context.Background(), types.ThreatClassification{
		Severity: types.SeverityMedium,
		Address:  "127.0.0.1",
	})
	if err == nil {
		t.Fatal("expected error for loopback address target")
	}
}

func TestExecuteResponsePropagatesDispatchFailure(t *testing.T) {
	wf := &fakeWorkflowClient{awaitOut: true, startErr: context.DeadlineExceeded}
	pub := &capturingPublisher{}
	rec := &capturingAuditRecorder{}
	e := newTestEngineWithRecorder(wf, pub, rec)

	status, err := e.ExecuteResponse(context.Background(), types.ThreatClassification{
		Severity: types.SeverityMedium,
		Address:  "10.0.0.9",
	})
	if err == nil {
		t.Fatal("expected dispatch error to propagate")
	}
	if status.Success {
		t.Fatal("expected unsuccessful status on dispatch failure")
	}
	if len(rec.entries) != 1 {
		t.Fatalf("expected exactly one audit entry for the System dispatch failure, got %d", len(rec.entries))
	}
	if rec.entries[0].Category != "response_dispatch" {
		t.Fatalf("audit entry category = %q, want %q", rec.entries[0].Category, "response_dispatch")
	}
}
