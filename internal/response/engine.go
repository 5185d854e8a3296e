// Package response implements the response engine of spec §4.11: a
// classification -> action mapping, forbidden-target validation, durable
// workflow dispatch with a bounded priority queue and circuit breaker, and
// result publication. Grounded on
// original_source/security/response_engine.rs's ResponseQueue/
// ResponseConfig shape and exact constants (100ms initial retry interval,
// 2x backoff, 3 max attempts, 1000-entry queue capacity).
package response

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jordigilh/guardian/internal/audit"
	"github.com/jordigilh/guardian/internal/breaker"
	"github.com/jordigilh/guardian/internal/guardianerr"
	"github.com/jordigilh/guardian/internal/metrics"
	"github.com/jordigilh/guardian/internal/workflowclient"
	"github.com/jordigilh/guardian/pkg/types"
)

// AuditRecorder is the subset of *audit.Recorder the engine needs to
// durably record validation and dispatch failures (§7: "Security errors
// are surfaced, never retried, always audited at High severity"; "System
// errors... are audited").
type AuditRecorder interface {
	Record(ctx context.Context, severity types.Severity, category, message string, correlationID uuid.UUID) (audit.Entry, error)
}

// QueueCapacity is the bounded priority queue capacity (§4.11,
// original_source RESPONSE_QUEUE_CAPACITY).
const QueueCapacity = 1000

// BaselineTimeout is the workflow dispatch timeout for non-Critical
// threats; Critical threats get it doubled (§4.11).
const BaselineTimeout = 1 * time.Second

// ForbiddenPID is never a valid target for isolate/terminate (§3).
const ForbiddenPID = 1

// ForbiddenAddress is never a valid target for BlockNetwork (§3).
const ForbiddenAddress = "127.0.0.1"

// MaxBlockDuration is the BlockNetwork duration ceiling (§3, SPEC_FULL.md
// Open Question 4 resolution: reject rather than silently clamp).
const MaxBlockDuration = 24 * time.Hour

const breakerName = "response_engine"
const workflowType = "execute_response"
const taskQueue = "guardian_response"

// WorkflowClient is the subset of *workflowclient.Client the engine needs.
type WorkflowClient interface {
	Start(ctx context.Context, workflowType string, input any, opts workflowclient.StartOptions, correlationID uuid.UUID) (workflowclient.Handle, error)
	Await(ctx context.Context, handle workflowclient.Handle, deadline time.Duration) (any, error)
}

// Publisher publishes response_executed events, satisfied by
// *eventbus.Bus.
type Publisher interface {
	Publish(ctx context.Context, event types.Event) error
}

// Engine derives, validates, and dispatches response actions.
type Engine struct {
	workflow  WorkflowClient
	publisher Publisher
	recorder  AuditRecorder
	breakers  *breaker.Manager
	sink      *metrics.Sink
	log       *logrus.Entry
	queue     chan struct{} // bounded admission token, §4.11 "bounded priority queue"
}

// New constructs a response engine with the default queue capacity.
func New(workflow WorkflowClient, publisher Publisher, recorder AuditRecorder, breakers *breaker.Manager, sink *metrics.Sink, log *logrus.Entry) *Engine {
	return &Engine{
		workflow:  workflow,
		publisher: publisher,
		recorder:  recorder,
		breakers:  breakers,
		sink:      sink,
		log:       log.WithField("component", "response_engine"),
		queue:     make(chan struct{}, QueueCapacity),
	}
}

// determineAction maps a classification to a response action per the §4.11
// table, tie-breaking toward higher severity.
func determineAction(threat types.ThreatClassification) types.ResponseAction {
	switch threat.Severity {
	case types.SeverityCritical:
		return types.ResponseAction{Kind: types.ActionEmergencyShutdown, Reason: describe(threat)}
	case types.SeverityHigh:
		if threat.PID != nil {
			return types.ResponseAction{Kind: types.ActionTerminateProcess, PID: *threat.PID, Force: true}
		}
		return types.ResponseAction{Kind: types.ActionBlockNetwork, Address: threat.Address, Duration: 1 * time.Hour}
	default: // Medium or Low
		if threat.PID != nil {
			return types.ResponseAction{Kind: types.ActionIsolateProcess, PID: *threat.PID, Reason: describe(threat)}
		}
		return types.ResponseAction{Kind: types.ActionBlockNetwork, Address: threat.Address, Duration: 30 * time.Minute}
	}
}

func describe(threat types.ThreatClassification) string {
	if v, ok := threat.Context["description"]; ok {
		return v
	}
	return "threat classified at severity " + threat.Severity.String()
}

// validate enforces the forbidden-target rules of §3.
func validate(action types.ResponseAction) error {
	switch action.Kind {
	case types.ActionIsolateProcess, types.ActionTerminateProcess:
		if action.PID == ForbiddenPID {
			return guardianerr.Security("refusing to target pid 1", nil)
		}
	case types.ActionBlockNetwork:
		if action.Address == ForbiddenAddress {
			return guardianerr.Security("refusing to block loopback address", nil)
		}
		if action.Duration > MaxBlockDuration {
			return guardianerr.Validation("block duration exceeds 24h ceiling", nil)
		}
	}
	return nil
}

func retryPolicyFor() workflowclient.RetryPolicy {
	return workflowclient.RetryPolicy{
		InitialInterval: 100 * time.Millisecond,
		BackoffCoeff:    2.0,
		MaxAttempts:     3,
	}
}

func timeoutFor(sev types.Severity) time.Duration {
	if sev == types.SeverityCritical {
		return BaselineTimeout * 2
	}
	return BaselineTimeout
}

// ExecuteResponse derives, validates, dispatches and awaits a response
// action for threat (§4.11). Critical inputs always attempt
// EmergencyShutdown regardless of breaker state; non-Critical inputs fail
// fast while the breaker is open.
func (e *Engine) ExecuteResponse(ctx context.Context, threat types.ThreatClassification) (types.ResponseStatus, error) {
	start := time.Now()
	correlationID := uuid.New()

	action := determineAction(threat)

	if err := validate(action); err != nil {
		e.audit(ctx, types.SeverityHigh, "response_validation", correlationID, err)
		return types.ResponseStatus{}, err
	}

	if threat.Severity != types.SeverityCritical {
		if e.breakers.State(breakerName).String() == "open" {
			return types.ResponseStatus{}, guardianerr.BreakerOpen("response_engine")
		}
		select {
		case e.queue <- struct{}{}:
			defer func() { <-e.queue }()
		default:
			return types.ResponseStatus{}, guardianerr.Security("response queue capacity exceeded", nil)
		}
	}

	cfg := breaker.DefaultConfig()
	status, open, err := breaker.ExecuteCtx(ctx, e.breakers, breakerName, cfg, func(ctx context.Context) (types.ResponseStatus, error) {
		return e.dispatch(ctx, action, threat.Severity, correlationID)
	})

	// An open breaker rejects the call without dispatching; Critical inputs
	// dispatch anyway.
	if open && threat.Severity == types.SeverityCritical {
		status, err = e.dispatch(ctx, action, threat.Severity, correlationID)
		open = false
	}

	if open {
		err = guardianerr.BreakerOpen("response_engine")
		status = types.ResponseStatus{Action: action, Success: false, ExecutionTime: time.Since(start), CorrelationID: correlationID}
	}

	status.ExecutionTime = time.Since(start)
	status.CorrelationID = correlationID

	e.recordMetric(status)
	evt := types.NewEvent("response_executed", nil, types.PriorityHigh, map[string]string{
		"action":  actionName(action.Kind),
		"success": boolString(status.Success),
	})
	evt.CorrelationID = correlationID
	if pubErr := e.publisher.Publish(ctx, evt); pubErr != nil {
		e.log.WithError(pubErr).Warn("failed to publish response_executed")
	}

	return status, err
}

func (e *Engine) dispatch(ctx context.Context, action types.ResponseAction, severity types.Severity, correlationID uuid.UUID) (types.ResponseStatus, error) {
	opts := workflowclient.StartOptions{
		TaskQueue: taskQueue,
		Timeout:   timeoutFor(severity),
		Retry:     retryPolicyFor(),
	}

	handle, err := e.workflow.Start(ctx, workflowType, action, opts, correlationID)
	if err != nil {
		sysErr := guardianerr.System("failed to start response workflow", err)
		e.audit(ctx, types.SeverityHigh, "response_dispatch", correlationID, sysErr)
		return types.ResponseStatus{Action: action, Success: false, ErrorContext: err.Error()}, sysErr
	}

	output, err := e.workflow.Await(ctx, handle, opts.Timeout)
	if err != nil {
		return types.ResponseStatus{Action: action, Success: false, ErrorContext: err.Error()}, guardianerr.ML("response workflow failed", err)
	}

	success, _ := output.(bool)
	return types.ResponseStatus{Action: action, Success: success}, nil
}

// audit durably records a response-engine failure through the audit
// recorder before logging it, satisfying §7's "Security errors... always
// audited at High severity" and "System errors... are audited" rules. A
// failure to record is logged but never masks the original error.
func (e *Engine) audit(ctx context.Context, severity types.Severity, category string, correlationID uuid.UUID, err error) {
	if e.recorder != nil {
		if _, auditErr := e.recorder.Record(ctx, severity, category, err.Error(), correlationID); auditErr != nil {
			e.log.WithError(auditErr).Warn("failed to record audit entry for response engine failure")
		}
	}
	e.log.WithFields(logrus.Fields{
		"correlation_id": correlationID.String(),
		"error":          err.Error(),
	}).Error("response engine failure")
}

func actionName(kind types.ResponseActionKind) string {
	switch kind {
	case types.ActionIsolateProcess:
		return "isolate_process"
	case types.ActionTerminateProcess:
		return "terminate_process"
	case types.ActionBlockNetwork:
		return "block_network"
	default:
		return "emergency_shutdown"
	}
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func (e *Engine) recordMetric(status types.ResponseStatus) {
	if e.sink == nil {
		return
	}
	e.sink.Record("response.execution_time_ms", float64(status.ExecutionTime.Microseconds())/1000.0,
		metrics.KindHistogram, types.PriorityMedium, map[string]string{"action": actionName(status.Action.Kind)})
}
