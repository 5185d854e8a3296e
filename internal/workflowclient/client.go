// Package workflowclient models the durable workflow engine spec §1 and §6
// treat as an external collaborator: "start(type, input, options) ->
// handle; await(handle, deadline) -> output". Grounded on
// original_source/temporal/{workflows,activities}/*.rs's task-queue and
// retry-policy shape (WorkflowOptions/WorkflowRetryPolicy), this package
// ships a local in-process implementation — a worker pool dispatching onto
// a task queue with the same retry/timeout contract a real Temporal-style
// engine would honor — so the response engine has something real to drive.
// A production deployment points the same Client interface at an actual
// workflow engine; this repo's durability guarantee is deliberately weaker
// (§1 Non-goals: "acting as a replacement for the underlying workflow
// engine's durability").
package workflowclient

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jordigilh/guardian/internal/guardianerr"
	"github.com/jordigilh/guardian/internal/retry"
)

// RetryPolicy mirrors the original's WorkflowRetryPolicy.
type RetryPolicy struct {
	InitialInterval time.Duration
	BackoffCoeff    float64
	MaxAttempts     int
}

// nonRetryableErr wraps an error the retry loop must never retry (§4.11:
// "non-retryable error types: Validation, Security").
type nonRetryableErr struct{ error }

func (nonRetryableErr) NonRetryable() bool { return true }

// NonRetryable marks err so the workflow client's retry loop stops after
// the first attempt.
func NonRetryable(err error) error {
	return nonRetryableErr{err}
}

// StartOptions configures one workflow execution (§4.11).
type StartOptions struct {
	TaskQueue string
	Timeout   time.Duration
	Retry     RetryPolicy
}

// Handle identifies a started workflow execution.
type Handle struct {
	ID            uuid.UUID
	CorrelationID uuid.UUID
}

// Activity is the function a task queue worker runs for one workflow type;
// it mirrors original_source's security_activities.rs entry points.
type Activity func(ctx context.Context, input any) (any, error)

type execution struct {
	resultCh chan execResult
}

type execResult struct {
	output any
	err    error
}

// Client dispatches workflow executions onto named task queues backed by a
// bounded worker pool, applying the per-workflow retry policy.
type Client struct {
	mu         sync.Mutex
	activities map[string]Activity
	executions sync.Map // uuid.UUID -> *execution
	workers    chan struct{}
	log        *logrus.Entry
}

// NewClient constructs a client with the given worker concurrency.
func NewClient(concurrency int, log *logrus.Entry) *Client {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Client{
		activities: make(map[string]Activity),
		workers:    make(chan struct{}, concurrency),
		log:        log.WithField("component", "workflow_client"),
	}
}

// RegisterActivity binds workflowType to the activity run on that task
// queue, the equivalent of a Temporal worker's activity registration.
func (c *Client) RegisterActivity(workflowType string, activity Activity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activities[workflowType] = activity
}

// Start dispatches workflowType with input under opts, running its
// registered activity with the configured retry policy on a worker pool
// goroutine, and returns immediately with a Handle.
func (c *Client) Start(ctx context.Context, workflowType string, input any, opts StartOptions, correlationID uuid.UUID) (Handle, error) {
	c.mu.Lock()
	activity, ok := c.activities[workflowType]
	c.mu.Unlock()
	if !ok {
		return Handle{}, guardianerr.System("no activity registered for workflow type: "+workflowType, nil)
	}

	handle := Handle{ID: uuid.New(), CorrelationID: correlationID}
	exec := &execution{resultCh: make(chan execResult, 1)}
	c.executions.Store(handle.ID, exec)

	select {
	case c.workers <- struct{}{}:
	case <-ctx.Done():
		return Handle{}, guardianerr.System("worker pool saturated", ctx.Err())
	}

	go func() {
		defer func() { <-c.workers }()
		output, err := c.runWithRetry(ctx, activity, input, opts)
		exec.resultCh <- execResult{output: output, err: err}
	}()

	return handle, nil
}

// runWithRetry drives the activity under internal/retry's shared backoff
// policy primitive (§7), wrapping non-retryable failures in
// retry.Permanent so the policy stops after the first attempt.
func (c *Client) runWithRetry(ctx context.Context, activity Activity, input any, opts StartOptions) (any, error) {
	multiplier := opts.Retry.BackoffCoeff
	if multiplier <= 0 {
		multiplier = 1
	}
	maxAttempts := opts.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	policy := retry.Policy{
		InitialInterval: opts.Retry.InitialInterval,
		Multiplier:      multiplier,
		MaxAttempts:     maxAttempts,
	}

	return retry.Do(ctx, policy, func(ctx context.Context, attempt int) (any, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
		output, err := activity(attemptCtx, input)
		if err == nil {
			return output, nil
		}
		if nonRetryable, ok := err.(interface{ NonRetryable() bool }); ok && nonRetryable.NonRetryable() {
			return nil, retry.Permanent(err)
		}
		return nil, err
	})
}

// Await blocks until handle's workflow completes or deadline elapses.
func (c *Client) Await(ctx context.Context, handle Handle, deadline time.Duration) (any, error) {
	v, ok := c.executions.Load(handle.ID)
	if !ok {
		return nil, guardianerr.System("unknown workflow handle", nil)
	}
	exec := v.(*execution)

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case result := <-exec.resultCh:
		c.executions.Delete(handle.ID)
		return result.output, result.err
	case <-timer.C:
		return nil, guardianerr.Timeout("workflow await")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Signal is present for interface completeness with §6's opaque contract;
// this in-process implementation has no running workflow state external
// signals could target, so it reports unsupported rather than silently
// succeeding.
func (c *Client) Signal(ctx context.Context, handle Handle, name string, payload any) error {
	return guardianerr.System("signal not supported by the local workflow client", nil)
}
