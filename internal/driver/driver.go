// Package driver defines the node execution contract and its backends.
//
// A driver runs one node attempt to completion and reports the outcome as
// a Result. Drivers never decide retries; the scheduler owns the retry
// policy and calls Execute again for the next attempt.
package driver

import (
	"context"

	"github.com/flexinfer/mentatlab/services/engine-go/pkg/types"
)

// FailureKind classifies a node failure for the retry policy.
type FailureKind string

const (
	// FailureTransient failures may succeed on retry (timeouts, lost
	// workers, unreachable backends).
	FailureTransient FailureKind = "transient"

	// FailurePermanent failures will not succeed on retry (bad params,
	// nonzero exit, rejected work).
	FailurePermanent FailureKind = "permanent"
)

// Failure describes why a node attempt failed.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// Retriable reports whether the scheduler may retry after this failure.
func (f *Failure) Retriable() bool {
	return f != nil && f.Kind == FailureTransient
}

// Result is the outcome of one node attempt. Exactly one of Outputs,
// Failure or Canceled is meaningful.
type Result struct {
	// Outputs maps pin name to value on success.
	Outputs map[string]any

	// Failure is set when the attempt failed.
	Failure *Failure

	// Canceled is set when the attempt was stopped on request.
	Canceled bool
}

// OK reports whether the attempt succeeded.
func (r *Result) OK() bool {
	return r != nil && r.Failure == nil && !r.Canceled
}

// Ok builds a successful Result.
func Ok(outputs map[string]any) *Result {
	return &Result{Outputs: outputs}
}

// Fail builds a failed Result.
func Fail(kind FailureKind, message string) *Result {
	return &Result{Failure: &Failure{Kind: kind, Message: message}}
}

// Canceled builds a canceled Result.
func Canceled() *Result {
	return &Result{Canceled: true}
}

// EventSink receives events a driver emits while a node runs (logs,
// checkpoints, artifacts). Sequencing is the sink's concern; drivers never
// mint seq numbers.
type EventSink interface {
	Emit(runID string, kind types.EventKind, nodeID string, payload any)
}

// Driver executes nodes against one backend.
type Driver interface {
	// Execute runs a single attempt of node to completion. Cancellation of
	// ctx must stop the work and yield a canceled Result or ctx.Err().
	// Infrastructure errors (not node failures) are returned as error.
	Execute(ctx context.Context, runID string, node *types.NodeSpec, inputs map[string]any) (*Result, error)

	// Abort stops a node attempt out of band, if the backend supports it.
	Abort(ctx context.Context, runID, nodeID string) error

	// Name identifies the driver in logs and events.
	Name() string
}

// LogProvider is an optional driver capability: the recent log lines of
// a node, oldest first. Backends without direct log access simply do not
// implement it and callers fall back to an empty tail.
type LogProvider interface {
	// Logs returns up to tail recent lines for the node's most recent
	// attempt; tail <= 0 means no limit.
	Logs(ctx context.Context, runID, nodeID string, tail int) ([]string, error)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Emit(string, types.EventKind, string, any) {}
