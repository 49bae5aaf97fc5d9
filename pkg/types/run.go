// Package types provides shared types for the run engine.
package types

import (
	"fmt"
	"strings"
	"time"
)

// RunStatus represents the current state of a run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// Terminal reports whether the status is absorbing.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCanceled:
		return true
	}
	return false
}

// RunMode selects the execution backend for a run.
type RunMode string

const (
	ModeMemory RunMode = "memory"
	ModeRedis  RunMode = "redis"
	ModeK8s    RunMode = "k8s"
)

// ValidMode reports whether m is a known run mode.
func ValidMode(m RunMode) bool {
	switch m {
	case ModeMemory, ModeRedis, ModeK8s:
		return true
	}
	return false
}

// NodeStatus represents the current state of a node within a run.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusReady     NodeStatus = "ready"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusSucceeded NodeStatus = "succeeded"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
	NodeStatusCanceled  NodeStatus = "canceled"
)

// Terminal reports whether the node status is absorbing.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeStatusSucceeded, NodeStatusFailed, NodeStatusSkipped, NodeStatusCanceled:
		return true
	}
	return false
}

// Run represents a single execution of a plan.
type Run struct {
	ID         string            `json:"id"`
	Name       string            `json:"name,omitempty"`
	Mode       RunMode           `json:"mode"`
	Status     RunStatus         `json:"status"`
	Plan       *Plan             `json:"plan,omitempty"`
	Error      string            `json:"error,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// Clone returns a shallow copy with its own metadata map. The plan is
// shared by reference; it is immutable after create.
func (r *Run) Clone() *Run {
	cp := *r
	if r.Metadata != nil {
		cp.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Plan describes the DAG a run executes. Immutable after create.
type Plan struct {
	Nodes []NodeSpec `json:"nodes"`
	Edges []EdgeSpec `json:"edges,omitempty"`
}

// NodeSpec describes a single node in a plan. Params are opaque to the
// engine; drivers interpret them.
type NodeSpec struct {
	ID             string         `json:"id"`
	AgentRef       string         `json:"agent_ref,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
	TimeoutSeconds float64        `json:"timeout_seconds,omitempty"`
	MaxRetries     *int           `json:"max_retries,omitempty"`
}

// EdgeSpec is a data flow edge between nodes. Endpoints use the form
// "<node>" or "<node>.<pin>".
type EdgeSpec struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Endpoint is a parsed edge endpoint.
type Endpoint struct {
	Node string
	Pin  string
}

// ParseEndpoint splits "<node>[.<pin>]" into its parts.
func ParseEndpoint(ref string) (Endpoint, error) {
	if ref == "" {
		return Endpoint{}, fmt.Errorf("empty edge endpoint")
	}
	node, pin, found := strings.Cut(ref, ".")
	if node == "" || (found && pin == "") {
		return Endpoint{}, fmt.Errorf("malformed edge endpoint %q", ref)
	}
	return Endpoint{Node: node, Pin: pin}, nil
}

// Source returns the parsed source endpoint.
func (e EdgeSpec) Source() (Endpoint, error) { return ParseEndpoint(e.From) }

// Target returns the parsed target endpoint.
func (e EdgeSpec) Target() (Endpoint, error) { return ParseEndpoint(e.To) }

// NodeState tracks the runtime state of a node within a run.
type NodeState struct {
	RunID      string         `json:"run_id"`
	NodeID     string         `json:"node_id"`
	Status     NodeStatus     `json:"state"`
	Attempt    int            `json:"attempt"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Error      string         `json:"error,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
}
