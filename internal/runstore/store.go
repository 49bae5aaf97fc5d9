// Package runstore persists Run and NodeState records.
package runstore

import (
	"context"
	"errors"

	"github.com/flexinfer/mentatlab/services/engine-go/pkg/types"
)

// Errors returned by Store implementations. The API layer maps these to
// 404, 409 and 501 respectively.
var (
	ErrNotFound       = errors.New("runstore: run not found")
	ErrConflict       = errors.New("runstore: conflict")
	ErrNotImplemented = errors.New("runstore: not implemented")
)

// Store persists runs and node states. Implementations must be safe for
// concurrent use. Reads have snapshot semantics; status writes are
// compare-and-set so concurrent transitions resolve deterministically.
type Store interface {
	// Create persists a new run. Fails with ErrConflict if the id exists.
	Create(ctx context.Context, run *types.Run) error

	// Get returns the run or ErrNotFound.
	Get(ctx context.Context, id string) (*types.Run, error)

	// List returns all non-deleted runs. Backends may return
	// ErrNotImplemented.
	List(ctx context.Context) ([]*types.Run, error)

	// UpdateStatus transitions the run from expect to next. Returns
	// ErrConflict when the stored status differs from expect or the
	// transition is not allowed. runErr annotates failed/canceled
	// transitions and may be empty. StartedAt and FinishedAt are stamped
	// on entry to running and to a terminal state.
	UpdateStatus(ctx context.Context, id string, expect, next types.RunStatus, runErr string) (*types.Run, error)

	// PutNodeState stores a node state, last-write-wins within the
	// scheduler-owned run.
	PutNodeState(ctx context.Context, runID string, state *types.NodeState) error

	// GetNodeState returns a node's state or ErrNotFound.
	GetNodeState(ctx context.Context, runID, nodeID string) (*types.NodeState, error)

	// ListNodeStates returns all node states of a run.
	ListNodeStates(ctx context.Context, runID string) ([]*types.NodeState, error)

	// Delete soft-deletes a run. Implementations may retain data for a TTL.
	Delete(ctx context.Context, id string) error

	// Info returns backend diagnostics for readiness checks.
	Info(ctx context.Context) (map[string]any, error)

	Close() error
}

// allowedTransitions is the run status state machine. Terminal states are
// absorbing: they appear in no key.
var allowedTransitions = map[types.RunStatus][]types.RunStatus{
	types.RunStatusQueued:  {types.RunStatusRunning, types.RunStatusCanceled},
	types.RunStatusRunning: {types.RunStatusSucceeded, types.RunStatusFailed, types.RunStatusCanceled},
}

// ValidTransition reports whether from → to is allowed.
func ValidTransition(from, to types.RunStatus) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
