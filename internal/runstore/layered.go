package runstore

import (
	"context"
	"errors"

	"github.com/flexinfer/mentatlab/services/engine-go/pkg/types"
)

// LayeredStore serves reads from a primary store and falls back to a
// read-only view for runs the primary does not know. In k8s mode the
// engine's authoritative state lives in memory while Jobs left behind by
// earlier processes stay visible through the reflected view. All writes
// go to the primary.
type LayeredStore struct {
	primary Store
	view    Store
}

// NewLayeredStore layers primary over the read-only view.
func NewLayeredStore(primary, view Store) *LayeredStore {
	return &LayeredStore{primary: primary, view: view}
}

func (s *LayeredStore) Create(ctx context.Context, run *types.Run) error {
	return s.primary.Create(ctx, run)
}

func (s *LayeredStore) Get(ctx context.Context, id string) (*types.Run, error) {
	run, err := s.primary.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return s.view.Get(ctx, id)
	}
	return run, err
}

func (s *LayeredStore) List(ctx context.Context) ([]*types.Run, error) {
	runs, err := s.primary.List(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(runs))
	for _, run := range runs {
		seen[run.ID] = struct{}{}
	}
	// The view is best-effort: an unreachable cluster must not hide the
	// primary's runs.
	reflected, err := s.view.List(ctx)
	if err != nil {
		return runs, nil
	}
	for _, run := range reflected {
		if _, ok := seen[run.ID]; !ok {
			runs = append(runs, run)
		}
	}
	return runs, nil
}

func (s *LayeredStore) UpdateStatus(ctx context.Context, id string, expect, next types.RunStatus, runErr string) (*types.Run, error) {
	return s.primary.UpdateStatus(ctx, id, expect, next, runErr)
}

func (s *LayeredStore) PutNodeState(ctx context.Context, runID string, state *types.NodeState) error {
	return s.primary.PutNodeState(ctx, runID, state)
}

func (s *LayeredStore) GetNodeState(ctx context.Context, runID, nodeID string) (*types.NodeState, error) {
	state, err := s.primary.GetNodeState(ctx, runID, nodeID)
	if errors.Is(err, ErrNotFound) {
		return s.view.GetNodeState(ctx, runID, nodeID)
	}
	return state, err
}

func (s *LayeredStore) ListNodeStates(ctx context.Context, runID string) ([]*types.NodeState, error) {
	states, err := s.primary.ListNodeStates(ctx, runID)
	if errors.Is(err, ErrNotFound) {
		return s.view.ListNodeStates(ctx, runID)
	}
	return states, err
}

func (s *LayeredStore) Delete(ctx context.Context, id string) error {
	return s.primary.Delete(ctx, id)
}

func (s *LayeredStore) Info(ctx context.Context) (map[string]any, error) {
	info, err := s.primary.Info(ctx)
	if err != nil {
		return nil, err
	}
	if cluster, err := s.view.Info(ctx); err == nil {
		info["cluster"] = cluster
	}
	return info, nil
}

func (s *LayeredStore) Close() error {
	verr := s.view.Close()
	if err := s.primary.Close(); err != nil {
		return err
	}
	return verr
}

var _ Store = (*LayeredStore)(nil)
