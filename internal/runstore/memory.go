package runstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flexinfer/mentatlab/services/engine-go/pkg/types"
)

// memRun holds one run's records. Soft-deleted runs stay in the map so a
// recreate with the same id still conflicts until purge.
type memRun struct {
	run     *types.Run
	nodes   map[string]*types.NodeState
	deleted bool
}

// MemoryStore is the process-local Store. Data is lost on restart;
// intended for dev and unit tests.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*memRun
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*memRun)}
}

func (s *MemoryStore) Create(ctx context.Context, run *types.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return ErrConflict
	}
	s.runs[run.ID] = &memRun{
		run:   run.Clone(),
		nodes: make(map[string]*types.NodeState),
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mr, ok := s.runs[id]
	if !ok || mr.deleted {
		return nil, ErrNotFound
	}
	return mr.run.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Run, 0, len(s.runs))
	for _, mr := range s.runs {
		if mr.deleted {
			continue
		}
		out = append(out, mr.run.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, expect, next types.RunStatus, runErr string) (*types.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mr, ok := s.runs[id]
	if !ok || mr.deleted {
		return nil, ErrNotFound
	}
	if mr.run.Status != expect || !ValidTransition(expect, next) {
		return nil, ErrConflict
	}

	now := time.Now().UTC()
	mr.run.Status = next
	if runErr != "" {
		mr.run.Error = runErr
	}
	if next == types.RunStatusRunning && mr.run.StartedAt == nil {
		mr.run.StartedAt = &now
	}
	if next.Terminal() {
		mr.run.FinishedAt = &now
	}
	return mr.run.Clone(), nil
}

func (s *MemoryStore) PutNodeState(ctx context.Context, runID string, state *types.NodeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mr, ok := s.runs[runID]
	if !ok || mr.deleted {
		return ErrNotFound
	}
	cp := *state
	mr.nodes[state.NodeID] = &cp
	return nil
}

func (s *MemoryStore) GetNodeState(ctx context.Context, runID, nodeID string) (*types.NodeState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mr, ok := s.runs[runID]
	if !ok || mr.deleted {
		return nil, ErrNotFound
	}
	st, ok := mr.nodes[nodeID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) ListNodeStates(ctx context.Context, runID string) ([]*types.NodeState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mr, ok := s.runs[runID]
	if !ok || mr.deleted {
		return nil, ErrNotFound
	}
	out := make([]*types.NodeState, 0, len(mr.nodes))
	for _, st := range mr.nodes {
		cp := *st
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mr, ok := s.runs[id]
	if !ok || mr.deleted {
		return ErrNotFound
	}
	mr.deleted = true
	return nil
}

func (s *MemoryStore) Info(ctx context.Context) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{
		"adapter":   "memory",
		"run_count": len(s.runs),
	}, nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
