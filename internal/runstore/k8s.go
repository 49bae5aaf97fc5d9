package runstore

import (
	"context"
	"fmt"
	"sort"

	batchv1 "k8s.io/api/batch/v1"

	"github.com/flexinfer/mentatlab/services/engine-go/internal/k8s"
	"github.com/flexinfer/mentatlab/services/engine-go/pkg/types"
)

// K8sStore is a read-only reflection of Job objects into Run and NodeState
// records. Run status is derived from Job conditions; writes go through
// the K8s driver, which creates the Jobs. Mutating operations return
// ErrNotImplemented.
type K8sStore struct {
	client *k8s.Client
}

// NewK8sStore creates a reflected store over the given client.
func NewK8sStore(client *k8s.Client) *K8sStore {
	return &K8sStore{client: client}
}

func (s *K8sStore) Create(ctx context.Context, run *types.Run) error { return ErrNotImplemented }

func (s *K8sStore) UpdateStatus(ctx context.Context, id string, expect, next types.RunStatus, runErr string) (*types.Run, error) {
	return nil, ErrNotImplemented
}

func (s *K8sStore) PutNodeState(ctx context.Context, runID string, state *types.NodeState) error {
	return ErrNotImplemented
}

func (s *K8sStore) Delete(ctx context.Context, id string) error { return ErrNotImplemented }

func (s *K8sStore) Get(ctx context.Context, id string) (*types.Run, error) {
	jobs, err := s.client.ListJobs(ctx, fmt.Sprintf("%s=%s", k8s.LabelRun, id))
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	if len(jobs.Items) == 0 {
		return nil, ErrNotFound
	}
	return reflectRun(id, jobs.Items), nil
}

func (s *K8sStore) List(ctx context.Context) ([]*types.Run, error) {
	jobs, err := s.client.ListJobs(ctx, k8s.LabelRun)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	byRun := make(map[string][]batchv1.Job)
	for _, job := range jobs.Items {
		runID := job.Labels[k8s.LabelRun]
		if runID == "" {
			continue
		}
		byRun[runID] = append(byRun[runID], job)
	}
	out := make([]*types.Run, 0, len(byRun))
	for runID, items := range byRun {
		out = append(out, reflectRun(runID, items))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *K8sStore) GetNodeState(ctx context.Context, runID, nodeID string) (*types.NodeState, error) {
	selector := fmt.Sprintf("%s=%s,%s=%s", k8s.LabelRun, runID, k8s.LabelNode, nodeID)
	jobs, err := s.client.ListJobs(ctx, selector)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	if len(jobs.Items) == 0 {
		return nil, ErrNotFound
	}
	return reflectNodeState(runID, nodeID, jobs.Items), nil
}

func (s *K8sStore) ListNodeStates(ctx context.Context, runID string) ([]*types.NodeState, error) {
	jobs, err := s.client.ListJobs(ctx, fmt.Sprintf("%s=%s", k8s.LabelRun, runID))
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	if len(jobs.Items) == 0 {
		return nil, ErrNotFound
	}
	byNode := make(map[string][]batchv1.Job)
	for _, job := range jobs.Items {
		nodeID := job.Labels[k8s.LabelNode]
		if nodeID == "" {
			continue
		}
		byNode[nodeID] = append(byNode[nodeID], job)
	}
	out := make([]*types.NodeState, 0, len(byNode))
	for nodeID, items := range byNode {
		out = append(out, reflectNodeState(runID, nodeID, items))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func (s *K8sStore) Info(ctx context.Context) (map[string]any, error) {
	if err := s.client.HealthCheck(ctx); err != nil {
		return map[string]any{"adapter": "k8s", "healthy": false, "error": err.Error()}, nil
	}
	return map[string]any{
		"adapter":   "k8s",
		"healthy":   true,
		"namespace": s.client.Namespace(),
	}, nil
}

func (s *K8sStore) Close() error { return nil }

// reflectRun folds a run's jobs into a Run. The run is running while any
// job is, failed if any failed, succeeded only when all completed.
func reflectRun(runID string, jobs []batchv1.Job) *types.Run {
	run := &types.Run{ID: runID, Mode: types.ModeK8s}
	var succeeded, failed, active int
	for i := range jobs {
		job := &jobs[i]
		if run.CreatedAt.IsZero() || job.CreationTimestamp.Time.Before(run.CreatedAt) {
			run.CreatedAt = job.CreationTimestamp.Time
		}
		switch k8s.GetJobStatus(job).Phase {
		case "succeeded":
			succeeded++
		case "failed":
			failed++
		default:
			active++
		}
	}
	switch {
	case failed > 0 && active == 0:
		run.Status = types.RunStatusFailed
	case active > 0:
		run.Status = types.RunStatusRunning
	case succeeded == len(jobs):
		run.Status = types.RunStatusSucceeded
	default:
		run.Status = types.RunStatusRunning
	}
	return run
}

// reflectNodeState folds a node's jobs (one per attempt) into a NodeState.
func reflectNodeState(runID, nodeID string, jobs []batchv1.Job) *types.NodeState {
	state := &types.NodeState{
		RunID:   runID,
		NodeID:  nodeID,
		Status:  types.NodeStatusPending,
		Attempt: len(jobs),
	}
	// The newest job decides the state.
	latest := &jobs[0]
	for i := range jobs {
		if jobs[i].CreationTimestamp.After(latest.CreationTimestamp.Time) {
			latest = &jobs[i]
		}
	}
	js := k8s.GetJobStatus(latest)
	switch js.Phase {
	case "succeeded":
		state.Status = types.NodeStatusSucceeded
	case "failed":
		state.Status = types.NodeStatusFailed
		state.Error = js.Message
	case "running":
		state.Status = types.NodeStatusRunning
	}
	if t := latest.Status.StartTime; t != nil {
		started := t.Time
		state.StartedAt = &started
	}
	if t := latest.Status.CompletionTime; t != nil {
		finished := t.Time
		state.FinishedAt = &finished
	}
	return state
}

var _ Store = (*K8sStore)(nil)
