package driver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/api/errors"

	"github.com/flexinfer/mentatlab/services/engine-go/internal/k8s"
	"github.com/flexinfer/mentatlab/services/engine-go/pkg/types"
)

// K8sDriver runs each node attempt as a Kubernetes Job and follows the
// pod logs onto the event stream. Retries create a fresh Job per attempt;
// the job name is deterministic so Abort can address it.
type K8sDriver struct {
	client  *k8s.Client
	builder *k8s.JobBuilder
	sink    EventSink
	logger  *slog.Logger

	mu       sync.Mutex
	attempts map[string]int // "runID/nodeID" -> attempt of the job in flight
}

// NewK8sDriver creates a driver over the given client.
func NewK8sDriver(client *k8s.Client, builder *k8s.JobBuilder, sink EventSink, logger *slog.Logger) *K8sDriver {
	if builder == nil {
		builder = k8s.NewJobBuilder(nil)
	}
	if sink == nil {
		sink = NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &K8sDriver{
		client:   client,
		builder:  builder,
		sink:     sink,
		logger:   logger,
		attempts: make(map[string]int),
	}
}

func (d *K8sDriver) Name() string { return "k8s" }

func (d *K8sDriver) Execute(ctx context.Context, runID string, node *types.NodeSpec, inputs map[string]any) (*Result, error) {
	key := activeKey(runID, node.ID)
	d.mu.Lock()
	d.attempts[key]++
	attempt := d.attempts[key]
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.attempts, key)
		d.mu.Unlock()
	}()

	job, err := d.builder.BuildJob(runID, node, attempt)
	if err != nil {
		return Fail(FailurePermanent, err.Error()), nil
	}

	if _, err := d.client.CreateJob(ctx, job); err != nil {
		if errors.IsAlreadyExists(err) {
			// Leftover from a crashed attempt; replace it.
			_ = d.client.DeleteJob(ctx, job.Name)
			return Fail(FailureTransient, fmt.Sprintf("stale job %s, retrying", job.Name)), nil
		}
		return Fail(FailureTransient, fmt.Sprintf("create job: %v", err)), nil
	}

	d.sink.Emit(runID, types.EventLog, node.ID, &types.LogPayload{
		RunID:   runID,
		NodeID:  node.ID,
		Level:   "info",
		Message: fmt.Sprintf("created job %s", job.Name),
	})

	done := make(chan *k8s.JobStatus, 1)
	watcher := k8s.NewJobWatcher(d.client, job.Name, d.logger, &k8s.WatchConfig{
		OnLog: func(line string) {
			d.sink.Emit(runID, types.EventLog, node.ID, &types.LogPayload{
				RunID:   runID,
				NodeID:  node.ID,
				Level:   "info",
				Message: line,
			})
		},
		OnComplete: func(status *k8s.JobStatus) {
			done <- status
		},
	})

	watchErr := make(chan error, 1)
	go func() { watchErr <- watcher.Watch(ctx) }()

	select {
	case <-ctx.Done():
		d.deleteJob(job.Name)
		return Canceled(), nil
	case err := <-watchErr:
		if ctx.Err() != nil {
			d.deleteJob(job.Name)
			return Canceled(), nil
		}
		select {
		case status := <-done:
			return resultFromStatus(status), nil
		default:
		}
		if err != nil {
			return Fail(FailureTransient, fmt.Sprintf("watch job: %v", err)), nil
		}
		return Fail(FailureTransient, "job watch ended without a terminal status"), nil
	case status := <-done:
		return resultFromStatus(status), nil
	}
}

// Abort deletes the Job of the node's in-flight attempt.
func (d *K8sDriver) Abort(ctx context.Context, runID, nodeID string) error {
	d.mu.Lock()
	attempt, ok := d.attempts[activeKey(runID, nodeID)]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	name := k8s.JobName(runID, nodeID, attempt)
	if err := d.client.DeleteJob(ctx, name); err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete job %s: %w", name, err)
	}
	return nil
}

// Logs returns the tail of the node's newest pod.
func (d *K8sDriver) Logs(ctx context.Context, runID, nodeID string, tail int) ([]string, error) {
	selector := fmt.Sprintf("%s=%s,%s=%s", k8s.LabelRun, runID, k8s.LabelNode, nodeID)
	pods, err := d.client.ListPods(ctx, selector)
	if err != nil {
		return nil, fmt.Errorf("list pods: %w", err)
	}
	if len(pods.Items) == 0 {
		return nil, nil
	}
	newest := 0
	for i := 1; i < len(pods.Items); i++ {
		if pods.Items[i].CreationTimestamp.After(pods.Items[newest].CreationTimestamp.Time) {
			newest = i
		}
	}
	var tailLines *int64
	if tail > 0 {
		n := int64(tail)
		tailLines = &n
	}
	raw, err := d.client.PodLogs(ctx, pods.Items[newest].Name, tailLines)
	if err != nil {
		return nil, fmt.Errorf("pod logs: %w", err)
	}
	raw = strings.TrimRight(raw, "\n")
	if raw == "" {
		return nil, nil
	}
	return strings.Split(raw, "\n"), nil
}

// ScheduleCron registers a recurring Job for the node. Concurrency is
// forbidden at the K8s level, so overlapping runs never start.
func (d *K8sDriver) ScheduleCron(ctx context.Context, runID string, node *types.NodeSpec, schedule string) error {
	cron, err := d.builder.BuildCronJob(runID, node, schedule)
	if err != nil {
		return err
	}
	if _, err := d.client.CreateCronJob(ctx, cron); err != nil {
		return fmt.Errorf("create cronjob: %w", err)
	}
	return nil
}

func (d *K8sDriver) deleteJob(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.client.DeleteJob(ctx, name); err != nil && !errors.IsNotFound(err) {
		d.logger.Warn("delete job after cancel failed",
			slog.String("job", name), slog.Any("error", err))
	}
}

func resultFromStatus(status *k8s.JobStatus) *Result {
	if status.Phase == "succeeded" {
		// Job outputs travel out of band (artifact store); the engine only
		// tracks completion here.
		return Ok(nil)
	}
	if status.Reason == "DeadlineExceeded" {
		return Fail(FailureTransient, "job exceeded its deadline")
	}
	msg := status.Message
	if msg == "" {
		msg = "job failed"
	}
	return Fail(FailurePermanent, msg)
}

var (
	_ Driver      = (*K8sDriver)(nil)
	_ LogProvider = (*K8sDriver)(nil)
)
