package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/engine-go/pkg/types"
)

// RedisQueueDriver hands node attempts to external workers through Redis
// lists. Tasks are LPUSHed onto queue:{agent_ref}; a worker BRPOPs, runs
// the agent, and writes the outcome to result:{task_id}. The driver polls
// the result key until it appears or the attempt times out.
type RedisQueueDriver struct {
	client *redis.Client
	sink   EventSink

	// PollInterval between result checks (default 250ms).
	PollInterval time.Duration

	// DefaultTimeout bounds attempts whose node has no timeout (default 5m).
	DefaultTimeout time.Duration

	// ResultTTL applied to the task and cancel keys (default 1h).
	ResultTTL time.Duration

	mu     sync.Mutex
	active map[string]string // "runID/nodeID" -> task id, for Abort
}

// NewRedisQueueDriver creates a queue driver over an existing client.
func NewRedisQueueDriver(client *redis.Client, sink EventSink) *RedisQueueDriver {
	if sink == nil {
		sink = NopSink{}
	}
	return &RedisQueueDriver{
		client:         client,
		sink:           sink,
		PollInterval:   250 * time.Millisecond,
		DefaultTimeout: 5 * time.Minute,
		ResultTTL:      time.Hour,
		active:         make(map[string]string),
	}
}

func (d *RedisQueueDriver) Name() string { return "redis" }

func keyQueue(agentRef string) string       { return "queue:" + agentRef }
func keyResult(taskID string) string        { return "result:" + taskID }
func keyCancel(taskID string) string        { return "cancel:" + taskID }
func activeKey(runID, nodeID string) string { return runID + "/" + nodeID }

type queueTask struct {
	TaskID   string         `json:"task_id"`
	RunID    string         `json:"run_id"`
	NodeID   string         `json:"node_id"`
	AgentRef string         `json:"agent_ref"`
	Params   map[string]any `json:"params,omitempty"`
	Inputs   map[string]any `json:"inputs,omitempty"`
}

type queueResult struct {
	Status  string         `json:"status"` // ok, failed, canceled
	Kind    string         `json:"kind,omitempty"`
	Message string         `json:"message,omitempty"`
	Outputs map[string]any `json:"outputs,omitempty"`
}

func (d *RedisQueueDriver) Execute(ctx context.Context, runID string, node *types.NodeSpec, inputs map[string]any) (*Result, error) {
	if node.AgentRef == "" {
		return Fail(FailurePermanent, fmt.Sprintf("node %s has no agent_ref", node.ID)), nil
	}

	task := queueTask{
		TaskID:   uuid.NewString(),
		RunID:    runID,
		NodeID:   node.ID,
		AgentRef: node.AgentRef,
		Params:   node.Params,
		Inputs:   inputs,
	}
	payload, err := json.Marshal(&task)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}

	if err := d.client.LPush(ctx, keyQueue(node.AgentRef), payload).Err(); err != nil {
		return Fail(FailureTransient, fmt.Sprintf("enqueue: %v", err)), nil
	}

	d.mu.Lock()
	d.active[activeKey(runID, node.ID)] = task.TaskID
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.active, activeKey(runID, node.ID))
		d.mu.Unlock()
	}()

	d.sink.Emit(runID, types.EventLog, node.ID, &types.LogPayload{
		RunID:   runID,
		NodeID:  node.ID,
		Level:   "info",
		Message: fmt.Sprintf("queued task %s on %s", task.TaskID, node.AgentRef),
	})

	timeout := d.DefaultTimeout
	if node.TimeoutSeconds > 0 {
		timeout = time.Duration(node.TimeoutSeconds * float64(time.Second))
	}
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.signalCancel(task.TaskID)
			return Canceled(), nil
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			d.signalCancel(task.TaskID)
			return Fail(FailureTransient, "timed out waiting for worker result"), nil
		}

		raw, err := d.client.Get(ctx, keyResult(task.TaskID)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				d.signalCancel(task.TaskID)
				return Canceled(), nil
			}
			return Fail(FailureTransient, fmt.Sprintf("poll result: %v", err)), nil
		}

		var res queueResult
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			return Fail(FailurePermanent, fmt.Sprintf("malformed worker result: %v", err)), nil
		}
		d.client.Del(context.WithoutCancel(ctx), keyResult(task.TaskID))

		switch res.Status {
		case "ok":
			return Ok(res.Outputs), nil
		case "canceled":
			return Canceled(), nil
		case "failed":
			kind := FailurePermanent
			if res.Kind == string(FailureTransient) {
				kind = FailureTransient
			}
			return Fail(kind, res.Message), nil
		default:
			return Fail(FailurePermanent, fmt.Sprintf("unknown worker status %q", res.Status)), nil
		}
	}
}

// Abort signals the worker handling the node's current task to stop.
// Workers check the cancel key between steps; a worker that never looks
// still loses the run's result key reader, so work is bounded by the TTL.
func (d *RedisQueueDriver) Abort(ctx context.Context, runID, nodeID string) error {
	d.mu.Lock()
	taskID, ok := d.active[activeKey(runID, nodeID)]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	d.signalCancel(taskID)
	return nil
}

func (d *RedisQueueDriver) signalCancel(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d.client.Set(ctx, keyCancel(taskID), "1", d.ResultTTL)
}

var _ Driver = (*RedisQueueDriver)(nil)
