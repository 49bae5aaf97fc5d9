package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/engine-go/pkg/types"
)

// RedisStore implements Store backed by Redis.
//
// Layout: run:{id} hash, run:{id}:nodes set of node ids,
// run:{id}:node:{nid} hash, runs set of run ids. Writes are atomic per key;
// status transitions use WATCH/MULTI for compare-and-set.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db).
	URL string

	// TTL applied to soft-deleted run keys (default 7 days).
	TTL time.Duration

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		TTL:          7 * 24 * time.Hour,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisStore{client: client, ttl: cfg.TTL}, nil
}

func keyRun(id string) string             { return "run:" + id }
func keyRunNodes(id string) string        { return "run:" + id + ":nodes" }
func keyNode(runID, nodeID string) string { return "run:" + runID + ":node:" + nodeID }

const keyRuns = "runs"

func (s *RedisStore) Create(ctx context.Context, run *types.Run) error {
	created, err := s.client.HSetNX(ctx, keyRun(run.ID), "id", run.ID).Result()
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	if !created {
		return ErrConflict
	}

	fields := map[string]any{
		"name":       run.Name,
		"mode":       string(run.Mode),
		"status":     string(run.Status),
		"error":      "",
		"created_at": run.CreatedAt.Format(time.RFC3339Nano),
		"deleted":    "false",
	}
	if run.Plan != nil {
		planJSON, err := json.Marshal(run.Plan)
		if err != nil {
			return fmt.Errorf("marshal plan: %w", err)
		}
		fields["plan"] = string(planJSON)
	}
	if len(run.Metadata) > 0 {
		metaJSON, _ := json.Marshal(run.Metadata)
		fields["metadata"] = string(metaJSON)
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, keyRun(run.ID), fields)
	pipe.SAdd(ctx, keyRuns, run.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*types.Run, error) {
	fields, err := s.client.HGetAll(ctx, keyRun(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	if len(fields) == 0 || fields["deleted"] == "true" {
		return nil, ErrNotFound
	}
	return runFromHash(id, fields)
}

func runFromHash(id string, fields map[string]string) (*types.Run, error) {
	run := &types.Run{
		ID:     id,
		Name:   fields["name"],
		Mode:   types.RunMode(fields["mode"]),
		Status: types.RunStatus(fields["status"]),
		Error:  fields["error"],
	}
	if v := fields["created_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			run.CreatedAt = t
		}
	}
	if v := fields["started_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			run.StartedAt = &t
		}
	}
	if v := fields["finished_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			run.FinishedAt = &t
		}
	}
	if v := fields["plan"]; v != "" {
		var plan types.Plan
		if err := json.Unmarshal([]byte(v), &plan); err != nil {
			return nil, fmt.Errorf("unmarshal plan: %w", err)
		}
		run.Plan = &plan
	}
	if v := fields["metadata"]; v != "" {
		var meta map[string]string
		if json.Unmarshal([]byte(v), &meta) == nil {
			run.Metadata = meta
		}
	}
	return run, nil
}

func (s *RedisStore) List(ctx context.Context) ([]*types.Run, error) {
	ids, err := s.client.SMembers(ctx, keyRuns).Result()
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	out := make([]*types.Run, 0, len(ids))
	for _, id := range ids {
		run, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue // soft-deleted or expired
		}
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

func (s *RedisStore) UpdateStatus(ctx context.Context, id string, expect, next types.RunStatus, runErr string) (*types.Run, error) {
	if !ValidTransition(expect, next) {
		return nil, ErrConflict
	}

	key := keyRun(id)
	var updated *types.Run

	txn := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 || fields["deleted"] == "true" {
			return ErrNotFound
		}
		if types.RunStatus(fields["status"]) != expect {
			return ErrConflict
		}

		now := time.Now().UTC().Format(time.RFC3339Nano)
		set := map[string]any{"status": string(next)}
		if runErr != "" {
			set["error"] = runErr
		}
		if next == types.RunStatusRunning && fields["started_at"] == "" {
			set["started_at"] = now
		}
		if next.Terminal() {
			set["finished_at"] = now
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, set)
			return nil
		})
		if err != nil {
			return err
		}
		for k, v := range set {
			fields[k] = fmt.Sprint(v)
		}
		updated, err = runFromHash(id, fields)
		return err
	}

	for i := 0; i < 3; i++ {
		err := s.client.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue // raced with another writer; re-read and re-check
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, ErrConflict
}

func (s *RedisStore) PutNodeState(ctx context.Context, runID string, state *types.NodeState) error {
	exists, err := s.client.Exists(ctx, keyRun(runID)).Result()
	if err != nil {
		return fmt.Errorf("put node state: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal node state: %w", err)
	}
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, keyNode(runID, state.NodeID), "json", string(stateJSON))
	pipe.SAdd(ctx, keyRunNodes(runID), state.NodeID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put node state: %w", err)
	}
	return nil
}

func (s *RedisStore) GetNodeState(ctx context.Context, runID, nodeID string) (*types.NodeState, error) {
	raw, err := s.client.HGet(ctx, keyNode(runID, nodeID), "json").Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node state: %w", err)
	}
	var state types.NodeState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("unmarshal node state: %w", err)
	}
	return &state, nil
}

func (s *RedisStore) ListNodeStates(ctx context.Context, runID string) ([]*types.NodeState, error) {
	ids, err := s.client.SMembers(ctx, keyRunNodes(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list node states: %w", err)
	}
	out := make([]*types.NodeState, 0, len(ids))
	for _, nodeID := range ids {
		st, err := s.GetNodeState(ctx, runID, nodeID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

// Delete soft-deletes the run and lets the TTL reap its keys.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	exists, err := s.client.Exists(ctx, keyRun(id)).Result()
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	nodeIDs, _ := s.client.SMembers(ctx, keyRunNodes(id)).Result()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, keyRun(id), "deleted", "true")
	pipe.SRem(ctx, keyRuns, id)
	if s.ttl > 0 {
		pipe.Expire(ctx, keyRun(id), s.ttl)
		pipe.Expire(ctx, keyRunNodes(id), s.ttl)
		for _, nodeID := range nodeIDs {
			pipe.Expire(ctx, keyNode(id, nodeID), s.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return nil
}

func (s *RedisStore) Info(ctx context.Context) (map[string]any, error) {
	start := time.Now()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return map[string]any{"adapter": "redis", "healthy": false, "error": err.Error()}, nil
	}
	count, _ := s.client.SCard(ctx, keyRuns).Result()
	return map[string]any{
		"adapter":      "redis",
		"healthy":      true,
		"run_count":    count,
		"ping_latency": time.Since(start).String(),
	}, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

var _ Store = (*RedisStore)(nil)
