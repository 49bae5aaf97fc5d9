package driver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/flexinfer/mentatlab/services/engine-go/pkg/types"
)

// Exit codes with agreed meaning in the agent contract. 124 matches
// timeout(1); 130 is SIGINT.
const (
	exitCodeTimeout  = 124
	exitCodeCanceled = 130
)

// SubprocessDriver runs each node attempt as a local OS process.
//
// The task document {run_id, node_id, agent_ref, params, inputs} is
// written to the process stdin. Stdout carries NDJSON event lines:
//
//	{"type":"log","level":"info","message":"..."}
//	{"type":"checkpoint","label":"tool:call","data":{...}}
//	{"type":"outputs","outputs":{"pin":...}}
//
// Non-JSON stdout lines become info logs; stderr lines become error logs.
// Exit 0 succeeds with the last outputs line, 124 is a transient timeout,
// 130 is canceled, anything else is a permanent failure.
type SubprocessDriver struct {
	sink EventSink

	mu    sync.Mutex
	tails map[string][]string // "runID/nodeID" -> recent lines, oldest first
}

// tailCap bounds the buffered log tail per node.
const tailCap = 200

// NewSubprocessDriver creates a subprocess driver emitting onto sink.
func NewSubprocessDriver(sink EventSink) *SubprocessDriver {
	if sink == nil {
		sink = NopSink{}
	}
	return &SubprocessDriver{sink: sink, tails: make(map[string][]string)}
}

func (d *SubprocessDriver) Name() string { return "subprocess" }

type taskDocument struct {
	RunID    string         `json:"run_id"`
	NodeID   string         `json:"node_id"`
	AgentRef string         `json:"agent_ref,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
	Inputs   map[string]any `json:"inputs,omitempty"`
}

type agentLine struct {
	Type    string          `json:"type"`
	Level   string          `json:"level,omitempty"`
	Message string          `json:"message,omitempty"`
	Label   string          `json:"label,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Outputs map[string]any  `json:"outputs,omitempty"`
}

func (d *SubprocessDriver) Execute(ctx context.Context, runID string, node *types.NodeSpec, inputs map[string]any) (*Result, error) {
	argv, err := commandFromParams(node)
	if err != nil {
		return Fail(FailurePermanent, err.Error()), nil
	}

	// A fresh attempt starts a fresh tail.
	d.mu.Lock()
	delete(d.tails, activeKey(runID, node.ID))
	d.mu.Unlock()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if cwd, ok := node.Params["cwd"].(string); ok && cwd != "" {
		cmd.Dir = cwd
	}
	if env, ok := node.Params["env"].(map[string]any); ok {
		for k, v := range env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%v", k, v))
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return Fail(FailurePermanent, fmt.Sprintf("start agent: %v", err)), nil
	}

	go func() {
		doc := taskDocument{
			RunID:    runID,
			NodeID:   node.ID,
			AgentRef: node.AgentRef,
			Params:   node.Params,
			Inputs:   inputs,
		}
		enc := json.NewEncoder(stdin)
		_ = enc.Encode(&doc)
		_ = stdin.Close()
	}()

	var (
		mu      sync.Mutex
		outputs map[string]any
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			var ev agentLine
			if err := json.Unmarshal([]byte(line), &ev); err != nil || ev.Type == "" {
				d.emitLog(runID, node.ID, "info", line)
				continue
			}
			switch ev.Type {
			case "log":
				level := ev.Level
				if level == "" {
					level = "info"
				}
				d.emitLog(runID, node.ID, level, ev.Message)
			case "checkpoint":
				d.sink.Emit(runID, types.EventCheckpoint, node.ID, &types.CheckpointPayload{
					RunID: runID,
					Label: ev.Label,
					Data:  ev.Data,
					TS:    time.Now().UTC(),
				})
			case "artifact":
				d.sink.Emit(runID, types.EventArtifact, node.ID, ev.Data)
			case "outputs":
				mu.Lock()
				outputs = ev.Outputs
				mu.Unlock()
			}
		}
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			if line := scanner.Text(); line != "" {
				d.emitLog(runID, node.ID, "error", line)
			}
		}
	}()

	wg.Wait()
	err = cmd.Wait()

	if ctx.Err() != nil {
		return Canceled(), nil
	}
	if err == nil {
		mu.Lock()
		defer mu.Unlock()
		return Ok(outputs), nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case exitCodeTimeout:
			return Fail(FailureTransient, "agent timed out"), nil
		case exitCodeCanceled:
			return Canceled(), nil
		default:
			return Fail(FailurePermanent, fmt.Sprintf("agent exited with code %d", exitErr.ExitCode())), nil
		}
	}
	return nil, fmt.Errorf("wait agent: %w", err)
}

// Abort is a no-op: CommandContext kills the process when the attempt
// context is canceled.
func (d *SubprocessDriver) Abort(ctx context.Context, runID, nodeID string) error { return nil }

// Logs returns the buffered tail of the node's most recent attempt.
func (d *SubprocessDriver) Logs(_ context.Context, runID, nodeID string, tail int) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf := d.tails[activeKey(runID, nodeID)]
	if tail > 0 && len(buf) > tail {
		buf = buf[len(buf)-tail:]
	}
	out := make([]string, len(buf))
	copy(out, buf)
	return out, nil
}

func (d *SubprocessDriver) emitLog(runID, nodeID, level, message string) {
	key := activeKey(runID, nodeID)
	d.mu.Lock()
	buf := append(d.tails[key], message)
	if len(buf) > tailCap {
		buf = buf[len(buf)-tailCap:]
	}
	d.tails[key] = buf
	d.mu.Unlock()

	d.sink.Emit(runID, types.EventLog, nodeID, &types.LogPayload{
		RunID:   runID,
		NodeID:  nodeID,
		Level:   level,
		Message: message,
	})
}

func commandFromParams(node *types.NodeSpec) ([]string, error) {
	raw, ok := node.Params["command"]
	if !ok {
		return nil, fmt.Errorf("node %s has no command param", node.ID)
	}
	switch v := raw.(type) {
	case []any:
		argv := make([]string, 0, len(v))
		for _, a := range v {
			argv = append(argv, fmt.Sprint(a))
		}
		if len(argv) == 0 || argv[0] == "" {
			return nil, fmt.Errorf("node %s has an empty command", node.ID)
		}
		return argv, nil
	case []string:
		if len(v) == 0 || v[0] == "" {
			return nil, fmt.Errorf("node %s has an empty command", node.ID)
		}
		return v, nil
	case string:
		argv := strings.Fields(v)
		if len(argv) == 0 {
			return nil, fmt.Errorf("node %s has an empty command", node.ID)
		}
		return argv, nil
	}
	return nil, fmt.Errorf("node %s command must be a string or array", node.ID)
}

var (
	_ Driver      = (*SubprocessDriver)(nil)
	_ LogProvider = (*SubprocessDriver)(nil)
)
