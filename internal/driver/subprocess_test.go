package driver

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/flexinfer/mentatlab/services/engine-go/pkg/types"
)

// recordSink captures emitted events for assertions.
type recordSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	kind    types.EventKind
	nodeID  string
	payload any
}

func (s *recordSink) Emit(runID string, kind types.EventKind, nodeID string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recordedEvent{kind: kind, nodeID: nodeID, payload: payload})
}

func (s *recordSink) kinds() []types.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.EventKind, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.kind
	}
	return out
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func shNode(id, script string) *types.NodeSpec {
	return &types.NodeSpec{
		ID:     id,
		Params: map[string]any{"command": []any{"sh", "-c", script}},
	}
}

func TestSubprocessParsesOutputsLine(t *testing.T) {
	requireUnix(t)
	d := NewSubprocessDriver(nil)

	res, err := d.Execute(context.Background(), "r1",
		shNode("a", `echo '{"type":"outputs","outputs":{"value":7}}'`), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK() {
		t.Fatalf("result = %+v, want ok", res)
	}
	if got := res.Outputs["value"]; got != float64(7) {
		t.Fatalf("outputs = %+v", res.Outputs)
	}
}

func TestSubprocessEmitsLogsAndCheckpoints(t *testing.T) {
	requireUnix(t)
	sink := &recordSink{}
	d := NewSubprocessDriver(sink)

	script := `echo plain line
echo '{"type":"log","level":"warn","message":"typed"}'
echo '{"type":"checkpoint","label":"tool:call","data":{"k":1}}'
echo oops >&2`
	res, err := d.Execute(context.Background(), "r1", shNode("a", script), nil)
	if err != nil || !res.OK() {
		t.Fatalf("res=%+v err=%v", res, err)
	}

	var logs, checkpoints int
	for _, kind := range sink.kinds() {
		switch kind {
		case types.EventLog:
			logs++
		case types.EventCheckpoint:
			checkpoints++
		}
	}
	if logs != 3 {
		t.Fatalf("log events = %d, want 3 (plain, typed, stderr)", logs)
	}
	if checkpoints != 1 {
		t.Fatalf("checkpoint events = %d, want 1", checkpoints)
	}
}

func TestSubprocessKeepsLogTail(t *testing.T) {
	requireUnix(t)
	d := NewSubprocessDriver(nil)

	script := `echo one
echo two >&2
echo three`
	res, err := d.Execute(context.Background(), "r1", shNode("a", script), nil)
	if err != nil || !res.OK() {
		t.Fatalf("res = %+v, err = %v", res, err)
	}

	lines, err := d.Logs(context.Background(), "r1", "a", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 3 {
		t.Fatalf("lines = %v, want 3", lines)
	}
	// Stdout and stderr are scanned concurrently, so only membership is
	// deterministic.
	seen := map[string]bool{}
	for _, l := range lines {
		seen[l] = true
	}
	for _, want := range []string{"one", "two", "three"} {
		if !seen[want] {
			t.Fatalf("lines = %v, missing %q", lines, want)
		}
	}

	tail, err := d.Logs(context.Background(), "r1", "a", 2)
	if err != nil || len(tail) != 2 {
		t.Fatalf("tail = %v, err = %v", tail, err)
	}

	empty, err := d.Logs(context.Background(), "r1", "ghost", 0)
	if err != nil || len(empty) != 0 {
		t.Fatalf("empty = %v, err = %v", empty, err)
	}
}

func TestSubprocessExitCodeMapping(t *testing.T) {
	requireUnix(t)
	d := NewSubprocessDriver(nil)
	ctx := context.Background()

	res, err := d.Execute(ctx, "r1", shNode("a", "exit 7"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Failure == nil || res.Failure.Kind != FailurePermanent {
		t.Fatalf("exit 7: %+v, want permanent failure", res)
	}

	res, err = d.Execute(ctx, "r1", shNode("a", "exit 124"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Failure == nil || res.Failure.Kind != FailureTransient {
		t.Fatalf("exit 124: %+v, want transient failure", res)
	}

	res, err = d.Execute(ctx, "r1", shNode("a", "exit 130"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Canceled {
		t.Fatalf("exit 130: %+v, want canceled", res)
	}
}

func TestSubprocessCanceledByContext(t *testing.T) {
	requireUnix(t)
	d := NewSubprocessDriver(nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res, err := d.Execute(ctx, "r1", shNode("a", "sleep 30"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Canceled {
		t.Fatalf("result = %+v, want canceled", res)
	}
}

func TestSubprocessMissingCommand(t *testing.T) {
	d := NewSubprocessDriver(nil)
	res, err := d.Execute(context.Background(), "r1", &types.NodeSpec{ID: "a"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Failure == nil || res.Failure.Kind != FailurePermanent {
		t.Fatalf("result = %+v, want permanent failure", res)
	}
}

func TestCommandFromParams(t *testing.T) {
	argv, err := commandFromParams(&types.NodeSpec{
		ID: "a", Params: map[string]any{"command": "echo hi there"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(argv) != 3 || argv[0] != "echo" {
		t.Fatalf("argv = %v", argv)
	}

	if _, err := commandFromParams(&types.NodeSpec{
		ID: "a", Params: map[string]any{"command": []any{}},
	}); err == nil {
		t.Fatal("empty command accepted")
	}
}
