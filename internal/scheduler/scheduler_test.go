package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/flexinfer/mentatlab/services/engine-go/internal/driver"
	"github.com/flexinfer/mentatlab/services/engine-go/internal/eventlog"
	"github.com/flexinfer/mentatlab/services/engine-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/engine-go/pkg/types"
)

type harness struct {
	store *runstore.MemoryStore
	log   *eventlog.Log
	sched *Scheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := runstore.NewMemoryStore()
	log := eventlog.New(nil)
	drivers := driver.NewSelector()
	drivers.Register(types.ModeMemory, driver.NewSimulatedDriver(driver.NewLogSink(log, nil)))
	sched := New(store, log, drivers, &Config{
		MaxConcurrentNodes: 4,
		BackoffBase:        time.Millisecond,
		BackoffCap:         5 * time.Millisecond,
		NodeTimeout:        time.Minute,
		CancelGrace:        2 * time.Second,
	}, nil)
	return &harness{store: store, log: log, sched: sched}
}

// startRun records the run and moves it to running, the state Run expects.
func (h *harness) startRun(t *testing.T, plan *types.Plan) *types.Run {
	t.Helper()
	run := &types.Run{
		ID:        "run-" + t.Name(),
		Mode:      types.ModeMemory,
		Status:    types.RunStatusQueued,
		Plan:      plan,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.Create(context.Background(), run); err != nil {
		t.Fatal(err)
	}
	h.log.Register(run.ID)
	updated, err := h.store.UpdateStatus(context.Background(), run.ID, types.RunStatusQueued, types.RunStatusRunning, "")
	if err != nil {
		t.Fatal(err)
	}
	return updated
}

func (h *harness) events(t *testing.T, runID string) []*types.Event {
	t.Helper()
	events, gap, err := h.log.Range(runID, 0, 0)
	if err != nil || gap != nil {
		t.Fatalf("range: gap=%v err=%v", gap, err)
	}
	return events
}

func (h *harness) finalStatus(t *testing.T, runID string) types.RunStatus {
	t.Helper()
	run, err := h.store.Get(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	return run.Status
}

// nodeTransitions extracts (node, state) pairs from node_status events in
// stream order.
func nodeTransitions(t *testing.T, events []*types.Event) []types.NodeStatusPayload {
	t.Helper()
	var out []types.NodeStatusPayload
	for _, ev := range events {
		if ev.Kind != types.EventNodeStatus {
			continue
		}
		var p types.NodeStatusPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			t.Fatalf("unmarshal node_status: %v", err)
		}
		out = append(out, p)
	}
	return out
}

func fastNode(id string) types.NodeSpec {
	return types.NodeSpec{ID: id, Params: map[string]any{"delay": float64(1)}}
}

func TestLinearChainRunsInOrder(t *testing.T) {
	h := newHarness(t)
	run := h.startRun(t, &types.Plan{
		Nodes: []types.NodeSpec{fastNode("a"), fastNode("b"), fastNode("c")},
		Edges: []types.EdgeSpec{{From: "a", To: "b"}, {From: "b", To: "c"}},
	})

	if err := h.sched.Run(context.Background(), run); err != nil {
		t.Fatal(err)
	}
	if got := h.finalStatus(t, run.ID); got != types.RunStatusSucceeded {
		t.Fatalf("run status = %s, want succeeded", got)
	}

	events := h.events(t, run.ID)
	if events[0].Kind != types.EventHello || events[0].Seq != 1 {
		t.Fatalf("first event = %s seq %d, want hello seq 1", events[0].Kind, events[0].Seq)
	}
	last := events[len(events)-1]
	if last.Kind != types.EventStatus {
		t.Fatalf("last event = %s, want status", last.Kind)
	}
	for i, ev := range events {
		if ev.Seq != uint64(i+1) {
			t.Fatalf("events[%d].Seq = %d, want %d", i, ev.Seq, i+1)
		}
	}

	// Each node starts only after its predecessor succeeded.
	var runningOrder []string
	succeeded := map[string]bool{}
	for _, p := range nodeTransitions(t, events) {
		switch p.State {
		case types.NodeStatusRunning:
			runningOrder = append(runningOrder, p.NodeID)
			switch p.NodeID {
			case "b":
				if !succeeded["a"] {
					t.Fatal("b started before a succeeded")
				}
			case "c":
				if !succeeded["b"] {
					t.Fatal("c started before b succeeded")
				}
			}
		case types.NodeStatusSucceeded:
			succeeded[p.NodeID] = true
		}
	}
	if len(runningOrder) != 3 {
		t.Fatalf("running transitions = %v, want a,b,c", runningOrder)
	}
}

func TestDiamondJoinWaitsForBothBranches(t *testing.T) {
	h := newHarness(t)
	run := h.startRun(t, &types.Plan{
		Nodes: []types.NodeSpec{fastNode("a"), fastNode("b"), fastNode("c"), fastNode("d")},
		Edges: []types.EdgeSpec{
			{From: "a", To: "b"},
			{From: "a", To: "c"},
			{From: "b", To: "d"},
			{From: "c", To: "d"},
		},
	})

	if err := h.sched.Run(context.Background(), run); err != nil {
		t.Fatal(err)
	}
	if got := h.finalStatus(t, run.ID); got != types.RunStatusSucceeded {
		t.Fatalf("run status = %s, want succeeded", got)
	}

	succeeded := map[string]bool{}
	for _, p := range nodeTransitions(t, h.events(t, run.ID)) {
		if p.NodeID == "d" && p.State == types.NodeStatusRunning {
			if !succeeded["b"] || !succeeded["c"] {
				t.Fatal("d started before both branches succeeded")
			}
		}
		if p.State == types.NodeStatusSucceeded {
			succeeded[p.NodeID] = true
		}
	}
	for _, id := range []string{"a", "b", "c", "d"} {
		if !succeeded[id] {
			t.Fatalf("node %s never succeeded", id)
		}
	}
}

func TestPinOutputsFlowDownstream(t *testing.T) {
	h := newHarness(t)
	run := h.startRun(t, &types.Plan{
		Nodes: []types.NodeSpec{fastNode("a"), fastNode("b")},
		Edges: []types.EdgeSpec{{From: "a.echo", To: "b.in"}},
	})

	if err := h.sched.Run(context.Background(), run); err != nil {
		t.Fatal(err)
	}

	st, err := h.store.GetNodeState(context.Background(), run.ID, "b")
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != types.NodeStatusSucceeded {
		t.Fatalf("b = %s, want succeeded", st.Status)
	}
	// The simulated driver echoes its inputs; b must have seen a's pin.
	inputs, ok := st.Output["inputs"].(map[string]any)
	if !ok {
		t.Fatalf("b outputs = %+v, want forwarded inputs", st.Output)
	}
	if _, ok := inputs["in"]; !ok {
		t.Fatalf("b inputs = %+v, want pin %q", inputs, "in")
	}
}

func TestMissingSourcePinCancelsDownstream(t *testing.T) {
	h := newHarness(t)
	run := h.startRun(t, &types.Plan{
		Nodes: []types.NodeSpec{fastNode("a"), fastNode("b")},
		Edges: []types.EdgeSpec{{From: "a.nonexistent", To: "b.in"}},
	})

	_ = h.sched.Run(context.Background(), run)

	if got := h.finalStatus(t, run.ID); got != types.RunStatusFailed {
		t.Fatalf("run status = %s, want failed", got)
	}
	st, err := h.store.GetNodeState(context.Background(), run.ID, "b")
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != types.NodeStatusCanceled {
		t.Fatalf("b = %s, want canceled", st.Status)
	}
}

func TestTransientFailureRetriesWithBackoff(t *testing.T) {
	h := newHarness(t)
	retries := 2
	run := h.startRun(t, &types.Plan{
		Nodes: []types.NodeSpec{{
			ID:         "flaky",
			Params:     map[string]any{"delay": float64(1), "fail": "transient"},
			MaxRetries: &retries,
		}},
	})

	_ = h.sched.Run(context.Background(), run)

	if got := h.finalStatus(t, run.ID); got != types.RunStatusFailed {
		t.Fatalf("run status = %s, want failed after exhausting retries", got)
	}
	st, err := h.store.GetNodeState(context.Background(), run.ID, "flaky")
	if err != nil {
		t.Fatal(err)
	}
	if st.Attempt != 3 {
		t.Fatalf("attempts = %d, want 3 (1 + 2 retries)", st.Attempt)
	}
	if st.Status != types.NodeStatusFailed {
		t.Fatalf("node = %s, want failed", st.Status)
	}
}

func TestPermanentFailureDoesNotRetryAndCascades(t *testing.T) {
	h := newHarness(t)
	run := h.startRun(t, &types.Plan{
		Nodes: []types.NodeSpec{
			{ID: "bad", Params: map[string]any{"delay": float64(1), "fail": "permanent"}},
			fastNode("after"),
		},
		Edges: []types.EdgeSpec{{From: "bad", To: "after"}},
	})

	_ = h.sched.Run(context.Background(), run)

	if got := h.finalStatus(t, run.ID); got != types.RunStatusFailed {
		t.Fatalf("run status = %s, want failed", got)
	}

	bad, _ := h.store.GetNodeState(context.Background(), run.ID, "bad")
	if bad.Attempt != 1 {
		t.Fatalf("bad attempts = %d, want 1 (no retry on permanent)", bad.Attempt)
	}
	after, _ := h.store.GetNodeState(context.Background(), run.ID, "after")
	if after.Status != types.NodeStatusCanceled {
		t.Fatalf("after = %s, want canceled", after.Status)
	}

	run2, _ := h.store.Get(context.Background(), run.ID)
	if run2.Error == "" {
		t.Fatal("run error not recorded")
	}
}

func TestCancelMidRunSettlesEverything(t *testing.T) {
	h := newHarness(t)
	run := h.startRun(t, &types.Plan{
		Nodes: []types.NodeSpec{
			{ID: "slow", Params: map[string]any{"delay": "30s"}},
			fastNode("after"),
		},
		Edges: []types.EdgeSpec{{From: "slow", To: "after"}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	if err := h.sched.Run(ctx, run); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("cancellation did not interrupt the slow node")
	}

	if got := h.finalStatus(t, run.ID); got != types.RunStatusCanceled {
		t.Fatalf("run status = %s, want canceled", got)
	}
	for _, id := range []string{"slow", "after"} {
		st, err := h.store.GetNodeState(context.Background(), run.ID, id)
		if err != nil {
			t.Fatal(err)
		}
		if st.Status != types.NodeStatusCanceled {
			t.Fatalf("node %s = %s, want canceled", id, st.Status)
		}
	}

	// Exactly one terminal status event, and it is the last one.
	events := h.events(t, run.ID)
	terminal := 0
	for _, ev := range events {
		if ev.Kind != types.EventStatus {
			continue
		}
		var p types.StatusPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			t.Fatal(err)
		}
		if p.Status.Terminal() {
			terminal++
		}
	}
	if terminal != 1 {
		t.Fatalf("terminal status events = %d, want exactly 1", terminal)
	}
	if events[len(events)-1].Kind != types.EventStatus {
		t.Fatalf("last event = %s, want the terminal status", events[len(events)-1].Kind)
	}
}

func TestConcurrencyBoundRespected(t *testing.T) {
	h := newHarness(t)
	h.sched.cfg.MaxConcurrentNodes = 1

	run := h.startRun(t, &types.Plan{
		Nodes: []types.NodeSpec{fastNode("a"), fastNode("b"), fastNode("c")},
	})
	if err := h.sched.Run(context.Background(), run); err != nil {
		t.Fatal(err)
	}

	running := 0
	for _, p := range nodeTransitions(t, h.events(t, run.ID)) {
		switch p.State {
		case types.NodeStatusRunning:
			running++
			if running > 1 {
				t.Fatal("two nodes ran concurrently with a bound of 1")
			}
		case types.NodeStatusSucceeded:
			running--
		}
	}
}

// stubDriver fails a node transiently for its first fail_times attempts
// and sleeps for a delay_ms param, for retry timing assertions.
type stubDriver struct {
	mu       sync.Mutex
	attempts map[string]int
}

func newStubDriver() *stubDriver {
	return &stubDriver{attempts: map[string]int{}}
}

func (d *stubDriver) Name() string { return "stub" }

func (d *stubDriver) Execute(ctx context.Context, runID string, spec *types.NodeSpec, inputs map[string]any) (*driver.Result, error) {
	d.mu.Lock()
	d.attempts[spec.ID]++
	attempt := d.attempts[spec.ID]
	d.mu.Unlock()

	if ms, ok := spec.Params["delay_ms"].(float64); ok {
		timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return driver.Canceled(), nil
		case <-timer.C:
		}
	}
	if failTimes, ok := spec.Params["fail_times"].(float64); ok && attempt <= int(failTimes) {
		return driver.Fail(driver.FailureTransient, "boom"), nil
	}
	return driver.Ok(nil), nil
}

func (d *stubDriver) Abort(ctx context.Context, runID, nodeID string) error { return nil }

func stubHarness(t *testing.T, cfg *Config) *harness {
	t.Helper()
	store := runstore.NewMemoryStore()
	log := eventlog.New(nil)
	drivers := driver.NewSelector()
	drivers.Register(types.ModeMemory, newStubDriver())
	return &harness{store: store, log: log, sched: New(store, log, drivers, cfg, nil)}
}

func TestZeroConfigFieldsUseDefaults(t *testing.T) {
	// A partial config, as the binary builds one, keeps the defaults for
	// every unset field.
	s := New(nil, nil, nil, &Config{
		MaxConcurrentNodes: 8,
		NodeTimeout:        time.Minute,
	}, nil)
	if s.cfg.MaxRetries != 3 {
		t.Fatalf("MaxRetries = %d, want default 3", s.cfg.MaxRetries)
	}
	if s.cfg.BackoffBase != time.Second || s.cfg.BackoffCap != 30*time.Second {
		t.Fatalf("backoff = %s/%s, want defaults", s.cfg.BackoffBase, s.cfg.BackoffCap)
	}
	if s.cfg.CancelGrace != 30*time.Second {
		t.Fatalf("CancelGrace = %s, want default 30s", s.cfg.CancelGrace)
	}

	// A negative MaxRetries disables retries explicitly.
	s = New(nil, nil, nil, &Config{MaxRetries: -1}, nil)
	if s.cfg.MaxRetries != 0 {
		t.Fatalf("MaxRetries = %d, want 0 for a negative override", s.cfg.MaxRetries)
	}
}

func TestDefaultPolicyRetriesTransientFailure(t *testing.T) {
	h := stubHarness(t, &Config{
		MaxConcurrentNodes: 4,
		NodeTimeout:        time.Minute,
		BackoffBase:        5 * time.Millisecond,
		BackoffCap:         5 * time.Millisecond,
	})
	run := h.startRun(t, &types.Plan{
		Nodes: []types.NodeSpec{{
			ID:     "flaky",
			Params: map[string]any{"fail_times": float64(1)},
		}},
	})

	if err := h.sched.Run(context.Background(), run); err != nil {
		t.Fatal(err)
	}
	if got := h.finalStatus(t, run.ID); got != types.RunStatusSucceeded {
		t.Fatalf("run status = %s, want succeeded on the retry", got)
	}
	st, err := h.store.GetNodeState(context.Background(), run.ID, "flaky")
	if err != nil {
		t.Fatal(err)
	}
	if st.Attempt != 2 {
		t.Fatalf("attempts = %d, want 2", st.Attempt)
	}
}

func TestRetryDispatchesWhileOthersRun(t *testing.T) {
	h := stubHarness(t, &Config{
		MaxConcurrentNodes: 4,
		NodeTimeout:        time.Minute,
		BackoffBase:        5 * time.Millisecond,
		BackoffCap:         5 * time.Millisecond,
		CancelGrace:        time.Second,
	})
	run := h.startRun(t, &types.Plan{
		Nodes: []types.NodeSpec{
			{ID: "slow", Params: map[string]any{"delay_ms": float64(400)}},
			{ID: "flaky", Params: map[string]any{"fail_times": float64(1)}},
		},
	})

	if err := h.sched.Run(context.Background(), run); err != nil {
		t.Fatal(err)
	}
	if got := h.finalStatus(t, run.ID); got != types.RunStatusSucceeded {
		t.Fatalf("run status = %s, want succeeded", got)
	}

	// The retry must not wait for the unrelated slow node to finish.
	flaky, err := h.store.GetNodeState(context.Background(), run.ID, "flaky")
	if err != nil {
		t.Fatal(err)
	}
	slow, err := h.store.GetNodeState(context.Background(), run.ID, "slow")
	if err != nil {
		t.Fatal(err)
	}
	if flaky.FinishedAt == nil || slow.FinishedAt == nil {
		t.Fatalf("missing finish times: flaky=%+v slow=%+v", flaky, slow)
	}
	if !flaky.FinishedAt.Before(*slow.FinishedAt) {
		t.Fatalf("flaky finished at %s, after slow at %s; retry stalled behind the in-flight node",
			flaky.FinishedAt, slow.FinishedAt)
	}
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	s := &Scheduler{cfg: Config{BackoffBase: time.Second, BackoffCap: 30 * time.Second}}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := s.backoff(tc.attempt); got != tc.want {
			t.Errorf("backoff(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}
