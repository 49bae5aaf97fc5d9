// Package scheduler executes one run's DAG: it dispatches ready nodes to
// the driver, applies the retry policy, propagates outputs along edges and
// settles the run on exactly one terminal status.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/mentatlab/services/engine-go/internal/driver"
	"github.com/flexinfer/mentatlab/services/engine-go/internal/eventlog"
	"github.com/flexinfer/mentatlab/services/engine-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/engine-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/engine-go/pkg/types"
)

// Config holds scheduling policy.
type Config struct {
	// MaxConcurrentNodes bounds in-flight nodes per run (default 4).
	MaxConcurrentNodes int

	// MaxRetries bounds extra attempts after a transient failure
	// (default 3 when zero; negative disables retries). A node's
	// max_retries overrides it.
	MaxRetries int

	// BackoffBase is the delay before the first retry (default 1s); it
	// doubles per attempt up to BackoffCap (default 30s).
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// NodeTimeout bounds a node attempt without its own timeout
	// (default 10 min).
	NodeTimeout time.Duration

	// CancelGrace bounds how long a canceled run waits for in-flight
	// nodes to stop before settling (default 30s).
	CancelGrace time.Duration
}

// DefaultConfig returns the default policy.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrentNodes: 4,
		MaxRetries:         3,
		BackoffBase:        time.Second,
		BackoffCap:         30 * time.Second,
		NodeTimeout:        10 * time.Minute,
		CancelGrace:        30 * time.Second,
	}
}

// Scheduler runs plans. One Run call per run, on its own goroutine.
type Scheduler struct {
	store   runstore.Store
	log     *eventlog.Log
	drivers *driver.Selector
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
}

// New creates a Scheduler.
func New(store runstore.Store, log *eventlog.Log, drivers *driver.Selector, cfg *Config, logger *slog.Logger) *Scheduler {
	c := DefaultConfig()
	if cfg != nil {
		if cfg.MaxConcurrentNodes > 0 {
			c.MaxConcurrentNodes = cfg.MaxConcurrentNodes
		}
		if cfg.MaxRetries > 0 {
			c.MaxRetries = cfg.MaxRetries
		} else if cfg.MaxRetries < 0 {
			c.MaxRetries = 0
		}
		if cfg.BackoffBase > 0 {
			c.BackoffBase = cfg.BackoffBase
		}
		if cfg.BackoffCap > 0 {
			c.BackoffCap = cfg.BackoffCap
		}
		if cfg.NodeTimeout > 0 {
			c.NodeTimeout = cfg.NodeTimeout
		}
		if cfg.CancelGrace > 0 {
			c.CancelGrace = cfg.CancelGrace
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:   store,
		log:     log,
		drivers: drivers,
		cfg:     *c,
		logger:  logger,
		tracer:  otel.Tracer("engine/scheduler"),
	}
}

// nodeRun is the scheduler's view of one node.
type nodeRun struct {
	spec  *types.NodeSpec
	index int // declaration order, the dispatch tie-break

	waiting map[string]struct{} // predecessors not yet succeeded
	in      []types.EdgeSpec    // incoming edges
	inputs  map[string]any

	status    types.NodeStatus
	attempt   int
	notBefore time.Time // earliest next dispatch after a transient failure
	err       string
	started   *time.Time
	finished  *time.Time
	outputs   map[string]any
}

type execResult struct {
	nodeID   string
	result   *driver.Result
	err      error
	duration time.Duration
}

// Run executes the plan to a terminal status. The run must already be in
// status running; ctx cancellation cancels the run.
func (s *Scheduler) Run(ctx context.Context, run *types.Run) error {
	// Persistence must survive cancellation: the terminal status and node
	// states are written even while ctx is already done.
	persistCtx := context.WithoutCancel(ctx)

	ctx, span := s.tracer.Start(ctx, "run.execute",
		trace.WithAttributes(
			attribute.String("run.id", run.ID),
			attribute.String("run.mode", string(run.Mode)),
		))
	defer span.End()

	logger := s.logger.With(slog.String("run_id", run.ID))

	drv, err := s.drivers.For(run.Mode)
	if err != nil {
		return s.settle(persistCtx, run, types.RunStatusFailed, err.Error(), logger)
	}

	s.appendEvent(run.ID, types.EventHello, "", &types.HelloPayload{
		RunID:      run.ID,
		Status:     types.RunStatusRunning,
		ServerTime: time.Now().UTC(),
	})
	s.appendEvent(run.ID, types.EventStatus, "", &types.StatusPayload{
		RunID:  run.ID,
		Status: types.RunStatusRunning,
	})

	nodes, order, err := buildGraph(run.Plan)
	if err != nil {
		// Plans are validated at create; reaching this means a store bug.
		return s.settle(persistCtx, run, types.RunStatusFailed, err.Error(), logger)
	}
	for _, id := range order {
		s.persistNode(persistCtx, run.ID, nodes[id])
	}

	metrics.RunsActive.Inc()
	defer metrics.RunsActive.Dec()
	startedAt := time.Now()

	results := make(chan execResult, len(order))
	inflight := 0
	canceled := false

	dispatch := func() {
		if canceled {
			return
		}
		for _, id := range readyNodes(nodes, order) {
			if inflight >= s.cfg.MaxConcurrentNodes {
				return
			}
			n := nodes[id]
			n.status = types.NodeStatusRunning
			n.attempt++
			now := time.Now().UTC()
			n.started = &now
			inflight++
			s.persistNode(persistCtx, run.ID, n)
			s.emitNodeStatus(run.ID, n)
			go s.execute(ctx, drv, run.ID, n.spec, n.inputs, n.attempt, results)
		}
	}

	markReady := func() {
		for _, id := range order {
			n := nodes[id]
			if n.status == types.NodeStatusPending && len(n.waiting) == 0 && n.attempt == 0 {
				n.status = types.NodeStatusReady
				s.persistNode(persistCtx, run.ID, n)
				s.emitNodeStatus(run.ID, n)
			}
		}
	}

	var runErr string
loop:
	for {
		markReady()
		dispatch()
		if inflight == 0 && allSettled(nodes) {
			break
		}

		// Arm a wake-up for the earliest retry whose backoff expires while
		// other nodes are still in flight.
		var wakeCh <-chan time.Time
		var wakeTimer *time.Timer
		if inflight < s.cfg.MaxConcurrentNodes {
			if wake := nextWake(nodes); !wake.IsZero() {
				wakeTimer = time.NewTimer(time.Until(wake))
				wakeCh = wakeTimer.C
			}
		}
		if inflight == 0 && wakeCh == nil {
			// Nothing running, nothing dispatchable: remaining nodes lost
			// a predecessor and cascade settled them.
			break
		}

		select {
		case <-ctx.Done():
			if wakeTimer != nil {
				wakeTimer.Stop()
			}
			canceled = true
			s.beginCancel(persistCtx, run.ID, drv, nodes, order)
			if inflight > 0 {
				s.drainInflight(results, inflight, run.ID, nodes, persistCtx)
			}
			break loop
		case <-wakeCh:
		case res := <-results:
			inflight--
			s.handleResult(persistCtx, run.ID, drv.Name(), nodes, res, &runErr, canceled)
			s.cascade(persistCtx, run.ID, nodes, order)
		}
		if wakeTimer != nil {
			wakeTimer.Stop()
		}
	}

	status := types.RunStatusSucceeded
	switch {
	case canceled:
		status = types.RunStatusCanceled
	case anyStatus(nodes, types.NodeStatusFailed):
		status = types.RunStatusFailed
	case anyStatus(nodes, types.NodeStatusCanceled):
		status = types.RunStatusFailed
		if runErr == "" {
			runErr = "one or more nodes could not run"
		}
	}

	metrics.RunsTotal.WithLabelValues(string(status)).Inc()
	metrics.RunDuration.WithLabelValues(string(status)).Observe(time.Since(startedAt).Seconds())
	span.SetAttributes(attribute.String("run.status", string(status)))

	return s.settle(persistCtx, run, status, runErr, logger)
}

// execute runs one node attempt. Panics in a driver fail the node, never
// the engine.
func (s *Scheduler) execute(ctx context.Context, drv driver.Driver, runID string, spec *types.NodeSpec, inputs map[string]any, attempt int, results chan<- execResult) {
	ctx, span := s.tracer.Start(ctx, "node.execute",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("node.id", spec.ID),
			attribute.Int("node.attempt", attempt),
		))
	defer span.End()

	timeout := s.cfg.NodeTimeout
	if spec.TimeoutSeconds > 0 {
		timeout = time.Duration(spec.TimeoutSeconds * float64(time.Second))
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res := execResult{nodeID: spec.ID}
	func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("driver panic",
					slog.String("run_id", runID),
					slog.String("node_id", spec.ID),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())))
				res.result = driver.Fail(driver.FailurePermanent, fmt.Sprintf("internal: driver panic: %v", r))
				res.err = nil
			}
		}()
		res.result, res.err = drv.Execute(ctx, runID, spec, inputs)
	}()
	res.duration = time.Since(start)

	// A timeout surfaces as a canceled result from the driver; reclassify
	// it as transient so the retry policy applies.
	if ctx.Err() == context.DeadlineExceeded {
		res.result = driver.Fail(driver.FailureTransient, fmt.Sprintf("node timed out after %s", timeout))
		res.err = nil
	}
	results <- res
}

func (s *Scheduler) handleResult(ctx context.Context, runID, drvName string, nodes map[string]*nodeRun, res execResult, runErr *string, canceled bool) {
	n := nodes[res.nodeID]
	now := time.Now().UTC()
	metrics.NodeDuration.WithLabelValues(drvName).Observe(res.duration.Seconds())

	switch {
	case res.err != nil:
		// Infrastructure error: treat as transient.
		res.result = driver.Fail(driver.FailureTransient, res.err.Error())
		fallthrough

	case res.result.Failure != nil:
		f := res.result.Failure
		if !canceled && f.Retriable() && n.attempt <= s.maxRetries(n.spec) {
			backoff := s.backoff(n.attempt)
			n.status = types.NodeStatusPending
			n.notBefore = time.Now().Add(backoff)
			n.err = f.Message
			metrics.NodeRetries.Inc()
			s.persistNode(ctx, runID, n)
			s.emitNodeStatus(runID, n)
			s.appendEvent(runID, types.EventLog, n.spec.ID, &types.LogPayload{
				RunID:   runID,
				NodeID:  n.spec.ID,
				Level:   "warn",
				Message: fmt.Sprintf("attempt %d failed (%s), retrying in %s", n.attempt, f.Message, backoff),
			})
			return
		}
		n.status = types.NodeStatusFailed
		n.err = f.Message
		n.finished = &now
		if *runErr == "" {
			*runErr = fmt.Sprintf("node %s: %s", n.spec.ID, f.Message)
		}

	case res.result.Canceled:
		n.status = types.NodeStatusCanceled
		n.finished = &now

	default:
		n.status = types.NodeStatusSucceeded
		n.outputs = res.result.Outputs
		n.finished = &now
	}

	metrics.NodesTotal.WithLabelValues(string(n.status), drvName).Inc()
	s.persistNode(ctx, runID, n)
	s.emitNodeStatus(runID, n)
}

// cascade settles downstream nodes whose predecessors can no longer
// succeed, and feeds outputs to nodes whose predecessors just did.
func (s *Scheduler) cascade(ctx context.Context, runID string, nodes map[string]*nodeRun, order []string) {
	for changed := true; changed; {
		changed = false
		for _, id := range order {
			n := nodes[id]
			if n.status != types.NodeStatusPending && n.status != types.NodeStatusReady {
				continue
			}
			for pred := range n.waiting {
				p := nodes[pred]
				switch p.status {
				case types.NodeStatusSucceeded:
					if err := feedInputs(n, p); err != nil {
						n.status = types.NodeStatusCanceled
						n.err = err.Error()
						now := time.Now().UTC()
						n.finished = &now
						s.persistNode(ctx, runID, n)
						s.emitNodeStatus(runID, n)
						changed = true
						break
					}
					delete(n.waiting, pred)
					changed = true
				case types.NodeStatusFailed, types.NodeStatusCanceled, types.NodeStatusSkipped:
					n.status = types.NodeStatusCanceled
					n.err = fmt.Sprintf("upstream node %s %s", pred, p.status)
					now := time.Now().UTC()
					n.finished = &now
					s.persistNode(ctx, runID, n)
					s.emitNodeStatus(runID, n)
					changed = true
				}
				if n.status.Terminal() {
					break
				}
			}
		}
	}
}

// beginCancel aborts running nodes and settles everything not in flight.
func (s *Scheduler) beginCancel(ctx context.Context, runID string, drv driver.Driver, nodes map[string]*nodeRun, order []string) {
	for _, id := range order {
		n := nodes[id]
		switch n.status {
		case types.NodeStatusRunning:
			abortCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := drv.Abort(abortCtx, runID, id); err != nil {
				s.logger.Warn("abort node failed",
					slog.String("run_id", runID),
					slog.String("node_id", id),
					slog.Any("error", err))
			}
			cancel()
		case types.NodeStatusPending, types.NodeStatusReady:
			n.status = types.NodeStatusCanceled
			now := time.Now().UTC()
			n.finished = &now
			s.persistNode(ctx, runID, n)
			s.emitNodeStatus(runID, n)
		}
	}
}

// drainInflight collects results from aborted nodes within the grace
// window; stragglers are recorded canceled. Returns how many results were
// consumed.
func (s *Scheduler) drainInflight(results <-chan execResult, inflight int, runID string, nodes map[string]*nodeRun, ctx context.Context) int {
	deadline := time.NewTimer(s.cfg.CancelGrace)
	defer deadline.Stop()
	consumed := 0
	for consumed < inflight {
		select {
		case res := <-results:
			consumed++
			n := nodes[res.nodeID]
			now := time.Now().UTC()
			if res.err == nil && res.result != nil && res.result.OK() {
				n.status = types.NodeStatusSucceeded
				n.outputs = res.result.Outputs
			} else {
				n.status = types.NodeStatusCanceled
			}
			n.finished = &now
			s.persistNode(ctx, runID, n)
			s.emitNodeStatus(runID, n)
		case <-deadline.C:
			for _, n := range nodes {
				if n.status == types.NodeStatusRunning {
					n.status = types.NodeStatusCanceled
					n.err = "did not stop within the cancel grace period"
					now := time.Now().UTC()
					n.finished = &now
					s.persistNode(ctx, runID, n)
					s.emitNodeStatus(runID, n)
				}
			}
			return consumed
		}
	}
	return consumed
}

// storeAttempts bounds backend write retries before the failure surfaces.
const storeAttempts = 3

// retryWrite retries a store write on backend errors. Conflict and
// not-found are definitive and returned as-is.
func retryWrite(op func() error) error {
	var err error
	for i := 0; i < storeAttempts; i++ {
		if err = op(); err == nil {
			return nil
		}
		if errors.Is(err, runstore.ErrConflict) || errors.Is(err, runstore.ErrNotFound) || errors.Is(err, runstore.ErrNotImplemented) {
			return err
		}
		time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
	}
	return err
}

// settle records the terminal status, emits the terminal event and closes
// the log. Exactly one terminal status event per run.
func (s *Scheduler) settle(ctx context.Context, run *types.Run, status types.RunStatus, runErr string, logger *slog.Logger) error {
	err := retryWrite(func() error {
		_, err := s.store.UpdateStatus(ctx, run.ID, types.RunStatusRunning, status, runErr)
		return err
	})
	if err != nil {
		logger.Error("record terminal status failed",
			slog.String("status", string(status)), slog.Any("error", err))
	}
	s.appendEvent(run.ID, types.EventStatus, "", &types.StatusPayload{
		RunID:  run.ID,
		Status: status,
		Error:  runErr,
	})
	if err := s.log.Close(run.ID); err != nil {
		logger.Warn("close event log failed", slog.Any("error", err))
	}
	logger.Info("run finished",
		slog.String("status", string(status)),
		slog.String("error", runErr))
	if status == types.RunStatusFailed && runErr != "" {
		return fmt.Errorf("run %s failed: %s", run.ID, runErr)
	}
	return nil
}

func (s *Scheduler) appendEvent(runID string, kind types.EventKind, nodeID string, payload any) {
	if _, err := s.log.Append(runID, kind, nodeID, payload); err != nil {
		s.logger.Debug("append event failed",
			slog.String("run_id", runID),
			slog.String("kind", string(kind)),
			slog.Any("error", err))
		return
	}
	metrics.EventsTotal.WithLabelValues(string(kind)).Inc()
}

func (s *Scheduler) emitNodeStatus(runID string, n *nodeRun) {
	s.appendEvent(runID, types.EventNodeStatus, n.spec.ID, &types.NodeStatusPayload{
		RunID:   runID,
		NodeID:  n.spec.ID,
		State:   n.status,
		Attempt: n.attempt,
		Error:   n.err,
	})
}

func (s *Scheduler) persistNode(ctx context.Context, runID string, n *nodeRun) {
	state := &types.NodeState{
		RunID:      runID,
		NodeID:     n.spec.ID,
		Status:     n.status,
		Attempt:    n.attempt,
		StartedAt:  n.started,
		FinishedAt: n.finished,
		Error:      n.err,
		Output:     n.outputs,
	}
	err := retryWrite(func() error { return s.store.PutNodeState(ctx, runID, state) })
	if err != nil {
		s.logger.Warn("persist node state failed",
			slog.String("run_id", runID),
			slog.String("node_id", n.spec.ID),
			slog.Any("error", err))
	}
}

func (s *Scheduler) maxRetries(spec *types.NodeSpec) int {
	if spec.MaxRetries != nil {
		return *spec.MaxRetries
	}
	return s.cfg.MaxRetries
}

func (s *Scheduler) backoff(attempt int) time.Duration {
	d := s.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.BackoffCap {
			return s.cfg.BackoffCap
		}
	}
	if d > s.cfg.BackoffCap {
		d = s.cfg.BackoffCap
	}
	return d
}

// buildGraph expands the plan into nodeRuns keyed by id, plus the
// declaration order used as the dispatch tie-break.
func buildGraph(plan *types.Plan) (map[string]*nodeRun, []string, error) {
	if plan == nil || len(plan.Nodes) == 0 {
		return nil, nil, fmt.Errorf("empty plan")
	}
	nodes := make(map[string]*nodeRun, len(plan.Nodes))
	order := make([]string, 0, len(plan.Nodes))
	for i := range plan.Nodes {
		spec := &plan.Nodes[i]
		if _, dup := nodes[spec.ID]; dup {
			return nil, nil, fmt.Errorf("duplicate node %q", spec.ID)
		}
		nodes[spec.ID] = &nodeRun{
			spec:    spec,
			index:   i,
			waiting: make(map[string]struct{}),
			inputs:  make(map[string]any),
			status:  types.NodeStatusPending,
		}
		order = append(order, spec.ID)
	}
	for _, edge := range plan.Edges {
		src, err := edge.Source()
		if err != nil {
			return nil, nil, err
		}
		dst, err := edge.Target()
		if err != nil {
			return nil, nil, err
		}
		target, ok := nodes[dst.Node]
		if !ok {
			return nil, nil, fmt.Errorf("edge targets unknown node %q", dst.Node)
		}
		if _, ok := nodes[src.Node]; !ok {
			return nil, nil, fmt.Errorf("edge references unknown node %q", src.Node)
		}
		target.waiting[src.Node] = struct{}{}
		target.in = append(target.in, edge)
	}
	return nodes, order, nil
}

// feedInputs copies the succeeded predecessor's outputs into n per the
// connecting edges. A named source pin with no matching output is an
// error; the node cannot run.
func feedInputs(n *nodeRun, p *nodeRun) error {
	for _, edge := range n.in {
		src, _ := edge.Source()
		dst, _ := edge.Target()
		if src.Node != p.spec.ID {
			continue
		}

		var value any
		if src.Pin == "" {
			value = p.outputs
		} else {
			v, ok := p.outputs[src.Pin]
			if !ok {
				return fmt.Errorf("upstream node %s produced no output pin %q", p.spec.ID, src.Pin)
			}
			value = v
		}

		key := dst.Pin
		if key == "" {
			key = src.Node
		}
		n.inputs[key] = value
	}
	return nil
}

func readyNodes(nodes map[string]*nodeRun, order []string) []string {
	now := time.Now()
	var ready []string
	for _, id := range order {
		n := nodes[id]
		dispatchable := (n.status == types.NodeStatusReady) ||
			(n.status == types.NodeStatusPending && n.attempt > 0 && len(n.waiting) == 0 && !n.notBefore.After(now))
		if dispatchable {
			ready = append(ready, id)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		return nodes[ready[i]].index < nodes[ready[j]].index
	})
	return ready
}

func nextWake(nodes map[string]*nodeRun) time.Time {
	var wake time.Time
	for _, n := range nodes {
		if n.status == types.NodeStatusPending && n.attempt > 0 && len(n.waiting) == 0 {
			if wake.IsZero() || n.notBefore.Before(wake) {
				wake = n.notBefore
			}
		}
	}
	return wake
}

func allSettled(nodes map[string]*nodeRun) bool {
	for _, n := range nodes {
		if !n.status.Terminal() {
			return false
		}
	}
	return true
}

func anyStatus(nodes map[string]*nodeRun, status types.NodeStatus) bool {
	for _, n := range nodes {
		if n.status == status {
			return true
		}
	}
	return false
}
