// Package runmanager owns run lifecycle: create, start, cancel, delete.
// It holds the per-run cancel handles and bounds how many runs execute at
// once; the scheduler does the actual work.
package runmanager

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/mentatlab/services/engine-go/internal/eventlog"
	"github.com/flexinfer/mentatlab/services/engine-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/engine-go/internal/scheduler"
	"github.com/flexinfer/mentatlab/services/engine-go/internal/validator"
	"github.com/flexinfer/mentatlab/services/engine-go/pkg/types"
)

// ErrActive is returned when an operation requires the run to be settled.
var ErrActive = errors.New("runmanager: run is active")

// Config holds lifecycle policy.
type Config struct {
	// MaxConcurrentRuns bounds runs executing at once (default 64).
	// Started runs beyond the bound stay queued until a slot frees.
	MaxConcurrentRuns int

	// DefaultMode applies to create requests that omit a mode.
	DefaultMode types.RunMode
}

// DefaultConfig returns the default policy.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrentRuns: 64,
		DefaultMode:       types.ModeMemory,
	}
}

// Manager coordinates run lifecycle.
type Manager struct {
	store     runstore.Store
	log       *eventlog.Log
	scheduler *scheduler.Scheduler
	validator *validator.Validator
	cfg       Config
	logger    *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
	closed bool

	slots chan struct{}
}

// New creates a Manager.
func New(store runstore.Store, log *eventlog.Log, sched *scheduler.Scheduler, val *validator.Validator, cfg *Config, logger *slog.Logger) *Manager {
	c := DefaultConfig()
	if cfg != nil {
		if cfg.MaxConcurrentRuns > 0 {
			c.MaxConcurrentRuns = cfg.MaxConcurrentRuns
		}
		if cfg.DefaultMode != "" {
			c.DefaultMode = cfg.DefaultMode
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     store,
		log:       log,
		scheduler: sched,
		validator: val,
		cfg:       *c,
		logger:    logger,
		active:    make(map[string]context.CancelFunc),
		slots:     make(chan struct{}, c.MaxConcurrentRuns),
	}
}

// CreateRequest is the input to Create.
type CreateRequest struct {
	Name     string            `json:"name,omitempty"`
	Mode     types.RunMode     `json:"mode,omitempty"`
	Plan     *types.Plan       `json:"plan"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Create validates the plan and records a new queued run.
func (m *Manager) Create(ctx context.Context, req *CreateRequest) (*types.Run, error) {
	mode := req.Mode
	if mode == "" {
		mode = m.cfg.DefaultMode
	}
	if !types.ValidMode(mode) {
		return nil, &validator.Error{Detail: "invalid mode", Message: string(mode)}
	}
	if err := m.validator.ValidatePlan(req.Plan); err != nil {
		return nil, err
	}

	run := &types.Run{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Mode:      mode,
		Status:    types.RunStatusQueued,
		Plan:      req.Plan,
		Metadata:  req.Metadata,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.Create(ctx, run); err != nil {
		return nil, err
	}
	m.log.Register(run.ID)
	m.logger.Info("run created",
		slog.String("run_id", run.ID),
		slog.String("mode", string(mode)),
		slog.Int("nodes", len(req.Plan.Nodes)))
	return run, nil
}

// Get returns the run.
func (m *Manager) Get(ctx context.Context, id string) (*types.Run, error) {
	return m.store.Get(ctx, id)
}

// List returns all runs.
func (m *Manager) List(ctx context.Context) ([]*types.Run, error) {
	return m.store.List(ctx)
}

// NodeStates returns the run's node states.
func (m *Manager) NodeStates(ctx context.Context, id string) ([]*types.NodeState, error) {
	if _, err := m.store.Get(ctx, id); err != nil {
		return nil, err
	}
	states, err := m.store.ListNodeStates(ctx, id)
	if errors.Is(err, runstore.ErrNotFound) {
		return nil, nil
	}
	return states, err
}

// Start begins executing a queued run. The run executes on its own
// goroutine; Start returns once the run is admitted. Starting a run that
// is not queued returns ErrConflict.
func (m *Manager) Start(ctx context.Context, id string) error {
	run, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if run.Status != types.RunStatusQueued {
		return runstore.ErrConflict
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("runmanager: shutting down")
	}
	if _, dup := m.active[id]; dup {
		m.mu.Unlock()
		return runstore.ErrConflict
	}
	runCtx, cancel := context.WithCancel(context.Background())
	m.active[id] = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	go m.runLoop(runCtx, run)
	return nil
}

func (m *Manager) runLoop(ctx context.Context, run *types.Run) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.active, run.ID)
		m.mu.Unlock()
	}()

	// Wait for an execution slot; a cancel during the wait settles the run
	// without ever moving it to running.
	select {
	case m.slots <- struct{}{}:
		defer func() { <-m.slots }()
	case <-ctx.Done():
		if _, err := m.store.UpdateStatus(context.Background(), run.ID, types.RunStatusQueued, types.RunStatusCanceled, ""); err != nil {
			m.logger.Warn("cancel queued run failed",
				slog.String("run_id", run.ID), slog.Any("error", err))
		}
		m.appendTerminal(run.ID, types.RunStatusCanceled)
		return
	}

	updated, err := m.store.UpdateStatus(ctx, run.ID, types.RunStatusQueued, types.RunStatusRunning, "")
	if err != nil {
		m.logger.Error("start run failed",
			slog.String("run_id", run.ID), slog.Any("error", err))
		return
	}

	if err := m.scheduler.Run(ctx, updated); err != nil {
		m.logger.Warn("run ended with error",
			slog.String("run_id", run.ID), slog.Any("error", err))
	}
}

// appendTerminal emits a terminal status event and closes the log, for
// runs settled without the scheduler.
func (m *Manager) appendTerminal(runID string, status types.RunStatus) {
	if _, err := m.log.Append(runID, types.EventStatus, "", &types.StatusPayload{
		RunID:  runID,
		Status: status,
	}); err == nil {
		_ = m.log.Close(runID)
	}
}

// Cancel requests cancellation. Canceling an active run signals its
// context; canceling a queued, never-started run settles it directly.
// Cancel of an already canceled run is a no-op; cancel of a succeeded or
// failed run returns ErrConflict.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	run, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	cancel, isActive := m.active[id]
	m.mu.Unlock()
	if isActive {
		cancel()
		return nil
	}

	switch run.Status {
	case types.RunStatusCanceled:
		return nil
	case types.RunStatusSucceeded, types.RunStatusFailed:
		return runstore.ErrConflict
	case types.RunStatusQueued:
		if _, err := m.store.UpdateStatus(ctx, id, types.RunStatusQueued, types.RunStatusCanceled, ""); err != nil {
			return err
		}
		m.appendTerminal(id, types.RunStatusCanceled)
		return nil
	default:
		// Running but not in our table: owned by another process or lost;
		// nothing to signal.
		return runstore.ErrConflict
	}
}

// Delete removes a settled run and drops its event log. Deleting an
// active run is refused.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	_, isActive := m.active[id]
	m.mu.Unlock()
	if isActive {
		return ErrActive
	}
	run, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !run.Status.Terminal() {
		return ErrActive
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	m.log.Drop(id)
	return nil
}

// Close cancels all active runs and waits for them to settle.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, cancel := range m.active {
		cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
