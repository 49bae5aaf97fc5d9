package driver

import (
	"context"

	"github.com/flexinfer/mentatlab/services/engine-go/pkg/types"
)

// LocalDriver serves in-process runs: nodes carrying a command param run
// as subprocesses, everything else is simulated.
type LocalDriver struct {
	simulated  *SimulatedDriver
	subprocess *SubprocessDriver
}

// NewLocalDriver creates the composite local driver.
func NewLocalDriver(sink EventSink) *LocalDriver {
	return &LocalDriver{
		simulated:  NewSimulatedDriver(sink),
		subprocess: NewSubprocessDriver(sink),
	}
}

func (d *LocalDriver) Name() string { return "local" }

func (d *LocalDriver) pick(node *types.NodeSpec) Driver {
	if _, ok := node.Params["command"]; ok {
		return d.subprocess
	}
	return d.simulated
}

func (d *LocalDriver) Execute(ctx context.Context, runID string, node *types.NodeSpec, inputs map[string]any) (*Result, error) {
	return d.pick(node).Execute(ctx, runID, node, inputs)
}

func (d *LocalDriver) Abort(ctx context.Context, runID, nodeID string) error {
	return nil
}

// Logs returns the subprocess tail; simulated nodes keep no logs.
func (d *LocalDriver) Logs(ctx context.Context, runID, nodeID string, tail int) ([]string, error) {
	return d.subprocess.Logs(ctx, runID, nodeID, tail)
}

var (
	_ Driver      = (*LocalDriver)(nil)
	_ LogProvider = (*LocalDriver)(nil)
)
