package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/flexinfer/mentatlab/services/engine-go/pkg/types"
)

// SimulatedDriver executes nodes in-process: sleep for the configured
// delay, then echo the params back as outputs. Used for tests, demos and
// plan dry-runs.
//
// Recognized params:
//
//	delay  number (milliseconds) or duration string ("1.5s")
//	fail   "transient" or "permanent" forces a failure after the delay
type SimulatedDriver struct {
	sink EventSink

	// DefaultDelay applies when the node carries no delay param.
	DefaultDelay time.Duration
}

// NewSimulatedDriver creates a simulated driver emitting onto sink.
func NewSimulatedDriver(sink EventSink) *SimulatedDriver {
	if sink == nil {
		sink = NopSink{}
	}
	return &SimulatedDriver{sink: sink, DefaultDelay: 100 * time.Millisecond}
}

func (d *SimulatedDriver) Name() string { return "simulated" }

func (d *SimulatedDriver) Execute(ctx context.Context, runID string, node *types.NodeSpec, inputs map[string]any) (*Result, error) {
	delay := d.DefaultDelay
	if raw, ok := node.Params["delay"]; ok {
		if parsed, err := parseDelay(raw); err == nil {
			delay = parsed
		}
	}

	d.sink.Emit(runID, types.EventLog, node.ID, &types.LogPayload{
		RunID:   runID,
		NodeID:  node.ID,
		Level:   "info",
		Message: fmt.Sprintf("simulating %s for %s", node.ID, delay),
	})

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Canceled(), nil
	case <-timer.C:
	}

	if mode, ok := node.Params["fail"].(string); ok {
		switch mode {
		case "transient":
			return Fail(FailureTransient, "simulated transient failure"), nil
		case "permanent":
			return Fail(FailurePermanent, "simulated permanent failure"), nil
		}
	}

	outputs := map[string]any{"echo": node.Params}
	if len(inputs) > 0 {
		outputs["inputs"] = inputs
	}
	return Ok(outputs), nil
}

// Abort is a no-op: cancellation flows through the Execute context.
func (d *SimulatedDriver) Abort(ctx context.Context, runID, nodeID string) error { return nil }

func parseDelay(raw any) (time.Duration, error) {
	switch v := raw.(type) {
	case float64:
		return time.Duration(v) * time.Millisecond, nil
	case int:
		return time.Duration(v) * time.Millisecond, nil
	case string:
		return time.ParseDuration(v)
	}
	return 0, fmt.Errorf("unsupported delay type %T", raw)
}

var _ Driver = (*SimulatedDriver)(nil)
