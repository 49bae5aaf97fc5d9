package driver

import (
	"fmt"

	"github.com/flexinfer/mentatlab/services/engine-go/pkg/types"
)

// Selector maps a run mode to its driver. Modes without a registered
// driver fall back to the simulated driver when one is registered.
type Selector struct {
	drivers map[types.RunMode]Driver
}

// NewSelector creates an empty selector.
func NewSelector() *Selector {
	return &Selector{drivers: make(map[types.RunMode]Driver)}
}

// Register binds a driver to a mode, replacing any previous binding.
func (s *Selector) Register(mode types.RunMode, d Driver) {
	s.drivers[mode] = d
}

// For returns the driver for the mode.
func (s *Selector) For(mode types.RunMode) (Driver, error) {
	if d, ok := s.drivers[mode]; ok {
		return d, nil
	}
	if d, ok := s.drivers[types.ModeMemory]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("no driver for mode %q", mode)
}
