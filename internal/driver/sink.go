package driver

import (
	"log/slog"

	"github.com/flexinfer/mentatlab/services/engine-go/internal/eventlog"
	"github.com/flexinfer/mentatlab/services/engine-go/pkg/types"
)

// LogSink appends driver events onto the run's event log.
type LogSink struct {
	log    *eventlog.Log
	logger *slog.Logger
}

// NewLogSink creates a sink over the given log.
func NewLogSink(log *eventlog.Log, logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{log: log, logger: logger}
}

// Emit appends the event. A failed append (unknown run, log dropped) is
// logged and dropped; drivers must not fail a node over lost telemetry.
func (s *LogSink) Emit(runID string, kind types.EventKind, nodeID string, payload any) {
	if _, err := s.log.Append(runID, kind, nodeID, payload); err != nil {
		s.logger.Debug("dropped driver event",
			slog.String("run_id", runID),
			slog.String("kind", string(kind)),
			slog.Any("error", err))
	}
}

var _ EventSink = (*LogSink)(nil)
