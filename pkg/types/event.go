package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind categorizes events on a run's stream.
type EventKind string

const (
	EventHello      EventKind = "hello"
	EventStatus     EventKind = "status"
	EventNodeStatus EventKind = "node_status"
	EventLog        EventKind = "log"
	EventCheckpoint EventKind = "checkpoint"
	EventArtifact   EventKind = "artifact"
	EventHeartbeat  EventKind = "heartbeat"

	// EventGap is synthetic: it is never appended to a log, only emitted to
	// subscribers whose cursor fell below the retention floor.
	EventGap EventKind = "gap"
)

// Event is a single entry in a run's event stream. Seq is assigned at
// append time, starts at 1, and is gap-free within a run.
type Event struct {
	Seq     uint64          `json:"seq"`
	RunID   string          `json:"run_id"`
	Kind    EventKind       `json:"kind"`
	NodeID  string          `json:"node_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	TS      time.Time       `json:"ts"`
}

// SSE renders the event as a Server-Sent Events frame:
// id: <seq>\nevent: <kind>\ndata: <json>\n\n
func (e *Event) SSE() []byte {
	data := e.Payload
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	return []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Kind, data))
}

// StatusPayload is the payload of kind=status events.
type StatusPayload struct {
	RunID  string    `json:"run_id"`
	Status RunStatus `json:"status"`
	Error  string    `json:"error,omitempty"`
}

// NodeStatusPayload is the payload of kind=node_status events.
type NodeStatusPayload struct {
	RunID   string     `json:"run_id"`
	NodeID  string     `json:"node_id"`
	State   NodeStatus `json:"state"`
	Attempt int        `json:"attempt,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// LogPayload is the payload of kind=log events.
type LogPayload struct {
	RunID   string `json:"run_id,omitempty"`
	NodeID  string `json:"node_id,omitempty"`
	Level   string `json:"level,omitempty"`
	Message string `json:"message"`
}

// CheckpointPayload is the payload of kind=checkpoint events. The engine
// recognizes the labels "node:exec", "edge:transmit" and "tool:call" for
// UI grouping; all other labels pass through untouched.
type CheckpointPayload struct {
	RunID string          `json:"run_id"`
	Label string          `json:"label"`
	Data  json.RawMessage `json:"data,omitempty"`
	TS    time.Time       `json:"ts"`
}

// HelloPayload is the payload of the hello event emitted at subscription
// start and as the first event of a started run.
type HelloPayload struct {
	RunID      string    `json:"run_id"`
	Status     RunStatus `json:"current_status,omitempty"`
	ServerTime time.Time `json:"server_time"`
	Resumed    bool      `json:"resumed"`
}

// GapPayload is the payload of synthetic gap events: the subscriber missed
// seqs From..To and must resync from the run snapshot.
type GapPayload struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// HeartbeatPayload is the payload of heartbeat frames.
type HeartbeatPayload struct {
	TS time.Time `json:"ts"`
}

// MarshalPayload encodes v for use as an event payload.
func MarshalPayload(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(map[string]string{"marshal_error": err.Error()})
	}
	return b
}
