// Package eventlog provides the per-run append-only event log: a bounded
// ring of (seq, kind, payload, ts) with tail subscription and range replay.
package eventlog

import (
	"errors"
	"sync"
	"time"

	"github.com/flexinfer/mentatlab/services/engine-go/pkg/types"
)

// ErrUnknownRun is returned when a run id has no log.
var ErrUnknownRun = errors.New("eventlog: unknown run")

// ErrClosed is returned on appends after a run's log was closed. The
// terminal status event is the last one; nothing follows it.
var ErrClosed = errors.New("eventlog: log closed")

// Gap marks a range of seqs evicted by retention. Subscribers receiving a
// gap must resync from the RunStore snapshot.
type Gap struct {
	From uint64
	To   uint64
}

// Config bounds per-run retention.
type Config struct {
	// MaxEvents is the retention window in events (default 500).
	MaxEvents int

	// MaxAge is the retention window in time (default 10 min). An event is
	// kept while it satisfies either window.
	MaxAge time.Duration

	// MinReplay is the minimum number of most recent events preserved
	// regardless of age (default 100).
	MinReplay int
}

// DefaultConfig returns the default retention windows.
func DefaultConfig() *Config {
	return &Config{
		MaxEvents: 500,
		MaxAge:    10 * time.Minute,
		MinReplay: 100,
	}
}

// Log holds the event logs of all runs owned by this process.
// A single writer per run (the scheduler goroutine) appends; any number of
// readers range or tail.
type Log struct {
	mu   sync.RWMutex
	runs map[string]*runLog
	cfg  Config
}

type runLog struct {
	mu sync.Mutex

	// events holds the retained window; events[i].Seq == floor+1+i.
	events  []*types.Event
	nextSeq uint64
	floor   uint64 // highest seq evicted by retention, 0 if none
	closed  bool

	// notify is closed and replaced on every append or close, waking tails.
	notify chan struct{}
}

// New creates an empty Log.
func New(cfg *Config) *Log {
	c := DefaultConfig()
	if cfg != nil {
		if cfg.MaxEvents > 0 {
			c.MaxEvents = cfg.MaxEvents
		}
		if cfg.MaxAge > 0 {
			c.MaxAge = cfg.MaxAge
		}
		if cfg.MinReplay > 0 {
			c.MinReplay = cfg.MinReplay
		}
	}
	return &Log{runs: make(map[string]*runLog), cfg: *c}
}

// Register creates the log for a run. Idempotent.
func (l *Log) Register(runID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.runs[runID]; ok {
		return
	}
	l.runs[runID] = &runLog{nextSeq: 1, notify: make(chan struct{})}
}

// Drop discards a run's log, waking any tailing cursors with EOF.
func (l *Log) Drop(runID string) {
	l.mu.Lock()
	rl, ok := l.runs[runID]
	delete(l.runs, runID)
	l.mu.Unlock()
	if ok {
		rl.mu.Lock()
		rl.closed = true
		close(rl.notify)
		rl.notify = make(chan struct{})
		rl.mu.Unlock()
	}
}

func (l *Log) get(runID string) (*runLog, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rl, ok := l.runs[runID]
	if !ok {
		return nil, ErrUnknownRun
	}
	return rl, nil
}

// Append assigns the next seq and appends the event. It is the only way a
// seq is minted; seqs are never rewritten.
func (l *Log) Append(runID string, kind types.EventKind, nodeID string, payload any) (uint64, error) {
	rl, err := l.get(runID)
	if err != nil {
		return 0, err
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.closed {
		return 0, ErrClosed
	}

	ev := &types.Event{
		Seq:     rl.nextSeq,
		RunID:   runID,
		Kind:    kind,
		NodeID:  nodeID,
		Payload: types.MarshalPayload(payload),
		TS:      time.Now().UTC(),
	}
	rl.nextSeq++
	rl.events = append(rl.events, ev)
	l.trimLocked(rl)

	close(rl.notify)
	rl.notify = make(chan struct{})

	return ev.Seq, nil
}

// Close marks a run's log finished. Tailing cursors drain the remaining
// events and then observe EOF. Called after the terminal status event.
func (l *Log) Close(runID string) error {
	rl, err := l.get(runID)
	if err != nil {
		return err
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.closed {
		return nil
	}
	rl.closed = true
	close(rl.notify)
	rl.notify = make(chan struct{})
	return nil
}

// Head returns the highest seq appended so far (0 if none).
func (l *Log) Head(runID string) (uint64, error) {
	rl, err := l.get(runID)
	if err != nil {
		return 0, err
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.nextSeq - 1, nil
}

// Floor returns the retention floor: the highest evicted seq (0 if the log
// is still complete).
func (l *Log) Floor(runID string) (uint64, error) {
	rl, err := l.get(runID)
	if err != nil {
		return 0, err
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.floor, nil
}

// Range returns events with seq > after, up to limit (0 = no limit). When
// after falls below the retention floor, a Gap describing the missing seqs
// is returned alongside the surviving events.
func (l *Log) Range(runID string, after uint64, limit int) ([]*types.Event, *Gap, error) {
	rl, err := l.get(runID)
	if err != nil {
		return nil, nil, err
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	var gap *Gap
	if after < rl.floor {
		gap = &Gap{From: after + 1, To: rl.floor}
		after = rl.floor
	}

	start := int(after - rl.floor) // index into events of the first wanted seq
	if start >= len(rl.events) {
		return nil, gap, nil
	}
	out := rl.events[start:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	res := make([]*types.Event, len(out))
	copy(res, out)
	return res, gap, nil
}

// RetentionTrim applies the retention windows to a run's log now. Appends
// trim opportunistically; this exists for periodic sweeps.
func (l *Log) RetentionTrim(runID string) error {
	rl, err := l.get(runID)
	if err != nil {
		return err
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l.trimLocked(rl)
	return nil
}

// trimLocked drops events outside both retention windows while always
// preserving the most recent MinReplay entries.
func (l *Log) trimLocked(rl *runLog) {
	keepMin := l.cfg.MinReplay
	cutoff := time.Now().UTC().Add(-l.cfg.MaxAge)

	evict := 0
	for i, ev := range rl.events {
		remaining := len(rl.events) - i
		if remaining <= keepMin {
			break
		}
		withinCount := remaining <= l.cfg.MaxEvents
		withinAge := ev.TS.After(cutoff)
		if withinCount || withinAge {
			break
		}
		evict = i + 1
	}
	if evict > 0 {
		rl.floor = rl.events[evict-1].Seq
		rl.events = append([]*types.Event(nil), rl.events[evict:]...)
	}
}
