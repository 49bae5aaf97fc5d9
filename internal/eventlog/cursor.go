package eventlog

import (
	"context"
	"io"

	"github.com/flexinfer/mentatlab/services/engine-go/pkg/types"
)

// Cursor is a lazy reader over a run's event stream. It is finite iff the
// run's log has been closed and the cursor has drained the tail; otherwise
// Next blocks until an event arrives or ctx is canceled.
//
// A Cursor is not safe for concurrent use; each subscriber owns one.
type Cursor struct {
	rl   *runLog
	next uint64 // seq of the next event to deliver
}

// Subscribe opens a cursor positioned after the given seq. Pass 0 to read
// from the beginning of the retained window.
func (l *Log) Subscribe(runID string, after uint64) (*Cursor, error) {
	rl, err := l.get(runID)
	if err != nil {
		return nil, err
	}
	return &Cursor{rl: rl, next: after + 1}, nil
}

// Next returns the next event in seq order. When the cursor's position has
// been evicted by retention it returns a Gap exactly once and repositions
// to the retention floor. Returns io.EOF after the closed log is drained.
func (c *Cursor) Next(ctx context.Context) (*types.Event, *Gap, error) {
	for {
		c.rl.mu.Lock()

		if c.next <= c.rl.floor {
			gap := &Gap{From: c.next, To: c.rl.floor}
			c.next = c.rl.floor + 1
			c.rl.mu.Unlock()
			return nil, gap, nil
		}

		if c.next < c.rl.nextSeq {
			ev := c.rl.events[c.next-c.rl.floor-1]
			c.next++
			c.rl.mu.Unlock()
			return ev, nil, nil
		}

		if c.rl.closed {
			c.rl.mu.Unlock()
			return nil, nil, io.EOF
		}

		notify := c.rl.notify
		c.rl.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-notify:
		}
	}
}

// Pos returns the seq of the last event delivered (0 if none yet).
func (c *Cursor) Pos() uint64 { return c.next - 1 }
