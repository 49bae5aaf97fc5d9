package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flexinfer/mentatlab/services/engine-go/internal/eventlog"
	"github.com/flexinfer/mentatlab/services/engine-go/pkg/types"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsSendBuffer = 256
)

// clientCommand is what a client sends over the socket.
type clientCommand struct {
	Op     string       `json:"op"` // subscribe, unsubscribe, ping
	RunID  string       `json:"run_id,omitempty"`
	After  uint64       `json:"after,omitempty"`
	Filter *EventFilter `json:"filter,omitempty"`
}

// EventFilter narrows a subscription.
type EventFilter struct {
	// Kinds keeps only the listed kinds; empty keeps all.
	Kinds []types.EventKind `json:"kinds,omitempty"`

	// NodeIDs keeps only events for the listed nodes; empty keeps all.
	// Run-level events (no node) always pass.
	NodeIDs []string `json:"node_ids,omitempty"`
}

func (f *EventFilter) match(ev *types.Event) bool {
	if f == nil {
		return true
	}
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if ev.Kind == k {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.NodeIDs) > 0 && ev.NodeID != "" {
		ok := false
		for _, id := range f.NodeIDs {
			if ev.NodeID == id {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// serverFrame is what the hub sends.
type serverFrame struct {
	OK    bool         `json:"ok,omitempty"`
	RunID string       `json:"run_id,omitempty"`
	Event *types.Event `json:"event,omitempty"`
	Error string       `json:"error,omitempty"`
}

// Client is one WebSocket connection and its run subscriptions.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan *serverFrame

	mu   sync.Mutex
	subs map[string]context.CancelFunc // run id -> forwarder cancel
	done chan struct{}
	once sync.Once
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:  hub,
		conn: conn,
		send: make(chan *serverFrame, wsSendBuffer),
		subs: make(map[string]context.CancelFunc),
		done: make(chan struct{}),
	}
}

func (c *Client) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		for _, cancel := range c.subs {
			cancel()
		}
		c.subs = nil
		c.mu.Unlock()
		c.conn.Close()
		c.hub.drop(c)
	})
}

// readPump consumes commands until the connection drops.
func (c *Client) readPump() {
	defer c.shutdown()
	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd clientCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			c.enqueue(&serverFrame{Error: "malformed command"})
			continue
		}
		switch cmd.Op {
		case "subscribe":
			c.subscribe(&cmd)
		case "unsubscribe":
			c.unsubscribe(cmd.RunID)
		case "ping":
			c.enqueue(&serverFrame{OK: true})
		default:
			c.enqueue(&serverFrame{Error: "unknown op " + cmd.Op})
		}
	}
}

// writePump serializes all socket writes.
func (c *Client) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) enqueue(frame *serverFrame) {
	select {
	case c.send <- frame:
	case <-c.done:
	default:
		// Slow consumer: drop the connection rather than block the hub.
		c.hub.logger.Warn("dropping slow websocket client")
		go c.shutdown()
	}
}

func (c *Client) subscribe(cmd *clientCommand) {
	if cmd.RunID == "" {
		c.enqueue(&serverFrame{Error: "subscribe requires run_id"})
		return
	}

	cursor, err := c.hub.log.Subscribe(cmd.RunID, cmd.After)
	if errors.Is(err, eventlog.ErrUnknownRun) {
		msg := "unknown run"
		if _, serr := c.hub.store.Get(context.Background(), cmd.RunID); serr == nil {
			// The run survived the log's retention; only the stream is gone.
			msg = "event stream gone"
		}
		c.enqueue(&serverFrame{RunID: cmd.RunID, Error: msg})
		return
	}
	if err != nil {
		c.enqueue(&serverFrame{RunID: cmd.RunID, Error: err.Error()})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.subs == nil {
		c.mu.Unlock()
		cancel()
		return
	}
	if prev, ok := c.subs[cmd.RunID]; ok {
		prev()
	}
	c.subs[cmd.RunID] = cancel
	c.mu.Unlock()

	c.enqueue(&serverFrame{OK: true, RunID: cmd.RunID})
	go c.forward(ctx, cmd.RunID, cursor, cmd.Filter)
}

func (c *Client) unsubscribe(runID string) {
	c.mu.Lock()
	cancel, ok := c.subs[runID]
	if ok {
		delete(c.subs, runID)
	}
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// forward pumps one run's events to the client until the subscription is
// canceled or the run's stream ends.
func (c *Client) forward(ctx context.Context, runID string, cursor *eventlog.Cursor, filter *EventFilter) {
	for {
		ev, gap, err := cursor.Next(ctx)
		switch {
		case err == io.EOF:
			c.unsubscribe(runID)
			return
		case err != nil:
			return
		case gap != nil:
			c.enqueue(&serverFrame{RunID: runID, Event: &types.Event{
				RunID:   runID,
				Kind:    types.EventGap,
				Payload: types.MarshalPayload(&types.GapPayload{From: gap.From, To: gap.To}),
				TS:      time.Now().UTC(),
			}})
		default:
			if filter.match(ev) {
				c.enqueue(&serverFrame{RunID: runID, Event: ev})
			}
		}
	}
}
