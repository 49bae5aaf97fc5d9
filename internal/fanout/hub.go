package fanout

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/flexinfer/mentatlab/services/engine-go/internal/eventlog"
	"github.com/flexinfer/mentatlab/services/engine-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/engine-go/internal/runstore"
)

// Hub owns the WebSocket clients. Each client subscribes to runs over the
// socket; the hub fans each run's event stream out to its subscribers.
type Hub struct {
	log    *eventlog.Log
	store  runstore.Store
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*Client]struct{}
	closed  bool

	upgrader websocket.Upgrader
}

// NewHub creates a Hub.
func NewHub(log *eventlog.Log, store runstore.Store, logger *slog.Logger, checkOrigin func(*http.Request) bool) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		log:     log,
		store:   store,
		logger:  logger,
		clients: make(map[*Client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// ServeHTTP upgrades the connection and runs the client until it drops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", slog.Any("error", err))
		return
	}

	client := newClient(h, conn)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	metrics.WSClients.Inc()

	go client.writePump()
	go client.readPump()
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()
	if ok {
		metrics.WSClients.Dec()
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects all clients.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.shutdown()
	}
}
