// Package websocket is the broker's WebSocket gateway: one endpoint serves
// both agent tool calls and observer dashboards. Tool requests go through the
// dispatcher; observers receive the sequenced event stream as notifications.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/taskhive/taskhive/internal/common/logger"
	ws "github.com/taskhive/taskhive/pkg/websocket"
)

// SnapshotProvider builds the sync:full payload sent to a client on connect
// and on request:sync.
type SnapshotProvider func(ctx context.Context) (*SyncSnapshot, error)

// SyncSnapshot is the full-state frame an observer resyncs from. MaxSeq lets
// the client discard stream notifications it already absorbed.
type SyncSnapshot struct {
	MaxSeq int64 `json:"max_seq"`
	Tasks  any   `json:"tasks"`
	Agents any   `json:"agents"`
}

// Hub manages all WebSocket client connections.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *ws.Message

	dispatcher *ws.Dispatcher
	snapshot   SnapshotProvider

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(dispatcher *ws.Dispatcher, snapshot SnapshotProvider, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *ws.Message, 256),
		dispatcher: dispatcher,
		snapshot:   snapshot,
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.broadcastMessage(msg)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.close()
		delete(h.clients, client)
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.close()
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// broadcastMessage fans a notification out to every connected client. A
// client whose buffer is full misses the frame; it recovers by requesting a
// sync and comparing seq numbers.
func (h *Hub) broadcastMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Buffer full; the client resyncs via request:sync.
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast sends a notification to all connected clients.
func (h *Hub) Broadcast(msg *ws.Message) {
	h.broadcast <- msg
}

// Snapshot builds a sync:full frame, or nil when no provider is wired.
func (h *Hub) Snapshot(ctx context.Context) (*ws.Message, error) {
	if h.snapshot == nil {
		return nil, nil
	}
	snap, err := h.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return ws.NewNotification(ws.ActionSyncFull, snap.MaxSeq, snap)
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetDispatcher returns the message dispatcher.
func (h *Hub) GetDispatcher() *ws.Dispatcher {
	return h.dispatcher
}
