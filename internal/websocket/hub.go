// Package websocket pushes live bridge status to connected admin pages:
// dispatch cycle summaries and activation transitions, so operators watch
// the outbox drain without polling.
package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"lmsbridge/internal/dispatch"
	"lmsbridge/internal/infrastructure"
)

// Message types pushed to clients.
const (
	TypeConnection = "connection"
	TypeDispatch   = "dispatch:cycle"
	TypeActivation = "activation:changed"
)

// Message is the envelope for every hub broadcast.
type Message struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// Hub maintains the set of connected clients and fans broadcasts out to
// them. Slow clients are dropped rather than allowed to block the rest.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	quit       chan struct{}

	mu      sync.Mutex
	running bool

	logger *slog.Logger
}

// NewHub creates a Hub. A nil logger falls back to the process logger.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 16),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
		logger:     logger.With(slog.String("component", "websocket.hub")),
	}
}

// Start launches the hub loop. Idempotent.
func (h *Hub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	go h.run()
}

// Stop shuts the loop down and closes all client connections.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return
	}
	h.running = false
	close(h.quit)
}

func (h *Hub) run() {
	for {
		select {
		case <-h.quit:
			for client := range h.clients {
				client.closeSend()
				delete(h.clients, client)
			}
			h.logger.Info("hub stopped", slog.String("action", "hub_stop"))
			return

		case client := <-h.register:
			h.clients[client] = true
			h.logger.Debug("client connected",
				slog.String("action", "client_register"),
				slog.Int("clients", len(h.clients)),
			)
			client.enqueue(marshalMessage(Message{
				Type:      TypeConnection,
				Timestamp: time.Now().UTC(),
			}))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closeSend()
				h.logger.Debug("client disconnected",
					slog.String("action", "client_unregister"),
					slog.Int("clients", len(h.clients)),
				)
			}

		case payload := <-h.broadcast:
			for client := range h.clients {
				if !client.enqueue(payload) {
					delete(h.clients, client)
					client.closeSend()
					h.logger.Warn("dropped slow client",
						slog.String("action", "client_drop"),
					)
				}
			}
		}
	}
}

// Broadcast sends a typed message to every connected client. Safe to call
// from any goroutine; a stopped hub discards messages.
func (h *Hub) Broadcast(messageType string, data interface{}) {
	payload := marshalMessage(Message{
		Type:      messageType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	select {
	case h.broadcast <- payload:
	case <-h.quit:
	default:
		// Full broadcast buffer: drop instead of blocking the caller.
	}
}

// NotifyDispatch pushes a dispatch cycle summary to all clients.
func (h *Hub) NotifyDispatch(summary dispatch.CycleSummary) {
	h.Broadcast(TypeDispatch, summary)
}

// NotifyActivation pushes an activation state transition.
func (h *Hub) NotifyActivation(activated bool, reason string) {
	h.Broadcast(TypeActivation, map[string]interface{}{
		"activated": activated,
		"reason":    reason,
	})
}

func marshalMessage(m Message) []byte {
	data, err := json.Marshal(m)
	if err != nil {
		return []byte(`{"type":"error"}`)
	}
	return data
}
