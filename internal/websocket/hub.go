package websocket

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/xogrid/server/internal/notify"
)

// Message is every frame the server writes
type Message struct {
	Type  string `json:"type"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// Hub maintains the set of connected players and delivers events to them.
// It implements notify.Notifier.
type Hub struct {
	// Registered clients by player id; a reconnect replaces the old client
	clients map[int64]*Client

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	onDisconnect func(playerID int64)

	mu sync.RWMutex
}

var _ notify.Notifier = (*Hub)(nil)

// NewHub creates a new Hub instance
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[int64]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// SetOnDisconnect sets the callback for when a player's last connection closes
func (h *Hub) SetOnDisconnect(callback func(playerID int64)) {
	h.onDisconnect = callback
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if old, ok := h.clients[client.playerID]; ok {
				close(old.send)
			}
			h.clients[client.playerID] = client
			h.mu.Unlock()
			log.Printf("[Hub] Player %d connected", client.playerID)

		case client := <-h.unregister:
			h.mu.Lock()
			current, ok := h.clients[client.playerID]
			if ok && current == client {
				delete(h.clients, client.playerID)
				close(client.send)
			}
			h.mu.Unlock()
			if !ok || current != client {
				continue
			}
			log.Printf("[Hub] Player %d disconnected", client.playerID)
			if h.onDisconnect != nil {
				go h.onDisconnect(client.playerID)
			}

		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Notify delivers an event to the player's connection, if any. A slow
// client loses the event rather than blocking the caller.
func (h *Hub) Notify(_ context.Context, playerID int64, kind notify.EventKind, payload any) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	client, ok := h.clients[playerID]
	if !ok {
		return
	}
	h.deliver(client, Message{Type: string(kind), Data: payload})
}

// reply answers a request on the connection that sent it
func (h *Hub) reply(client *Client, msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.clients[client.playerID] != client {
		return
	}
	h.deliver(client, msg)
}

// deliver must be called with mu held
func (h *Hub) deliver(client *Client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[Hub] Error marshaling %s: %v", msg.Type, err)
		return
	}
	if !client.enqueue(data) {
		log.Printf("[Hub] Dropped %s for player %d - buffer full", msg.Type, client.playerID)
	}
}

// Connected reports whether the player has a live connection
func (h *Hub) Connected(playerID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[playerID]
	return ok
}

// ClientCount returns the number of connected players
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
