package sse

import (
	"context"
	"encoding/json"
	"sync"

	"ei-camera-detect/internal/models"

	log "github.com/sirupsen/logrus"
)

const (
	broadcastBuffer = 100
	clientBuffer    = 16
)

// Client represents a single connected SSE client.
// It's essentially a channel where we send messages destined for this client.
type Client chan []byte

// Hub manages the set of active clients and broadcasts messages to them.
type Hub struct {
	// Registered clients.
	clients map[Client]bool

	// Inbound messages from the application.
	broadcast chan []byte

	// Register requests from the clients.
	register chan Client

	// Unregister requests from clients.
	unregister chan Client

	// Closed when Run returns so late (un)registrations do not block.
	done chan struct{}

	// Mutex to protect concurrent access to the clients map.
	mu sync.Mutex
}

// NewHub creates a new Hub instance.
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan []byte, broadcastBuffer),
		register:   make(chan Client),
		unregister: make(chan Client),
		done:       make(chan struct{}),
		clients:    make(map[Client]bool),
	}
}

// NewClient returns a buffered client channel suitable for Register.
func NewClient() Client {
	return make(Client, clientBuffer)
}

// Run starts the hub's processing loop until ctx is cancelled.
// It should be run in a separate goroutine.
func (h *Hub) Run(ctx context.Context) {
	log.Info("SSE Hub started.")
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client)
			}
			h.mu.Unlock()
			log.Info("SSE Hub stopped.")
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			log.Infof("SSE client registered. Total clients: %d", count)
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client) // Close the channel to signal the client handler to stop.
				log.Infof("SSE client unregistered. Total clients: %d", len(h.clients))
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				// A slow client loses messages rather than stalling the others.
				select {
				case client <- message:
				default:
					log.Warn("SSE client channel full. Skipping message.")
				}
			}
			h.mu.Unlock()
		}
	}
}

// Register adds a new client to the hub. It returns false once the hub has
// stopped.
func (h *Hub) Register(client Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends a message to all registered clients without blocking.
func (h *Hub) Broadcast(message []byte) {
	select {
	case h.broadcast <- message:
	default:
		log.Warn("SSE broadcast channel full. Message dropped.")
	}
}

// OnPrediction broadcasts a processed frame as JSON.
func (h *Hub) OnPrediction(ev models.PredictionEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Errorf("Error marshalling prediction event for SSE: %v", err)
		return
	}
	h.Broadcast(data)
}
