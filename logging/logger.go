package logging

import (
	"sync"
	"time"

	"leakbench/types"
)

// Hub fans log lines out to streaming clients (the SSE log view).
type Hub struct {
	mu      sync.RWMutex
	clients map[chan types.LogMessage]bool
}

func NewHub() *Hub {
	return &Hub{clients: make(map[chan types.LogMessage]bool)}
}

func (h *Hub) AddClient(client chan types.LogMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = true
}

// RemoveClient unregisters and closes client.
func (h *Hub) RemoveClient(client chan types.LogMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client)
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Broadcast(msg types.LogMessage) {
	if msg.Time == "" {
		msg.Time = time.Now().Format("15:04:05")
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client <- msg:
		default:
			// client is not keeping up, drop the line for it
		}
	}
}
