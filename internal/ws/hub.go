package ws

import (
	"sync"
)

// Hub fans server messages out to the sockets of one document. Rooms hold
// connections rather than users: one user may hold several tabs, and each tab
// gets its own delivery.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Conn]struct{})}
}

func (h *Hub) Join(docKey string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[docKey] == nil {
		h.rooms[docKey] = make(map[*Conn]struct{})
	}
	h.rooms[docKey][c] = struct{}{}
}

func (h *Hub) Leave(docKey string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[docKey]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, docKey)
		}
	}
}

// Broadcast enqueues msg on every connection in the room except the sender.
func (h *Hub) Broadcast(docKey string, sender *Conn, msg ServerMessage) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[docKey]))
	for c := range h.rooms[docKey] {
		if c != sender {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Enqueue(msg)
	}
}
