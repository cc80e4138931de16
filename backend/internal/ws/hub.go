package ws

import (
	"sync"

	"github.com/MonkyMars/BlueQuill/backend/internal/cache"
)

// Hub fans frames out to every connection in a document's room. The
// optional presence cache mirrors awareness into Redis so tooling outside
// the relay can see who is online; the in-room state stays authoritative.
type Hub struct {
	presence cache.PresenceCache

	mu sync.RWMutex
	// docID -> set of connections. Keyed by connection, not user: one user
	// can hold several tabs and each gets the broadcast.
	rooms map[string]map[*Conn]struct{}
}

func NewHub(p cache.PresenceCache) *Hub {
	return &Hub{presence: p, rooms: make(map[string]map[*Conn]struct{})}
}

func (h *Hub) Join(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[docID] == nil {
		h.rooms[docID] = make(map[*Conn]struct{})
	}
	h.rooms[docID][c] = struct{}{}
}

func (h *Hub) Leave(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[docID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, docID)
		}
	}
}

// Broadcast sends frame to every connection in the room except the sender.
// Within one sender's stream order is preserved: frames reach Broadcast
// from that sender's single read loop, and each receiver has one FIFO send
// queue.
func (h *Hub) Broadcast(docID string, sender *Conn, frame []byte) {
	h.mu.RLock()
	conns := h.rooms[docID]
	targets := make([]*Conn, 0, len(conns))
	for c := range conns {
		if c != sender {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.enqueue(frame)
	}
}

// RoomSize reports how many connections are attached to the document.
func (h *Hub) RoomSize(docID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[docID])
}
